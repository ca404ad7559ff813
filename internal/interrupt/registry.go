// Package interrupt implements cooperative interruption of running tasks.
//
// Request handlers arm a per-task flag; the pinned goroutine polls it once per
// host step through CheckCurrent.
package interrupt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrInterrupted is returned by CheckCurrent when the current task has a
// pending interrupt request.
var ErrInterrupted = errors.New("interrupted by user request")

// StatusLookup reports whether a task exists and can still be interrupted
// (pending or running).
type StatusLookup func(taskID string) (interruptible, found bool)

// Registry holds interrupt flags and the current-task pointer.
type Registry struct {
	mu      sync.RWMutex
	flags   map[string]bool
	current atomic.Pointer[string]
	lookup  StatusLookup
}

// NewRegistry creates a registry. lookup may be nil, in which case every
// request is accepted.
func NewRegistry(lookup StatusLookup) *Registry {
	return &Registry{
		flags:  make(map[string]bool),
		lookup: lookup,
	}
}

// Request arms the interrupt flag for taskID. It returns false, leaving no
// flag behind, unless the task is currently pending or running.
func (r *Registry) Request(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lookup != nil {
		interruptible, found := r.lookup(taskID)
		if !found || !interruptible {
			slog.Debug("interrupt refused", "task_id", taskID, "found", found)
			return false
		}
	}
	r.flags[taskID] = true
	slog.Info("interrupt requested", "task_id", taskID)
	return true
}

// Check reports whether an interrupt is pending for taskID.
func (r *Registry) Check(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flags[taskID]
}

// Clear removes the flag for taskID. Safe to call repeatedly.
func (r *Registry) Clear(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flags, taskID)
}

// SetCurrent marks taskID as executing on the pinned goroutine.
func (r *Registry) SetCurrent(taskID string) {
	r.current.Store(&taskID)
}

// ClearCurrent empties the current-task slot.
func (r *Registry) ClearCurrent() {
	r.current.Store(nil)
}

// Current returns the executing task id, or "".
func (r *Registry) Current() string {
	if p := r.current.Load(); p != nil {
		return *p
	}
	return ""
}

// Enter sets taskID as current and returns the matching exit function, which
// clears both the current slot and the task's flag. Use with defer so it runs
// on every exit path.
func (r *Registry) Enter(taskID string) (exit func()) {
	r.SetCurrent(taskID)
	return func() {
		r.ClearCurrent()
		r.Clear(taskID)
	}
}

// CheckCurrent is the per-step checkpoint. It returns an error wrapping
// ErrInterrupted when the current task has been asked to stop.
func (r *Registry) CheckCurrent() error {
	id := r.Current()
	if id == "" {
		return nil
	}
	if r.Check(id) {
		return fmt.Errorf("task %s: %w", id, ErrInterrupted)
	}
	return nil
}

// Pending returns the number of armed flags.
func (r *Registry) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flags)
}
