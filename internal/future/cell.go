// Package future provides a write-once result cell shared between the
// goroutine that submits work and the goroutine that executes it.
package future

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrCancelled = errors.New("cancelled before start")
	ErrTimeout   = errors.New("wait timed out")
)

// State is the lifecycle state of a Cell.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCancelled
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state can no longer change.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateResolved || s == StateFailed
}

// Cell holds the eventual outcome of one unit of work.
// It has a single writer (the executing goroutine) and any number of readers.
type Cell struct {
	mu        sync.Mutex
	state     State
	value     any
	err       error
	done      chan struct{}
	callbacks []func(*Cell)
}

// New returns a pending cell.
func New() *Cell {
	return &Cell{done: make(chan struct{})}
}

// TryStart claims the cell for execution. It returns false when the cell was
// cancelled (or already claimed), in which case the work must not run.
func (c *Cell) TryStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePending {
		return false
	}
	c.state = StateRunning
	return true
}

// Cancel prevents a pending cell from ever starting.
// It returns false once the cell has been claimed or resolved.
func (c *Cell) Cancel() bool {
	c.mu.Lock()
	if c.state != StatePending {
		c.mu.Unlock()
		return false
	}
	c.state = StateCancelled
	c.err = ErrCancelled
	return c.finishLocked()
}

// Resolve stores the value. Only the first resolution wins.
func (c *Cell) Resolve(v any) bool {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	c.state = StateResolved
	c.value = v
	return c.finishLocked()
}

// Fail stores the error. Only the first resolution wins.
func (c *Cell) Fail(err error) bool {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	if err == nil {
		err = errors.New("unknown error")
	}
	c.state = StateFailed
	c.err = err
	return c.finishLocked()
}

// finishLocked runs callbacks, then closes done, so waiters observe every
// side effect of the callbacks. Called with mu held; releases it.
func (c *Cell) finishLocked() bool {
	cbs := c.callbacks
	c.callbacks = nil
	c.mu.Unlock()

	for _, fn := range cbs {
		c.invoke(fn)
	}
	close(c.done)
	return true
}

func (c *Cell) invoke(fn func(*Cell)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("future callback panicked", "panic", r)
		}
	}()
	fn(c)
}

// OnDone registers fn to run once the cell reaches a terminal state.
// If it already has, fn runs immediately on the calling goroutine.
// fn must not Wait on the cell.
func (c *Cell) OnDone(fn func(*Cell)) {
	c.mu.Lock()
	if !c.state.Terminal() {
		c.callbacks = append(c.callbacks, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.invoke(fn)
}

// State returns the current state.
func (c *Cell) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether the work has been claimed and is not yet resolved.
func (c *Cell) Running() bool { return c.State() == StateRunning }

// Cancelled reports whether the cell was cancelled before it started.
func (c *Cell) Cancelled() bool { return c.State() == StateCancelled }

// Done returns a channel closed when the cell reaches a terminal state.
func (c *Cell) Done() <-chan struct{} { return c.done }

// IsDone reports whether the cell reached a terminal state.
func (c *Cell) IsDone() bool { return c.State().Terminal() }

// Result returns the outcome without blocking. Both values are nil while the
// cell is unresolved.
func (c *Cell) Result() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.err
}

// Wait blocks until the cell resolves or ctx is done.
func (c *Cell) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitTimeout blocks for at most d. It returns ErrTimeout if the cell is
// still unresolved when d elapses.
func (c *Cell) WaitTimeout(d time.Duration) (any, error) {
	if d <= 0 {
		if c.IsDone() {
			return c.Result()
		}
		return nil, ErrTimeout
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.done:
		return c.Result()
	case <-timer.C:
		return nil, ErrTimeout
	}
}
