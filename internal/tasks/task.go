package tasks

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/hostbridge/internal/future"
)

// Meta describes a task at creation time.
type Meta struct {
	TaskID      string // generated when empty
	Description string
	ScriptPath  string
	LogPath     string
}

// Snapshot is an immutable copy of a task's state.
type Snapshot struct {
	ID          string     `json:"task_id"`
	SessionID   string     `json:"session_id"`
	Description string     `json:"description"`
	ScriptPath  string     `json:"script_path,omitempty"`
	LogPath     string     `json:"log_path,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Result      any        `json:"result,omitempty"`
	Notified    bool       `json:"notified"`
	Live        bool       `json:"-"`
}

// Elapsed is end-start for terminal tasks and now-start for live ones.
// Restored tasks that never ended report zero.
func (s Snapshot) Elapsed(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	if !s.Live {
		return 0
	}
	return now.Sub(s.StartTime)
}

// StatusHook observes status transitions. It runs outside every lock.
type StatusHook func(snap Snapshot, prev Status)

// Task is one unit of submitted work and its lifecycle state machine.
// Status is monotonic: pending -> running -> completed | failed | interrupted.
type Task struct {
	mu       sync.Mutex
	snap     Snapshot
	cell     *future.Cell
	onChange StatusHook
}

func newTask(sessionID string, meta Meta, cell *future.Cell, now time.Time, hook StatusHook) *Task {
	return &Task{
		snap: Snapshot{
			ID:          meta.TaskID,
			SessionID:   sessionID,
			Description: meta.Description,
			ScriptPath:  meta.ScriptPath,
			LogPath:     meta.LogPath,
			StartTime:   now,
			Status:      StatusPending,
			Live:        cell != nil,
		},
		cell:     cell,
		onChange: hook,
	}
}

// attach wires the cell's completion into the state machine and catches up
// with a cell that has already started.
func (t *Task) attach() {
	if t.cell == nil {
		return
	}
	t.cell.OnDone(t.complete)
	t.Refresh()
}

// Snapshot returns a copy of the current state.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Status returns the current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.Status
}

// Refresh promotes pending to running when the cell has already been
// claimed but the record has not caught up. It reports whether it changed.
func (t *Task) Refresh() bool {
	if t.cell == nil || !t.cell.Running() {
		return false
	}
	return t.MarkRunning()
}

// MarkRunning moves a pending task to running.
func (t *Task) MarkRunning() bool {
	return t.transition(StatusRunning, func(s *Snapshot) {})
}

func (t *Task) complete(c *future.Cell) {
	value, err := c.Result()

	var (
		next   Status
		result any
		msg    string
	)
	switch {
	case c.State() == future.StateCancelled:
		next, msg = StatusInterrupted, "cancelled before execution"
	case err != nil:
		next, msg = StatusFailed, err.Error()
	default:
		if o, ok := value.(Outcome); ok {
			next, result = o.Status(), o.Value
			if o.Kind == OutcomeFailed {
				msg = "task execution failed"
				if o.Err != nil {
					msg = o.Err.Error()
				}
			}
		} else {
			next, result = StatusCompleted, value
		}
	}

	t.transition(next, func(s *Snapshot) {
		s.Error = msg
		s.Result = result
	})
}

// transition applies next if it moves the state machine forward, sets the
// end time on the first terminal transition, and fires the hook.
func (t *Task) transition(next Status, apply func(*Snapshot)) bool {
	t.mu.Lock()
	prev := t.snap.Status
	if !allowed(prev, next) {
		t.mu.Unlock()
		return false
	}
	t.snap.Status = next
	apply(&t.snap)
	if next.Terminal() && t.snap.EndTime == nil {
		end := time.Now()
		t.snap.EndTime = &end
	}
	snap := t.snap
	hook := t.onChange
	t.mu.Unlock()

	slog.Debug("task status changed", "task_id", snap.ID, "from", prev, "to", next)
	fireHook(hook, snap, prev)
	return true
}

func allowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to.Terminal()
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

func fireHook(hook StatusHook, snap Snapshot, prev Status) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("status change hook failed", "task_id", snap.ID, "panic", r)
		}
	}()
	hook(snap, prev)
}

func (t *Task) markNotified() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Notified = true
}

// errRestart is recorded on tasks that were active when the process stopped.
var errRestart = errors.New("process restarted before the task finished")
