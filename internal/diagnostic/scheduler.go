package diagnostic

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/hostbridge/internal/events"
	"github.com/dohr-michael/hostbridge/internal/future"
	"github.com/dohr-michael/hostbridge/internal/mainthread"
)

// Path names the route that delivered a diagnostic.
type Path string

const (
	PathQueue    Path = "queue"
	PathCallback Path = "callback"
)

// Reasons reported with a timeout.
const (
	ReasonMaxAttempts = "max_attempts"
	ReasonBudget      = "timeout"
	ReasonCancelled   = "cancelled"
)

// ErrTimeout reports that no path delivered the diagnostic in time. It is
// distinct from a diagnostic that ran and returned its own error.
var ErrTimeout = errors.New("diagnostic timed out")

// Defaults for Options.
const (
	DefaultMaxAttempts   = 2
	DefaultSliceFraction = 0.4
	DefaultMinBudget     = 500 * time.Millisecond
)

// Submitter queues work for the pinned goroutine.
type Submitter interface {
	Submit(name string, fn mainthread.Func) *future.Cell
}

// Options tunes the retry loop. Zero values select the defaults.
type Options struct {
	MaxAttempts   int
	SliceFraction float64
	MinBudget     time.Duration
}

// Result is the outcome of Run. When TimedOut is set, Err is ErrTimeout and
// Path is empty; otherwise Value and Err come from the diagnostic itself.
type Result struct {
	Value    any
	Err      error
	Path     Path
	TimedOut bool
	Reason   string
	Attempts int
	Elapsed  time.Duration
}

// Scheduler picks, per attempt, the delivery path that matches the current
// occupancy of the pinned goroutine.
type Scheduler struct {
	queue    Submitter
	channel  *Channel
	occupied func() bool
	bus      *events.Bus
	opts     atomic.Pointer[Options]
}

// NewScheduler wires the two delivery paths. occupied reports whether a
// long task holds the pinned goroutine (e.g. tasks.Registry.HasRunning).
func NewScheduler(queue Submitter, channel *Channel, occupied func() bool, bus *events.Bus, opts Options) *Scheduler {
	s := &Scheduler{queue: queue, channel: channel, occupied: occupied, bus: bus}
	s.SetOptions(opts)
	return s
}

// SetOptions replaces the tuning. Runs already in progress keep the values
// they started with.
func (s *Scheduler) SetOptions(opts Options) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.SliceFraction <= 0 || opts.SliceFraction > 1 {
		opts.SliceFraction = DefaultSliceFraction
	}
	if opts.MinBudget <= 0 {
		opts.MinBudget = DefaultMinBudget
	}
	s.opts.Store(&opts)
}

// Options returns the current tuning.
func (s *Scheduler) Options() Options {
	return *s.opts.Load()
}

// Run delivers fn before deadline. Each attempt re-reads occupancy and
// spends a fraction of what is left of the budget; a stalled attempt falls
// through to the next one. Run never waits past deadline.
func (s *Scheduler) Run(ctx context.Context, name string, fn mainthread.Func, deadline time.Time) Result {
	opts := s.Options()
	start := time.Now()
	budget := time.Until(deadline)
	res := Result{Reason: ReasonMaxAttempts}

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			res.Reason = ReasonCancelled
			break
		}
		remaining := time.Until(deadline)
		if remaining < opts.MinBudget {
			res.Reason = ReasonBudget
			break
		}
		slice := time.Duration(float64(remaining) * opts.SliceFraction)
		res.Attempts++

		var (
			cell *future.Cell
			ok   bool
			path Path
		)
		if s.occupied != nil && s.occupied() {
			path = PathCallback
			cell, ok = s.viaCallback(ctx, name, fn, slice, deadline)
		} else {
			path = PathQueue
			cell, ok = s.viaQueue(ctx, name, fn, slice, deadline)
		}
		if ok {
			res.Value, res.Err = cell.Result()
			res.Path = path
			res.Reason = ""
			res.Elapsed = time.Since(start)
			s.publishExecuted(res)
			return res
		}
		slog.Debug("diagnostic attempt stalled", "name", name, "attempt", res.Attempts, "path", path, "slice", slice)
	}

	res.TimedOut = true
	res.Err = ErrTimeout
	res.Elapsed = time.Since(start)
	slog.Warn("diagnostic timed out", "name", name, "attempts", res.Attempts, "reason", res.Reason, "budget", budget)
	s.bus.Publish(events.NewTypedEvent(events.SourceDiagnostic, events.DiagnosticTimeoutPayload{
		Attempts: res.Attempts,
		Budget:   budget.Truncate(time.Millisecond).String(),
		Reason:   res.Reason,
	}))
	return res
}

// viaQueue submits to the main queue. On a stalled slice the work is
// cancelled; if it already started, it gets the rest of the budget.
func (s *Scheduler) viaQueue(ctx context.Context, name string, fn mainthread.Func, slice time.Duration, deadline time.Time) (*future.Cell, bool) {
	cell := s.queue.Submit(name, fn)
	return cell, settle(ctx, cell, slice, deadline)
}

// viaCallback hands the work to the step-hook channel, which only makes
// progress while the host is registered and a task is stepping.
func (s *Scheduler) viaCallback(ctx context.Context, name string, fn mainthread.Func, slice time.Duration, deadline time.Time) (*future.Cell, bool) {
	if s.channel == nil || !s.channel.Registered() {
		return nil, false
	}
	cell := s.channel.Submit(name, fn)
	return cell, settle(ctx, cell, slice, deadline)
}

// settle reports whether cell finished in time.
func settle(ctx context.Context, cell *future.Cell, slice time.Duration, deadline time.Time) bool {
	if waitFor(ctx, cell, slice) {
		return true
	}
	if cell.Cancel() {
		return false
	}
	// Already claimed by the pinned goroutine, or finished in between.
	return waitFor(ctx, cell, time.Until(deadline))
}

func waitFor(ctx context.Context, cell *future.Cell, d time.Duration) bool {
	if d <= 0 {
		return cell.IsDone()
	}
	wctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	select {
	case <-cell.Done():
		return true
	case <-wctx.Done():
		return false
	}
}

func (s *Scheduler) publishExecuted(res Result) {
	p := events.DiagnosticExecutedPayload{
		Path:     string(res.Path),
		Attempts: res.Attempts,
		Duration: res.Elapsed.Truncate(time.Millisecond).String(),
	}
	if res.Err != nil {
		p.Error = res.Err.Error()
	}
	s.bus.Publish(events.NewTypedEvent(events.SourceDiagnostic, p))
}
