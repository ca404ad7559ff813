// Package mainthread serializes host-affecting work onto one pinned goroutine.
//
// Any goroutine may Submit work; only the pinned goroutine calls Tick, which
// drains the queue in submission order.
package mainthread

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/hostbridge/internal/future"
)

// Func is a unit of work executed on the pinned goroutine.
type Func func() (any, error)

type workItem struct {
	name      string
	fn        Func
	cell      *future.Cell
	submitted time.Time
}

// Executor owns the FIFO queue feeding the pinned goroutine.
type Executor struct {
	mu    sync.Mutex
	queue []workItem

	owner  atomic.Int64 // goroutine id allowed to call Tick
	wakeCh chan struct{}

	lastTick  atomic.Int64 // unix nanos
	processed atomic.Uint64
}

// NewExecutor creates an executor bound to the calling goroutine.
func NewExecutor() *Executor {
	e := &Executor{wakeCh: make(chan struct{}, 1)}
	e.owner.Store(goroutineID())
	slog.Debug("main thread executor created", "goroutine", e.owner.Load())
	return e
}

// Bind rebinds the executor to the calling goroutine.
func (e *Executor) Bind() {
	e.owner.Store(goroutineID())
}

// Submit enqueues fn and returns its result cell. It never blocks.
func (e *Executor) Submit(name string, fn Func) *future.Cell {
	cell := future.New()

	e.mu.Lock()
	e.queue = append(e.queue, workItem{name: name, fn: fn, cell: cell, submitted: time.Now()})
	size := len(e.queue)
	e.mu.Unlock()

	slog.Debug("work submitted", "name", name, "queue_size", size)
	e.wake()
	return cell
}

// Tick pops up to maxItems queued items and executes them in FIFO order.
// maxItems <= 0 processes every item queued when Tick starts. Cancelled items
// are popped and skipped. It returns the number of items popped and never
// panics: a failing item only fails its own cell.
func (e *Executor) Tick(maxItems int) int {
	if id := goroutineID(); id != e.owner.Load() {
		slog.Warn("tick called from wrong goroutine",
			"current", id, "expected", e.owner.Load())
	}
	defer e.lastTick.Store(time.Now().UnixNano())

	limit := maxItems
	if limit <= 0 {
		limit = e.Len()
	}

	count := 0
	for count < limit {
		item, ok := e.pop()
		if !ok {
			break
		}
		count++
		e.run(item)
	}

	if count > 0 {
		e.processed.Add(uint64(count))
		slog.Debug("processed queued work", "count", count)
	}
	return count
}

func (e *Executor) pop() (workItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return workItem{}, false
	}
	item := e.queue[0]
	e.queue[0] = workItem{}
	e.queue = e.queue[1:]
	return item, true
}

func (e *Executor) run(item workItem) {
	if Execute(item.name, item.fn, item.cell) {
		slog.Debug("work completed", "name", item.name, "waited", time.Since(item.submitted).Truncate(time.Millisecond))
	}
}

// Execute claims cell and runs fn in place, settling cell with its result.
// A panic in fn fails the cell instead of unwinding the caller. It reports
// false when the cell was cancelled before it could start.
func Execute(name string, fn Func, cell *future.Cell) bool {
	if !cell.TryStart() {
		slog.Debug("work skipped (cancelled)", "name", name)
		return false
	}

	value, err := invoke(fn)
	if err != nil {
		slog.Error("work failed", "name", name, "error", err)
		cell.Fail(err)
		return true
	}
	cell.Resolve(value)
	return true
}

func invoke(fn Func) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// Len returns the number of queued items.
func (e *Executor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// LastTick returns the time of the most recent Tick, or zero.
func (e *Executor) LastTick() time.Time {
	n := e.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Processed returns the total number of items popped since creation.
func (e *Executor) Processed() uint64 {
	return e.processed.Load()
}

func (e *Executor) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}
