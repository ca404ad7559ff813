// Package diagnostic delivers short, time-bounded work to the pinned
// goroutine, either through the main queue or between the steps of a
// long-running task.
package diagnostic

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dohr-michael/hostbridge/internal/future"
	"github.com/dohr-michael/hostbridge/internal/mainthread"
)

// MaxBatch caps how many items one Drain call executes.
const MaxBatch = 10

// ErrCleared fails work dropped by ClearPending.
var ErrCleared = errors.New("diagnostic cleared before execution")

type item struct {
	name string
	fn   mainthread.Func
	cell *future.Cell
}

// Channel is the host-driven side queue. A running task's step hook calls
// Drain, so work submitted here runs even while the main queue is blocked.
type Channel struct {
	mu         sync.Mutex
	queue      []item
	registered atomic.Bool
}

// NewChannel creates an unregistered channel.
func NewChannel() *Channel {
	return &Channel{}
}

// Submit enqueues fn and returns its result cell. Never blocks.
func (c *Channel) Submit(name string, fn mainthread.Func) *future.Cell {
	cell := future.New()
	c.mu.Lock()
	c.queue = append(c.queue, item{name: name, fn: fn, cell: cell})
	depth := len(c.queue)
	c.mu.Unlock()
	slog.Debug("diagnostic queued", "name", name, "queue_size", depth)
	return cell
}

// Drain runs up to MaxBatch queued items in FIFO order on the calling
// goroutine and returns how many it popped.
func (c *Channel) Drain() int {
	popped := 0
	executed := 0
	for popped < MaxBatch {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			break
		}
		it := c.queue[0]
		c.queue[0] = item{}
		c.queue = c.queue[1:]
		c.mu.Unlock()

		popped++
		if mainthread.Execute(it.name, it.fn, it.cell) {
			executed++
		}
	}
	if executed > 0 {
		slog.Info("executed diagnostics via step hook", "count", executed)
	}
	return popped
}

// Register marks the channel as drained by the host. It reports false when
// it was already registered.
func (c *Channel) Register() bool {
	if !c.registered.CompareAndSwap(false, true) {
		slog.Warn("diagnostic channel already registered")
		return false
	}
	slog.Info("diagnostic channel registered")
	return true
}

// Unregister marks the channel as no longer drained.
func (c *Channel) Unregister() bool {
	if !c.registered.CompareAndSwap(true, false) {
		return false
	}
	slog.Info("diagnostic channel unregistered")
	return true
}

// Registered reports whether the host drains the channel.
func (c *Channel) Registered() bool {
	return c.registered.Load()
}

// ClearPending fails every queued item with ErrCleared.
func (c *Channel) ClearPending() int {
	c.mu.Lock()
	dropped := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, it := range dropped {
		it.cell.Fail(ErrCleared)
	}
	if len(dropped) > 0 {
		slog.Info("cleared pending diagnostics", "count", len(dropped))
	}
	return len(dropped)
}

// Pending returns the number of queued items.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
