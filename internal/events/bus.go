// Package events provides the in-memory bus that carries task and
// diagnostic lifecycle events to the gateway and the event journal.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event.
type EventType string

const (
	// Task lifecycle
	EventTaskCreated            EventType = "task.created"
	EventTaskStatus             EventType = "task.status"
	EventTaskInterruptRequested EventType = "task.interrupt_requested"
	EventTasksCleared           EventType = "tasks.cleared"

	// Diagnostics
	EventDiagnosticExecuted EventType = "diagnostic.executed"
	EventDiagnosticTimeout  EventType = "diagnostic.timeout"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceRegistry   EventSource = "registry"
	SourceBridge     EventSource = "bridge"
	SourceDiagnostic EventSource = "diagnostic"
)

// Event is one published occurrence. Seq is assigned by the bus in
// dispatch order, so subscribers can spot gaps left by dropped events.
type Event struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	SessionID string         `json:"session_id,omitempty"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// subscription delivers to its handler from a dedicated goroutine, so one
// subscriber sees events in publish order and a slow one only delays itself.
type subscription struct {
	types   []EventType
	handler Subscriber
	queue   chan Event
	stop    chan struct{}
	once    sync.Once
}

func (s *subscription) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	for _, want := range s.types {
		if want == t {
			return true
		}
	}
	return false
}

func (s *subscription) run() {
	for {
		select {
		case e := <-s.queue:
			s.handler(e)
		case <-s.stop:
			return
		}
	}
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.stop) })
}

// Bus fans events out to subscribers and keeps a short history.
// Publish never blocks; an event is dropped for a subscriber whose queue is
// full, and for everyone when the bus buffer is full.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextSub int
	closed  bool

	in      chan Event
	done    chan struct{}
	history *RingBuffer
	seq     uint64 // dispatch goroutine only
	dropped atomic.Uint64
}

// NewBus creates a bus. bufferSize bounds both the publish buffer and each
// subscriber queue; zero or less selects 256.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	b := &Bus{
		subs:    make(map[int]*subscription),
		in:      make(chan Event, bufferSize),
		done:    make(chan struct{}),
		history: NewRingBuffer(bufferSize),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	for {
		select {
		case e := <-b.in:
			b.seq++
			e.Seq = b.seq
			b.history.Add(e)
			b.fanOut(e)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) fanOut(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.queue <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Publish queues an event for dispatch. A nil or closed bus ignores it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.in <- e:
	default:
		b.dropped.Add(1)
	}
}

// Subscribe registers handler for the given event types (all when none are
// given) and returns the unsubscribe function.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	s := &subscription{
		types:   eventTypes,
		handler: handler,
		queue:   make(chan Event, cap(b.in)),
		stop:    make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[id] = s
	b.mu.Unlock()

	go s.run()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.close()
	}
}

// SubscribeChan delivers matching events on a channel of size bufSize. The
// channel is closed by the returned unsubscribe function.
func (b *Bus) SubscribeChan(bufSize int, eventTypes ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	var mu sync.Mutex
	closed := false

	unsubscribe := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}, eventTypes...)

	return ch, func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// History returns up to limit of the most recent events, oldest first.
func (b *Bus) History(limit int) []Event {
	return b.history.Get(limit)
}

// Dropped reports how many deliveries were lost to full buffers.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close stops dispatch and every subscriber. Further publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for id, s := range b.subs {
		s.close()
		delete(b.subs, id)
	}
}

// RingBuffer keeps the last size events.
type RingBuffer struct {
	mu     sync.RWMutex
	events []Event
	next   int
	count  int
}

// NewRingBuffer creates a ring buffer holding size events.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{events: make([]Event, size)}
}

// Add stores e, evicting the oldest event when full.
func (r *RingBuffer) Add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = e
	r.next = (r.next + 1) % len(r.events)
	if r.count < len(r.events) {
		r.count++
	}
}

// Get returns up to n of the newest events, oldest first.
func (r *RingBuffer) Get(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n = min(n, r.count)
	if n <= 0 {
		return nil
	}
	size := len(r.events)
	out := make([]Event, n)
	start := (r.next - n + size) % size
	for i := range n {
		out[i] = r.events[(start+i)%size]
	}
	return out
}

func newEventID() string {
	return uuid.NewString()
}
