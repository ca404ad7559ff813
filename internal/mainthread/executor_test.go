package mainthread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/hostbridge/internal/future"
)

func TestExecutor_FIFO(t *testing.T) {
	e := NewExecutor()

	var order []int
	cells := make([]*future.Cell, 0, 5)
	for i := 0; i < 5; i++ {
		cells = append(cells, e.Submit("item", func() (any, error) {
			order = append(order, i)
			return i, nil
		}))
	}

	if n := e.Tick(0); n != 5 {
		t.Fatalf("Tick: got %d, want 5", n)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order: got %v, want ascending", order)
		}
	}
	for i, c := range cells {
		v, err := c.WaitTimeout(time.Second)
		if err != nil || v != i {
			t.Errorf("cell %d: got (%v, %v)", i, v, err)
		}
	}
}

func TestExecutor_TickCap(t *testing.T) {
	e := NewExecutor()
	var ran []string
	for _, name := range []string{"a", "b", "c"} {
		e.Submit(name, func() (any, error) {
			ran = append(ran, name)
			return nil, nil
		})
	}

	if n := e.Tick(2); n != 2 {
		t.Fatalf("first Tick: got %d, want 2", n)
	}
	if len(ran) != 2 || ran[0] != "a" || ran[1] != "b" {
		t.Fatalf("after first tick: got %v, want [a b]", ran)
	}
	if n := e.Tick(2); n != 1 {
		t.Fatalf("second Tick: got %d, want 1", n)
	}
	if ran[2] != "c" {
		t.Fatalf("after second tick: got %v", ran)
	}
	if n := e.Tick(2); n != 0 {
		t.Fatalf("empty Tick: got %d, want 0", n)
	}
}

func TestExecutor_UnboundedTickSnapshotsQueue(t *testing.T) {
	e := NewExecutor()
	e.Submit("resubmit", func() (any, error) {
		e.Submit("late", func() (any, error) { return nil, nil })
		return nil, nil
	})
	if n := e.Tick(0); n != 1 {
		t.Fatalf("Tick: got %d, want 1", n)
	}
	if e.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", e.Len())
	}
}

func TestExecutor_CancelledItemNeverRuns(t *testing.T) {
	e := NewExecutor()
	ran := false
	cell := e.Submit("doomed", func() (any, error) {
		ran = true
		return nil, nil
	})
	if !cell.Cancel() {
		t.Fatal("Cancel should succeed before Tick")
	}

	if n := e.Tick(0); n != 1 {
		t.Fatalf("Tick: got %d, want 1", n)
	}
	if ran {
		t.Fatal("cancelled item executed")
	}
	if cell.State() != future.StateCancelled {
		t.Errorf("State: got %s, want cancelled", cell.State())
	}
}

func TestExecutor_FailureIsolation(t *testing.T) {
	e := NewExecutor()
	boom := errors.New("boom")
	c1 := e.Submit("err", func() (any, error) { return nil, boom })
	c2 := e.Submit("panic", func() (any, error) { panic("kaboom") })
	c3 := e.Submit("ok", func() (any, error) { return "fine", nil })

	if n := e.Tick(0); n != 3 {
		t.Fatalf("Tick: got %d, want 3", n)
	}
	if _, err := c1.WaitTimeout(time.Second); !errors.Is(err, boom) {
		t.Errorf("c1 err: got %v", err)
	}
	if _, err := c2.WaitTimeout(time.Second); err == nil {
		t.Error("c2: expected panic to surface as error")
	}
	if v, err := c3.WaitTimeout(time.Second); err != nil || v != "fine" {
		t.Errorf("c3: got (%v, %v)", v, err)
	}
}

func TestExecutor_SubmitFromManyGoroutines(t *testing.T) {
	e := NewExecutor()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Submit("concurrent", func() (any, error) { return nil, nil })
		}()
	}
	wg.Wait()
	if e.Len() != 50 {
		t.Fatalf("Len: got %d, want 50", e.Len())
	}
	if n := e.Tick(0); n != 50 {
		t.Fatalf("Tick: got %d, want 50", n)
	}
}

func TestExecutor_Run(t *testing.T) {
	e := NewExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx, 5*time.Millisecond, 1)
	}()

	cell := e.Submit("pumped", func() (any, error) { return "pumped", nil })
	v, err := cell.WaitTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("WaitTimeout: %v", err)
	}
	if v != "pumped" {
		t.Errorf("value: got %v", v)
	}
	if e.LastTick().IsZero() {
		t.Error("LastTick should be set after pumping")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestGoroutineID(t *testing.T) {
	id := goroutineID()
	if id <= 0 {
		t.Fatalf("goroutineID: got %d", id)
	}
	other := make(chan int64)
	go func() { other <- goroutineID() }()
	if got := <-other; got == id {
		t.Fatal("distinct goroutines reported the same id")
	}
}
