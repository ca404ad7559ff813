package diagnostic

import (
	"errors"
	"testing"
)

func TestChannel_DrainFIFOInBatches(t *testing.T) {
	c := NewChannel()
	var order []int
	for i := 0; i < MaxBatch+3; i++ {
		c.Submit("diag", func() (any, error) {
			order = append(order, i)
			return i, nil
		})
	}

	if n := c.Drain(); n != MaxBatch {
		t.Fatalf("first Drain: got %d, want %d", n, MaxBatch)
	}
	if n := c.Drain(); n != 3 {
		t.Fatalf("second Drain: got %d, want 3", n)
	}
	if n := c.Drain(); n != 0 {
		t.Fatalf("empty Drain: got %d, want 0", n)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d]: got %d", i, v)
		}
	}
}

func TestChannel_FailureIsContained(t *testing.T) {
	c := NewChannel()
	bad := c.Submit("bad", func() (any, error) { panic("boom") })
	good := c.Submit("good", func() (any, error) { return "ok", nil })
	c.Drain()

	if _, err := bad.Result(); err == nil {
		t.Fatal("panicking diagnostic should fail its cell")
	}
	if v, err := good.Result(); err != nil || v != "ok" {
		t.Fatalf("good diagnostic: got (%v, %v)", v, err)
	}
}

func TestChannel_ClearPending(t *testing.T) {
	c := NewChannel()
	a := c.Submit("a", func() (any, error) { return nil, nil })
	c.Submit("b", func() (any, error) { return nil, nil })

	if n := c.ClearPending(); n != 2 {
		t.Fatalf("ClearPending: got %d, want 2", n)
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending: got %d, want 0", c.Pending())
	}
	if _, err := a.Result(); !errors.Is(err, ErrCleared) {
		t.Fatalf("cleared cell error: got %v, want ErrCleared", err)
	}
}

func TestChannel_Registration(t *testing.T) {
	c := NewChannel()
	if c.Registered() {
		t.Fatal("new channel should not be registered")
	}
	if !c.Register() {
		t.Fatal("first Register should succeed")
	}
	if c.Register() {
		t.Fatal("second Register should report false")
	}
	if !c.Unregister() || c.Registered() {
		t.Fatal("Unregister should succeed once")
	}
	if c.Unregister() {
		t.Fatal("second Unregister should report false")
	}
}
