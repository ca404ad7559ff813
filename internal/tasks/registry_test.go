package tasks

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/hostbridge/internal/events"
	"github.com/dohr-michael/hostbridge/internal/future"
)

type failingPersister struct{}

func (failingPersister) SaveSession(string, []PersistedTask) error { return errors.New("disk full") }
func (failingPersister) LoadAll() ([]PersistedTask, error)         { return nil, nil }
func (failingPersister) DeleteSession(string) error                { return errors.New("disk full") }

type fakeOutput struct {
	mu        sync.Mutex
	discarded []string
}

func (f *fakeOutput) Output(snap Snapshot) string { return "output of " + snap.ID }

func (f *fakeOutput) Discard(snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, snap.ID)
}

func newTestRegistry(t *testing.T) (*Registry, *FileStore) {
	t.Helper()
	store := NewFileStore(t.TempDir())
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	return NewRegistry(Options{Persister: store, Bus: bus, Output: &fakeOutput{}}), store
}

func TestRegistryCreate_Validation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if _, err := reg.Create("", future.New(), Meta{}); !errors.Is(err, ErrInvalidSubmission) {
		t.Errorf("empty session: got %v, want ErrInvalidSubmission", err)
	}
	if _, err := reg.Create("../escape", future.New(), Meta{}); !errors.Is(err, ErrInvalidSubmission) {
		t.Errorf("bad session: got %v, want ErrInvalidSubmission", err)
	}
	if _, err := reg.Create("s1", nil, Meta{}); !errors.Is(err, ErrInvalidSubmission) {
		t.Errorf("nil cell: got %v, want ErrInvalidSubmission", err)
	}
	if _, err := reg.Create("s1", future.New(), Meta{TaskID: "dup"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := reg.Create("s1", future.New(), Meta{TaskID: "dup"}); !errors.Is(err, ErrInvalidSubmission) {
		t.Errorf("duplicate id: got %v, want ErrInvalidSubmission", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Len: got %d, want 1", reg.Len())
	}
}

func TestRegistryCreate_AlreadyStarted(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cell := future.New()
	cell.TryStart()

	id, err := reg.Create("s1", cell, Meta{Description: "late"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap, _ := reg.Get(id)
	if snap.Status != StatusRunning {
		t.Fatalf("Status: got %q, want running", snap.Status)
	}
}

func TestRegistryStatus(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cell := future.New()
	id, _ := reg.Create("s1", cell, Meta{Description: "job"})

	resp, ok := reg.Status(id)
	if !ok {
		t.Fatal("Status: task not found")
	}
	if resp.Status != StatusPending {
		t.Errorf("Status: got %q, want pending", resp.Status)
	}
	if resp.Output != "output of "+id {
		t.Errorf("Output: got %q", resp.Output)
	}

	cell.TryStart()
	cell.Fail(errors.New("boom"))
	resp, _ = reg.Status(id)
	if resp.Status != StatusFailed || resp.Error != "boom" {
		t.Errorf("after failure: got (%q, %q)", resp.Status, resp.Error)
	}

	if _, ok := reg.Status("missing"); ok {
		t.Error("Status of unknown id should report not found")
	}
}

func TestRegistryHasRunning_PromotesStale(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cell := future.New()
	id, _ := reg.Create("s1", cell, Meta{})

	if reg.HasRunning() {
		t.Fatal("HasRunning: expected false with only pending tasks")
	}

	// Claimed without the record being told.
	cell.TryStart()
	if !reg.HasRunning() {
		t.Fatal("HasRunning: expected stale pending task to be promoted")
	}
	if snap, _ := reg.Get(id); snap.Status != StatusRunning {
		t.Errorf("Status: got %q, want running", snap.Status)
	}

	cell.Resolve(nil)
	if reg.HasRunning() {
		t.Fatal("HasRunning: expected false after completion")
	}
}

func TestRegistryInterruptible(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cell := future.New()
	id, _ := reg.Create("s1", cell, Meta{})

	if ok, found := reg.Interruptible(id); !ok || !found {
		t.Fatalf("pending: got (%v, %v)", ok, found)
	}
	cell.TryStart()
	cell.Resolve(nil)
	if ok, found := reg.Interruptible(id); ok || !found {
		t.Fatalf("completed: got (%v, %v)", ok, found)
	}
	if _, found := reg.Interruptible("nope"); found {
		t.Fatal("unknown task reported as found")
	}
}

func TestRegistryList_Pagination(t *testing.T) {
	reg, _ := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		if _, err := reg.Create("s1", future.New(), Meta{TaskID: fmt.Sprintf("t%d", i+1)}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	page, err := reg.List(ListFilter{}, 1, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.TotalCount != 5 || page.DisplayedCount != 2 || !page.HasMore {
		t.Fatalf("page meta: got total=%d displayed=%d has_more=%v", page.TotalCount, page.DisplayedCount, page.HasMore)
	}
	// Newest first: t5, t4, t3, t2, t1; ranks 2 and 3.
	if page.Tasks[0].ID != "t4" || page.Tasks[1].ID != "t3" {
		t.Fatalf("page tasks: got [%s %s], want [t4 t3]", page.Tasks[0].ID, page.Tasks[1].ID)
	}

	page, _ = reg.List(ListFilter{}, 3, 0)
	if page.DisplayedCount != 2 || page.HasMore {
		t.Errorf("unlimited tail: got displayed=%d has_more=%v", page.DisplayedCount, page.HasMore)
	}

	page, _ = reg.List(ListFilter{}, 10, 2)
	if page.DisplayedCount != 0 || page.HasMore {
		t.Errorf("offset past end: got displayed=%d has_more=%v", page.DisplayedCount, page.HasMore)
	}
}

func TestRegistryList_Filters(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for _, sid := range []string{"proj-a", "proj-b", "other"} {
		if _, err := reg.Create(sid, future.New(), Meta{}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	done := future.New()
	reg.Create("proj-a", done, Meta{TaskID: "finished"})
	done.TryStart()
	done.Resolve(nil)

	page, err := reg.List(ListFilter{Session: "proj-*"}, 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.TotalCount != 3 {
		t.Errorf("glob filter: got %d, want 3", page.TotalCount)
	}

	page, _ = reg.List(ListFilter{Session: "proj-a", Status: StatusCompleted}, 0, 0)
	if page.TotalCount != 1 || page.Tasks[0].ID != "finished" {
		t.Errorf("status filter: got %+v", page.Tasks)
	}

	if _, err := reg.List(ListFilter{Session: "[unclosed"}, 0, 0); err == nil {
		t.Error("expected error for malformed pattern")
	}
}

func TestRegistryClear(t *testing.T) {
	reg, store := newTestRegistry(t)
	queued := future.New()
	reg.Create("keep", future.New(), Meta{TaskID: "k1"})
	reg.Create("drop", queued, Meta{TaskID: "d1"})
	reg.Create("drop", future.New(), Meta{TaskID: "d2"})

	n, err := reg.Clear("drop")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 2 {
		t.Fatalf("Clear: got %d, want 2", n)
	}
	if _, ok := reg.Get("d1"); ok {
		t.Error("d1 should be gone")
	}
	if _, ok := reg.Get("k1"); !ok {
		t.Error("k1 should remain")
	}
	if !queued.Cancelled() {
		t.Error("queued work of a cleared task should be cancelled")
	}
	if _, err := os.Stat(store.SessionFile("drop")); !os.IsNotExist(err) {
		t.Errorf("session file should be deleted, stat err = %v", err)
	}
	if _, err := os.Stat(store.SessionFile("keep")); err != nil {
		t.Errorf("kept session file missing: %v", err)
	}

	n, _ = reg.Clear("")
	if n != 1 || reg.Len() != 0 {
		t.Fatalf("Clear all: got n=%d len=%d", n, reg.Len())
	}
}

func TestRegistryPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(Options{Persister: NewFileStore(dir)})

	done := future.New()
	reg.Create("s1", done, Meta{TaskID: "done", LogPath: "/logs/done.log"})
	done.TryStart()
	done.Resolve(nil)

	failed := future.New()
	reg.Create("s1", failed, Meta{TaskID: "failed"})
	failed.TryStart()
	failed.Fail(errors.New("boom"))

	running := future.New()
	reg.Create("s2", running, Meta{TaskID: "running", LogPath: "/logs/running.log"})
	running.TryStart()
	reg.MarkRunning("running")

	reg.Create("s2", future.New(), Meta{TaskID: "queued"})

	fresh := NewRegistry(Options{Persister: NewFileStore(dir)})
	n, err := fresh.Restore()
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 4 {
		t.Fatalf("Restore: got %d, want 4", n)
	}

	want := map[string]Status{
		"done":    StatusCompleted,
		"failed":  StatusFailed,
		"running": StatusFailed,
		"queued":  StatusFailed,
	}
	for id, status := range want {
		snap, ok := fresh.Get(id)
		if !ok {
			t.Fatalf("%s missing after restore", id)
		}
		if snap.Status != status {
			t.Errorf("%s: got %q, want %q", id, snap.Status, status)
		}
	}

	snap, _ := fresh.Get("running")
	if snap.LogPath != "/logs/running.log" {
		t.Errorf("log reference lost: got %q", snap.LogPath)
	}
	if snap.Error == "" {
		t.Error("restored running task should carry a restart error")
	}
	if fresh.HasRunning() {
		t.Error("no task can be running after restore")
	}

	// The rewrite was persisted too.
	again := NewRegistry(Options{Persister: NewFileStore(dir)})
	again.Restore()
	if snap, _ := again.Get("running"); snap.Status != StatusFailed {
		t.Errorf("second restore: got %q, want failed", snap.Status)
	}
}

func TestRegistryPersistenceErrorsAreSwallowed(t *testing.T) {
	reg := NewRegistry(Options{Persister: failingPersister{}})
	cell := future.New()
	id, err := reg.Create("s1", cell, Meta{})
	if err != nil {
		t.Fatalf("Create should not surface persistence errors: %v", err)
	}
	cell.TryStart()
	cell.Resolve(nil)
	if snap, _ := reg.Get(id); snap.Status != StatusCompleted {
		t.Errorf("Status: got %q, want completed", snap.Status)
	}
	if _, err := reg.Clear(""); err != nil {
		t.Errorf("Clear should not surface persistence errors: %v", err)
	}
}

func TestRegistryHooksAndEvents(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	ch, unsubscribe := bus.SubscribeChan(16, events.EventTaskStatus)
	defer unsubscribe()

	reg := NewRegistry(Options{Bus: bus})
	var mu sync.Mutex
	var seen []Status
	reg.AddHook(func(s Snapshot, _ Status) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})
	reg.AddHook(func(Snapshot, Status) { panic("ignored") })

	cell := future.New()
	reg.Create("s1", cell, Meta{})
	cell.TryStart()
	cell.Resolve(nil)

	mu.Lock()
	if len(seen) != 1 || seen[0] != StatusCompleted {
		t.Errorf("hook: got %v, want [completed]", seen)
	}
	mu.Unlock()

	select {
	case e := <-ch:
		p, ok := events.ExtractPayload[events.TaskStatusPayload](e)
		if !ok || p.Status != string(StatusCompleted) {
			t.Errorf("event payload: got %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no task.status event")
	}
}

func TestRegistryMarkNotified(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, _ := reg.Create("s1", future.New(), Meta{})
	if err := reg.MarkNotified(id); err != nil {
		t.Fatalf("MarkNotified: %v", err)
	}
	if snap, _ := reg.Get(id); !snap.Notified {
		t.Error("Notified should be true")
	}
	if err := reg.MarkNotified("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("missing: got %v, want ErrTaskNotFound", err)
	}
}

func TestRegistryCancelQueued(t *testing.T) {
	reg := NewRegistry(Options{})
	queued := future.New()
	started := future.New()
	reg.Create("s1", queued, Meta{TaskID: "queued"})
	reg.Create("s1", started, Meta{TaskID: "started"})
	started.TryStart()

	if !reg.CancelQueued("queued") {
		t.Fatal("CancelQueued should cancel work that has not started")
	}
	if snap, _ := reg.Get("queued"); snap.Status != StatusInterrupted {
		t.Errorf("queued status: got %q, want interrupted", snap.Status)
	}
	if reg.CancelQueued("started") {
		t.Error("CancelQueued must not cancel started work")
	}
	if reg.CancelQueued("missing") {
		t.Error("CancelQueued on unknown id should report false")
	}
}

func TestRegistryHooksFireForClearedTasks(t *testing.T) {
	store := NewFileStore(t.TempDir())
	reg := NewRegistry(Options{Persister: store})
	var mu sync.Mutex
	var seen []string
	reg.AddHook(func(s Snapshot, _ Status) {
		if s.Status.Terminal() {
			mu.Lock()
			seen = append(seen, s.ID+"="+string(s.Status))
			mu.Unlock()
		}
	})

	running := future.New()
	queued := future.New()
	reg.Create("s1", running, Meta{TaskID: "running"})
	reg.Create("s1", queued, Meta{TaskID: "queued"})
	running.TryStart()

	if n, err := reg.Clear("s1"); err != nil || n != 2 {
		t.Fatalf("Clear: got %d, %v", n, err)
	}
	running.Resolve(nil)

	mu.Lock()
	got := fmt.Sprint(seen)
	mu.Unlock()
	if got != "[queued=interrupted running=completed]" {
		t.Errorf("hooks: got %s, want [queued=interrupted running=completed]", got)
	}
	if tasks, err := store.LoadAll(); err != nil || len(tasks) != 0 {
		t.Errorf("LoadAll: got %d tasks, %v; cleared tasks must not be persisted again", len(tasks), err)
	}
}
