package dirstore

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
)

type record struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func TestWriteReadJSON(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "session")

	want := []record{{"a1b2c3d4", "completed"}, {"e5f6a7b8", "failed"}}
	if err := ds.WriteJSON("s1", "tasks.json", want); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var got []record
	if err := ds.ReadJSON("s1", "tasks.json", &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if !slices.Equal(got, want) {
		t.Errorf("ReadJSON: got %+v, want %+v", got, want)
	}

	entries, err := os.ReadDir(ds.Dir("s1"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestWriteJSON_Replaces(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "session")
	if err := ds.WriteJSON("s1", "tasks.json", []record{{"a", "running"}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if err := ds.WriteJSON("s1", "tasks.json", []record{}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var got []record
	if err := ds.ReadJSON("s1", "tasks.json", &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %+v, want empty", got)
	}
}

func TestReadJSON_Missing(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "session")
	var out []record
	if err := ds.ReadJSON("absent", "tasks.json", &out); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("ReadJSON: got %v, want fs.ErrNotExist", err)
	}
}

func TestReadJSON_Corrupt(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "session")
	if err := ds.WriteFileAtomic("s1", "tasks.json", []byte("{not json")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	var out []record
	if err := ds.ReadJSON("s1", "tasks.json", &out); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestInvalidIDs(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "session")
	for _, id := range []string{"", ".", "..", "../escape", `a\b`} {
		if err := ds.WriteJSON(id, "tasks.json", nil); !errors.Is(err, ErrInvalidID) {
			t.Errorf("WriteJSON(%q): got %v, want ErrInvalidID", id, err)
		}
		if err := ds.RemoveDir(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("RemoveDir(%q): got %v, want ErrInvalidID", id, err)
		}
	}
}

func TestListDirs(t *testing.T) {
	base := t.TempDir()
	ds := NewDirStore(base, "session")
	for _, id := range []string{"beta", "alpha"} {
		if err := ds.WriteJSON(id, "tasks.json", []record{}); err != nil {
			t.Fatalf("WriteJSON %s: %v", id, err)
		}
	}
	if err := os.WriteFile(filepath.Join(base, "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ids, err := ds.ListDirs()
	if err != nil {
		t.Fatalf("ListDirs: %v", err)
	}
	slices.Sort(ids)
	if !slices.Equal(ids, []string{"alpha", "beta"}) {
		t.Errorf("ListDirs: got %v, want [alpha beta]", ids)
	}

	empty := NewDirStore(filepath.Join(base, "absent"), "session")
	if ids, err := empty.ListDirs(); err != nil || len(ids) != 0 {
		t.Errorf("missing base: got %v, %v", ids, err)
	}
}

func TestRemoveDir(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "session")
	if err := ds.WriteJSON("s1", "tasks.json", []record{}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if err := ds.RemoveDir("s1"); err != nil {
		t.Fatalf("RemoveDir: %v", err)
	}
	if _, err := os.Stat(ds.Dir("s1")); !os.IsNotExist(err) {
		t.Fatalf("dir still exists: %v", err)
	}
	if err := ds.RemoveDir("s1"); err != nil {
		t.Fatalf("RemoveDir twice: %v", err)
	}
}

func TestLock_SerializesPerEntity(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "session")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := ds.Lock("s1")
			defer unlock()
			if err := ds.WriteJSON("s1", "tasks.json", []record{{"a", "running"}}); err != nil {
				t.Errorf("WriteJSON: %v", err)
			}
		}()
	}
	wg.Wait()

	var got []record
	if err := ds.ReadJSON("s1", "tasks.json", &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %+v", got)
	}
}
