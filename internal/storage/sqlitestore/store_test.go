package sqlitestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dohr-michael/hostbridge/internal/future"
	"github.com/dohr-michael/hostbridge/internal/tasks"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSaveLoadSession(t *testing.T) {
	s, _ := openTestStore(t)
	end := time.Now().Truncate(time.Millisecond)
	records := []tasks.PersistedTask{
		{TaskID: "a", SessionID: "s1", Status: tasks.StatusCompleted, StartTime: end.Add(-time.Second), EndTime: &end},
		{TaskID: "b", SessionID: "s1", Status: tasks.StatusRunning, StartTime: end, LogPath: "/tmp/b.log"},
	}
	if err := s.SaveSession("s1", records); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	// Replacing the session drops rows that are no longer present.
	if err := s.SaveSession("s1", records[1:]); err != nil {
		t.Fatalf("SaveSession (replace): %v", err)
	}

	got, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 1 || got[0].TaskID != "b" {
		t.Fatalf("LoadAll: got %+v", got)
	}
	if got[0].LogPath != "/tmp/b.log" || got[0].EndTime != nil {
		t.Errorf("record fields: got %+v", got[0])
	}
}

func TestDeleteSession(t *testing.T) {
	s, _ := openTestStore(t)
	s.SaveSession("s1", []tasks.PersistedTask{{TaskID: "a", Status: tasks.StatusCompleted, StartTime: time.Now()}})
	s.SaveSession("s2", []tasks.PersistedTask{{TaskID: "b", Status: tasks.StatusCompleted, StartTime: time.Now()}})

	if err := s.DeleteSession("s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	got, _ := s.LoadAll()
	if len(got) != 1 || got[0].SessionID != "s2" {
		t.Fatalf("LoadAll after delete: got %+v", got)
	}
}

func TestRegistryRoundTripOnSQLite(t *testing.T) {
	s, path := openTestStore(t)

	reg := tasks.NewRegistry(tasks.Options{Persister: s})
	cell := future.New()
	reg.Create("s1", cell, tasks.Meta{TaskID: "live", LogPath: "/logs/live.log"})
	cell.TryStart()
	reg.MarkRunning("live")

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	fresh := tasks.NewRegistry(tasks.Options{Persister: reopened})
	if n, err := fresh.Restore(); err != nil || n != 1 {
		t.Fatalf("Restore: got (%d, %v)", n, err)
	}
	snap, _ := fresh.Get("live")
	if snap.Status != tasks.StatusFailed {
		t.Errorf("Status: got %q, want failed", snap.Status)
	}
	if snap.LogPath != "/logs/live.log" {
		t.Errorf("LogPath: got %q", snap.LogPath)
	}
}
