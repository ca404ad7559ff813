package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dohr-michael/hostbridge/internal/storage/dirstore"
)

// PersistedTask is the durable projection of a task.
type PersistedTask struct {
	TaskID      string     `json:"task_id"`
	SessionID   string     `json:"session_id"`
	Description string     `json:"description"`
	ScriptPath  string     `json:"script_path,omitempty"`
	Status      Status     `json:"status"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	LogPath     string     `json:"log_path,omitempty"`
	Error       string     `json:"error,omitempty"`
	Notified    bool       `json:"notified"`
}

// Persister stores task history grouped by session.
type Persister interface {
	SaveSession(sessionID string, records []PersistedTask) error
	LoadAll() ([]PersistedTask, error)
	DeleteSession(sessionID string) error
}

func toPersisted(s Snapshot) PersistedTask {
	return PersistedTask{
		TaskID:      s.ID,
		SessionID:   s.SessionID,
		Description: s.Description,
		ScriptPath:  s.ScriptPath,
		Status:      s.Status,
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
		LogPath:     s.LogPath,
		Error:       s.Error,
		Notified:    s.Notified,
	}
}

// fromPersisted rebuilds a snapshot. Anything that was still active when the
// process stopped cannot have survived it and becomes failed; the log
// reference is kept so partial output stays readable.
func fromPersisted(p PersistedTask) Snapshot {
	s := Snapshot{
		ID:          p.TaskID,
		SessionID:   p.SessionID,
		Description: p.Description,
		ScriptPath:  p.ScriptPath,
		LogPath:     p.LogPath,
		StartTime:   p.StartTime,
		EndTime:     p.EndTime,
		Status:      p.Status,
		Error:       p.Error,
		Notified:    p.Notified,
	}
	if _, err := ParseStatus(string(s.Status)); err != nil || s.Status == "" {
		s.Status = StatusFailed
		s.Error = fmt.Sprintf("unreadable persisted status %q", p.Status)
	}
	if s.Status.Active() {
		slog.Warn("marking previously active task as failed", "task_id", s.ID, "status", s.Status)
		s.Status = StatusFailed
		if s.Error == "" {
			s.Error = errRestart.Error()
		}
	}
	if s.Status.Terminal() && s.EndTime == nil {
		now := time.Now()
		s.EndTime = &now
	}
	return s
}

const tasksFile = "tasks.json"

// FileStore persists one tasks.json per session directory.
type FileStore struct {
	ds *dirstore.DirStore
}

// NewFileStore creates a file store rooted at dir (one subdirectory per session).
func NewFileStore(dir string) *FileStore {
	return &FileStore{ds: dirstore.NewDirStore(dir, "session")}
}

// SaveSession atomically replaces the session's task file.
func (fs *FileStore) SaveSession(sessionID string, records []PersistedTask) error {
	defer fs.ds.Lock(sessionID)()

	if records == nil {
		records = []PersistedTask{}
	}
	if err := fs.ds.WriteJSON(sessionID, tasksFile, records); err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	return nil
}

// LoadAll reads every session file. Unreadable sessions are logged and skipped.
func (fs *FileStore) LoadAll() ([]PersistedTask, error) {
	sessions, err := fs.ds.ListDirs()
	if err != nil {
		return nil, err
	}

	var all []PersistedTask
	for _, sid := range sessions {
		var records []PersistedTask
		unlock := fs.ds.Lock(sid)
		err := fs.ds.ReadJSON(sid, tasksFile, &records)
		unlock()
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				slog.Error("failed to load session tasks", "session_id", sid, "error", err)
			}
			continue
		}
		for _, r := range records {
			if r.SessionID == "" {
				r.SessionID = sid
			}
			all = append(all, r)
		}
	}
	return all, nil
}

// DeleteSession removes the session's directory.
func (fs *FileStore) DeleteSession(sessionID string) error {
	defer fs.ds.Lock(sessionID)()
	return fs.ds.RemoveDir(sessionID)
}

// SessionFile returns the path of a session's task file.
func (fs *FileStore) SessionFile(sessionID string) string {
	return fs.ds.FilePath(sessionID, tasksFile)
}
