// Package sqlitestore persists task history in a single SQLite database.
package sqlitestore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dohr-michael/hostbridge/internal/tasks"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id     TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	script_path TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	start_time  INTEGER NOT NULL,
	end_time    INTEGER,
	log_path    TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	notified    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
`

// Store implements tasks.Persister on SQLite. Saving a session replaces its
// rows in one transaction, so readers see either the old or the new set.
type Store struct {
	db *sql.DB
}

var _ tasks.Persister = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession replaces every row of the session.
func (s *Store) SaveSession(sessionID string, records []tasks.PersistedTask) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tasks WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session rows: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO tasks
		(task_id, session_id, description, script_path, status, start_time, end_time, log_path, error, notified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var end sql.NullInt64
		if r.EndTime != nil {
			end = sql.NullInt64{Int64: r.EndTime.UnixNano(), Valid: true}
		}
		if _, err := stmt.Exec(r.TaskID, sessionID, r.Description, r.ScriptPath, string(r.Status),
			r.StartTime.UnixNano(), end, r.LogPath, r.Error, r.Notified); err != nil {
			return fmt.Errorf("insert task %s: %w", r.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadAll returns every stored task.
func (s *Store) LoadAll() ([]tasks.PersistedTask, error) {
	rows, err := s.db.Query(`SELECT task_id, session_id, description, script_path, status,
		start_time, end_time, log_path, error, notified FROM tasks ORDER BY start_time`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []tasks.PersistedTask
	for rows.Next() {
		var (
			r      tasks.PersistedTask
			status string
			start  int64
			end    sql.NullInt64
		)
		if err := rows.Scan(&r.TaskID, &r.SessionID, &r.Description, &r.ScriptPath, &status,
			&start, &end, &r.LogPath, &r.Error, &r.Notified); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		r.Status = tasks.Status(status)
		r.StartTime = time.Unix(0, start)
		if end.Valid {
			t := time.Unix(0, end.Int64)
			r.EndTime = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSession removes every row of the session.
func (s *Store) DeleteSession(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM tasks WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}
