package outputlog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dohr-michael/hostbridge/internal/tasks"
)

// DefaultMaxOutputBytes bounds the output returned in status responses.
const DefaultMaxOutputBytes = 100_000

// Manager owns the log files of all tasks under one directory and serves
// their output to the task registry.
type Manager struct {
	dir      string
	bufSize  int
	maxBytes int64

	mu   sync.Mutex
	live map[string]*Buffer
}

var _ tasks.OutputSource = (*Manager)(nil)

// NewManager creates a manager rooted at dir. Zero sizes select defaults.
func NewManager(dir string, bufSize int, maxOutputBytes int64) *Manager {
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}
	return &Manager{
		dir:      dir,
		bufSize:  bufSize,
		maxBytes: maxOutputBytes,
		live:     make(map[string]*Buffer),
	}
}

// PathFor returns the log path of a task.
func (m *Manager) PathFor(taskID string) string {
	return filepath.Join(m.dir, "task_"+taskID+".log")
}

// Open creates the log buffer of a task.
func (m *Manager) Open(taskID string) (*Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[taskID]; ok {
		return nil, fmt.Errorf("output log for task %s already open", taskID)
	}
	b, err := Create(m.PathFor(taskID), m.bufSize)
	if err != nil {
		return nil, err
	}
	m.live[taskID] = b
	return b, nil
}

// Release closes the buffer of a finished task. Its file stays readable.
func (m *Manager) Release(taskID string) {
	m.mu.Lock()
	b, ok := m.live[taskID]
	delete(m.live, taskID)
	m.mu.Unlock()
	if ok {
		if err := b.Close(); err != nil {
			slog.Warn("failed to close output log", "task_id", taskID, "error", err)
		}
	}
}

// ReleaseOnTerminal is a tasks.StatusHook closing buffers of finished tasks.
func (m *Manager) ReleaseOnTerminal(snap tasks.Snapshot, _ tasks.Status) {
	if snap.Status.Terminal() {
		m.Release(snap.ID)
	}
}

// Output returns the tail of a task's output, flushing a live buffer first.
// Restored tasks are read from their recorded log path.
func (m *Manager) Output(snap tasks.Snapshot) string {
	m.mu.Lock()
	b, ok := m.live[snap.ID]
	m.mu.Unlock()
	if ok {
		return b.Tail(m.maxBytes)
	}
	return ReadTail(snap.LogPath, m.maxBytes)
}

// Discard closes and deletes the task's log file. Paths outside the managed
// directory are left alone.
func (m *Manager) Discard(snap tasks.Snapshot) {
	m.Release(snap.ID)

	path := snap.LogPath
	if path == "" {
		path = m.PathFor(snap.ID)
	}
	if !m.owns(path) {
		slog.Warn("refusing to delete output log outside log dir", "task_id", snap.ID, "path", path)
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to delete output log", "task_id", snap.ID, "path", path, "error", err)
	}
}

func (m *Manager) owns(path string) bool {
	rel, err := filepath.Rel(m.dir, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// Live returns the number of open buffers.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// CloseAll flushes and closes every open buffer.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Release(id)
	}
}
