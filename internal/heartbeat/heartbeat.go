// Package heartbeat publishes the server's liveness and runtime counters
// to a small JSON file that `hostbridge status` reads without a connection.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Status represents the liveness state of the server.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// DefaultInterval is how often the heartbeat file is rewritten.
const DefaultInterval = 30 * time.Second

// Stats is the runtime state published with each heartbeat.
type Stats struct {
	Address            string    `json:"address,omitempty"`
	QueueDepth         int       `json:"queue_depth"`
	Processed          uint64    `json:"processed"`
	LastTick           time.Time `json:"last_tick,omitzero"`
	CurrentTask        string    `json:"current_task,omitempty"`
	Tasks              int       `json:"tasks"`
	OpenLogs           int       `json:"open_logs"`
	PendingDiagnostics int       `json:"pending_diagnostics"`
	DroppedEvents      uint64    `json:"dropped_events,omitempty"`
}

// StatsFunc samples Stats at write time.
type StatsFunc func() Stats

// Heartbeat is the content of the heartbeat file.
type Heartbeat struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Stats
}

// PumpStalled reports whether work is queued but the pinned goroutine has
// not ticked for longer than maxGap.
func (h *Heartbeat) PumpStalled(maxGap time.Duration) bool {
	if h.QueueDepth == 0 || h.LastTick.IsZero() {
		return false
	}
	return h.Timestamp.Sub(h.LastTick) > maxGap
}

// Writer rewrites the heartbeat file on an interval.
type Writer struct {
	path     string
	interval time.Duration
	stats    StatsFunc
}

// NewWriter creates a heartbeat writer. A zero interval selects
// DefaultInterval; stats may be nil.
func NewWriter(path string, interval time.Duration, stats StatsFunc) *Writer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Writer{path: path, interval: interval, stats: stats}
}

// Run writes a heartbeat immediately and then every interval until ctx is
// done, at which point the file is removed so readers report the server dead.
func (w *Writer) Run(ctx context.Context) error {
	started := time.Now()
	w.write(started)
	defer func() {
		if err := os.Remove(w.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("remove heartbeat", "path", w.path, "error", err)
		}
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.write(started)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Writer) write(started time.Time) {
	now := time.Now()
	hb := Heartbeat{
		PID:       os.Getpid(),
		StartedAt: started,
		Timestamp: now,
		Uptime:    now.Sub(started).Truncate(time.Second).String(),
	}
	if w.stats != nil {
		hb.Stats = w.stats()
	}
	if err := writeAtomic(w.path, hb); err != nil {
		slog.Warn("heartbeat write failed", "path", w.path, "error", err)
	}
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Check reads the heartbeat file at path. A missing file, or a stale one
// whose process is gone, reports StatusDead; a heartbeat older than maxAge
// from a live process reports StatusStale.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return StatusDead, nil, nil
	}
	if err != nil {
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("decode heartbeat: %w", err)
	}

	if time.Since(hb.Timestamp) <= maxAge {
		return StatusAlive, &hb, nil
	}
	if !processAlive(hb.PID) {
		return StatusDead, &hb, nil
	}
	return StatusStale, &hb, nil
}
