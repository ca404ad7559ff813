// Package tasks tracks units of work submitted to the pinned goroutine:
// their lifecycle, status reporting, and session-scoped persistence.
package tasks

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusInterrupted
}

// Active reports whether the task is pending or running.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// ParseStatus validates a status string. The empty string is accepted and
// means "any status".
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case "", StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusInterrupted:
		return st, nil
	default:
		return "", fmt.Errorf("unknown task status %q", s)
	}
}

var (
	// ErrInvalidSubmission rejects work before it enters the queue.
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrTaskNotFound      = errors.New("task not found")
)

// NewTaskID returns a short random task identifier.
func NewTaskID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
