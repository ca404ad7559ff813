package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/hostbridge/internal/diagnostic"
	"github.com/dohr-michael/hostbridge/internal/events"
	"github.com/dohr-michael/hostbridge/internal/host"
	"github.com/dohr-michael/hostbridge/internal/interrupt"
	"github.com/dohr-michael/hostbridge/internal/outputlog"
	"github.com/dohr-michael/hostbridge/internal/tasks"
)

// DefaultDiagnosticTimeout applies when a request names no timeout.
const DefaultDiagnosticTimeout = 30 * time.Second

// Options wires a Service. Every field except Bus is required.
type Options struct {
	Queue             diagnostic.Submitter
	Registry          *tasks.Registry
	Interrupts        *interrupt.Registry
	Output            *outputlog.Manager
	Shell             *host.Shell
	Scheduler         *diagnostic.Scheduler
	Bus               *events.Bus
	DiagnosticTimeout time.Duration
}

// Service implements the request handlers.
type Service struct {
	queue      diagnostic.Submitter
	registry   *tasks.Registry
	interrupts *interrupt.Registry
	output     *outputlog.Manager
	shell      *host.Shell
	scheduler  *diagnostic.Scheduler
	bus        *events.Bus
	diagTO     atomic.Int64
}

// New creates a Service and hooks output release and interrupt cleanup
// into task completion.
func New(opts Options) *Service {
	opts.Registry.AddHook(opts.Output.ReleaseOnTerminal)
	opts.Registry.AddHook(clearInterruptOnTerminal(opts.Interrupts))
	s := &Service{
		queue:      opts.Queue,
		registry:   opts.Registry,
		interrupts: opts.Interrupts,
		output:     opts.Output,
		shell:      opts.Shell,
		scheduler:  opts.Scheduler,
		bus:        opts.Bus,
	}
	s.SetDiagnosticTimeout(opts.DiagnosticTimeout)
	return s
}

// clearInterruptOnTerminal drops a task's interrupt flag once the task is
// finished, however it got there. A flag left behind would stop the next
// task submitted under the same id at its first step.
func clearInterruptOnTerminal(interrupts *interrupt.Registry) tasks.StatusHook {
	return func(snap tasks.Snapshot, _ tasks.Status) {
		if snap.Status.Terminal() {
			interrupts.Clear(snap.ID)
		}
	}
}

// SetDiagnosticTimeout changes the deadline used when a request names none.
func (s *Service) SetDiagnosticTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultDiagnosticTimeout
	}
	s.diagTO.Store(int64(d))
}

// ExecuteRequest submits a script as a task.
type ExecuteRequest struct {
	SessionID   string `json:"session_id"`
	TaskID      string `json:"task_id,omitempty"`
	ScriptPath  string `json:"script_path"`
	Description string `json:"description,omitempty"`
}

// ExecuteTask validates and queues a script. It never waits for the script.
func (s *Service) ExecuteTask(ctx context.Context, req ExecuteRequest) Response {
	if strings.TrimSpace(req.ScriptPath) == "" {
		return required("script_path")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return required("session_id")
	}
	if err := tasks.ValidateSessionID(req.SessionID); err != nil {
		return failure(err.Error(), nil)
	}

	path, err := resolveScript(req.ScriptPath, s.shell.WorkDir())
	if err != nil {
		return failure(err.Error(), nil)
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = tasks.NewTaskID()
	} else if _, exists := s.registry.Get(taskID); exists {
		return failure(fmt.Sprintf("task %s already exists", taskID), nil)
	}
	desc := req.Description
	if desc == "" {
		desc = filepath.Base(path)
	}

	buf, err := s.output.Open(taskID)
	if err != nil {
		return failure(fmt.Sprintf("open output log: %v", err), nil)
	}

	runCtx := context.WithoutCancel(ctx)
	cell := s.queue.Submit("task "+taskID, func() (any, error) {
		s.registry.MarkRunning(taskID)
		return s.shell.RunTask(runCtx, taskID, path, buf), nil
	})

	meta := tasks.Meta{TaskID: taskID, Description: desc, ScriptPath: path, LogPath: buf.Path()}
	if _, err := s.registry.Create(req.SessionID, cell, meta); err != nil {
		cell.Cancel()
		s.output.Discard(tasks.Snapshot{ID: taskID, LogPath: buf.Path()})
		return failure(err.Error(), nil)
	}

	snap, _ := s.registry.Get(taskID)
	return Response{
		Type:    TypeResult,
		Status:  string(snap.Status),
		Message: fmt.Sprintf("Script submitted: %s\nTask ID: %s", desc, taskID),
		Data:    snap,
	}
}

func resolveScript(p, workDir string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(workDir, p)
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("script not found: %s", p)
		}
		return "", fmt.Errorf("stat script: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("script is a directory: %s", p)
	}
	return p, nil
}

// CheckStatus returns one of the five status shapes, or not_found.
func (s *Service) CheckStatus(taskID string) Response {
	if taskID == "" {
		return required("task_id")
	}
	resp, ok := s.registry.Status(taskID)
	if !ok {
		return Response{
			Type:    TypeResult,
			Status:  StatusNotFound,
			Message: "Task ID not found: " + taskID,
		}
	}
	return Response{Type: TypeResult, Status: string(resp.Status), Message: resp.Message, Data: resp}
}

// ListRequest selects a window of tasks.
type ListRequest struct {
	Session string `json:"session_id,omitempty"` // glob pattern
	Status  string `json:"status,omitempty"`
	Offset  int    `json:"offset,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// ListTasks lists tasks newest first.
func (s *Service) ListTasks(req ListRequest) Response {
	status, err := tasks.ParseStatus(req.Status)
	if err != nil {
		return failure(err.Error(), nil)
	}
	page, err := s.registry.List(tasks.ListFilter{Session: req.Session, Status: status}, req.Offset, req.Limit)
	if err != nil {
		return failure(err.Error(), nil)
	}

	var msg string
	if req.Session != "" {
		msg = fmt.Sprintf("Found %d tracked task(s) for session %s (showing %d of %d)",
			page.TotalCount, req.Session, page.DisplayedCount, page.TotalCount)
	} else {
		msg = fmt.Sprintf("Found %d tracked task(s) across all sessions (showing %d of %d)",
			page.TotalCount, page.DisplayedCount, page.TotalCount)
	}
	resp := success(msg, page.Tasks)
	resp.Pagination = paginationOf(page)
	return resp
}

// InterruptTask asks a pending or running task to stop. Queued work is
// cancelled outright; running work stops at its next step.
func (s *Service) InterruptTask(taskID string) Response {
	if taskID == "" {
		return required("task_id")
	}
	snap, ok := s.registry.Get(taskID)
	if !ok {
		return failure("Task not found: "+taskID, nil)
	}
	if snap.Status.Terminal() {
		return failure(
			fmt.Sprintf("Task already in terminal state: %s (status: %s)", taskID, snap.Status),
			map[string]any{"task_id": taskID, "status": snap.Status, "interrupt_requested": false},
		)
	}
	if !s.interrupts.Request(taskID) {
		return failure("Failed to request interrupt", map[string]any{"task_id": taskID, "interrupt_requested": false})
	}
	// Queued work never starts; the terminal hook drops the flag.
	s.registry.CancelQueued(taskID)

	s.bus.Publish(events.NewTypedEventWithSession(events.SourceBridge, events.TaskInterruptRequestedPayload{
		TaskID: taskID,
	}, snap.SessionID))

	snap, _ = s.registry.Get(taskID)
	return success(
		"Interrupt requested for task: "+taskID,
		map[string]any{"task_id": taskID, "status": snap.Status, "interrupt_requested": true},
	)
}

// ClearTasks removes tasks of sessions matching pattern ("" = all).
func (s *Service) ClearTasks(pattern string) Response {
	n, err := s.registry.Clear(pattern)
	if err != nil {
		return failure(err.Error(), nil)
	}
	scope := "all sessions"
	if pattern != "" {
		scope = "sessions matching " + pattern
	}
	return success(fmt.Sprintf("Cleared %d task(s) from %s", n, scope), map[string]any{"cleared": n, "filter": pattern})
}

// MarkNotified records that a task's completion was delivered to its client.
func (s *Service) MarkNotified(taskID string) Response {
	if taskID == "" {
		return required("task_id")
	}
	if err := s.registry.MarkNotified(taskID); err != nil {
		return Response{Type: TypeResult, Status: StatusNotFound, Message: "Task ID not found: " + taskID}
	}
	return success("Task marked as notified: "+taskID, map[string]any{"task_id": taskID})
}

// DiagnosticRequest runs a short script with a deadline.
type DiagnosticRequest struct {
	ScriptPath string `json:"script_path"`
	TimeoutMS  int    `json:"timeout_ms,omitempty"`
}

// Diagnostic delivers a short script through whichever path can serve it
// before the deadline. A timeout is reported distinctly from a diagnostic
// that ran and failed.
func (s *Service) Diagnostic(ctx context.Context, req DiagnosticRequest) Response {
	if strings.TrimSpace(req.ScriptPath) == "" {
		r := required("script_path")
		r.Type = TypeDiagnosticResult
		return r
	}
	timeout := time.Duration(s.diagTO.Load())
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
		// The scheduler never starts an attempt with less than MinBudget left.
		if floor := s.scheduler.Options().MinBudget; timeout <= floor {
			return Response{
				Type:    TypeDiagnosticResult,
				Status:  StatusError,
				Message: fmt.Sprintf("timeout_ms must be greater than %d", floor.Milliseconds()),
			}
		}
	}

	path, err := resolveScript(req.ScriptPath, s.shell.WorkDir())
	if err != nil {
		return Response{Type: TypeDiagnosticResult, Status: StatusError, Message: err.Error()}
	}

	runCtx := context.WithoutCancel(ctx)
	res := s.scheduler.Run(ctx, "diagnostic "+filepath.Base(path), func() (any, error) {
		return s.shell.RunDiagnostic(runCtx, path)
	}, time.Now().Add(timeout))

	if res.TimedOut {
		return Response{
			Type:    TypeDiagnosticResult,
			Status:  StatusTimeout,
			Message: fmt.Sprintf("Diagnostic timed out after %dms", timeout.Milliseconds()),
		}
	}
	if res.Err != nil {
		slog.Error("diagnostic execution failed", "script", path, "error", res.Err)
		return Response{
			Type:          TypeDiagnosticResult,
			Status:        StatusError,
			Message:       res.Err.Error(),
			Data:          res.Value,
			ExecutionPath: string(res.Path),
		}
	}
	return Response{
		Type:          TypeDiagnosticResult,
		Status:        StatusSuccess,
		Message:       "Diagnostic executed via " + string(res.Path),
		Data:          res.Value,
		ExecutionPath: string(res.Path),
	}
}

// Ping answers a liveness check.
func (s *Service) Ping() Response {
	return Response{
		Type:    TypePong,
		Status:  StatusSuccess,
		Message: "pong",
		Data:    map[string]any{"timestamp": time.Now().Format(time.RFC3339Nano)},
	}
}

// WorkingDirectory reports where scripts run.
func (s *Service) WorkingDirectory() Response {
	wd := s.shell.WorkDir()
	return success("Working directory: "+wd, map[string]any{"working_directory": wd})
}
