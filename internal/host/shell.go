// Package host runs shell scripts on the pinned goroutine. The interpreter
// calls back into the host before every simple command; that step hook is
// where interrupt requests are honored and side-channel diagnostics run.
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/dohr-michael/hostbridge/internal/diagnostic"
	"github.com/dohr-michael/hostbridge/internal/interrupt"
	"github.com/dohr-michael/hostbridge/internal/tasks"
)

// ResultVar is the shell variable a script sets to report a value.
const ResultVar = "RESULT"

// TaskIDEnv is exported to task scripts.
const TaskIDEnv = "HOSTBRIDGE_TASK_ID"

// Shell executes scripts with an embedded POSIX shell interpreter.
type Shell struct {
	interrupts *interrupt.Registry
	channel    *diagnostic.Channel
	workDir    string
}

// NewShell creates a shell host. channel may be nil when no side channel
// is wired.
func NewShell(interrupts *interrupt.Registry, channel *diagnostic.Channel, workDir string) *Shell {
	return &Shell{interrupts: interrupts, channel: channel, workDir: workDir}
}

// WorkDir returns the directory scripts run in.
func (s *Shell) WorkDir() string {
	if s.workDir != "" {
		return s.workDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// RunTask executes the script at path for a task, writing stdout and
// stderr to out. It must run on the pinned goroutine. The returned Outcome
// is Interrupted when an interrupt request stopped the script.
func (s *Shell) RunTask(ctx context.Context, taskID, path string, out io.Writer) tasks.Outcome {
	exit := s.interrupts.Enter(taskID)
	defer exit()

	file, err := parseScript(path)
	if err != nil {
		return tasks.Failed(err)
	}

	runner, err := interp.New(
		interp.StdIO(nil, out, out),
		interp.Dir(s.WorkDir()),
		interp.Env(expand.ListEnviron(append(os.Environ(), TaskIDEnv+"="+taskID)...)),
		interp.CallHandler(s.step),
	)
	if err != nil {
		return tasks.Failed(fmt.Errorf("create runner: %w", err))
	}

	slog.Info("task script started", "task_id", taskID, "script", path)
	err = runner.Run(ctx, file)
	result := resultOf(runner)

	// The flag is still set here; exit clears it on return.
	if errors.Is(err, interrupt.ErrInterrupted) || s.interrupts.Check(taskID) {
		slog.Info("task script interrupted", "task_id", taskID)
		fmt.Fprintf(out, "\n[interrupted by user request]\n")
		return tasks.Interrupted(result)
	}
	if err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			return tasks.Failed(fmt.Errorf("script exited with status %d", uint8(status)))
		}
		return tasks.Failed(err)
	}
	slog.Info("task script finished", "task_id", taskID)
	return tasks.Completed(result)
}

// step runs before every simple command of a task script.
func (s *Shell) step(_ context.Context, args []string) ([]string, error) {
	if err := s.interrupts.CheckCurrent(); err != nil {
		return nil, err
	}
	if s.channel != nil {
		s.channel.Drain()
	}
	return args, nil
}

// DiagnosticResult is what a diagnostic script produced.
type DiagnosticResult struct {
	Output string `json:"output"`
	Result any    `json:"result,omitempty"`
}

// RunDiagnostic executes a short script in a fresh interpreter. Its output
// is captured in memory and never reaches the running task's log.
func (s *Shell) RunDiagnostic(ctx context.Context, path string) (DiagnosticResult, error) {
	file, err := parseScript(path)
	if err != nil {
		return DiagnosticResult{}, err
	}

	var buf bytes.Buffer
	runner, err := interp.New(
		interp.StdIO(nil, &buf, &buf),
		interp.Dir(s.WorkDir()),
		interp.Env(expand.ListEnviron(os.Environ()...)),
	)
	if err != nil {
		return DiagnosticResult{}, fmt.Errorf("create runner: %w", err)
	}
	if err := runner.Run(ctx, file); err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			return DiagnosticResult{Output: buf.String()}, fmt.Errorf("diagnostic exited with status %d", uint8(status))
		}
		return DiagnosticResult{Output: buf.String()}, err
	}
	return DiagnosticResult{Output: buf.String(), Result: resultOf(runner)}, nil
}

func parseScript(path string) (*syntax.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()
	file, err := syntax.NewParser().Parse(f, filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	return file, nil
}

// resultOf returns the RESULT variable, or nil when the script left it unset.
func resultOf(r *interp.Runner) any {
	v, ok := r.Vars[ResultVar]
	if !ok || !v.IsSet() {
		return nil
	}
	return v.String()
}
