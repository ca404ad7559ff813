package host

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/hostbridge/internal/diagnostic"
	"github.com/dohr-michael/hostbridge/internal/interrupt"
	"github.com/dohr-michael/hostbridge/internal/tasks"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func alwaysActive(string) (bool, bool) { return true, true }

func TestRunTask_Completed(t *testing.T) {
	sh := NewShell(interrupt.NewRegistry(alwaysActive), nil, t.TempDir())
	path := writeScript(t, "echo hello\nRESULT=42\n")

	var out bytes.Buffer
	o := sh.RunTask(context.Background(), "t1", path, &out)
	if o.Kind != tasks.OutcomeCompleted {
		t.Fatalf("Kind: got %v, err %v", o.Kind, o.Err)
	}
	if o.Value != "42" {
		t.Errorf("Value: got %v, want 42", o.Value)
	}
	if out.String() != "hello\n" {
		t.Errorf("output: got %q", out.String())
	}
}

func TestRunTask_ExitStatusFails(t *testing.T) {
	sh := NewShell(interrupt.NewRegistry(alwaysActive), nil, t.TempDir())
	o := sh.RunTask(context.Background(), "t1", writeScript(t, "echo partial\nexit 3\n"), &bytes.Buffer{})
	if o.Kind != tasks.OutcomeFailed {
		t.Fatalf("Kind: got %v, want failed", o.Kind)
	}
	if o.Err == nil || !strings.Contains(o.Err.Error(), "status 3") {
		t.Errorf("Err: got %v", o.Err)
	}
}

func TestRunTask_ParseErrorFails(t *testing.T) {
	sh := NewShell(interrupt.NewRegistry(alwaysActive), nil, t.TempDir())
	o := sh.RunTask(context.Background(), "t1", writeScript(t, "if then fi\n"), &bytes.Buffer{})
	if o.Kind != tasks.OutcomeFailed {
		t.Fatalf("Kind: got %v, want failed", o.Kind)
	}
}

func TestRunTask_MissingScriptFails(t *testing.T) {
	sh := NewShell(interrupt.NewRegistry(alwaysActive), nil, t.TempDir())
	o := sh.RunTask(context.Background(), "t1", filepath.Join(t.TempDir(), "nope.sh"), &bytes.Buffer{})
	if o.Kind != tasks.OutcomeFailed {
		t.Fatalf("Kind: got %v, want failed", o.Kind)
	}
}

func TestRunTask_MissingScriptReleasesInterruptFlag(t *testing.T) {
	reg := interrupt.NewRegistry(alwaysActive)
	sh := NewShell(reg, nil, t.TempDir())
	if !reg.Request("t1") {
		t.Fatal("Request: got false, want true")
	}

	o := sh.RunTask(context.Background(), "t1", filepath.Join(t.TempDir(), "nope.sh"), &bytes.Buffer{})
	if o.Kind != tasks.OutcomeFailed {
		t.Fatalf("Kind: got %v, want failed", o.Kind)
	}
	if reg.Check("t1") {
		t.Error("flag left behind after the script failed to load")
	}
	if got := reg.Pending(); got != 0 {
		t.Errorf("Pending: got %d, want 0", got)
	}
}

func TestRunTask_Interrupted(t *testing.T) {
	reg := interrupt.NewRegistry(alwaysActive)
	sh := NewShell(reg, nil, t.TempDir())
	path := writeScript(t, "RESULT=partial\nwhile true; do :; done\n")

	done := make(chan tasks.Outcome, 1)
	go func() {
		done <- sh.RunTask(context.Background(), "t1", path, &bytes.Buffer{})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for reg.Current() != "t1" {
		if time.Now().After(deadline) {
			t.Fatal("script never became current")
		}
		time.Sleep(time.Millisecond)
	}
	if !reg.Request("t1") {
		t.Fatal("Request should accept the running task")
	}

	select {
	case o := <-done:
		if o.Kind != tasks.OutcomeInterrupted {
			t.Fatalf("Kind: got %v (err %v), want interrupted", o.Kind, o.Err)
		}
		if o.Value != "partial" {
			t.Errorf("Value: got %v, want partial", o.Value)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("interrupt was not honored")
	}

	if reg.Check("t1") || reg.Current() != "" {
		t.Fatal("flag and current task must be cleared after the run")
	}
}

func TestRunTask_StepHookDrainsDiagnostics(t *testing.T) {
	ch := diagnostic.NewChannel()
	ch.Register()
	cell := ch.Submit("diag", func() (any, error) { return "seen", nil })

	sh := NewShell(interrupt.NewRegistry(alwaysActive), ch, t.TempDir())
	o := sh.RunTask(context.Background(), "t1", writeScript(t, "for i in 1 2 3; do :; done\n"), &bytes.Buffer{})
	if o.Kind != tasks.OutcomeCompleted {
		t.Fatalf("Kind: got %v, err %v", o.Kind, o.Err)
	}
	v, err := cell.Result()
	if err != nil || v != "seen" {
		t.Fatalf("diagnostic result: got (%v, %v)", v, err)
	}
}

func TestRunDiagnostic_CapturesOutput(t *testing.T) {
	sh := NewShell(interrupt.NewRegistry(alwaysActive), nil, t.TempDir())
	res, err := sh.RunDiagnostic(context.Background(), writeScript(t, "echo checked\nRESULT=ok\n"))
	if err != nil {
		t.Fatalf("RunDiagnostic: %v", err)
	}
	if res.Output != "checked\n" || res.Result != "ok" {
		t.Fatalf("result: got %+v", res)
	}
}

func TestRunDiagnostic_Failure(t *testing.T) {
	sh := NewShell(interrupt.NewRegistry(alwaysActive), nil, t.TempDir())
	res, err := sh.RunDiagnostic(context.Background(), writeScript(t, "echo oops\nexit 2\n"))
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if res.Output != "oops\n" {
		t.Errorf("Output: got %q", res.Output)
	}
}
