package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/hostbridge/internal/bridge"
	"github.com/dohr-michael/hostbridge/internal/gateway/ws"
	"github.com/dohr-michael/hostbridge/internal/host"
)

// NewDiagCommand returns the diag subcommand.
func NewDiagCommand() *cli.Command {
	return &cli.Command{
		Name:  "diag",
		Usage: "Run a short diagnostic script, even while a task is running",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Overall deadline (default: server setting)",
			},
		},
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "script", UsageText: "Diagnostic script path"},
		},
		Action: runDiag,
	}
}

func runDiag(ctx context.Context, cmd *cli.Command) error {
	script := cmd.StringArg("script")
	if script == "" {
		return fmt.Errorf("usage: hostbridge diag <script>")
	}
	if abs, err := absIfExists(script); err == nil {
		script = abs
	}

	req := bridge.DiagnosticRequest{ScriptPath: script}
	if d := cmd.Duration("timeout"); d > 0 {
		req.TimeoutMS = int(d / time.Millisecond)
	}

	env, err := call(ctx, cmd, ws.MethodDiagnostic, req)
	if err != nil {
		return err
	}

	var res host.DiagnosticResult
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &res); err != nil {
			return fmt.Errorf("decode diagnostic: %w", err)
		}
	}
	fmt.Print(res.Output)
	if res.Result != nil {
		fmt.Printf("RESULT=%v\n", res.Result)
	}
	fmt.Fprintf(os.Stderr, "(via %s)\n", env.ExecutionPath)
	return nil
}

// absIfExists resolves a local path so the server, which may run elsewhere
// on the same host, sees the file the user meant.
func absIfExists(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}
