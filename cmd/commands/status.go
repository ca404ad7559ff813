package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/hostbridge/internal/config"
	"github.com/dohr-michael/hostbridge/internal/heartbeat"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show hostbridge server status",
		Action: func(_ context.Context, _ *cli.Command) error {
			status, hb, err := heartbeat.Check(config.HeartbeatPath(), 2*time.Minute)
			if err != nil {
				return fmt.Errorf("check heartbeat: %w", err)
			}

			switch status {
			case heartbeat.StatusAlive:
				fmt.Printf("Server: ALIVE (PID %d, uptime %s, listening on %s)\n", hb.PID, hb.Uptime, hb.Address)
			case heartbeat.StatusStale:
				fmt.Printf("Server: STALE (PID %d, last heartbeat %s ago)\n",
					hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
			case heartbeat.StatusDead:
				fmt.Println("Server: NOT RUNNING")
				return nil
			}

			fmt.Printf("Tasks:       %d tracked, %d queued, %d processed\n", hb.Tasks, hb.QueueDepth, hb.Processed)
			if hb.OpenLogs > 0 {
				fmt.Printf("Open logs:   %d\n", hb.OpenLogs)
			}
			if hb.CurrentTask != "" {
				fmt.Printf("Running:     %s\n", hb.CurrentTask)
			}
			if hb.PendingDiagnostics > 0 {
				fmt.Printf("Diagnostics: %d waiting for the running task\n", hb.PendingDiagnostics)
			}
			if hb.DroppedEvents > 0 {
				fmt.Printf("Events:      %d dropped by slow subscribers\n", hb.DroppedEvents)
			}
			if hb.PumpStalled(time.Minute) {
				fmt.Printf("Warning:     main thread has not ticked since %s\n", hb.LastTick.Format(time.TimeOnly))
			}
			return nil
		},
	}
}
