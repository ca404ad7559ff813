package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/dohr-michael/hostbridge/internal/bridge"
	"github.com/dohr-michael/hostbridge/internal/gateway/ws"
	"github.com/dohr-michael/hostbridge/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Manage tasks on the running server",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Session id or glob pattern"},
					&cli.StringFlag{Name: "status", Usage: "Only tasks in this status"},
					&cli.IntFlag{Name: "offset", Usage: "Tasks to skip"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum tasks to show", Value: 20},
					&cli.BoolFlag{Name: "offline", Usage: "Read persisted history instead of asking the server"},
				},
				Action: runTasksList,
			},
			{
				Name:  "show",
				Usage: "Show task status and output",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Format: text, json or yaml", Value: "text"},
				},
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "task_id", UsageText: "Task id"},
				},
				Action: runTasksShow,
			},
			{
				Name:  "submit",
				Usage: "Queue a script",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Owning session", Value: "cli"},
					&cli.StringFlag{Name: "description", Aliases: []string{"d"}, Usage: "Label"},
				},
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "script", UsageText: "Script path"},
				},
				Action: runTasksSubmit,
			},
			{
				Name:  "interrupt",
				Usage: "Interrupt a pending or running task",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "task_id", UsageText: "Task id"},
				},
				Action: runTasksInterrupt,
			},
			{
				Name:  "clear",
				Usage: "Forget tasks and their logs",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "session", UsageText: "Session id or glob pattern (empty = all)"},
				},
				Action: runTasksClear,
			},
		},
		DefaultCommand: "list",
	}
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("offline") {
		return listOffline(cmd)
	}

	env, err := call(ctx, cmd, ws.MethodListTasks, bridge.ListRequest{
		Session: cmd.String("session"),
		Status:  cmd.String("status"),
		Offset:  cmd.Int("offset"),
		Limit:   cmd.Int("limit"),
	})
	if err != nil {
		return err
	}

	var list []tasks.Snapshot
	if err := json.Unmarshal(env.Data, &list); err != nil {
		return fmt.Errorf("decode tasks: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	now := time.Now()
	rows := make([]taskRow, len(list))
	for i, s := range list {
		rows[i] = taskRow{s.ID, s.Status, s.SessionID, s.StartTime, s.EndTime, s.Description}
	}
	if err := printTaskTable(os.Stdout, rows, now); err != nil {
		return err
	}
	fmt.Println(env.Message)
	return nil
}

// listOffline prints persisted history without a server. Tasks that were
// active when the server stopped show as they were saved.
func listOffline(cmd *cli.Command) error {
	setupCLILogging(cmd)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	persister, closeStore, err := openPersister(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := persister.LoadAll()
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].StartTime.After(records[j].StartTime) })

	var rows []taskRow
	for _, r := range records {
		if s := cmd.String("session"); s != "" && r.SessionID != s {
			continue
		}
		if s := cmd.String("status"); s != "" && string(r.Status) != s {
			continue
		}
		rows = append(rows, taskRow{r.TaskID, r.Status, r.SessionID, r.StartTime, r.EndTime, r.Description})
	}
	if len(rows) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}
	return printTaskTable(os.Stdout, rows, time.Now())
}

type taskRow struct {
	id          string
	status      tasks.Status
	session     string
	start       time.Time
	end         *time.Time
	description string
}

func printTaskTable(out io.Writer, rows []taskRow, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSESSION\tSTARTED\tELAPSED\tDESCRIPTION")
	for _, r := range rows {
		elapsed := "-"
		switch {
		case r.end != nil:
			elapsed = r.end.Sub(r.start).Truncate(time.Millisecond).String()
		case r.status.Active():
			elapsed = now.Sub(r.start).Truncate(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.id,
			r.status,
			r.session,
			r.start.Local().Format("2006-01-02 15:04:05"),
			elapsed,
			r.description,
		)
	}
	return w.Flush()
}

func runTasksShow(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.StringArg("task_id")
	if taskID == "" {
		return fmt.Errorf("usage: hostbridge tasks show <task_id>")
	}

	env, err := call(ctx, cmd, ws.MethodCheckTaskStatus, ws.TaskParams{TaskID: taskID})
	if err != nil {
		return err
	}

	switch cmd.String("output") {
	case "json":
		var v any
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		var v map[string]any
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}

	var resp tasks.StatusResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	fmt.Println(resp.Message)
	fmt.Println()
	fmt.Printf("Session:     %s\n", resp.SessionID)
	if resp.ScriptPath != "" {
		fmt.Printf("Script:      %s\n", resp.ScriptPath)
	}
	if resp.LogPath != "" {
		fmt.Printf("Log:         %s\n", resp.LogPath)
	}
	if resp.Result != nil {
		fmt.Printf("Result:      %v\n", resp.Result)
	}
	if resp.Output != "" {
		fmt.Printf("\nOutput:\n%s\n", resp.Output)
	}
	return nil
}

func runTasksSubmit(ctx context.Context, cmd *cli.Command) error {
	script := cmd.StringArg("script")
	if script == "" {
		return fmt.Errorf("usage: hostbridge tasks submit <script>")
	}
	// The server resolves relative paths against its own directory.
	if abs, err := absIfExists(script); err == nil {
		script = abs
	}

	env, err := call(ctx, cmd, ws.MethodExecuteTask, bridge.ExecuteRequest{
		SessionID:   cmd.String("session"),
		ScriptPath:  script,
		Description: cmd.String("description"),
	})
	if err != nil {
		return err
	}
	fmt.Println(env.Message)
	return nil
}

func runTasksInterrupt(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.StringArg("task_id")
	if taskID == "" {
		return fmt.Errorf("usage: hostbridge tasks interrupt <task_id>")
	}
	env, err := call(ctx, cmd, ws.MethodInterruptTask, ws.TaskParams{TaskID: taskID})
	if err != nil {
		return err
	}
	fmt.Println(env.Message)
	return nil
}

func runTasksClear(ctx context.Context, cmd *cli.Command) error {
	env, err := call(ctx, cmd, ws.MethodClearTasks, ws.ClearParams{SessionID: cmd.StringArg("session")})
	if err != nil {
		return err
	}
	fmt.Println(env.Message)
	return nil
}
