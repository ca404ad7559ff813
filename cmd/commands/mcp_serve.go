package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/hostbridge/internal/gateway/ws"
	"github.com/dohr-michael/hostbridge/internal/logging"
	hbmcp "github.com/dohr-michael/hostbridge/internal/mcp"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewMCPServeCommand returns the mcp-serve subcommand.
func NewMCPServeCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "mcp-serve",
		Usage: "Expose the running server as an MCP server (stdio)",
		Arguments: []cli.Argument{
			&cli.StringArg{
				Name:      "filter",
				UsageText: "Tool or group name to expose: tasks, diagnostics (empty = all)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runMCPServe(ctx, cmd, version)
		},
	}
}

func runMCPServe(ctx context.Context, cmd *cli.Command, version string) error {
	// Logs go to stderr (stdout is used for MCP stdio transport)
	level := "warn"
	if cmd.Bool("debug") {
		level = "debug"
	}
	if err := logging.Setup(level, "text"); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	url := gatewayURL(cmd, cfg)
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	client, err := ws.Dial(dialCtx, url)
	cancel()
	if err != nil {
		return fmt.Errorf("%w (is `hostbridge serve` running?)", err)
	}
	defer client.Close()

	// Optional filter
	filter := cmd.StringArg("filter")

	slog.Debug("starting MCP server", "filter", filter, "gateway", url)

	server := hbmcp.NewMCPServer(client, filter, version)
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}
