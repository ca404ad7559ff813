package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/hostbridge/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand(version string) *cli.Command {
	return &cli.Command{
		Name:    "hostbridge",
		Usage:   "Run scripts on a single-threaded host from remote clients",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
				Sources: cli.EnvVars("HOSTBRIDGE_CONFIG"),
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging",
				Sources: cli.EnvVars("HOSTBRIDGE_DEBUG"),
			},
			&cli.StringFlag{
				Name:    "gateway",
				Usage:   "Gateway WebSocket URL (default: derived from config)",
				Sources: cli.EnvVars("HOSTBRIDGE_GATEWAY"),
			},
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewStatusCommand(),
			NewTasksCommand(),
			NewDiagCommand(),
			NewMCPServeCommand(version),
		},
	}
}
