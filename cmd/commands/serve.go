package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dohr-michael/hostbridge/internal/bridge"
	"github.com/dohr-michael/hostbridge/internal/config"
	"github.com/dohr-michael/hostbridge/internal/diagnostic"
	"github.com/dohr-michael/hostbridge/internal/events"
	"github.com/dohr-michael/hostbridge/internal/gateway"
	"github.com/dohr-michael/hostbridge/internal/heartbeat"
	"github.com/dohr-michael/hostbridge/internal/host"
	"github.com/dohr-michael/hostbridge/internal/interrupt"
	"github.com/dohr-michael/hostbridge/internal/logging"
	"github.com/dohr-michael/hostbridge/internal/mainthread"
	"github.com/dohr-michael/hostbridge/internal/outputlog"
	"github.com/dohr-michael/hostbridge/internal/storage"
	"github.com/dohr-michael/hostbridge/internal/storage/sqlitestore"
	"github.com/dohr-michael/hostbridge/internal/tasks"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the host: main-thread pump, task registry and gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.StringFlag{
				Name:  "storage",
				Usage: "Storage backend (file or sqlite)",
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "Directory scripts run in",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}
	if cmd.IsSet("storage") {
		cfg.Storage.Backend = cmd.String("storage")
	}
	if cmd.IsSet("workdir") {
		cfg.Shell.WorkDir = cmd.String("workdir")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := cfg.Log.Level
	if cmd.Bool("debug") {
		level = "debug"
	}
	if err := logging.Setup(level, cfg.Log.Format); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	// Event bus
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	if cfg.Events.Journal {
		journal := storage.NewEventLogger(cfg.Storage.EventsDir(), bus)
		defer journal.Close()
	}

	// Task history
	persister, closeStore, err := openPersister(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	output := outputlog.NewManager(cfg.Storage.LogsDir(), cfg.Output.BufferSize, cfg.Output.MaxBytes)
	defer output.CloseAll()

	registry := tasks.NewRegistry(tasks.Options{Persister: persister, Output: output, Bus: bus})
	restored, err := registry.Restore()
	if err != nil {
		slog.Error("task history restore failed", "error", err)
	}
	slog.Info("task history restored", "tasks", restored, "backend", cfg.Storage.Backend)

	// Host runtime
	workDir := cfg.Shell.WorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return fmt.Errorf("working directory: %w", err)
		}
	}
	interrupts := interrupt.NewRegistry(registry.Interruptible)
	exec := mainthread.NewExecutor()
	channel := diagnostic.NewChannel()
	shell := host.NewShell(interrupts, channel, workDir)
	scheduler := diagnostic.NewScheduler(exec, channel, registry.HasRunning, bus, diagnosticOptions(cfg.Diagnostic))

	svc := bridge.New(bridge.Options{
		Queue:             exec,
		Registry:          registry,
		Interrupts:        interrupts,
		Output:            output,
		Shell:             shell,
		Scheduler:         scheduler,
		Bus:               bus,
		DiagnosticTimeout: cfg.Diagnostic.DefaultTimeout.Duration(),
	})

	channel.Register()
	defer func() {
		channel.Unregister()
		if n := channel.ClearPending(); n > 0 {
			slog.Warn("dropped pending diagnostics", "count", n)
		}
	}()

	// Gateway server
	server := gateway.NewServer(bus, svc, cfg.Gateway.Host, cfg.Gateway.Port)

	hb := heartbeat.NewWriter(config.HeartbeatPath(), 0, func() heartbeat.Stats {
		return heartbeat.Stats{
			Address:            server.Addr(),
			QueueDepth:         exec.Len(),
			Processed:          exec.Processed(),
			LastTick:           exec.LastTick(),
			CurrentTask:        interrupts.Current(),
			Tasks:              registry.Len(),
			OpenLogs:           output.Live(),
			PendingDiagnostics: channel.Pending(),
			DroppedEvents:      bus.Dropped(),
		}
	})

	reloader := config.NewReloader(cmd.String("config"), config.DotenvPath(), cfg)
	reloader.OnReload(func(c *config.Config) {
		if !cmd.Bool("debug") {
			if err := logging.SetLevel(c.Log.Level); err != nil {
				slog.Warn("invalid log level in reloaded config", "level", c.Log.Level, "error", err)
			}
		}
		scheduler.SetOptions(diagnosticOptions(c.Diagnostic))
		svc.SetDiagnosticTimeout(c.Diagnostic.DefaultTimeout.Duration())
		slog.Info("runtime settings applied", "log_level", logging.Level().String())
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		exec.Run(gctx, cfg.Executor.TickInterval.Duration(), cfg.Executor.MaxItemsPerTick)
		return nil
	})

	g.Go(func() error {
		return hb.Run(gctx)
	})

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		// The pump returns only once the running task yields.
		if id := interrupts.Current(); id != "" {
			interrupts.Request(id)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := reloader.Reload(); err != nil {
					slog.Error("config reload failed", "error", err)
				}
			}
		}
	})

	return g.Wait()
}

// openPersister opens the configured task history backend.
func openPersister(sc config.StorageConfig) (tasks.Persister, func(), error) {
	switch sc.Backend {
	case "sqlite":
		store, err := sqlitestore.Open(sc.DBPath())
		if err != nil {
			return nil, nil, fmt.Errorf("open task database: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				slog.Warn("close task database", "error", err)
			}
		}, nil
	default:
		return tasks.NewFileStore(sc.SessionsDir()), func() {}, nil
	}
}

func diagnosticOptions(dc config.DiagnosticConfig) diagnostic.Options {
	return diagnostic.Options{
		MaxAttempts:   dc.MaxAttempts,
		SliceFraction: dc.SliceFraction,
		MinBudget:     dc.MinBudget.Duration(),
	}
}
