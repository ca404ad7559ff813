package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/hostbridge/internal/bridge"
	"github.com/dohr-michael/hostbridge/internal/config"
	"github.com/dohr-michael/hostbridge/internal/gateway/ws"
	"github.com/dohr-michael/hostbridge/internal/logging"
)

// loadConfig reads the config named by --config. A missing file selects the
// defaults; any other failure is returned.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("config not found, using defaults", "path", path)
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupCLILogging keeps client commands quiet unless --debug is set.
func setupCLILogging(cmd *cli.Command) {
	level := "warn"
	if cmd.Bool("debug") {
		level = "debug"
	}
	if err := logging.Setup(level, "text"); err != nil {
		slog.Warn("logging setup failed", "error", err)
	}
}

func gatewayURL(cmd *cli.Command, cfg *config.Config) string {
	if u := cmd.String("gateway"); u != "" {
		return u
	}
	return "ws://" + net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)) + "/api/ws"
}

// envelope is a bridge.Response with its data left undecoded.
type envelope struct {
	Type          string             `json:"type"`
	Status        string             `json:"status"`
	Message       string             `json:"message"`
	Data          json.RawMessage    `json:"data"`
	Pagination    *bridge.Pagination `json:"pagination,omitempty"`
	ExecutionPath string             `json:"execution_path,omitempty"`
}

// call sends one request to the running gateway. A failed envelope is
// returned together with an error carrying its message.
func call(ctx context.Context, cmd *cli.Command, method ws.Method, params any) (envelope, error) {
	setupCLILogging(cmd)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return envelope{}, err
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return envelope{}, fmt.Errorf("encode params: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := ws.Dial(dialCtx, gatewayURL(cmd, cfg))
	if err != nil {
		return envelope{}, fmt.Errorf("%w (is `hostbridge serve` running?)", err)
	}
	defer client.Close()

	frame, err := client.Call(ctx, method, raw)
	if err != nil {
		return envelope{}, err
	}

	var env envelope
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &env); err != nil {
			return envelope{}, fmt.Errorf("decode response: %w", err)
		}
	}
	if frame.OK == nil || !*frame.OK {
		msg := frame.Error
		if msg == "" {
			msg = env.Message
		}
		return env, errors.New(msg)
	}
	return env, nil
}
