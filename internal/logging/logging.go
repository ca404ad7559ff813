// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// level is shared by every handler Setup installs, so SetLevel takes effect
// without rebuilding the logger.
var level = new(slog.LevelVar)

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (allowed: debug, info, warn, error)", s)
	}
}

// NewHandler builds a handler writing to w. Format "auto" picks text for
// terminals and JSON otherwise.
func NewHandler(w io.Writer, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "auto":
		if isTerminal(w) {
			return slog.NewTextHandler(w, opts), nil
		}
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (allowed: auto, text, json)", format)
	}
}

// Setup installs the default logger on stderr. stdout stays free for
// command output and the MCP stdio transport.
func Setup(levelName, format string) error {
	return SetupWriter(os.Stderr, levelName, format)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, levelName, format string) error {
	lvl, err := ParseLevel(levelName)
	if err != nil {
		return err
	}
	h, err := NewHandler(w, format)
	if err != nil {
		return err
	}
	level.Set(lvl)
	slog.SetDefault(slog.New(h))
	return nil
}

// SetLevel changes the level of the installed logger.
func SetLevel(levelName string) error {
	lvl, err := ParseLevel(levelName)
	if err != nil {
		return err
	}
	level.Set(lvl)
	return nil
}

// Level returns the current level.
func Level() slog.Level {
	return level.Level()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
