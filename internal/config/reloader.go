package config

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Reloader swaps in a freshly loaded config on demand (SIGHUP in serve).
// Listeners apply the settings that can change at runtime; the rest wait
// for a restart.
type Reloader struct {
	configPath string
	dotenvPath string
	current    atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewReloader creates a Reloader seeded with initial.
func NewReloader(configPath, dotenvPath string, initial *Config) *Reloader {
	r := &Reloader{configPath: configPath, dotenvPath: dotenvPath}
	r.current.Store(initial)
	return r
}

// Current returns the active config.
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// OnReload registers fn to run after each successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Reload re-reads the .env file and the config file. A config that fails
// to load or validate leaves the active one untouched.
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ReloadDotenv(r.dotenvPath); err != nil {
		return fmt.Errorf("reload dotenv: %w", err)
	}
	next, err := Load(r.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	prev := r.current.Swap(next)
	slog.Info("config reloaded", "path", r.configPath)
	if sections := restartRequired(prev, next); len(sections) > 0 {
		slog.Warn("config changes take effect after restart", "sections", sections)
	}

	for _, fn := range r.listeners {
		fn(next)
	}
	return nil
}

// restartRequired names the changed sections that are only read at startup.
func restartRequired(prev, next *Config) []string {
	if prev == nil {
		return nil
	}
	var out []string
	if prev.Gateway != next.Gateway {
		out = append(out, "gateway")
	}
	if prev.Executor != next.Executor {
		out = append(out, "executor")
	}
	if prev.Storage != next.Storage {
		out = append(out, "storage")
	}
	if prev.Output != next.Output {
		out = append(out, "output")
	}
	if prev.Shell != next.Shell {
		out = append(out, "shell")
	}
	if prev.Events != next.Events {
		out = append(out, "events")
	}
	return out
}
