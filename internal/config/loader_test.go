package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	content := `{
	// JSONC comments and trailing commas are accepted
	"gateway": {
		"host": "0.0.0.0",
		"port": 9999,
	},
	"executor": {"tick_interval": "50ms", "max_items_per_tick": 4},
	"diagnostic": {"max_attempts": 3, "min_budget": "250ms"},
	"storage": {"backend": "sqlite", "dir": "${{ .Env.HB_DATA }}"},
	"log": {"level": "debug", "format": "json"},
}`
	t.Setenv("HB_DATA", "/srv/hostbridge")

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.Port != 9999 {
		t.Errorf("gateway: got %+v", cfg.Gateway)
	}
	if cfg.Executor.TickInterval.Duration() != 50*time.Millisecond {
		t.Errorf("tick_interval: got %v", cfg.Executor.TickInterval.Duration())
	}
	if cfg.Executor.MaxItemsPerTick != 4 {
		t.Errorf("max_items_per_tick: got %d", cfg.Executor.MaxItemsPerTick)
	}
	if cfg.Diagnostic.MaxAttempts != 3 || cfg.Diagnostic.MinBudget.Duration() != 250*time.Millisecond {
		t.Errorf("diagnostic: got %+v", cfg.Diagnostic)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Dir != "/srv/hostbridge" {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log: got %+v", cfg.Log)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOSTBRIDGE_PATH", "/tmp/hb-defaults")

	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %s", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 18421 {
		t.Errorf("expected default port 18421, got %d", cfg.Gateway.Port)
	}
	if cfg.Executor.TickInterval.Duration() != 20*time.Millisecond || cfg.Executor.MaxItemsPerTick != 1 {
		t.Errorf("executor defaults: got %+v", cfg.Executor)
	}
	if cfg.Diagnostic.MaxAttempts != 2 || cfg.Diagnostic.SliceFraction != 0.4 ||
		cfg.Diagnostic.MinBudget.Duration() != 500*time.Millisecond {
		t.Errorf("diagnostic defaults: got %+v", cfg.Diagnostic)
	}
	if cfg.Storage.Backend != "file" || cfg.Storage.Dir != "/tmp/hb-defaults" {
		t.Errorf("storage defaults: got %+v", cfg.Storage)
	}
	if cfg.Events.BufferSize != 1024 {
		t.Errorf("expected default buffer 1024, got %d", cfg.Events.BufferSize)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name, content, wantErr string
	}{
		{"bad backend", `{"storage": {"backend": "redis"}}`, "unknown storage backend"},
		{"bad fraction", `{"diagnostic": {"slice_fraction": 1.5}}`, "slice_fraction"},
		{"bad duration", `{"executor": {"tick_interval": "soon"}}`, "unmarshal config"},
		{"bad syntax", `{"gateway": `, "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load: got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}
}

func TestExpandEnvTemplates(t *testing.T) {
	t.Setenv("TEST_KEY", "my-secret")
	result := expandEnvTemplates(`{"key": "${{ .Env.TEST_KEY }}"}`)
	expected := `{"key": "my-secret"}`
	if result != expected {
		t.Errorf("expected %s, got %s", expected, result)
	}
}
