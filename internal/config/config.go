package config

import (
	"path/filepath"
	"time"
)

// Config is the root configuration for hostbridge.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Executor   ExecutorConfig   `json:"executor"`
	Diagnostic DiagnosticConfig `json:"diagnostic"`
	Storage    StorageConfig    `json:"storage"`
	Output     OutputConfig     `json:"output"`
	Shell      ShellConfig      `json:"shell"`
	Log        LogConfig        `json:"log"`
	Events     EventsConfig     `json:"events"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ExecutorConfig tunes the pinned goroutine's pump.
type ExecutorConfig struct {
	TickInterval    Duration `json:"tick_interval"`
	MaxItemsPerTick int      `json:"max_items_per_tick"` // 0 = drain the queue snapshot
}

// DiagnosticConfig tunes the diagnostic retry loop.
type DiagnosticConfig struct {
	MaxAttempts    int      `json:"max_attempts"`
	SliceFraction  float64  `json:"slice_fraction"`
	MinBudget      Duration `json:"min_budget"`
	DefaultTimeout Duration `json:"default_timeout"`
}

// StorageConfig selects where task history lives.
type StorageConfig struct {
	Backend string `json:"backend"` // "file" or "sqlite"
	Dir     string `json:"dir"`     // default: $HOSTBRIDGE_PATH
}

// SessionsDir is the root of per-session task files.
func (s StorageConfig) SessionsDir() string { return filepath.Join(s.Dir, "sessions") }

// LogsDir holds per-task output logs.
func (s StorageConfig) LogsDir() string { return filepath.Join(s.Dir, "logs") }

// EventsDir holds the JSONL event journal.
func (s StorageConfig) EventsDir() string { return filepath.Join(s.Dir, "events") }

// DBPath is the SQLite database used by the sqlite backend.
func (s StorageConfig) DBPath() string { return filepath.Join(s.Dir, "tasks.db") }

// OutputConfig controls task output capture.
type OutputConfig struct {
	MaxBytes   int64 `json:"max_bytes"`   // tail returned in status responses
	BufferSize int   `json:"buffer_size"` // write buffer per log file
}

// ShellConfig configures the script host.
type ShellConfig struct {
	WorkDir string `json:"work_dir"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json, auto
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int  `json:"buffer_size"`
	Journal    bool `json:"journal"` // append events to JSONL files
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
