package config

import (
	"os"
	"path/filepath"
)

// HostbridgePath returns the root directory for hostbridge data.
// It uses $HOSTBRIDGE_PATH if set, otherwise defaults to ~/.hostbridge.
func HostbridgePath() string {
	if v := os.Getenv("HOSTBRIDGE_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".hostbridge")
	}
	return filepath.Join(home, ".hostbridge")
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	return filepath.Join(HostbridgePath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(HostbridgePath(), ".env")
}

// HeartbeatPath returns the path of the liveness file written by serve.
func HeartbeatPath() string {
	return filepath.Join(HostbridgePath(), "heartbeat.json")
}
