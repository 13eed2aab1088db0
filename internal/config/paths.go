package config

import (
	"os"
	"path/filepath"
)

// TaskhubPath returns the root directory for taskhub data.
// It uses $TASKHUB_PATH if set, otherwise defaults to ~/.taskhub.
func TaskhubPath() string {
	if v := os.Getenv("TASKHUB_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".taskhub")
	}
	return filepath.Join(home, ".taskhub")
}

// ConfigPath returns the path to the taskhub config file.
func ConfigPath() string {
	return filepath.Join(TaskhubPath(), "config.jsonc")
}

// DotenvPath returns the path to the taskhub .env file.
func DotenvPath() string {
	return filepath.Join(TaskhubPath(), ".env")
}

// HeartbeatPath returns the path of the liveness file written by serve.
func HeartbeatPath() string {
	return filepath.Join(TaskhubPath(), "heartbeat.json")
}
