package config

import (
	"os"
	"path/filepath"
)

// WardenPath returns the root directory of the vault.
// It uses $WARDEN_PATH if set, otherwise defaults to ~/.warden.
func WardenPath() string {
	if v := os.Getenv("WARDEN_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".warden")
	}
	return filepath.Join(home, ".warden")
}

// ConfigPath returns the path to the Warden config file.
func ConfigPath() string {
	return filepath.Join(WardenPath(), "config.jsonc")
}

// DotenvPath returns the path to the Warden .env file.
func DotenvPath() string {
	return filepath.Join(WardenPath(), ".env")
}

// HeartbeatDir returns the directory holding one heartbeat file per
// task owner (worker pools and CLI runs).
func HeartbeatDir(vault string) string {
	return filepath.Join(vault, "heartbeats")
}
