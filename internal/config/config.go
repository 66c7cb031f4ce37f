// Package config resolves the runner's ambient configuration: the
// persistence directory, the TIDE_SERVER callback URL handed to child
// processes, and an optional TOML override file for fleet-wide defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const appDirName = "tide-commander"

// Config holds fleet-wide defaults read from the optional override file.
// Every field has a documented zero value that callers can ignore.
type Config struct {
	// DefaultModel is decoded from the override file; no command applies
	// it to a RunRequest.
	DefaultModel string `toml:"default_model"`
	// DefaultPermissionMode is decoded from the override file; no command
	// applies it to a RunRequest.
	DefaultPermissionMode string `toml:"default_permission_mode"`
	// SupervisorPromptTemplate overrides the built-in analysis prompt
	// template when non-empty.
	SupervisorPromptTemplate string `toml:"supervisor_prompt_template"`
	// NarrativeCap overrides the per-agent narrative FIFO cap (default 20).
	NarrativeCap int `toml:"narrative_cap"`
}

// DataDir returns the directory all runner state (recovery snapshot,
// supervisor history, telemetry log) lives under:
// ${XDG_DATA_HOME:-$HOME/.local/share}/tide-commander.
func DataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName), nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolve home directory: %w", err)
		}
	}
	return filepath.Join(home, ".local", "share", appDirName), nil
}

// ServerURL composes the TIDE_SERVER URL passed to every child process so
// its outbound hooks can call back into this instance. PORT takes
// precedence over TIDE_PORT; an unset pair yields "" (no callback URL).
func ServerURL() string {
	port := os.Getenv("PORT")
	if port == "" {
		port = os.Getenv("TIDE_PORT")
	}
	if port == "" {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%s", port)
}

// Load reads an optional TOML override file at path. A missing file is
// not an error; it just yields the zero-value Config (all built-in
// defaults apply).
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultOverridePath returns the conventional override file location
// under DataDir, e.g. for "fsnotify watch this file and hot-reload".
func DefaultOverridePath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}
