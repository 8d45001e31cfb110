// Package cube wires the storage core, event subsystem, trigger
// engine, and orchestrator into a single workspace handle, and owns
// the workspace configuration file (cube.json).
package cube

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kingrea/cubed/internal/cubeerr"
	"github.com/kingrea/cubed/internal/store"
)

// IndexConfig controls index behavior at startup.
type IndexConfig struct {
	RebuildOnStart bool `json:"rebuildOnStart"`
	FTSEnabled     bool `json:"ftsEnabled"`
}

// EventsConfig controls the event log.
type EventsConfig struct {
	Enabled    bool  `json:"enabled"`
	MaxLogSize int64 `json:"maxLogSize"`
}

// AgentsConfig controls default orchestrator assignment behavior.
type AgentsConfig struct {
	DefaultAgent string `json:"defaultAgent"`
	AutoAssign   bool   `json:"autoAssign"`
}

// Config is the stable-ordered cube.json document.
type Config struct {
	Version  int          `json:"version"`
	Name     string       `json:"name"`
	RootPath string       `json:"rootPath"`
	Index    IndexConfig  `json:"index"`
	Events   EventsConfig `json:"events"`
	Agents   AgentsConfig `json:"agents"`
}

func defaultConfig(root, name string) Config {
	return Config{
		Version:  1,
		Name:     name,
		RootPath: root,
		Index: IndexConfig{
			RebuildOnStart: true,
			FTSEnabled:     false,
		},
		Events: EventsConfig{
			Enabled:    true,
			MaxLogSize: 10 * 1024 * 1024,
		},
		Agents: AgentsConfig{
			AutoAssign: true,
		},
	}
}

func configPath(root string) string {
	return filepath.Join(root, store.ConfigFile)
}

// EnsureConfig writes cube.json with defaults only if absent; an
// existing file is never overwritten.
func EnsureConfig(root, name string) (Config, error) {
	path := configPath(root)
	data, err := os.ReadFile(path)
	if err == nil {
		var cfg Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, cubeerr.New(cubeerr.Malformed, "cube.EnsureConfig", err)
		}
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Config{}, cubeerr.New(cubeerr.IO, "cube.EnsureConfig", err)
	}
	cfg := defaultConfig(root, name)
	if err := SaveConfig(root, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SaveConfig writes cfg to cube.json, overwriting any existing file.
func SaveConfig(root string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return cubeerr.New(cubeerr.IO, "cube.SaveConfig", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return cubeerr.New(cubeerr.IO, "cube.SaveConfig", err)
	}
	if err := os.WriteFile(configPath(root), data, 0o644); err != nil {
		return cubeerr.New(cubeerr.IO, "cube.SaveConfig", err)
	}
	return nil
}
