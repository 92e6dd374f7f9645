package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bdougie/framecache/internal/config"
	"github.com/bdougie/framecache/internal/planner"
)

type Flags struct {
	LogLevel   string
	ConfigPath string
	OutputDir  string
	NoColor    bool

	// Config and Logger are set up in the Before hook and available to all commands
	Config *config.Config
	Logger *slog.Logger
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, _ := os.UserHomeDir()
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "framecache", "config.yaml")
}

// Planner builds the planner described by the loaded config.
func (f *Flags) Planner() *planner.Planner {
	return planner.New(
		planner.WithChunkSize(f.Config.Planner.ChunkSize),
		planner.WithLookAhead(f.Config.Planner.LookAhead),
	)
}
