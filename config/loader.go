package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is discovered by walking up from the working
	// directory, so commands work from anywhere inside a checkout.
	ProjectConfigFile = "migrator.yaml"

	// UserConfigDir and UserConfigFile locate per-user defaults under
	// the home directory.
	UserConfigDir  = ".config/migrator"
	UserConfigFile = "config.yaml"
)

// Loader assembles the effective configuration from its layers.
type Loader struct {
	logger *slog.Logger
}

// NewLoader returns a Loader. A nil logger falls back to slog.Default.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load builds the effective config. Later layers win:
// defaults, user config, project config, the explicit path, then
// environment variables. Missing user and project files are fine; an
// explicit path that fails to load is an error, since the caller asked
// for that file specifically.
func (l *Loader) Load(explicitPath string) (*Config, error) {
	cfg := DefaultConfig()

	if path := l.userConfigPath(); path != "" {
		l.mergeFile(cfg, path, "user")
	}
	if path := l.findProjectConfig(); path != "" {
		l.mergeFile(cfg, path, "project")
	}

	if explicitPath != "" {
		explicit, err := LoadFromFile(explicitPath)
		if err != nil {
			return nil, err
		}
		cfg.Merge(explicit)
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFile folds one optional config layer into cfg. Absent files are
// skipped silently; unreadable ones are logged and skipped.
func (l *Loader) mergeFile(cfg *Config, path, layer string) {
	layerCfg, err := LoadFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Skipping unreadable config file",
				slog.String("layer", layer),
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return
	}
	l.logger.Debug("Loaded config layer",
		slog.String("layer", layer),
		slog.String("path", path))
	cfg.Merge(layerCfg)
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig walks from the working directory to the filesystem
// root looking for migrator.yaml.
func (l *Loader) findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
