package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates the configuration.
//
// Steps performed:
//  1. Read the YAML file (absent file selects pure defaults)
//  2. Expand environment variables
//  3. Parse into the user overlay
//  4. Merge the overlay onto the built-in defaults
//  5. Validate the result
func Initialize(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		overlay, err := loadOverlay(path)
		if err != nil {
			return nil, fmt.Errorf("load configuration %s: %w", path, err)
		}
		if overlay != nil {
			if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge configuration %s: %w", path, err)
			}
			cfg.path = path
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	slog.Info("Configuration initialized",
		"path", cfg.path,
		"providers", stats.Providers,
		"budgets", stats.Budgets,
		"rate_limits", stats.RateLimits)
	return cfg, nil
}

// loadOverlay reads and parses the user file. A missing file is not an
// error; it simply contributes nothing.
func loadOverlay(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("Configuration file absent, using defaults", "path", path)
			return nil, nil
		}
		return nil, err
	}

	var overlay Config
	if err := yaml.Unmarshal(ExpandEnv(data), &overlay); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &overlay, nil
}
