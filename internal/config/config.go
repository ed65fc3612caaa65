// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

// Package config loads host configuration from defaults, an optional
// YAML file, and command-line flags, in that order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// GroupConfig declares a plugin group the host registers at startup.
type GroupConfig struct {
	ID        string `koanf:"id"`
	Name      string `koanf:"name"`
	Guarded   bool   `koanf:"guarded"`
	Autostart bool   `koanf:"autostart"`
}

// Config holds the host configuration.
type Config struct {
	// PluginsDir is the directory scanned for plugin manifests.
	PluginsDir string `koanf:"plugins_dir"`

	// LogFormat is "json" or "text".
	LogFormat string `koanf:"log_format"`

	// LogLevel is "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level"`

	// MetricsAddr is the observability HTTP listen address. Empty
	// disables the server.
	MetricsAddr string `koanf:"metrics_addr"`

	// Watch enables hot reload of plugin scripts on change.
	Watch bool `koanf:"watch"`

	// ShutdownGrace bounds graceful shutdown, and the window a fatal
	// plugin crash gives the host to destroy itself.
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`

	// Groups are registered before any plugin loads.
	Groups []GroupConfig `koanf:"groups"`
}

// Default returns the configuration used when no file or flags are
// given.
func Default() *Config {
	return &Config{
		PluginsDir:    "plugins",
		LogFormat:     "json",
		LogLevel:      "info",
		MetricsAddr:   "127.0.0.1:9100",
		Watch:         false,
		ShutdownGrace: 5 * time.Second,
	}
}

// Load builds the configuration. path names an optional YAML file; a
// missing file is only an error when the path was given explicitly.
// flags, when non-nil, override file values for flags the user set.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, oops.In("config").With("path", path).Hint("failed to read config file").Wrap(err)
			}
			return nil, oops.In("config").With("path", path).New("config file does not exist")
		}
	}

	if flags != nil {
		// Flag names use dashes; config keys use underscores.
		p := posflag.ProviderWithValue(flags, ".", k, func(key, value string) (string, any) {
			return strings.ReplaceAll(key, "-", "_"), value
		})
		if err := k.Load(p, nil); err != nil {
			return nil, oops.In("config").Hint("failed to load flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.In("config").Hint("failed to unmarshal config").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.PluginsDir == "" {
		return oops.In("config").New("plugins_dir is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.In("config").With("log_format", c.LogFormat).
			New("log_format must be 'json' or 'text'")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return oops.In("config").With("log_level", c.LogLevel).
			New("log_level must be one of debug, info, warn, error")
	}
	if c.ShutdownGrace <= 0 {
		return oops.In("config").With("shutdown_grace", c.ShutdownGrace).
			New("shutdown_grace must be positive")
	}
	seen := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		if g.ID == "" {
			return oops.In("config").New("group id cannot be empty")
		}
		if seen[g.ID] {
			return oops.In("config").With("group", g.ID).New("duplicate group id")
		}
		seen[g.ID] = true
	}
	return nil
}
