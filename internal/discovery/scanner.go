// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

package discovery

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/plugkit/plugkit/internal/codeunit"
	"github.com/plugkit/plugkit/internal/registry"
	"github.com/plugkit/plugkit/pkg/errutil"
)

// DiscoveredPlugin is a valid manifest and its directory.
type DiscoveredPlugin struct {
	Manifest *Manifest
	Dir      string
}

// EntryPath returns the absolute path of the plugin's entry script.
func (d *DiscoveredPlugin) EntryPath() string {
	return filepath.Join(d.Dir, d.Manifest.Entry)
}

// Scanner finds plugins under a directory and loads them through the
// registry.
type Scanner struct {
	pluginsDir string
	store      *codeunit.FileStore
	reg        *registry.Registry
}

// NewScanner creates a scanner over a plugins directory.
func NewScanner(pluginsDir string, store *codeunit.FileStore, reg *registry.Registry) *Scanner {
	return &Scanner{
		pluginsDir: pluginsDir,
		store:      store,
		reg:        reg,
	}
}

// Discover finds all valid plugins in the plugins directory. Invalid
// entries are logged and skipped.
func (s *Scanner) Discover(_ context.Context) ([]*DiscoveredPlugin, error) {
	entries, err := os.ReadDir(s.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // no plugins directory
		}
		return nil, oops.In("discovery").With("dir", s.pluginsDir).Hint("failed to read plugins directory").Wrap(err)
	}

	var plugins []*DiscoveredPlugin
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(s.pluginsDir, entry.Name())
		manifestPath := filepath.Join(pluginDir, "plugin.yaml")

		data, err := os.ReadFile(manifestPath) //nolint:gosec // manifestPath is constructed from ReadDir entries
		if err != nil {
			slog.Warn("skipping plugin without manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		if err := ValidateSchema(data); err != nil {
			slog.Warn("skipping plugin with manifest failing schema validation",
				"dir", entry.Name(),
				"error", FormatSchemaError(err))
			continue
		}

		manifest, err := ParseManifest(data)
		if err != nil {
			slog.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		plugins = append(plugins, &DiscoveredPlugin{
			Manifest: manifest,
			Dir:      pluginDir,
		})
	}

	return plugins, nil
}

// LoadAll discovers and loads every plugin. Individual failures are
// logged as warnings so one broken plugin cannot keep the host from
// starting; callers needing strict loading use Discover and load each
// entry themselves.
func (s *Scanner) LoadAll(ctx context.Context) error {
	discovered, err := s.Discover(ctx)
	if err != nil {
		return err
	}

	for _, dp := range discovered {
		if err := s.load(ctx, dp); err != nil {
			errutil.LogError(
				slog.With("plugin", dp.Manifest.Name, "dir", dp.Dir),
				"failed to load plugin", err)
			continue
		}
	}
	return nil
}

// load compiles one discovered plugin and loads it into the registry.
func (s *Scanner) load(ctx context.Context, dp *DiscoveredPlugin) error {
	factory, err := s.store.Load(ctx, dp.EntryPath())
	if err != nil {
		return err
	}

	inst, err := s.reg.LoadPlugin(ctx, factory)
	if err != nil {
		return err
	}

	// The script is the authority for identity; a drifting manifest is
	// worth a warning but not a refusal.
	desc := inst.Describe()
	if desc.Name != dp.Manifest.Name || desc.Group != dp.Manifest.Group {
		slog.Warn("manifest does not match script plugin table",
			"manifest_name", dp.Manifest.Name,
			"manifest_group", dp.Manifest.Group,
			"script_name", desc.Name,
			"script_group", desc.Group)
	}

	slog.Info("discovered plugin loaded",
		"plugin", desc.Name,
		"group", desc.Group,
		"version", dp.Manifest.Version)
	return nil
}
