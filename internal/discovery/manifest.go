// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

// Package discovery scans a plugins directory, validates manifests,
// and loads the entries through the registry.
package discovery

import (
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Manifest represents a plugin.yaml file. It locates the plugin's
// entry script and the group it must attach to; lifecycle policy
// (guarded, autostart, start events) lives in the script itself so a
// hot reload picks up changes.
type Manifest struct {
	Name    string `yaml:"name" json:"name" jsonschema:"required"`
	Version string `yaml:"version" json:"version" jsonschema:"required"`
	Group   string `yaml:"group" json:"group" jsonschema:"required"`
	Entry   string `yaml:"entry" json:"entry" jsonschema:"required"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin and group names: lowercase start,
// lowercase letters, digits, or hyphens, no trailing hyphen.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, oops.In("discovery").New("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, oops.In("discovery").Hint("invalid YAML").Wrap(err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return oops.In("discovery").With("name", m.Name).
			New("name must start with a-z and contain only a-z, 0-9, and non-trailing hyphens")
	}
	if len(m.Name) > maxNameLength {
		return oops.In("discovery").With("name", m.Name).
			Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}
	if m.Group == "" || !namePattern.MatchString(m.Group) {
		return oops.In("discovery").With("name", m.Name).With("group", m.Group).
			New("group must start with a-z and contain only a-z, 0-9, and non-trailing hyphens")
	}
	if m.Version == "" {
		return oops.In("discovery").With("name", m.Name).New("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return oops.In("discovery").With("name", m.Name).With("version", m.Version).
			Hint("version must be valid semver").Wrap(err)
	}
	if m.Entry == "" {
		return oops.In("discovery").With("name", m.Name).New("entry is required")
	}
	return nil
}
