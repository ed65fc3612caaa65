// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

package discovery_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugkit/plugkit/internal/discovery"
)

func TestParseManifest_Valid(t *testing.T) {
	data := []byte(`
name: joke
version: 1.0.0
group: fun
entry: main.lua
`)
	m, err := discovery.ParseManifest(data)
	require.NoError(t, err)
	assert.Equal(t, "joke", m.Name)
	assert.Equal(t, "fun", m.Group)
	assert.Equal(t, "main.lua", m.Entry)
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"bad yaml", "invalid: ["},
		{"missing name", "version: 1.0.0\ngroup: fun\nentry: main.lua"},
		{"uppercase name", "name: Joke\nversion: 1.0.0\ngroup: fun\nentry: main.lua"},
		{"trailing hyphen", "name: joke-\nversion: 1.0.0\ngroup: fun\nentry: main.lua"},
		{"missing group", "name: joke\nversion: 1.0.0\nentry: main.lua"},
		{"bad group", "name: joke\nversion: 1.0.0\ngroup: FUN\nentry: main.lua"},
		{"missing version", "name: joke\ngroup: fun\nentry: main.lua"},
		{"bad semver", "name: joke\nversion: banana\ngroup: fun\nentry: main.lua"},
		{"missing entry", "name: joke\nversion: 1.0.0\ngroup: fun"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := discovery.ParseManifest([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestManifest_ValidateAcceptsPrereleaseVersions(t *testing.T) {
	m := &discovery.Manifest{Name: "joke", Version: "2.0.0-rc.1", Group: "fun", Entry: "main.lua"}
	assert.NoError(t, m.Validate())
}

func TestManifest_SingleCharacterNames(t *testing.T) {
	m := &discovery.Manifest{Name: "a", Version: "1.0.0", Group: "b", Entry: "main.lua"}
	assert.NoError(t, m.Validate())
}
