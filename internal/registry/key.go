// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

package registry

import "strings"

// Key addresses either a group or a plugin within a group. An empty
// Name means the key is group-level.
type Key struct {
	Group string
	Name  string
}

// ParseKey splits a textual key on the first ':'. "fun:joke" addresses
// plugin "joke" in group "fun"; "fun" addresses the group itself.
func ParseKey(s string) Key {
	group, name, _ := strings.Cut(s, ":")
	return Key{Group: group, Name: name}
}

// IsGroup reports whether the key addresses a group rather than a
// plugin.
func (k Key) IsGroup() bool { return k.Name == "" }

func (k Key) String() string {
	if k.IsGroup() {
		return k.Group
	}
	return k.Group + ":" + k.Name
}
