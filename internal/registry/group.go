// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

package registry

import "sync"

// GroupSpec declares a plugin group.
type GroupSpec struct {
	// ID is the unique group key. Required.
	ID string

	// Name is the display name. Defaults to ID.
	Name string

	// Guarded groups refuse unloads for every member plugin.
	Guarded bool

	// Autostart is the default starting policy for member plugins that
	// do not set their own.
	Autostart bool
}

// Group is an ordered, name-keyed container of plugin instances
// sharing a category. ID and guarded status are fixed at construction;
// only the display name may change.
type Group struct {
	id        string
	guarded   bool
	autostart bool

	mu     sync.RWMutex
	name   string
	order  []string
	byName map[string]*Instance
}

// NewGroup creates a group from a spec.
func NewGroup(spec GroupSpec) *Group {
	name := spec.Name
	if name == "" {
		name = spec.ID
	}
	return &Group{
		id:        spec.ID,
		guarded:   spec.Guarded,
		autostart: spec.Autostart,
		name:      name,
		byName:    make(map[string]*Instance),
	}
}

// ID returns the group's unique key.
func (g *Group) ID() string { return g.id }

// Guarded reports whether members of this group may be unloaded.
func (g *Group) Guarded() bool { return g.guarded }

// Autostart returns the group's default starting policy.
func (g *Group) Autostart() bool { return g.autostart }

// Name returns the display name.
func (g *Group) Name() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.name
}

// Rename changes the display name in place.
func (g *Group) Rename(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.name = name
}

// Has reports whether a plugin with the given name is attached.
func (g *Group) Has(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.byName[name]
	return ok
}

// Get returns the named plugin instance.
func (g *Group) Get(name string) (*Instance, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	inst, ok := g.byName[name]
	return inst, ok
}

// Set attaches an instance under its name, preserving insertion order
// for new names.
func (g *Group) Set(name string, inst *Instance) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.byName[name]; !exists {
		g.order = append(g.order, name)
	}
	g.byName[name] = inst
}

// Delete detaches the named instance.
func (g *Group) Delete(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.byName[name]; !exists {
		return
	}
	delete(g.byName, name)
	for i, n := range g.order {
		if n == name {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of attached instances.
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byName)
}

// Names returns attached plugin names in insertion order.
func (g *Group) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Instances returns attached instances in insertion order.
func (g *Group) Instances() []*Instance {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Instance, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.byName[name])
	}
	return out
}
