// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

// Package registry implements the plugin lifecycle engine: named
// groups of plugins, load/unload/hot-reload with rollback, and crash
// escalation.
package registry

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/plugkit/plugkit/internal/codeunit"
	"github.com/plugkit/plugkit/internal/event"
	"github.com/plugkit/plugkit/pkg/plug"
)

// Host is the slice of the owning process the registry needs for
// fatal escalation.
type Host interface {
	// Destroy begins host-wide shutdown.
	Destroy(ctx context.Context) error
}

// Metrics receives lifecycle counters. The observability package
// provides the real implementation; tests use a stub.
type Metrics interface {
	PluginLoaded(group string)
	PluginUnloaded(group string)
	PluginReloaded(group string, ok bool)
	PluginCrashed(group string, contained bool)
}

// nopMetrics is used when no metrics sink is configured.
type nopMetrics struct{}

func (nopMetrics) PluginLoaded(string) {}

func (nopMetrics) PluginUnloaded(string) {}

func (nopMetrics) PluginReloaded(string, bool) {}

func (nopMetrics) PluginCrashed(string, bool) {}

// fatalGrace is how long observers get between a fatal event and the
// forced process exit.
const fatalGrace = 5 * time.Second

// Registry is the root container: an ordered mapping from group id to
// Group, plus the lifecycle operations over their member plugins.
type Registry struct {
	bus     EventBus
	units   codeunit.Store
	host    Host
	metrics Metrics
	exit    func(code int)
	grace   time.Duration

	mu     sync.Mutex
	order  []string
	groups map[string]*Group

	crashMu  sync.Mutex
	crashing map[Key]bool
}

// Option configures the Registry.
type Option func(*Registry)

// WithHost sets the host collaborator used during fatal escalation.
func WithHost(h Host) Option {
	return func(r *Registry) { r.host = h }
}

// WithMetrics sets the lifecycle metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithExit overrides the forced-exit call. Tests use this to observe
// the fatal path without terminating the process.
func WithExit(exit func(code int)) Option {
	return func(r *Registry) { r.exit = exit }
}

// WithFatalGrace overrides the grace window before forced exit.
func WithFatalGrace(d time.Duration) Option {
	return func(r *Registry) { r.grace = d }
}

// New creates a registry over the host bus and code-unit store.
func New(bus EventBus, units codeunit.Store, opts ...Option) *Registry {
	r := &Registry{
		bus:      bus,
		units:    units,
		metrics:  nopMetrics{},
		exit:     os.Exit,
		grace:    fatalGrace,
		groups:   make(map[string]*Group),
		crashing: make(map[Key]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterGroup registers a group. Re-registering an existing id only
// updates the display name; member plugins survive.
func (r *Registry) RegisterGroup(spec GroupSpec) (*Group, error) {
	if spec.ID == "" {
		return nil, ErrValidation("group id cannot be empty")
	}

	r.mu.Lock()
	existing, ok := r.groups[spec.ID]
	if ok {
		if spec.Name != "" {
			existing.Rename(spec.Name)
		}
		r.mu.Unlock()

		slog.Debug("group re-registered", "group", spec.ID, "name", existing.Name())
		r.bus.Emit(event.NameGroupRegister, spec.ID, true)
		return existing, nil
	}

	g := NewGroup(spec)
	r.groups[spec.ID] = g
	r.order = append(r.order, spec.ID)
	r.mu.Unlock()

	slog.Info("group registered",
		"group", spec.ID,
		"name", g.Name(),
		"guarded", g.Guarded(),
		"autostart", g.Autostart())
	r.bus.Emit(event.NameGroupRegister, spec.ID, false)
	return g, nil
}

// RegisterGroups registers each spec in order, aborting on the first
// failure.
func (r *Registry) RegisterGroups(specs []GroupSpec) error {
	for _, spec := range specs {
		if _, err := r.RegisterGroup(spec); err != nil {
			return err
		}
	}
	return nil
}

// AdoptGroup registers an already constructed group under its own id.
// Like RegisterGroup, an existing id is renamed in place rather than
// replaced: the adopted group is discarded and its member plugins are
// never adopted, so a registered group's members survive any
// re-registration. Callers wanting a clean slate unload the members
// first.
func (r *Registry) AdoptGroup(g *Group) (*Group, error) {
	if g == nil {
		return nil, ErrValidation("group cannot be nil")
	}
	r.mu.Lock()
	existing, ok := r.groups[g.ID()]
	if ok {
		existing.Rename(g.Name())
		r.mu.Unlock()
		r.bus.Emit(event.NameGroupRegister, g.ID(), true)
		return existing, nil
	}
	r.groups[g.ID()] = g
	r.order = append(r.order, g.ID())
	r.mu.Unlock()
	r.bus.Emit(event.NameGroupRegister, g.ID(), false)
	return g, nil
}

// Exists reports whether the key resolves: for a group-level key, that
// the group is registered; for a composite key, that the named plugin
// exists within that group.
func (r *Registry) Exists(key Key) bool {
	r.mu.Lock()
	g, ok := r.groups[key.Group]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if key.IsGroup() {
		return true
	}
	return g.Has(key.Name)
}

// Resolve returns the group for a group-level key, or the group and
// instance for a composite key. ok is false when the key does not
// resolve.
func (r *Registry) Resolve(key Key) (g *Group, inst *Instance, ok bool) {
	r.mu.Lock()
	g, found := r.groups[key.Group]
	r.mu.Unlock()
	if !found {
		return nil, nil, false
	}
	if key.IsGroup() {
		return g, nil, true
	}
	inst, found = g.Get(key.Name)
	if !found {
		return nil, nil, false
	}
	return g, inst, true
}

// Group returns a registered group by id.
func (r *Registry) Group(id string) (*Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	return g, ok
}

// Groups returns registered groups in registration order.
func (r *Registry) Groups() []*Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Group, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.groups[id])
	}
	return out
}

// FindBySource returns the loaded instance whose factory resolves to
// the given source path. Used by the source watcher to map file
// changes back to plugins.
func (r *Registry) FindBySource(path string) (*Instance, bool) {
	for _, g := range r.Groups() {
		for _, inst := range g.Instances() {
			h, err := r.units.Resolve(inst.factory)
			if err != nil {
				continue
			}
			if h.Path == path {
				return inst, true
			}
		}
	}
	return nil, false
}

// PutPlugin assigns an instance at a composite key. The target group
// must already be registered.
func (r *Registry) PutPlugin(key Key, inst *Instance) error {
	if key.IsGroup() {
		return ErrValidation("composite key required to assign a plugin")
	}
	r.mu.Lock()
	g, ok := r.groups[key.Group]
	r.mu.Unlock()
	if !ok {
		return ErrGroupNotFound(key.Group)
	}
	g.Set(key.Name, inst)
	return nil
}

// startDecision applies the auto-start policy after a successful load:
// start if the plugin asks for it, inherits it from its group, or is
// guarded (directly or through its group). An explicit autostart=false
// on a guarded plugin is inconsistent; guarded status wins and a
// warning is emitted.
func (r *Registry) startDecision(ctx context.Context, inst *Instance, g *Group) {
	desc := inst.Describe()
	explicitOff := desc.Autostart != nil && !*desc.Autostart

	if explicitOff && desc.Guarded {
		slog.Warn("plugin disables autostart but is guarded; starting anyway",
			"plugin", desc.Name,
			"group", desc.Group)
		r.bus.Emit(event.NameWarn, "guarded plugin disables autostart", desc.Name)
	}
	if explicitOff && g.Guarded() {
		slog.Warn("plugin disables autostart but its group is guarded; starting anyway",
			"plugin", desc.Name,
			"group", desc.Group)
		r.bus.Emit(event.NameWarn, "plugin in guarded group disables autostart", desc.Name)
	}

	shouldStart := (desc.Autostart != nil && *desc.Autostart) ||
		(desc.Autostart == nil && g.Autostart()) ||
		desc.Guarded ||
		g.Guarded()
	if !shouldStart {
		return
	}

	if len(desc.StartOn) > 0 {
		r.deferStart(inst, desc.StartOn)
		return
	}
	inst.start(ctx, r.bus)
}

// deferStart arms a conjunction wait: the plugin starts once every
// named event has fired at least once. Waiters go through the plugin's
// proxy so an unload cancels them.
func (r *Registry) deferStart(inst *Instance, startOn []string) {
	remaining := 0
	for _, name := range startOn {
		if !r.bus.Seen(name) {
			remaining++
		}
	}
	if remaining == 0 {
		inst.start(context.Background(), r.bus)
		return
	}

	var mu sync.Mutex
	for _, name := range startOn {
		if r.bus.Seen(name) {
			continue
		}
		_, err := inst.proxy.Once(name, func(plug.Event) {
			mu.Lock()
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done {
				inst.start(context.Background(), r.bus)
			}
		})
		if err != nil {
			slog.Error("failed to arm deferred start",
				"plugin", inst.desc.Name,
				"group", inst.desc.Group,
				"event", name,
				"error", err)
		}
	}
}
