// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

package registry

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	"github.com/plugkit/plugkit/internal/event"
	"github.com/plugkit/plugkit/pkg/plug"
)

// LoadPlugin validates the factory, instantiates the plugin bound to a
// private subscription proxy, wires it into its declared group, emits
// the load event, and applies the auto-start decision. A failed load
// leaves the registry unchanged.
func (r *Registry) LoadPlugin(ctx context.Context, f plug.Factory) (*Instance, error) {
	if f == nil {
		return nil, ErrValidation("factory cannot be nil")
	}

	proxy := NewProxy(r.bus)
	p, err := f.New(proxy)
	if err != nil {
		proxy.CancelAll()
		return nil, oops.In("registry").Code(CodeValidation).Hint("factory failed to construct a plugin").Wrap(err)
	}
	if p == nil {
		proxy.CancelAll()
		return nil, ErrValidation("factory produced a nil plugin")
	}

	desc := p.Describe()
	if desc.Name == "" {
		proxy.CancelAll()
		return nil, ErrValidation("plugin descriptor has no name")
	}
	if desc.Group == "" {
		proxy.CancelAll()
		return nil, oops.In("registry").
			Code(CodeValidation).
			With("plugin", desc.Name).
			New("plugin descriptor has no group")
	}

	key := Key{Group: desc.Group, Name: desc.Name}
	proxy.bind(key)

	inst := &Instance{
		desc:    desc,
		impl:    p,
		factory: f,
		proxy:   proxy,
	}

	r.mu.Lock()
	g, ok := r.groups[desc.Group]
	if !ok {
		r.mu.Unlock()
		proxy.CancelAll()
		return nil, ErrGroupNotFound(desc.Group)
	}
	if g.Has(desc.Name) {
		r.mu.Unlock()
		proxy.CancelAll()
		return nil, ErrDuplicatePlugin(desc.Group, desc.Name)
	}
	g.Set(desc.Name, inst)
	r.mu.Unlock()

	slog.Info("plugin loaded",
		"plugin", desc.Name,
		"group", desc.Group,
		"version", desc.Version,
		"guarded", desc.Guarded)
	r.metrics.PluginLoaded(desc.Group)
	r.bus.Emit(event.NamePluginLoaded, key.String())

	r.startDecision(ctx, inst, g)
	return inst, nil
}

// LoadPlugins loads each factory in order. When ignoreInvalid is set,
// factories failing validation are skipped with a warning; any other
// failure (unregistered group, duplicate) still aborts the batch.
func (r *Registry) LoadPlugins(ctx context.Context, factories []plug.Factory, ignoreInvalid bool) error {
	for i, f := range factories {
		_, err := r.LoadPlugin(ctx, f)
		if err == nil {
			continue
		}
		if ignoreInvalid && IsValidation(err) {
			slog.Warn("skipping invalid plugin factory",
				"index", i,
				"error", err)
			r.bus.Emit(event.NameWarn, "skipping invalid plugin factory", err)
			continue
		}
		return err
	}
	return nil
}
