// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

package registry

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	"github.com/plugkit/plugkit/internal/codeunit"
)

// Unload stops and removes a plugin. It fails if the plugin is not
// reachable through the registry, if it (or its group) is guarded, or
// if its factory cannot be matched back to a code unit. A teardown
// failure propagates and leaves the plugin in place; the crash path
// treats that as irrecoverable.
func (r *Registry) Unload(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return ErrValidation("instance cannot be nil")
	}
	key := inst.Key()

	r.mu.Lock()
	g, ok := r.groups[key.Group]
	r.mu.Unlock()
	if !ok {
		return ErrNotLoaded(key.Group, key.Name)
	}
	if current, found := g.Get(key.Name); !found || current != inst {
		return ErrNotLoaded(key.Group, key.Name)
	}

	if inst.desc.Guarded || g.Guarded() {
		return ErrGuarded(key.Group, key.Name, g.Guarded())
	}

	handle, err := r.units.Resolve(inst.factory)
	if err != nil {
		return oops.In("registry").
			Code(CodeUnresolvable).
			With("plugin", key.Name).
			With("group", key.Group).
			Hint("plugin factory has no backing code unit").
			Wrap(err)
	}

	if err := inst.stop(ctx); err != nil {
		return oops.In("registry").
			With("plugin", key.Name).
			With("group", key.Group).
			Hint("teardown hook failed during unload").
			Wrap(err)
	}

	r.units.Invalidate(handle)

	g.Delete(key.Name)
	inst.retire()

	slog.Info("plugin unloaded", "plugin", key.Name, "group", key.Group)
	r.metrics.PluginUnloaded(key.Group)
	return nil
}

// Reload swaps a plugin for a freshly read instance of its code unit.
// The swap is rollback-capable: any failure before the old instance's
// teardown restores the previous definition and re-inserts the old
// instance. Once teardown of the old instance has been attempted,
// failures are irrecoverable and always propagate.
func (r *Registry) Reload(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return ErrValidation("instance cannot be nil")
	}
	key := inst.Key()
	wasStarted := inst.Started()

	r.mu.Lock()
	g, ok := r.groups[key.Group]
	r.mu.Unlock()
	if !ok {
		return ErrNotLoaded(key.Group, key.Name)
	}
	if current, found := g.Get(key.Name); !found || current != inst {
		return ErrNotLoaded(key.Group, key.Name)
	}

	handle, err := r.units.Resolve(inst.factory)
	if err != nil {
		return oops.In("registry").
			Code(CodeUnresolvable).
			With("plugin", key.Name).
			With("group", key.Group).
			Hint("plugin factory has no backing code unit").
			Wrap(err)
	}

	snapshot, hadDef := r.units.Definition(handle)
	r.units.Invalidate(handle)

	fresh, err := r.units.Reload(ctx, handle)
	if err != nil {
		// Old instance untouched; restore the cached definition.
		if hadDef {
			r.units.Restore(handle, snapshot)
		}
		r.metrics.PluginReloaded(key.Group, false)
		return oops.In("registry").
			With("plugin", key.Name).
			With("group", key.Group).
			Hint("failed to re-read code unit").
			Wrap(err)
	}

	// Detach the old instance so the new one can claim the name. Its
	// teardown hook has not run yet.
	g.Delete(key.Name)

	newInst, err := r.LoadPlugin(ctx, fresh)
	if err != nil {
		r.rollbackReload(ctx, g, key, inst, handle, snapshot, hadDef, wasStarted)
		r.metrics.PluginReloaded(key.Group, false)
		return err
	}

	// The replacement is wired in; tear down the superseded instance.
	// From here rollback is impossible.
	if err := inst.stop(ctx); err != nil {
		inst.retire()
		r.metrics.PluginReloaded(key.Group, false)
		return oops.In("registry").
			With("plugin", key.Name).
			With("group", key.Group).
			With("replacement", newInst.Key().String()).
			Hint("teardown of superseded instance failed after swap").
			Wrap(err)
	}
	inst.retire()

	slog.Info("plugin reloaded", "plugin", key.Name, "group", key.Group)
	r.metrics.PluginReloaded(key.Group, true)
	return nil
}

// Shutdown stops every loaded plugin and cancels its subscriptions.
// Guarded plugins stop too; the host itself is going away. Groups are
// torn down in reverse registration order, members in reverse insertion
// order, so dependents stop before what they depend on. Stop failures
// are logged and do not halt the sweep.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	r.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		g, ok := r.Group(order[i])
		if !ok {
			continue
		}
		instances := g.Instances()
		for j := len(instances) - 1; j >= 0; j-- {
			inst := instances[j]
			key := inst.Key()
			if err := inst.stop(ctx); err != nil {
				slog.Warn("plugin teardown failed during shutdown",
					"plugin", key.Name,
					"group", key.Group,
					"error", err)
			}
			g.Delete(key.Name)
			inst.retire()
			r.metrics.PluginUnloaded(key.Group)
		}
	}
	slog.Info("registry shut down")
}

// rollbackReload restores pre-reload state after a failure in which
// the old instance's teardown was never attempted: the previous cached
// definition comes back, the old instance is re-inserted, and it is
// restarted if it was running before the reload began.
func (r *Registry) rollbackReload(ctx context.Context, g *Group, key Key, inst *Instance, handle codeunit.Handle, snapshot codeunit.Definition, hadDef, wasStarted bool) {
	if hadDef {
		r.units.Restore(handle, snapshot)
	} else {
		r.units.Invalidate(handle)
	}

	inst.revive()
	g.Set(key.Name, inst)
	if wasStarted && !inst.Started() {
		inst.start(ctx, r.bus)
	}

	slog.Warn("plugin reload rolled back", "plugin", key.Name, "group", key.Group)
}
