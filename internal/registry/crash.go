// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/plugkit/plugkit/internal/event"
)

// Crash handles a plugin that signalled an unrecoverable internal
// error. It is fire-and-forget for the caller: containment errors
// never propagate, they escalate.
//
// Containment unloads an unguarded plugin and reloads a guarded one
// (guarded plugins are never removed, only replaced). Guarding is
// transitive from the group, matching the unload rules. If containment
// itself fails the plugin is in an undefined state: a forced process
// exit is scheduled after a grace window so logging sinks can flush,
// and host-wide shutdown begins immediately. The exit timer is not
// cancellable once scheduled.
//
// A second crash for the same identity while the first is still being
// handled is a no-op, which stops re-entrant crash storms.
func (r *Registry) Crash(ctx context.Context, inst *Instance, cause error) {
	if inst == nil {
		return
	}
	key := inst.Key()

	r.crashMu.Lock()
	if r.crashing[key] {
		r.crashMu.Unlock()
		slog.Debug("crash already being handled", "plugin", key.String())
		return
	}
	r.crashing[key] = true
	r.crashMu.Unlock()

	slog.Error("plugin crashed",
		"plugin", key.Name,
		"group", key.Group,
		"error", cause)
	r.bus.Emit(event.NamePluginError, key.String(), cause)

	guarded := inst.desc.Guarded
	if g, ok := r.Group(key.Group); ok && g.Guarded() {
		guarded = true
	}

	var err error
	if guarded {
		err = r.Reload(ctx, inst)
	} else {
		err = r.Unload(ctx, inst)
	}

	if err == nil {
		r.crashMu.Lock()
		delete(r.crashing, key)
		r.crashMu.Unlock()
		r.metrics.PluginCrashed(key.Group, true)
		slog.Info("plugin crash contained",
			"plugin", key.Name,
			"group", key.Group,
			"guarded", guarded)
		return
	}

	r.fatal(ctx, key, err)
}

// fatal escalates a failed containment to full-process termination.
func (r *Registry) fatal(ctx context.Context, key Key, err error) {
	r.metrics.PluginCrashed(key.Group, false)
	slog.Error("plugin crash containment failed; terminating",
		"plugin", key.Name,
		"group", key.Group,
		"grace", r.grace,
		"error", err)
	r.bus.Emit(event.NamePluginFatal, key.String(), err)

	time.AfterFunc(r.grace, func() {
		r.exit(1)
	})

	if r.host != nil {
		if derr := r.host.Destroy(ctx); derr != nil {
			slog.Error("host shutdown failed during fatal escalation",
				"plugin", key.String(),
				"error", derr)
		}
	}
}
