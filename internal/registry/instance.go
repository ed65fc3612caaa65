// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/plugkit/plugkit/internal/event"
	"github.com/plugkit/plugkit/pkg/plug"
)

// Instance is the registry's wrapper around a loaded plugin: the user
// implementation, the factory it came from, its private subscription
// proxy, and its run state.
type Instance struct {
	desc    plug.Descriptor
	impl    plug.Plugin
	factory plug.Factory
	proxy   *Proxy

	mu      sync.Mutex
	started bool
	retired bool
}

// Describe returns the descriptor captured at load time.
func (i *Instance) Describe() plug.Descriptor { return i.desc }

// Key returns the instance's registry address.
func (i *Instance) Key() Key {
	return Key{Group: i.desc.Group, Name: i.desc.Name}
}

// Started reports whether the plugin is currently running.
func (i *Instance) Started() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.started
}

// retire marks the instance as detached from the registry and cancels
// every subscription made through its proxy, including pending
// deferred-start waiters.
func (i *Instance) retire() {
	i.mu.Lock()
	i.retired = true
	i.mu.Unlock()
	i.proxy.CancelAll()
}

// revive clears the retired flag during reload rollback so a
// re-inserted instance can run again.
func (i *Instance) revive() {
	i.mu.Lock()
	i.retired = false
	i.mu.Unlock()
	i.proxy.reopen()
}

// start runs the plugin's Start hook unless the instance was retired
// first. Start failures do not unwind the load; they are reported
// through the bus and the log.
func (i *Instance) start(ctx context.Context, bus EventBus) {
	i.mu.Lock()
	if i.retired || i.started {
		i.mu.Unlock()
		return
	}
	i.started = true
	i.mu.Unlock()

	if err := i.impl.Start(ctx); err != nil {
		i.mu.Lock()
		i.started = false
		i.mu.Unlock()
		slog.Error("plugin start failed",
			"plugin", i.desc.Name,
			"group", i.desc.Group,
			"error", err)
		bus.Emit(event.NameWarn, "plugin start failed", i.Key().String(), err)
	}
}

// stop runs the teardown hook. The caller decides what a failure
// means; the run state is only cleared on success.
func (i *Instance) stop(ctx context.Context) error {
	i.mu.Lock()
	running := i.started
	i.mu.Unlock()

	if err := i.impl.Stop(ctx); err != nil {
		return err
	}
	if running {
		i.mu.Lock()
		i.started = false
		i.mu.Unlock()
	}
	return nil
}
