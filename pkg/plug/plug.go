// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

// Package plug defines the API between the runtime and plugin authors.
package plug

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Descriptor declares a plugin's identity and lifecycle policy.
type Descriptor struct {
	// Name must be unique within the owning group.
	Name string

	// Group is the id of the group this plugin belongs to. The group
	// must be registered before the plugin loads.
	Group string

	// Version is informational, surfaced in logs and metrics.
	Version string

	// Guarded plugins cannot be unloaded; on crash they are reloaded
	// in place instead of removed.
	Guarded bool

	// Autostart overrides the group's starting policy when set.
	// Nil defers to the group default.
	Autostart *bool

	// StartOn defers starting until every named host event has fired
	// at least once.
	StartOn []string
}

// Plugin is a named unit of behavior managed by the runtime.
type Plugin interface {
	// Describe returns the plugin's descriptor. It must be stable for
	// the lifetime of the instance.
	Describe() Descriptor

	// Start begins the plugin's work.
	Start(ctx context.Context) error

	// Stop is the teardown hook, invoked on unload, reload, and crash
	// containment.
	Stop(ctx context.Context) error
}

// Factory constructs plugin instances bound to their private event
// subscription surface. The runtime calls New once per load. Factories
// produced by a code-unit store additionally expose their source handle
// so the runtime can unload and hot-reload them.
type Factory interface {
	New(ev Events) (Plugin, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ev Events) (Plugin, error)

// New calls f.
func (f FactoryFunc) New(ev Events) (Plugin, error) { return f(ev) }

// Event is a host event delivered to subscribers.
type Event struct {
	ID   ulid.ULID
	Name string
	Time time.Time
	Args []any
}

// Handler receives events.
type Handler func(Event)

// Subscription is a handle to an active event subscription.
type Subscription interface {
	// Cancel removes the subscription. Safe to call more than once.
	Cancel()
}

// Events is the event-subscription surface handed to each plugin.
// The runtime retains the ledger of subscriptions made through it and
// cancels them all when the plugin unloads, reloads, or crashes.
type Events interface {
	// On subscribes to events whose name matches pattern. Patterns use
	// glob syntax with '.' as the segment separator; plain names match
	// exactly.
	On(pattern string, h Handler) (Subscription, error)

	// Once subscribes for a single delivery, then cancels itself.
	Once(pattern string, h Handler) (Subscription, error)
}

// Bool is a convenience for Descriptor.Autostart literals.
func Bool(v bool) *bool { return &v }
