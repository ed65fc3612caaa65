// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

// Package event provides the host event bus.
package event

import (
	"crypto/rand"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/plugkit/plugkit/pkg/plug"
)

// Reserved event names emitted by the runtime itself.
const (
	NameDebug         = "debug"
	NameWarn          = "warn"
	NameGroupRegister = "pluginGroupRegister"
	NamePluginLoaded  = "pluginLoaded"
	NamePluginError   = "pluginError"
	NamePluginFatal   = "pluginFatal"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

func newULID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// subscription binds a handler to a name pattern.
type subscription struct {
	bus     *Bus
	id      uint64
	pattern string
	matcher glob.Glob // nil for exact-name patterns
	handler plug.Handler
	once    bool
}

// Cancel removes the subscription from the bus. Idempotent.
func (s *subscription) Cancel() {
	s.bus.remove(s.id)
}

func (s *subscription) matches(name string) bool {
	if s.matcher != nil {
		return s.matcher.Match(name)
	}
	return s.pattern == name
}

// Bus dispatches host events to subscribers synchronously, in
// subscription order. Handlers run to completion before Emit returns,
// so registry mutations made from handlers never interleave with the
// emitting operation.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   []*subscription
	seen   map[string]bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{seen: make(map[string]bool)}
}

// On subscribes h to events whose name matches pattern. Patterns
// containing glob metacharacters are compiled with '.' as the segment
// separator; plain names match exactly.
func (b *Bus) On(pattern string, h plug.Handler) (plug.Subscription, error) {
	return b.subscribe(pattern, h, false)
}

// Once subscribes h for a single matching event, then cancels itself.
func (b *Bus) Once(pattern string, h plug.Handler) (plug.Subscription, error) {
	return b.subscribe(pattern, h, true)
}

func (b *Bus) subscribe(pattern string, h plug.Handler, once bool) (plug.Subscription, error) {
	if pattern == "" {
		return nil, oops.In("event").Code("validation").New("pattern cannot be empty")
	}
	if h == nil {
		return nil, oops.In("event").Code("validation").With("pattern", pattern).New("handler cannot be nil")
	}

	var matcher glob.Glob
	if strings.ContainsAny(pattern, "*?[{") {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, oops.In("event").Code("validation").With("pattern", pattern).Hint("invalid glob pattern").Wrap(err)
		}
		matcher = g
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{
		bus:     b,
		id:      b.nextID,
		pattern: pattern,
		matcher: matcher,
		handler: h,
		once:    once,
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers an event to every matching subscriber before returning.
// Handler panics are recovered and logged; they never reach the caller.
func (b *Bus) Emit(name string, args ...any) {
	evt := plug.Event{
		ID:   newULID(),
		Name: name,
		Time: time.Now(),
		Args: args,
	}

	b.mu.Lock()
	b.seen[name] = true
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(name) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		if sub.once {
			sub.Cancel()
		}
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscription, evt plug.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event", evt.Name,
				"event_id", evt.ID.String(),
				"pattern", sub.pattern,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	sub.handler(evt)
}

// Seen reports whether an event with the given name has fired at least
// once on this bus.
func (b *Bus) Seen(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seen[name]
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
