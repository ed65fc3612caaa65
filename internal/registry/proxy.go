// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

package registry

import (
	"sync"

	"github.com/samber/oops"

	"github.com/plugkit/plugkit/pkg/plug"
)

// EventBus is the slice of the host event capability the registry
// consumes: emission, subscription, and the fired-at-least-once record
// backing deferred starts.
type EventBus interface {
	Emit(name string, args ...any)
	On(pattern string, h plug.Handler) (plug.Subscription, error)
	Once(pattern string, h plug.Handler) (plug.Subscription, error)
	Seen(name string) bool
}

// Proxy is the event-subscription surface handed to a single plugin.
// It forwards to the host bus and keeps the authoritative ledger of
// the plugin's subscriptions so they can all be cancelled when the
// plugin unloads, reloads, or crashes.
type Proxy struct {
	bus EventBus

	mu     sync.Mutex
	owner  Key
	subs   []plug.Subscription
	closed bool
}

var _ plug.Events = (*Proxy)(nil)

// NewProxy creates a proxy over the host bus.
func NewProxy(bus EventBus) *Proxy {
	return &Proxy{bus: bus}
}

// bind records the owning plugin's address once the load succeeds far
// enough to know it.
func (p *Proxy) bind(owner Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owner = owner
}

// On implements plug.Events.
func (p *Proxy) On(pattern string, h plug.Handler) (plug.Subscription, error) {
	return p.subscribe(pattern, h, false)
}

// Once implements plug.Events.
func (p *Proxy) Once(pattern string, h plug.Handler) (plug.Subscription, error) {
	return p.subscribe(pattern, h, true)
}

func (p *Proxy) subscribe(pattern string, h plug.Handler, once bool) (plug.Subscription, error) {
	p.mu.Lock()
	if p.closed {
		owner := p.owner
		p.mu.Unlock()
		return nil, oops.In("registry").
			Code(CodeNotLoaded).
			With("plugin", owner.String()).
			New("cannot subscribe: plugin is unloaded")
	}
	p.mu.Unlock()

	var (
		sub plug.Subscription
		err error
	)
	if once {
		sub, err = p.bus.Once(pattern, h)
	} else {
		sub, err = p.bus.On(pattern, h)
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	return sub, nil
}

// CancelAll tears down every subscription made through this proxy and
// closes it against further use.
func (p *Proxy) CancelAll() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.closed = true
	p.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

// reopen re-arms a closed proxy during reload rollback.
func (p *Proxy) reopen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = false
}

// Len returns the number of subscriptions in the ledger.
func (p *Proxy) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
