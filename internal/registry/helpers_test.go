// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

package registry_test

import (
	"context"
	"errors"
	"sync"

	"github.com/plugkit/plugkit/internal/codeunit"
	"github.com/plugkit/plugkit/internal/event"
	"github.com/plugkit/plugkit/internal/registry"
	"github.com/plugkit/plugkit/pkg/plug"
)

// testPlugin is a minimal plug.Plugin with observable lifecycle.
type testPlugin struct {
	desc plug.Descriptor
	ev   plug.Events

	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
	stopErr  error
}

func (p *testPlugin) Describe() plug.Descriptor { return p.desc }

func (p *testPlugin) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	return p.startErr
}

func (p *testPlugin) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return p.stopErr
}

func (p *testPlugin) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

func (p *testPlugin) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

// testFactory builds testPlugins and carries a code-unit handle so the
// fake store can resolve it.
type testFactory struct {
	handle  codeunit.Handle
	desc    plug.Descriptor
	makeErr error

	mu   sync.Mutex
	last *testPlugin
}

func (f *testFactory) New(ev plug.Events) (plug.Plugin, error) {
	if f.makeErr != nil {
		return nil, f.makeErr
	}
	p := &testPlugin{desc: f.desc, ev: ev}
	f.mu.Lock()
	f.last = p
	f.mu.Unlock()
	return p, nil
}

func (f *testFactory) CodeUnit() codeunit.Handle { return f.handle }

func (f *testFactory) lastPlugin() *testPlugin {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// fakeStore is an in-memory codeunit.Store whose Reload behavior is
// scripted per test.
type fakeStore struct {
	mu       sync.Mutex
	nextID   uint64
	defs     map[uint64]codeunit.Definition
	reloadFn func(h codeunit.Handle) (plug.Factory, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{defs: make(map[uint64]codeunit.Definition)}
}

// factory registers a new code unit and returns a factory bound to it.
func (s *fakeStore) factory(desc plug.Descriptor) *testFactory {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	h := codeunit.Handle{ID: s.nextID, Path: desc.Group + "/" + desc.Name + ".lua"}
	s.defs[h.ID] = "definition:v1"
	return &testFactory{handle: h, desc: desc}
}

func (s *fakeStore) Resolve(f plug.Factory) (codeunit.Handle, error) {
	src, ok := f.(codeunit.Sourced)
	if !ok {
		return codeunit.Handle{}, errors.New("factory has no code unit")
	}
	return src.CodeUnit(), nil
}

func (s *fakeStore) Definition(h codeunit.Handle) (codeunit.Definition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[h.ID]
	return def, ok
}

func (s *fakeStore) Invalidate(h codeunit.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, h.ID)
}

func (s *fakeStore) Restore(h codeunit.Handle, def codeunit.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[h.ID] = def
}

func (s *fakeStore) Reload(_ context.Context, h codeunit.Handle) (plug.Factory, error) {
	s.mu.Lock()
	fn := s.reloadFn
	s.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no reload scripted")
	}
	f, err := fn(h)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.defs[h.ID] = "definition:v2"
	s.mu.Unlock()
	return f, nil
}

var _ codeunit.Store = (*fakeStore)(nil)

// fakeHost records Destroy calls.
type fakeHost struct {
	mu        sync.Mutex
	destroyed int
}

func (h *fakeHost) Destroy(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed++
	return nil
}

func (h *fakeHost) destroyCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

// newTestRegistry wires a registry over a fresh bus and fake store.
func newTestRegistry(opts ...registry.Option) (*registry.Registry, *event.Bus, *fakeStore) {
	bus := event.NewBus()
	store := newFakeStore()
	return registry.New(bus, store, opts...), bus, store
}

func autostart(v bool) *bool { return plug.Bool(v) }
