// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

// Package codeunit tracks the source-backed definitions plugins are
// built from, so the runtime can invalidate and re-read them during
// unload and hot reload.
package codeunit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/plugkit/plugkit/pkg/plug"
)

// Handle identifies a loaded code unit.
type Handle struct {
	ID   uint64
	Path string
}

// Definition is a compiled code-unit definition. Its concrete type
// belongs to the Compiler that produced it.
type Definition any

// Compiler turns a source file into a definition and definitions into
// plugin factories.
type Compiler interface {
	// Compile reads and validates the source at path.
	Compile(ctx context.Context, path string) (Definition, error)

	// Instantiate builds a factory from a compiled definition.
	Instantiate(def Definition) (plug.Factory, error)
}

// Store is the code-unit surface the registry depends on for unload
// and reload.
type Store interface {
	// Resolve matches a factory back to the code unit it was built
	// from. Factories not produced by this store cannot be resolved.
	Resolve(f plug.Factory) (Handle, error)

	// Definition returns the cached definition for a handle, if any.
	Definition(h Handle) (Definition, bool)

	// Invalidate drops the cached definition so the next load re-reads
	// fresh source.
	Invalidate(h Handle)

	// Restore puts a previously snapshotted definition back.
	Restore(h Handle, def Definition)

	// Reload invalidates the handle and re-reads its source, producing
	// a fresh factory.
	Reload(ctx context.Context, h Handle) (plug.Factory, error)
}

// Sourced is implemented by factories that carry their code-unit
// handle. The registry resolves factories through this interface.
type Sourced interface {
	CodeUnit() Handle
}

// unit is one known source path.
type unit struct {
	id   uint64
	path string
}

// FileStore is a Store backed by source files on disk. Compiled
// definitions live in an LRU cache; a cache miss re-reads the file.
type FileStore struct {
	compiler Compiler

	mu     sync.Mutex
	nextID uint64
	byPath map[string]*unit
	byID   map[uint64]*unit
	defs   *lru.Cache[uint64, Definition]
}

const defaultCacheSize = 128

// Retry policy for re-reading a source file that may be mid-write.
const (
	readRetryBase = 25 * time.Millisecond
	readRetryMax  = 3
)

// NewFileStore creates a file-backed store using the given compiler.
func NewFileStore(compiler Compiler) (*FileStore, error) {
	if compiler == nil {
		return nil, oops.In("codeunit").Code("validation").New("compiler cannot be nil")
	}
	defs, err := lru.New[uint64, Definition](defaultCacheSize)
	if err != nil {
		return nil, oops.In("codeunit").Wrap(err)
	}
	return &FileStore{
		compiler: compiler,
		byPath:   make(map[string]*unit),
		byID:     make(map[uint64]*unit),
		defs:     defs,
	}, nil
}

// sourcedFactory wraps a compiler-built factory with its handle.
type sourcedFactory struct {
	inner  plug.Factory
	handle Handle
}

func (f *sourcedFactory) New(ev plug.Events) (plug.Plugin, error) { return f.inner.New(ev) }

func (f *sourcedFactory) CodeUnit() Handle { return f.handle }

// Load compiles the source at path (or reuses the cached definition)
// and returns a factory bound to this store.
func (s *FileStore) Load(ctx context.Context, path string) (plug.Factory, error) {
	s.mu.Lock()
	u, ok := s.byPath[path]
	if !ok {
		s.nextID++
		u = &unit{id: s.nextID, path: path}
		s.byPath[path] = u
		s.byID[u.id] = u
	}
	def, cached := s.defs.Get(u.id)
	s.mu.Unlock()

	if !cached {
		fresh, err := s.compile(ctx, path)
		if err != nil {
			return nil, err
		}
		def = fresh
		s.mu.Lock()
		s.defs.Add(u.id, def)
		s.mu.Unlock()
	}

	return s.instantiate(u, def)
}

// compile reads the source with bounded retry; a file being rewritten
// by an editor or sync tool settles within the backoff window.
func (s *FileStore) compile(ctx context.Context, path string) (Definition, error) {
	var def Definition
	backoff := retry.WithMaxRetries(readRetryMax, retry.NewFibonacci(readRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		d, cerr := s.compiler.Compile(ctx, path)
		if cerr != nil {
			return retry.RetryableError(cerr)
		}
		def = d
		return nil
	})
	if err != nil {
		return nil, oops.In("codeunit").With("path", path).Hint("failed to compile code unit").Wrap(err)
	}
	return def, nil
}

func (s *FileStore) instantiate(u *unit, def Definition) (plug.Factory, error) {
	factory, err := s.compiler.Instantiate(def)
	if err != nil {
		return nil, oops.In("codeunit").With("path", u.path).Hint("failed to instantiate definition").Wrap(err)
	}
	return &sourcedFactory{
		inner:  factory,
		handle: Handle{ID: u.id, Path: u.path},
	}, nil
}

// Resolve implements Store.
func (s *FileStore) Resolve(f plug.Factory) (Handle, error) {
	src, ok := f.(Sourced)
	if !ok {
		return Handle{}, oops.In("codeunit").Code("unresolvable").New("factory was not produced by this store")
	}
	h := src.CodeUnit()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.byID[h.ID]; !known {
		return Handle{}, oops.In("codeunit").Code("unresolvable").With("path", h.Path).New("code unit is no longer tracked")
	}
	return h, nil
}

// Definition implements Store.
func (s *FileStore) Definition(h Handle) (Definition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defs.Get(h.ID)
}

// Invalidate implements Store.
func (s *FileStore) Invalidate(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs.Remove(h.ID)
}

// Restore implements Store.
func (s *FileStore) Restore(h Handle, def Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs.Add(h.ID, def)
}

// Reload implements Store.
func (s *FileStore) Reload(ctx context.Context, h Handle) (plug.Factory, error) {
	s.mu.Lock()
	u, known := s.byID[h.ID]
	s.mu.Unlock()
	if !known {
		return nil, oops.In("codeunit").Code("unresolvable").With("path", h.Path).New("code unit is no longer tracked")
	}

	def, err := s.compile(ctx, u.path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.defs.Add(u.id, def)
	s.mu.Unlock()

	return s.instantiate(u, def)
}

var _ Store = (*FileStore)(nil)
