// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

// Package lua turns Lua scripts into reloadable plugin code units.
//
// A plugin script declares itself through a global `plugin` table and
// optional lifecycle functions:
//
//	plugin = {
//	    name = "joke",
//	    group = "fun",
//	    version = "1.0.0",
//	    guarded = false,
//	    autostart = true,          -- omit to defer to the group
//	    start_on = { "ready" },    -- wait for host events before starting
//	    events = { "say", "tick" } -- subscribed while the plugin runs
//	}
//
//	function on_start() end
//	function on_stop() end
//	function on_event(e) end
package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"
	glua "github.com/yuin/gopher-lua"

	"github.com/plugkit/plugkit/internal/codeunit"
	"github.com/plugkit/plugkit/pkg/plug"
)

// Chunk is the compiled definition of a Lua code unit: validated
// source plus the descriptor extracted from its plugin table.
type Chunk struct {
	Path   string
	Source string
	Desc   plug.Descriptor
	Events []string
}

// Compiler implements codeunit.Compiler for Lua scripts.
type Compiler struct{}

var _ codeunit.Compiler = (*Compiler)(nil)

// NewCompiler creates a Lua compiler.
func NewCompiler() *Compiler { return &Compiler{} }

// Compile reads the script, validates it in a throwaway state, and
// extracts its descriptor.
func (c *Compiler) Compile(ctx context.Context, path string) (codeunit.Definition, error) {
	code, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.In("lua").With("path", path).Hint("failed to read script").Wrap(err)
	}

	L := glua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	if err := L.DoString(string(code)); err != nil {
		return nil, oops.In("lua").With("path", path).Hint("script failed to run").Wrap(err)
	}

	desc, events, err := extractDescriptor(L, path)
	if err != nil {
		return nil, err
	}

	return &Chunk{
		Path:   path,
		Source: string(code),
		Desc:   desc,
		Events: events,
	}, nil
}

// Instantiate builds a factory producing plugin instances backed by
// the chunk. Each instance owns its own Lua state.
func (c *Compiler) Instantiate(def codeunit.Definition) (plug.Factory, error) {
	chunk, ok := def.(*Chunk)
	if !ok {
		return nil, oops.In("lua").New("definition is not a lua chunk")
	}
	return plug.FactoryFunc(func(ev plug.Events) (plug.Plugin, error) {
		return &pluginInstance{chunk: chunk, events: ev}, nil
	}), nil
}

// extractDescriptor reads the global plugin table.
func extractDescriptor(L *glua.LState, path string) (plug.Descriptor, []string, error) {
	val := L.GetGlobal("plugin")
	tbl, ok := val.(*glua.LTable)
	if !ok {
		return plug.Descriptor{}, nil, oops.In("lua").With("path", path).New("script does not define a plugin table")
	}

	desc := plug.Descriptor{
		Name:    glua.LVAsString(tbl.RawGetString("name")),
		Group:   glua.LVAsString(tbl.RawGetString("group")),
		Version: glua.LVAsString(tbl.RawGetString("version")),
		Guarded: glua.LVAsBool(tbl.RawGetString("guarded")),
	}
	if v := tbl.RawGetString("autostart"); v != glua.LNil {
		desc.Autostart = plug.Bool(glua.LVAsBool(v))
	}
	desc.StartOn = stringList(tbl.RawGetString("start_on"))
	events := stringList(tbl.RawGetString("events"))

	if desc.Name == "" {
		return plug.Descriptor{}, nil, oops.In("lua").With("path", path).New("plugin table has no name")
	}
	if desc.Group == "" {
		return plug.Descriptor{}, nil, oops.In("lua").With("path", path).With("plugin", desc.Name).New("plugin table has no group")
	}
	return desc, events, nil
}

func stringList(v glua.LValue) []string {
	tbl, ok := v.(*glua.LTable)
	if !ok {
		return nil
	}
	var out []string
	tbl.ForEach(func(_, item glua.LValue) {
		if s := glua.LVAsString(item); s != "" {
			out = append(out, s)
		}
	})
	return out
}

// pluginInstance runs a chunk inside its own Lua state.
type pluginInstance struct {
	chunk  *Chunk
	events plug.Events

	mu sync.Mutex
	L  *glua.LState
}

var _ plug.Plugin = (*pluginInstance)(nil)

func (p *pluginInstance) Describe() plug.Descriptor { return p.chunk.Desc }

// Start loads the script into a fresh state, calls on_start if
// defined, and subscribes on_event for each declared event.
func (p *pluginInstance) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.L != nil {
		return nil // already running
	}

	L := glua.NewState()
	L.SetContext(ctx)
	if err := L.DoString(p.chunk.Source); err != nil {
		L.Close()
		return oops.In("lua").With("plugin", p.chunk.Desc.Name).Hint("script failed to run").Wrap(err)
	}

	if err := callOptional(L, "on_start"); err != nil {
		L.Close()
		return oops.In("lua").With("plugin", p.chunk.Desc.Name).With("fn", "on_start").Wrap(err)
	}
	p.L = L

	for _, name := range p.chunk.Events {
		if _, err := p.events.On(name, p.handleEvent); err != nil {
			return oops.In("lua").With("plugin", p.chunk.Desc.Name).With("event", name).Hint("failed to subscribe").Wrap(err)
		}
	}
	return nil
}

// Stop calls on_stop and closes the state. Subscriptions made through
// the plugin's proxy are cancelled by the runtime on unload.
func (p *pluginInstance) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.L == nil {
		return nil
	}
	err := callOptional(p.L, "on_stop")
	p.L.Close()
	p.L = nil
	if err != nil {
		return oops.In("lua").With("plugin", p.chunk.Desc.Name).With("fn", "on_stop").Wrap(err)
	}
	return nil
}

// handleEvent forwards a host event to on_event.
func (p *pluginInstance) handleEvent(evt plug.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.L == nil {
		return
	}
	fn := p.L.GetGlobal("on_event")
	if fn == glua.LNil {
		return
	}

	tbl := p.L.NewTable()
	tbl.RawSetString("id", glua.LString(evt.ID.String()))
	tbl.RawSetString("name", glua.LString(evt.Name))
	args := p.L.NewTable()
	for _, a := range evt.Args {
		args.Append(toLValue(p.L, a))
	}
	tbl.RawSetString("args", args)

	if err := p.L.CallByParam(glua.P{Fn: fn, NRet: 0, Protect: true}, tbl); err != nil {
		// Handler errors are contained; the bus never sees them.
		p.L.Pop(p.L.GetTop())
	}
}

func callOptional(L *glua.LState, name string) error {
	fn := L.GetGlobal(name)
	if fn == glua.LNil {
		return nil
	}
	return L.CallByParam(glua.P{Fn: fn, NRet: 0, Protect: true})
}

func toLValue(L *glua.LState, v any) glua.LValue {
	switch x := v.(type) {
	case nil:
		return glua.LNil
	case string:
		return glua.LString(x)
	case bool:
		return glua.LBool(x)
	case int:
		return glua.LNumber(x)
	case int64:
		return glua.LNumber(x)
	case float64:
		return glua.LNumber(x)
	case error:
		return glua.LString(x.Error())
	default:
		return glua.LString(fmt.Sprint(x))
	}
}
