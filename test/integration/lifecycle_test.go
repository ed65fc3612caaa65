// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

//go:build integration

package integration

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/plugkit/plugkit/internal/codeunit"
	"github.com/plugkit/plugkit/internal/discovery"
	"github.com/plugkit/plugkit/internal/event"
	"github.com/plugkit/plugkit/internal/lua"
	"github.com/plugkit/plugkit/internal/registry"
)

const jokeManifest = `name: joke
version: 1.0.0
group: fun
entry: main.lua
`

const jokeScriptV1 = `plugin = {
  name = "joke",
  group = "fun",
  version = "1.0.0",
}

function on_start()
end
`

const jokeScriptV2 = `plugin = {
  name = "joke",
  group = "fun",
  version = "2.0.0",
}

function on_start()
end
`

var _ = Describe("Plugin lifecycle", func() {
	var (
		ctx        context.Context
		pluginsDir string
		scriptPath string
		bus        *event.Bus
		store      *codeunit.FileStore
		reg        *registry.Registry
	)

	writeScript := func(content string) {
		ExpectWithOffset(1, os.WriteFile(scriptPath, []byte(content), 0o644)).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		pluginsDir = GinkgoT().TempDir()

		jokeDir := filepath.Join(pluginsDir, "joke")
		Expect(os.MkdirAll(jokeDir, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(jokeDir, "plugin.yaml"), []byte(jokeManifest), 0o644)).To(Succeed())
		scriptPath = filepath.Join(jokeDir, "main.lua")
		writeScript(jokeScriptV1)

		bus = event.NewBus()

		var err error
		store, err = codeunit.NewFileStore(lua.NewCompiler())
		Expect(err).NotTo(HaveOccurred())

		reg = registry.New(bus, store)
		Expect(reg.RegisterGroups([]registry.GroupSpec{
			{ID: "fun", Autostart: true},
		})).To(Succeed())

		scanner := discovery.NewScanner(pluginsDir, store, reg)
		Expect(scanner.LoadAll(ctx)).To(Succeed())
	})

	AfterEach(func() {
		reg.Shutdown(ctx)
	})

	It("loads and starts discovered plugins", func() {
		_, inst, ok := reg.Resolve(registry.ParseKey("fun:joke"))
		Expect(ok).To(BeTrue())
		Expect(inst.Started()).To(BeTrue())
		Expect(inst.Describe().Version).To(Equal("1.0.0"))
		Expect(bus.Seen(event.NamePluginLoaded)).To(BeTrue())
	})

	It("reloads a plugin from its edited script", func() {
		_, inst, ok := reg.Resolve(registry.ParseKey("fun:joke"))
		Expect(ok).To(BeTrue())

		writeScript(jokeScriptV2)
		Expect(reg.Reload(ctx, inst)).To(Succeed())

		_, fresh, ok := reg.Resolve(registry.ParseKey("fun:joke"))
		Expect(ok).To(BeTrue())
		Expect(fresh).NotTo(BeIdenticalTo(inst))
		Expect(fresh.Describe().Version).To(Equal("2.0.0"))
		Expect(fresh.Started()).To(BeTrue())
	})

	It("rolls back a reload whose fresh script is broken", func() {
		_, inst, ok := reg.Resolve(registry.ParseKey("fun:joke"))
		Expect(ok).To(BeTrue())

		writeScript("this is not lua ===")
		Expect(reg.Reload(ctx, inst)).NotTo(Succeed())

		_, kept, ok := reg.Resolve(registry.ParseKey("fun:joke"))
		Expect(ok).To(BeTrue())
		Expect(kept).To(BeIdenticalTo(inst))
		Expect(kept.Started()).To(BeTrue())
		Expect(kept.Describe().Version).To(Equal("1.0.0"))
	})

	It("contains a crash of an unguarded plugin by unloading it", func() {
		_, inst, ok := reg.Resolve(registry.ParseKey("fun:joke"))
		Expect(ok).To(BeTrue())

		reg.Crash(ctx, inst, errors.New("handler exploded"))

		Expect(reg.Exists(registry.ParseKey("fun:joke"))).To(BeFalse())
		Expect(bus.Seen(event.NamePluginError)).To(BeTrue())
		Expect(bus.Seen(event.NamePluginFatal)).To(BeFalse())
	})

	It("contains a crash of a guarded plugin by reloading it", func() {
		guardedDir := filepath.Join(pluginsDir, "core")
		Expect(os.MkdirAll(guardedDir, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(guardedDir, "plugin.yaml"), []byte(`name: core
version: 1.0.0
group: fun
entry: main.lua
`), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(guardedDir, "main.lua"), []byte(`plugin = {
  name = "core",
  group = "fun",
  version = "1.0.0",
  guarded = true,
}
`), 0o644)).To(Succeed())

		scanner := discovery.NewScanner(pluginsDir, store, reg)
		Expect(scanner.LoadAll(ctx)).To(Succeed())

		_, inst, ok := reg.Resolve(registry.ParseKey("fun:core"))
		Expect(ok).To(BeTrue())

		reg.Crash(ctx, inst, errors.New("handler exploded"))

		_, fresh, ok := reg.Resolve(registry.ParseKey("fun:core"))
		Expect(ok).To(BeTrue())
		Expect(fresh).NotTo(BeIdenticalTo(inst))
	})

	It("shuts down cleanly, cancelling every subscription", func() {
		reg.Shutdown(ctx)
		Expect(reg.Exists(registry.ParseKey("fun:joke"))).To(BeFalse())
		Expect(bus.Len()).To(BeZero())
	})
})
