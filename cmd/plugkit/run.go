// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/plugkit/plugkit/internal/codeunit"
	"github.com/plugkit/plugkit/internal/config"
	"github.com/plugkit/plugkit/internal/discovery"
	"github.com/plugkit/plugkit/internal/event"
	"github.com/plugkit/plugkit/internal/logging"
	"github.com/plugkit/plugkit/internal/lua"
	"github.com/plugkit/plugkit/internal/observability"
	"github.com/plugkit/plugkit/internal/registry"
	"github.com/plugkit/plugkit/pkg/errutil"
)

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the plugin host",
		Long: `Start the plugin host: register groups, load plugins from the
plugins directory, and serve until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runHost(cmd.Context(), cfg)
		},
	}

	defaults := config.Default()
	cmd.Flags().String("plugins-dir", defaults.PluginsDir, "directory scanned for plugins")
	cmd.Flags().String("log-format", defaults.LogFormat, "log format (json or text)")
	cmd.Flags().String("log-level", defaults.LogLevel, "log level (debug, info, warn, error)")
	cmd.Flags().String("metrics-addr", defaults.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().Bool("watch", defaults.Watch, "hot reload plugins when their scripts change")
	cmd.Flags().Duration("shutdown-grace", defaults.ShutdownGrace, "graceful shutdown window")

	return cmd
}

// hostControl lets a fatal plugin crash tear down the process through
// the run context instead of calling os.Exit directly.
type hostControl struct {
	cancel context.CancelFunc
}

func (h *hostControl) Destroy(_ context.Context) error {
	h.cancel()
	return nil
}

// runHost wires the bus, store, registry, and discovery together and
// serves until a signal or fatal crash.
func runHost(ctx context.Context, cfg *config.Config) error {
	logging.SetDefault("plugkit", version, cfg.LogFormat, cfg.LogLevel)

	slog.Info("starting plugin host",
		"plugins_dir", cfg.PluginsDir,
		"watch", cfg.Watch,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool

	bus := event.NewBus()
	store, err := codeunit.NewFileStore(lua.NewCompiler())
	if err != nil {
		return fmt.Errorf("failed to create code unit store: %w", err)
	}

	opts := []registry.Option{
		registry.WithHost(&hostControl{cancel: cancel}),
		registry.WithFatalGrace(cfg.ShutdownGrace),
	}

	var obsServer *observability.Server
	if cfg.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.MetricsAddr, ready.Load)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		opts = append(opts, registry.WithMetrics(obsServer.Metrics()))
	}

	reg := registry.New(bus, store, opts...)

	specs := make([]registry.GroupSpec, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		specs = append(specs, registry.GroupSpec{
			ID:        g.ID,
			Name:      g.Name,
			Guarded:   g.Guarded,
			Autostart: g.Autostart,
		})
	}
	if err := reg.RegisterGroups(specs); err != nil {
		errutil.LogError(slog.Default(), "failed to register plugin groups", err)
		return err
	}

	scanner := discovery.NewScanner(cfg.PluginsDir, store, reg)
	if err := scanner.LoadAll(ctx); err != nil {
		errutil.LogError(slog.Default(), "failed to load plugins", err)
		return err
	}

	var watcher *discovery.Watcher
	if cfg.Watch {
		watcher, err = discovery.NewWatcher(cfg.PluginsDir, reg)
		if err != nil {
			errutil.LogError(slog.Default(), "failed to create plugin watcher", err)
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			errutil.LogError(slog.Default(), "failed to start plugin watcher", err)
			return err
		}
		slog.Info("plugin watcher started", "dir", cfg.PluginsDir)
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ready.Store(true)
	slog.Info("plugin host ready", "groups", len(cfg.Groups))

	// Wait for shutdown signal or fatal crash
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	// Graceful shutdown
	ready.Store(false)
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			slog.Warn("error stopping plugin watcher", "error", err)
		}
	}

	reg.Shutdown(shutdownCtx)

	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// monitorServerErrors monitors a server's error channel and cancels the
// context on error so a failed server triggers graceful shutdown.
// It exits when an error is received, the channel closes, or the
// context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			errutil.LogError(slog.With("server", serverName),
				"server error, triggering shutdown", err)
			cancel()
		}
	case <-ctx.Done():
		// Context cancelled, exit monitoring
	}
}

var _ registry.Host = (*hostControl)(nil)
