// Package main is the entry point for the runnerd binary.
// runnerd hosts AI coding agent CLI sessions on a machine and bridges them
// to the chat control plane: it spawns and supervises agent processes,
// interprets their output, and mediates tool permission decisions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/common/tracing"
	"github.com/coderelay/coderelay/internal/runner/api"
	"github.com/coderelay/coderelay/internal/runner/config"
	"github.com/coderelay/coderelay/internal/runner/control"
	"github.com/coderelay/coderelay/internal/runner/permission"
	"github.com/coderelay/coderelay/internal/runner/plugin"
	"github.com/coderelay/coderelay/internal/runner/printmode"
	"github.com/coderelay/coderelay/internal/runner/session"
	"github.com/coderelay/coderelay/internal/runner/streamjson"
	"github.com/coderelay/coderelay/internal/runner/terminal"
)

func main() {
	configPath := flag.String("config", "", "path to the config directory")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting runnerd",
		zap.String("runner_id", cfg.Runner.ID),
		zap.String("control_plane", cfg.ControlPlane.URL),
		zap.String("default_backend", cfg.Runner.DefaultBackend))

	if err := run(cfg, log); err != nil && err != context.Canceled {
		log.Error("runnerd exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("runnerd stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Permission store, loaded from the settings files and optionally watched.
	store := permission.NewStore(permission.DefaultSettingsPaths(cfg.Permissions.SettingsDir), log)
	if err := store.Load(); err != nil {
		log.Warn("loading persisted permissions failed, starting empty", zap.Error(err))
	}
	if cfg.Permissions.WatchSettings {
		if err := store.Watch(); err != nil {
			log.Warn("settings watch unavailable", zap.Error(err))
		}
	}
	defer store.Close()

	// Backend plugins behind one manager.
	defaultBackend, ok := session.BackendFor(session.CLIType(cfg.Runner.DefaultBackend))
	if !ok {
		defaultBackend = session.BackendStreamJSON
	}
	mgr := plugin.NewManager(defaultBackend, log)
	if cfg.Backends.Terminal.Enabled {
		mgr.Register(terminal.NewPlugin(terminal.Options{
			QuietWindow:  cfg.Backends.Terminal.QuietWindow(),
			ReadyTimeout: cfg.Backends.Terminal.ReadyTimeout(),
			Cols:         cfg.Backends.Terminal.Cols,
			Rows:         cfg.Backends.Terminal.Rows,
		}, log))
	}
	if cfg.Backends.PrintMode.Enabled {
		mgr.Register(printmode.NewPlugin(log))
	}
	if cfg.Backends.StreamJSON.Enabled {
		mgr.Register(streamjson.NewPlugin(log))
	}
	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing backends: %w", err)
	}

	registry := permission.NewRegistry(cfg.Permissions.PendingTTL(), cfg.Permissions.ResendCooldown(), log)

	client := control.NewClient(
		cfg.ControlPlane.URL,
		cfg.ControlPlane.ReconnectIntervalDuration(),
		cfg.ControlPlane.MaxReconnectTries,
		log)
	coord := control.NewCoordinator(cfg.Runner.ID, mgr, store, registry, client, log)
	coord.SetWorkDir(cfg.Runner.WorkDir)
	coord.SetCLIPath(session.CLITypeClaude, cfg.Backends.StreamJSON.CLIPath)
	coord.SetCLIPath(session.CLITypeGemini, cfg.Backends.PrintMode.CLIPath)
	client.SetHandler(func(env *control.Envelope) {
		coord.HandleMessage(ctx, env)
	})
	client.SetOnConnect(coord.Hello)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return client.Run(gctx)
	})
	g.Go(func() error {
		return coord.Run(gctx)
	})

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.Runner.ID, cfg.API.Host, cfg.API.Port, mgr, registry, log)
		g.Go(apiServer.Start)
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if apiServer != nil {
			if err := apiServer.Stop(shutdownCtx); err != nil {
				log.Warn("api shutdown failed", zap.Error(err))
			}
		}
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			log.Warn("backend shutdown failed", zap.Error(err))
		}
		if err := client.Close(); err != nil {
			log.Warn("control plane disconnect failed", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
		return gctx.Err()
	})

	return g.Wait()
}
