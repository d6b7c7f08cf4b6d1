package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/qbot/internal/bus"
	"github.com/nextlevelbuilder/qbot/internal/config"
	"github.com/nextlevelbuilder/qbot/internal/dispatch"
	"github.com/nextlevelbuilder/qbot/internal/metrics"
	"github.com/nextlevelbuilder/qbot/internal/notify"
	"github.com/nextlevelbuilder/qbot/internal/onebot"
	"github.com/nextlevelbuilder/qbot/internal/plugins"
	"github.com/nextlevelbuilder/qbot/internal/presence"
	"github.com/nextlevelbuilder/qbot/internal/scheduler"
	"github.com/nextlevelbuilder/qbot/internal/store/sqlite"
	"github.com/nextlevelbuilder/qbot/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
		slog.Warn("config file not found, running with defaults", "path", cfgPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create core components
	msgBus := bus.New()
	registry := presence.NewRegistry()

	dbPath := cfg.DatabasePath()
	stores, closeStores, err := sqlite.NewStores(dbPath)
	if err != nil {
		slog.Error("failed to open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer closeStores()

	tp, err := tracing.NewProvider(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		tp = &tracing.Provider{}
	} else if cfg.Telemetry.Enabled {
		slog.Info("tracing enabled", "endpoint", cfg.Telemetry.Endpoint, "protocol", cfg.Telemetry.Protocol)
	}

	deps := &plugins.Deps{
		Bus:      msgBus,
		Presence: registry,
		Stores:   stores,
		Notifier: buildNotifier(cfg.Notify),
		Bots:     cfg.Bots,
	}

	opts := []dispatch.Option{
		dispatch.WithCallTimeout(cfg.Dispatch.CallTimeout()),
		dispatch.WithTracer(tp.Tracer()),
	}
	if cfg.Dispatch.ExclusiveThreshold > 0 {
		opts = append(opts, dispatch.WithThreshold(cfg.Dispatch.ExclusiveThreshold))
	}
	dispatcher := dispatch.New(plugins.Catalog(deps), msgBus, opts...)
	deps.Registry = dispatcher

	collector := metrics.New(func() int { return len(registry.OnlineBots()) })
	collector.Subscribe(msgBus)

	if err := dispatcher.LoadAll(ctx, cfg.Manifest()); err != nil {
		// Failed plugins are skipped; the gateway still serves the rest.
		slog.Warn("some plugins failed to load", "error", err)
	}

	// Scheduled maintenance
	sched := scheduler.New()
	if cfg.Cron.Cleanup != "" {
		if err := sched.Add(scheduler.Job{
			Name: scheduler.CleanupJobName,
			Expr: cfg.Cron.Cleanup,
			Run:  scheduler.CleanupJob(stores.Messages, cfg.Cron.CleanupDays),
		}); err != nil {
			slog.Warn("cleanup job not scheduled", "error", err)
		}
	}
	sched.Start(ctx)

	// Live plugin toggles from config edits
	go func() {
		if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			applyPluginChanges(ctx, dispatcher, next.PluginsSnapshot())
		}); err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		}
	}()

	server := onebot.NewServer(cfg.OneBot, collector.Instrument(dispatcher), registry, msgBus)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           buildMux(cfg, server, collector, registry, dispatcher),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	slog.Info("qbot gateway starting",
		"version", Version,
		"addr", cfg.Server.Addr(),
		"onebot_path", server.Path(),
		"plugins", dispatcher.Names(),
		"bot_priority", []int64(cfg.Bots.Priority),
	)

	select {
	case sig := <-sigCh:
		slog.Info("graceful shutdown initiated", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	server.Close(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	cancel()
	sched.Wait()
	dispatcher.UnloadAll(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown", "error", err)
	}
	slog.Info("qbot gateway stopped")
}

// buildNotifier returns nil when no target is configured so plugins can
// tell "no channel" apart from "channel failed".
func buildNotifier(cfg config.NotifyConfig) notify.Notifier {
	targets, err := notify.FromConfig(cfg)
	if err != nil {
		slog.Warn("notification targets misconfigured", "error", err)
	}
	if len(targets) == 0 {
		return nil
	}
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Name())
	}
	slog.Info("notification targets configured", "targets", names)
	return targets
}

// applyPluginChanges re-applies enabled/priority overrides from an edited
// manifest. Plugins new to the manifest are loaded; removed ones keep running
// until restart.
func applyPluginChanges(ctx context.Context, d *dispatch.Dispatcher, manifest []config.PluginConfig) {
	for _, pc := range manifest {
		p, ok := d.Get(pc.Name)
		if !ok {
			spec := dispatch.Spec{Factory: pc.Name, Enabled: pc.Enabled, Priority: pc.Priority, Settings: pc.Settings}
			if err := d.Load(ctx, spec); err != nil {
				slog.Warn("config reload: load plugin", "plugin", pc.Name, "error", err)
			}
			continue
		}
		if pc.Enabled != nil && *pc.Enabled != p.Enabled() {
			var err error
			if *pc.Enabled {
				err = d.Enable(ctx, pc.Name)
			} else {
				err = d.Disable(ctx, pc.Name)
			}
			if err != nil {
				slog.Warn("config reload: toggle plugin", "plugin", pc.Name, "error", err)
			}
		}
		if pc.Priority != nil && *pc.Priority != p.Priority() {
			if err := d.SetPriority(pc.Name, *pc.Priority); err != nil {
				slog.Warn("config reload: set priority", "plugin", pc.Name, "error", err)
			}
		}
	}
}
