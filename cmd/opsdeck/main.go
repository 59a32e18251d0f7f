package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/opsdeck/opsdeck/capability"
	"github.com/opsdeck/opsdeck/config"
	"github.com/opsdeck/opsdeck/hook"
	"github.com/opsdeck/opsdeck/plugin"
	_ "github.com/opsdeck/opsdeck/plugins/docker"  // builtin
	_ "github.com/opsdeck/opsdeck/plugins/sysinfo" // builtin
)

var (
	configFile = flag.String("config", "opsdeck.yaml", "Path to configuration YAML file")
	addrFlag   = flag.String("addr", "", "HTTP listen address (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addrFlag != "" {
		cfg.Listen = *addrFlag
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		log.Fatalf("opsdeck: %v", err)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return err
	}
	db, err := sql.Open("sqlite", cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	bus := hook.NewBus(logger)
	defer bus.Close()

	settings, err := capability.NewSettingsStore(db)
	if err != nil {
		return err
	}
	state, err := plugin.NewStateStore(db)
	if err != nil {
		return err
	}

	host := capability.NewHostAPI(logger, db, bus, settings, cfg.DataDir)
	manager := plugin.NewManager(host, state,
		plugin.WithLifecycleTimeout(cfg.Plugins.LifecycleTimeout),
		plugin.WithMetrics(plugin.NewMetrics(prometheus.DefaultRegisterer)),
		plugin.WithHTTPBudget(cfg.Plugins.HTTPRate, cfg.Plugins.HTTPBurst),
	)

	if err := manager.LoadBuiltins(plugin.Builtins(host)); err != nil {
		return err
	}

	// External bundles already on disk load next; builtins they depend on
	// are registered by now.
	if err := os.MkdirAll(cfg.PluginDir, 0750); err != nil {
		return err
	}
	manifests, paths, err := plugin.ScanDir(cfg.PluginDir)
	if err != nil {
		logger.Warn("scan plugin directory", "error", err)
	}
	for _, man := range manifests {
		if err := manager.Load(paths[man.ID]); err != nil {
			logger.Warn("load external plugin", "plugin", man.ID, "error", err)
		}
	}

	if err := manager.RestoreState(); err != nil {
		logger.Warn("restore plugin state", "error", err)
	}

	var market *plugin.Market
	var installer *plugin.Installer
	if cfg.MarketURL != "" {
		market = plugin.NewMarket(cfg.MarketURL)
		installer = plugin.NewInstaller(market, cfg.PluginDir)
	}

	var watcher *plugin.Watcher
	if cfg.Plugins.WatchBundles {
		watcher = plugin.NewWatcher(cfg.PluginDir, func(id, bundleDir string) {
			if _, ok := manager.Get(id); ok {
				return
			}
			if err := manager.Load(bundleDir); err != nil {
				logger.Warn("load dropped-in plugin", "plugin", id, "error", err)
			}
		}, plugin.WithWatcherLogger(logger))
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	stream := plugin.NewEventStream(bus, logger)
	defer stream.Close()

	mux := http.NewServeMux()
	api := plugin.NewAPIHandler(manager, plugin.NewFrontend(manager.Registry()), market, installer, state)
	api.RegisterRoutes(mux)
	mux.Handle("/api/events/stream", stream)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("opsdeck listening", "addr", cfg.Listen, "db", filepath.Clean(cfg.Database))
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	manager.Shutdown(shutdownCtx)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
