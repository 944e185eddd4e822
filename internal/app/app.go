package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/warden/internal/api"
	"github.com/foxzi/warden/internal/config"
	"github.com/foxzi/warden/internal/engine"
	"github.com/foxzi/warden/internal/guild"
	"github.com/foxzi/warden/internal/importer"
	"github.com/foxzi/warden/internal/metrics"
	"github.com/foxzi/warden/internal/template"
)

// App is the main application
type App struct {
	config        *config.Config
	db            *bolt.DB
	engine        *engine.Engine
	cleaner       *importer.Cleaner
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
}

// New creates a new application talking to Discord
func New(cfg *config.Config, version string) (*App, error) {
	session, err := guild.NewDiscordSession(cfg.Discord.Token)
	if err != nil {
		return nil, err
	}
	return NewWithResolver(cfg, &guild.DiscordResolver{Session: session}, version)
}

// NewWithResolver creates a new application over an arbitrary guild source
func NewWithResolver(cfg *config.Config, guilds guild.Resolver, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)

	db, err := OpenDB(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	store, err := template.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create template storage: %w", err)
	}

	eng := engine.New(guilds, store, engine.Config{
		StepTimeout:       cfg.Import.StepTimeout,
		SerializePerGuild: cfg.Import.Serialize(),
		Limits:            cfg.Import.Limits,
	}, logger)

	cleaner := importer.NewCleaner(eng.Tracker(), importer.CleanerConfig{
		MaxAge:   cfg.Import.OperationMaxAge,
		Interval: cfg.Import.CleanupInterval,
	}, logger)

	a := &App{
		config:  cfg,
		db:      db,
		engine:  eng,
		cleaner: cleaner,
		logger:  logger,
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		collector, err := metrics.NewCollector(db, m, store, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.collector = collector
		a.metricsServer = metrics.NewServer(m, metrics.ServerConfig{
			Addr:       cfg.Metrics.ListenAddr,
			Path:       cfg.Metrics.Path,
			AllowedIPs: cfg.Metrics.AllowedIPs,
			TrustProxy: cfg.Metrics.TrustProxy,
		}, logger.With("component", "metrics"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr)
	}

	if cfg.API.Enabled {
		a.apiServer = api.NewServer(eng, &cfg.API, logger)
		a.apiServer.SetVersion(version)
		a.apiServer.SetCleanupMaxAge(cfg.Import.OperationMaxAge)
	}

	return a, nil
}

// OpenDB opens the bbolt database, creating its directory if needed.
func OpenDB(path string) (*bolt.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Engine returns the template engine.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	logAttrs := []any{"storage", a.config.Storage.Path}
	if a.apiServer != nil {
		logAttrs = append(logAttrs, "api_addr", a.config.API.ListenAddr)
	}
	a.logger.Info("starting warden", logAttrs...)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.cleaner.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop taking requests before cancelling imports.
	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}

	if err := a.engine.Close(shutdownCtx); err != nil {
		a.logger.Error("engine close error", "error", err)
	}
	a.cleaner.Stop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Persists counters, so it runs before the database closes.
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if err := a.db.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
