package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/foxzi/voxdrop/internal/api"
	"github.com/foxzi/voxdrop/internal/campaign"
	"github.com/foxzi/voxdrop/internal/config"
	"github.com/foxzi/voxdrop/internal/delivery"
	"github.com/foxzi/voxdrop/internal/dispatch"
	"github.com/foxzi/voxdrop/internal/ipfilter"
	"github.com/foxzi/voxdrop/internal/metrics"
	"github.com/foxzi/voxdrop/internal/ratelimit"
	"github.com/foxzi/voxdrop/internal/reconcile"
)

// App is the main application
type App struct {
	config        *config.Config
	store         *campaign.BoltStore
	rateLimiter   *ratelimit.Limiter
	dispatcher    *dispatch.Dispatcher
	cleaner       *campaign.Cleaner
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
	logCloser     io.Closer
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	// Setup logger
	logger, logCloser := setupLogger(cfg.Logging)

	// Undo partial construction in reverse order
	var cleanups []func()
	fail := func(err error) (*App, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		if logCloser != nil {
			logCloser.Close()
		}
		return nil, err
	}

	// Create storage
	store, err := campaign.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return fail(fmt.Errorf("failed to create storage: %w", err))
	}
	cleanups = append(cleanups, func() { store.Close() })

	rateLimiter, err := ratelimit.NewLimiter(store.DB(), &ratelimit.Config{
		FlushInterval: cfg.RateLimit.FlushInterval,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to create rate limiter: %w", err))
	}
	cleanups = append(cleanups, func() { rateLimiter.Stop() })

	client := delivery.NewClient(delivery.Config{
		BaseURL:           cfg.Provider.BaseURL,
		APIKey:            cfg.Provider.APIKey,
		VoiceCloneID:      cfg.Provider.VoiceCloneID,
		Timeout:           cfg.Provider.Timeout,
		ValidateRecipient: *cfg.Provider.ValidateRecipient,
	})

	service := campaign.NewService(store, client, rateLimiter, logger.With("component", "campaigns"))

	callbackURL := cfg.CallbackURL()
	if callbackURL == "" {
		logger.Warn("no callback URL configured, delivery status will only be available from reports")
	}

	dispatcher := dispatch.New(store, rateLimiter, client, dispatch.Config{
		Interval:    cfg.Dispatcher.Interval,
		Workers:     cfg.Dispatcher.Workers,
		MaxRetries:  cfg.Dispatcher.MaxRetries,
		SendTimeout: cfg.Provider.Timeout,
		CallbackURL: callbackURL,
	}, logger.With("component", "dispatcher"))
	service.SetWaker(dispatcher)

	reconciler := reconcile.New(store, client, cfg.Provider.Timeout, logger.With("component", "reconciler"))

	var cleaner *campaign.Cleaner
	if cfg.Storage.Retention.MaxAge > 0 {
		cleaner = campaign.NewCleaner(store, rateLimiter, campaign.CleanerConfig{
			MaxAge:   cfg.Storage.Retention.MaxAge,
			Interval: cfg.Storage.Retention.CleanupInterval,
		}, logger.With("component", "cleaner"))
		logger.Info("campaign retention enabled", "max_age", cfg.Storage.Retention.MaxAge)
	}

	apiServer, err := api.NewServer(api.Deps{
		Campaigns:  service,
		Reconciler: reconciler,
		RateStats:  rateLimiter,
	}, &cfg.API, &cfg.Webhook, logger.With("component", "api"))
	if err != nil {
		return fail(fmt.Errorf("failed to create API server: %w", err))
	}

	a := &App{
		config:      cfg,
		store:       store,
		rateLimiter: rateLimiter,
		dispatcher:  dispatcher,
		cleaner:     cleaner,
		apiServer:   apiServer,
		logger:      logger,
		logCloser:   logCloser,
	}

	if cfg.Metrics.Enabled {
		if err := a.setupMetrics(); err != nil {
			return fail(err)
		}
	}

	return a, nil
}

func (a *App) setupMetrics() error {
	cfg := a.config.Metrics

	filter, err := ipfilter.New(cfg.AllowedIPs, false, a.logger.With("filter", "metrics"))
	if err != nil {
		return fmt.Errorf("failed to create metrics IP filter: %w", err)
	}

	m := metrics.New()

	collector, err := metrics.NewCollector(a.store.DB(), m, campaignStats{a.store}, a.config.Storage.Path, cfg.FlushInterval)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}
	metrics.SetGlobal(m)

	a.collector = collector
	a.metricsServer = metrics.NewServer(m, cfg.ListenAddr, cfg.Path, filter, a.logger.With("component", "metrics"))
	a.logger.Info("metrics enabled", "addr", cfg.ListenAddr, "path", cfg.Path)
	return nil
}

// campaignStats adapts the store to the metrics collector
type campaignStats struct {
	store *campaign.BoltStore
}

func (s campaignStats) CampaignStats(ctx context.Context) (*metrics.CampaignStats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.CampaignStats{
		Active:    int(stats.Active),
		Paused:    int(stats.Paused),
		Cancelled: int(stats.Cancelled),
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting voxdrop",
		"api_addr", a.config.API.ListenAddr,
		"provider", a.config.Provider.BaseURL,
		"workers", a.config.Dispatcher.Workers,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Start background workers
	a.dispatcher.Start(ctx)
	if a.cleaner != nil {
		a.cleaner.Start(ctx)
	}
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	// Channel to collect errors
	errCh := make(chan error, 2)

	// Start API server
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Start metrics server
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	// Graceful shutdown
	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting requests before stopping the workers behind them
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// Dispatcher waits for in-flight submissions to be recorded
	a.dispatcher.Stop()

	if a.cleaner != nil {
		a.cleaner.Stop()
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Persist counters before the database closes
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if err := a.rateLimiter.Stop(); err != nil {
		a.logger.Error("rate limiter stop error", "error", err)
	}

	// Close storage
	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")

	if a.logCloser != nil {
		return a.logCloser.Close()
	}
	return nil
}

// setupLogger creates a logger based on configuration. The returned closer
// is non-nil when logs go to a rotating file.
func setupLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	var (
		handler slog.Handler
		out     io.Writer = os.Stdout
		closer  io.Closer
	)

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out, closer = rotator, rotator
	}

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
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closer
}
