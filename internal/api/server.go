package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/voxdrop/internal/campaign"
	"github.com/foxzi/voxdrop/internal/config"
	"github.com/foxzi/voxdrop/internal/ipfilter"
	"github.com/foxzi/voxdrop/internal/metrics"
	"github.com/foxzi/voxdrop/internal/ratelimit"
	"github.com/foxzi/voxdrop/internal/reconcile"
)

// Campaigns is the command/query surface the API needs from the campaign service
type Campaigns interface {
	Create(ctx context.Context, nc *campaign.NewCampaign) (*campaign.Campaign, []string, error)
	Update(ctx context.Context, id string, req *campaign.UpdateRequest) (*campaign.Campaign, error)
	Get(ctx context.Context, id string) (*campaign.Campaign, error)
	List(ctx context.Context) ([]*campaign.Campaign, error)
	Entries(ctx context.Context, id string, filter campaign.EntryFilter) ([]*campaign.Entry, error)
	Delete(ctx context.Context, id string) error
}

// Reconciler ingests callbacks and builds statistics
type Reconciler interface {
	HandleCallback(ctx context.Context, cb *reconcile.Callback) (*campaign.Entry, bool, error)
	Statistics(ctx context.Context, campaignID string) (*reconcile.Statistics, error)
}

// RateStats reports limiter counters
type RateStats interface {
	GetStats(ctx context.Context, key string, loc *time.Location) (*ratelimit.Stats, error)
}

// Deps holds the components served by the API
type Deps struct {
	Campaigns  Campaigns
	Reconciler Reconciler
	RateStats  RateStats
}

// Server is the HTTP API server
type Server struct {
	router        *chi.Mux
	httpServer    *http.Server
	campaigns     Campaigns
	reconciler    Reconciler
	rateStats     RateStats
	config        *config.APIConfig
	webhook       *config.WebhookConfig
	apiFilter     *ipfilter.Filter
	webhookFilter *ipfilter.Filter
	logger        *slog.Logger
	startTime     time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, webhook *config.WebhookConfig, logger *slog.Logger) (*Server, error) {
	if webhook == nil {
		webhook = &config.WebhookConfig{}
	}

	apiFilter, err := ipfilter.New(cfg.AllowedIPs, false, logger.With("filter", "api"))
	if err != nil {
		return nil, err
	}
	webhookFilter, err := ipfilter.New(webhook.AllowedIPs, webhook.TrustProxy, logger.With("filter", "webhook"))
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:        chi.NewRouter(),
		campaigns:     deps.Campaigns,
		reconciler:    deps.Reconciler,
		rateStats:     deps.RateStats,
		config:        cfg,
		webhook:       webhook,
		apiFilter:     apiFilter,
		webhookFilter: webhookFilter,
		logger:        logger,
		startTime:     time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
	return s, nil
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(s.bodyLimitMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// Provider callbacks authenticate with the shared token instead of the API key
	s.router.With(s.webhookFilter.Middleware).Post(config.WebhookPath, s.handleWebhook)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.apiFilter.Middleware)
		r.Use(s.authMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCampaign)
				r.Patch("/", s.handleUpdateCampaign)
				r.Delete("/", s.handleDeleteCampaign)
				r.Get("/contacts", s.handleListContacts)
				r.Get("/statistics", s.handleStatistics)
				r.Get("/statistics.xlsx", s.handleStatisticsXLSX)
				r.Get("/ratelimit", s.handleRateLimit)
			})
		})
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	return s.httpServer.Shutdown(ctx)
}
