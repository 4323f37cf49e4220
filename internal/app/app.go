// Package app provides application-level wiring and dependency injection
// for the document access server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"doc-access/internal/acl"
	"doc-access/internal/api"
	"doc-access/internal/broadcast"
	"doc-access/internal/config"
	"doc-access/internal/db"
	"doc-access/internal/db/repository"
	"doc-access/internal/domain"
	"doc-access/internal/fixture"
	"doc-access/internal/metrics"
	"doc-access/internal/middleware"
	"doc-access/internal/service/document"
)

// Deps holds the external dependencies that main() must provide.
// These are things the app package cannot (or should not) create itself:
// database handles, config and the metrics registry.
type Deps struct {
	Cfg      *config.Config
	DB       *db.Pair
	Registry *prometheus.Registry
	Logger   *slog.Logger
	// Directory overrides the directory loaded from Cfg.DirectoryPath.
	Directory domain.UserDirectory
}

// App holds the fully-wired document: store, engine, hub and the
// registry the router exposes.
type App struct {
	Document *document.Service
	Store    *repository.DocStore
	Hub      *broadcast.Hub
	Metrics  *metrics.Metrics

	cfg      *config.Config
	registry *prometheus.Registry
	logger   *slog.Logger
}

// New wires the repositories, hub and document service from the provided
// deps, seeds an empty document when a seed fixture is configured, and
// loads the access rules.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	// === Repositories ===
	store := repository.NewDocStore(deps.DB.Write, deps.DB.Read, logger)
	actionLog := repository.NewActionLogRepo(deps.DB.Write, deps.DB.Read)

	directory := deps.Directory
	if directory == nil && cfg.DirectoryPath != "" {
		dir, err := fixture.LoadDirectory(cfg.DirectoryPath)
		if err != nil {
			return nil, fmt.Errorf("user directory: %w", err)
		}
		directory = dir
	}

	if cfg.SeedPath != "" {
		if err := seedDocument(ctx, store, cfg.SeedPath, logger); err != nil {
			return nil, err
		}
	}

	// === Services ===
	m := metrics.New(registry)
	hub := broadcast.New(broadcast.Options{
		Concurrency: cfg.BroadcastConcurrency,
		Metrics:     m,
		Logger:      logger,
	})
	svc := document.NewService(document.Options{
		DocID:        cfg.DocID,
		Store:        store,
		ActionLog:    actionLog,
		Hub:          hub,
		Directory:    directory,
		Compiler:     acl.NewStarlarkCompiler(cfg.RuleMaxSteps),
		Metrics:      m,
		Logger:       logger,
		RecoveryMode: cfg.RecoveryMode,
	})
	if err := svc.Load(ctx); err != nil {
		return nil, fmt.Errorf("load access rules: %w", err)
	}

	return &App{
		Document: svc,
		Store:    store,
		Hub:      hub,
		Metrics:  m,
		cfg:      cfg,
		registry: registry,
		logger:   logger,
	}, nil
}

// Router builds the HTTP handler for the document. The rate limiter's
// sweeper runs until ctx is done.
func (a *App) Router(ctx context.Context) http.Handler {
	return api.NewRouter(ctx, api.RouterOptions{
		Handler:  api.NewHandler(a.Document, a.logger),
		Gatherer: a.registry,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: a.cfg.RateLimitRPS,
			Burst:             a.cfg.RateLimitBurst,
		},
		CORSAllowedOrigins: a.cfg.CORSAllowedOrigins,
		Identity: middleware.IdentityOptions{
			TrustHeaders:   a.cfg.TrustIdentityHeaders,
			AllowAnonymous: a.cfg.AllowAnonymous,
		},
		Logger: a.logger,
	})
}
