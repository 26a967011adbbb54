// Package app assembles the diagnosis pipeline from configuration. The HTTP
// server, the MCP server and the CLI share this bootstrap.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/medscan-diagnosis-server/internal/audit"
	"github.com/medscan-diagnosis-server/internal/catalog"
	"github.com/medscan-diagnosis-server/internal/database"
	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/inference"
	"github.com/medscan-diagnosis-server/internal/labels"
	"github.com/medscan-diagnosis-server/internal/logging"
	"github.com/medscan-diagnosis-server/internal/metrics"
	"github.com/medscan-diagnosis-server/internal/preprocess"
	"github.com/medscan-diagnosis-server/internal/registry"
	"github.com/medscan-diagnosis-server/internal/service"
	"github.com/medscan-diagnosis-server/internal/validation"
)

// Version is stamped at build time with -ldflags "-X .../internal/app.Version=..."
var Version = "dev"

// Options adjusts the bootstrap for the calling binary
type Options struct {
	// Logger replaces the logger built from the logging section
	Logger *logrus.Logger
	// Engine replaces the HTTP inference engine client
	Engine inference.Engine
	// LazyModels skips the eager load of required models
	LazyModels bool
}

// App is a fully wired pipeline
type App struct {
	Config       *domain.Config
	Logger       *logrus.Logger
	Catalog      *catalog.Catalog
	Models       *registry.Registry
	Orchestrator *service.Orchestrator
	Audit        audit.Store
	Metrics      *metrics.Metrics

	closers []io.Closer
}

// New builds every component named by cfg. Configuration problems and, unless
// LazyModels is set, required model load failures abort the bootstrap.
func New(ctx context.Context, cfg *domain.Config, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: opts.Logger}
	if a.Logger == nil {
		logger, closer, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, domain.NewConfigurationError("invalid logging configuration", err)
		}
		a.Logger = logger
		a.closers = append(a.closers, closer)
	}

	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config

	a.Catalog = catalog.Default().WithCheckpoints(cfg.Models.Checkpoints)
	recipes := preprocess.NewRegistry(a.Catalog.RecipeBindings())
	if err := recipes.Validate(); err != nil {
		return domain.NewConfigurationError("invalid preprocessing registry", err)
	}
	if err := a.Catalog.Validate(recipes); err != nil {
		return domain.NewConfigurationError("invalid model catalog", err)
	}

	schema, err := validation.LoadReferenceSchema(cfg.Validation.ReferenceSchema)
	if err != nil {
		return domain.NewConfigurationError("invalid reference schema", err)
	}
	if schema == nil {
		a.Logger.WithField("path", cfg.Validation.ReferenceSchema).
			Warn("Reference schema not found, tabular validation is degraded")
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
	}

	memo, err := a.buildMemo(cfg.Cache)
	if err != nil {
		return err
	}

	engine := opts.Engine
	if engine == nil {
		engine = inference.NewHTTPEngine(cfg.Inference, a.Logger)
	}
	a.Models = registry.New(a.Catalog, engine, registry.Options{
		ModelsDir: cfg.Models.Dir,
		Memo:      memo,
		Logger:    a.Logger,
		Metrics:   a.Metrics,
	})
	if !opts.LazyModels {
		if err := a.Models.Init(ctx); err != nil {
			return err
		}
	}

	a.Audit, err = OpenAudit(ctx, cfg.Audit, a.Logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.Audit)

	a.Orchestrator = service.NewOrchestrator(
		validation.NewValidator(schema, a.Logger).WithMaxPixels(cfg.Validation.MaxPixels),
		recipes,
		a.Models,
		labels.NewMapper(a.Catalog),
		service.Options{
			Logger:         a.Logger,
			Audit:          a.Audit,
			Metrics:        a.Metrics,
			UploadDir:      cfg.Server.UploadDir,
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
		},
	)

	a.Logger.WithFields(logrus.Fields{
		"models":       len(a.Catalog.Keys()),
		"audit_driver": cfg.Audit.Driver,
		"version":      Version,
	}).Info("Pipeline assembled")
	return nil
}

// buildMemo returns nil when caching is disabled
func (a *App) buildMemo(cfg domain.CacheConfig) (inference.Memo, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	lruMemo, err := inference.NewLRUMemo(cfg.MemorySize)
	if err != nil {
		return nil, domain.NewConfigurationError("invalid memo size", err)
	}
	tiers := []inference.Memo{lruMemo}

	if cfg.RedisURL != "" {
		redisMemo, err := inference.NewRedisMemo(cfg)
		if err != nil {
			// The in-process tier still serves
			a.Logger.WithError(err).Warn("Redis memo unavailable")
		} else {
			tiers = append(tiers, redisMemo)
			a.closers = append(a.closers, redisMemo)
		}
	}
	return inference.NewTieredMemo(a.Logger, a.Metrics, tiers...), nil
}

// OpenAudit opens the audit store selected by cfg.Driver
func OpenAudit(ctx context.Context, cfg domain.AuditConfig, logger *logrus.Logger) (audit.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return audit.NopStore{}, nil

	case "sqlite":
		store, err := audit.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, domain.NewConfigurationError("failed to open audit database", err)
		}
		return store, nil

	case "postgres":
		if cfg.MigrateOnStart {
			if err := Migrate(ctx, cfg, logger); err != nil {
				return nil, err
			}
		}
		db, err := database.NewConnection(ctx, cfg.Database, logger)
		if err != nil {
			return nil, domain.NewConfigurationError("failed to connect to audit database", err)
		}
		store, err := audit.NewPostgresStore(ctx, db.Pool)
		if err != nil {
			db.Close()
			return nil, domain.NewConfigurationError("failed to open audit database", err)
		}
		return &postgresAudit{PostgresStore: store, db: db}, nil
	}
	return nil, domain.NewConfigurationError(fmt.Sprintf("unknown audit driver %q", cfg.Driver), nil)
}

// Migrate applies pending audit schema migrations. Only postgres is migrated;
// the sqlite store creates its table on open.
func Migrate(ctx context.Context, cfg domain.AuditConfig, logger *logrus.Logger) error {
	if !strings.EqualFold(cfg.Driver, "postgres") {
		return nil
	}
	runner, err := database.NewMigrationRunner(database.URL(cfg.Database), logger)
	if err != nil {
		return domain.NewConfigurationError("failed to prepare audit migrations", err)
	}
	defer runner.Close()

	if err := runner.Up(ctx); err != nil {
		return domain.NewConfigurationError("audit migrations failed", err)
	}
	return nil
}

// postgresAudit closes the pool together with the store
type postgresAudit struct {
	*audit.PostgresStore
	db *database.DB
}

func (p *postgresAudit) Close() error {
	err := p.PostgresStore.Close()
	p.db.Close()
	return err
}

// Close releases every resource in reverse order of acquisition
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
