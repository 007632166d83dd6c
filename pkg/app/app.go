// Package app wires the RBAC stores, caches and audit sinks described by a
// config.Config into one runtime shared by the command-line tool and the
// catalogue daemon.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/taskforge/pkg/audit"
	"github.com/platinummonkey/taskforge/pkg/config"
	"github.com/platinummonkey/taskforge/pkg/database"
	"github.com/platinummonkey/taskforge/pkg/observability"
	"github.com/platinummonkey/taskforge/pkg/orgs"
	"github.com/platinummonkey/taskforge/pkg/permcache"
	"github.com/platinummonkey/taskforge/pkg/rbac"
)

// App is a wired runtime
type App struct {
	DB      *sql.DB
	Dialect database.Dialect
	Engine  *rbac.Engine
	Members *orgs.SQLService
	Audit   audit.Logger
	// AuditLog is set when audit events go to the database
	AuditLog *audit.DBLogger
	// Cache is nil when caching is disabled
	Cache   *permcache.MultiLevelCache
	Metrics *observability.Metrics
	Logger  *observability.Logger

	closers []func() error
}

// Open connects to the configured store and wires everything on top of it
func Open(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*App, error) {
	db, dialect, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	a, err := New(ctx, db, dialect, cfg, logger, metrics)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.closers = append([]func() error{db.Close}, a.closers...)
	return a, nil
}

// New wires a runtime over an open database. The caller keeps ownership of
// db.
func New(ctx context.Context, db *sql.DB, dialect database.Dialect, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (a *App, err error) {
	if logger == nil {
		logger = observability.NewLogger(cfg.Observability.LogLevel, nil)
	}
	a = &App{
		DB:      db,
		Dialect: dialect,
		Metrics: metrics,
		Logger:  logger,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openAudit(cfg.Audit); err != nil {
		return nil, err
	}

	cacheConfig, err := cfg.Cache.PermCache()
	if err != nil {
		return nil, err
	}
	if cacheConfig != nil {
		cache, err := permcache.NewCache(cacheConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create permission cache: %w", err)
		}
		a.Cache = cache
		a.closers = append(a.closers, cache.Close)
	}

	a.Members, err = orgs.NewSQLService(ctx, db, nil)
	if err != nil {
		return nil, err
	}

	opts := []rbac.Option{
		rbac.WithLogger(logger),
		rbac.WithMetrics(metrics),
		rbac.WithAuditLogger(a.Audit),
	}
	if a.Cache != nil {
		opts = append(opts, rbac.WithCache(a.Cache))
	}
	if cfg.EnforceMembership {
		opts = append(opts, rbac.WithMembership(a.Members))
	}
	a.Engine = rbac.NewEngine(db, dialect, opts...)
	a.Members.SetPurger(a.Engine)

	return a, nil
}

func (a *App) openAudit(cfg config.AuditConfig) error {
	var loggers []audit.Logger

	if cfg.Sink == config.AuditDB || cfg.Sink == config.AuditBoth {
		dbLogger, err := audit.NewDBLogger(a.DB, a.Dialect)
		if err != nil {
			return fmt.Errorf("failed to create audit store: %w", err)
		}
		a.AuditLog = dbLogger
		loggers = append(loggers, dbLogger)
	}

	if cfg.Sink == config.AuditFile || cfg.Sink == config.AuditBoth {
		fileConfig := audit.DefaultFileLoggerConfig()
		fileConfig.BasePath = cfg.Path
		fileLogger, err := audit.NewFileLogger(fileConfig)
		if err != nil {
			return fmt.Errorf("failed to create audit file: %w", err)
		}
		loggers = append(loggers, fileLogger)
	}

	switch len(loggers) {
	case 0:
		a.Audit = audit.NopLogger{}
	case 1:
		a.Audit = loggers[0]
	default:
		a.Audit = audit.NewMultiLogger(loggers...)
	}
	a.closers = append(a.closers, a.Audit.Close)
	return nil
}

// Close releases everything opened by Open or New, most recent first
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
