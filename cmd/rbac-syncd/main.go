package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/taskforge/pkg/app"
	"github.com/platinummonkey/taskforge/pkg/catalog"
	"github.com/platinummonkey/taskforge/pkg/config"
	"github.com/platinummonkey/taskforge/pkg/observability"
)

var version = "dev"

// rbac-syncd keeps the system role templates in line with the permission
// catalogue and serves health and metrics endpoints
func main() {
	once := flag.Bool("once", false, "Sync once and exit")
	watch := flag.Bool("watch", true, "Re-sync when a catalogue file changes")
	migrate := flag.Bool("migrate", true, "Apply schema migrations on startup")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	logger := setupLogger(cfg.Observability.LogLevel)
	obsLogger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "rbac-syncd")
	logger.WithField("version", version).Info("Starting rbac-syncd")

	ctx := context.Background()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, obsLogger)
	if err != nil {
		logger.Fatalf("Failed to initialise OpenTelemetry: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
		if providers != nil {
			otelMetrics, err := observability.NewOTelMetrics()
			if err != nil {
				logger.WithError(err).Warn("OpenTelemetry metrics disabled")
			} else {
				metrics.WithOTel(otelMetrics)
			}
		}
	}

	a, err := app.Open(ctx, cfg, obsLogger, metrics)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}

	if *migrate {
		n, err := a.Engine.Migrate(ctx)
		if err != nil {
			logger.Fatalf("Failed to migrate: %v", err)
		}
		logger.WithField("applied", n).Info("Schema up to date")
	}

	source, err := catalog.OpenSource(ctx, cfg.Catalog.Path, cfg.Catalog.S3)
	if err != nil {
		logger.Fatalf("Failed to open catalog: %v", err)
	}

	var cache observability.Pinger
	if a.Cache != nil {
		cache = a.Cache
	}
	health := observability.NewHealthChecker(a.DB, cache, version)

	syncer := catalog.NewSyncer(source, a.Engine,
		catalog.WithLogger(logger),
		catalog.WithMetrics(metrics),
		catalog.WithAuditLogger(a.Audit),
		catalog.WithObserver(func(_ *catalog.Report, err error) { health.RecordSync(err) }),
	)

	if _, err := syncer.Sync(ctx); err != nil && *once {
		a.Close()
		logger.Fatalf("Catalog sync failed: %v", err)
	}
	if *once {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("Close failed")
		}
		return
	}

	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, health)
	router.Handle("/metrics", observability.MetricsHandler(registry)).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         net.JoinHostPort("", cfg.Server.HealthPort),
		Handler:      otelhttp.NewHandler(observability.HTTPMetricsMiddleware(metrics)(router), "rbac-syncd"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(obsLogger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(context.Context) error { return a.Close() })
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, obsLogger)
	})

	runCtx, cancel := context.WithCancel(ctx)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		cancel()
		return nil
	})

	if cfg.Catalog.Path != "" && *watch {
		watcher, err := catalog.NewWatcher(cfg.Catalog.Path, syncer, cfg.Catalog.Debounce, logger)
		if err != nil {
			logger.Fatalf("Failed to watch catalog: %v", err)
		}
		shutdown.RegisterShutdownFunc(func(context.Context) error { return watcher.Close() })
		go func() {
			defer observability.RecoverPanic(obsLogger, "catalog watcher")
			if err := watcher.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("Catalog watcher stopped")
			}
		}()
		logger.WithField("path", cfg.Catalog.Path).Info("Watching catalog")
	}

	if cfg.Catalog.Schedule != "" {
		scheduler, err := catalog.NewScheduler(cfg.Catalog.Schedule, syncer, logger)
		if err != nil {
			logger.Fatalf("Failed to schedule catalog sync: %v", err)
		}
		scheduler.Start()
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			select {
			case <-scheduler.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		logger.WithField("schedule", cfg.Catalog.Schedule).Info("Scheduled catalog sync")
	}

	go func() {
		defer observability.RecoverPanic(obsLogger, "db stats")
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				metrics.RecordDBStats(a.DB.Stats())
			}
		}
	}()

	go func() {
		defer observability.RecoverPanic(obsLogger, "http server")
		logger.WithField("addr", server.Addr).Info("Serving health and metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server failed: %v", err)
		}
	}()

	if err := shutdown.WaitForShutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		os.Exit(1)
	}
}

func setupLogger(level observability.LogLevel) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	switch level {
	case observability.DebugLevel:
		logger.SetLevel(logrus.DebugLevel)
	case observability.WarnLevel:
		logger.SetLevel(logrus.WarnLevel)
	case observability.ErrorLevel:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}
