package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/changefeed/internal/catalog"
	"github.com/lsm/changefeed/internal/cdc"
	"github.com/lsm/changefeed/internal/config"
	"github.com/lsm/changefeed/internal/host"
	"github.com/lsm/changefeed/internal/kafka"
	"github.com/lsm/changefeed/internal/observability"
	"github.com/lsm/changefeed/internal/publish"
	"github.com/lsm/changefeed/internal/server"
	"github.com/lsm/changefeed/internal/snapshot"
	"github.com/lsm/changefeed/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}

	logger := observability.NewLogger("changefeed", observability.GetLogLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer, shutdownTracing, err := tracing.Initialize(ctx, tracing.GetConfig("changefeed"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	health := observability.NewHealthServer()

	cat, watcher, err := buildCatalog(cfg.Catalog, logger, metrics)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	pub, closePublisher, err := buildPublisher(ctx, cfg, logger, tracer, metrics, health)
	if err != nil {
		return fmt.Errorf("build publisher: %w", err)
	}
	defer closePublisher()

	namer := cdc.NewTopicNamer(cfg.TopicPrefix)
	listener := cdc.NewListener(pub, namer,
		cdc.WithLogger(logger),
		cdc.WithTracer(tracer),
		cdc.WithMetrics(metrics),
	)

	hostClient, err := host.NewClient(cfg.Host, host.WithLogger(logger), host.WithTracer(tracer))
	if err != nil {
		return fmt.Errorf("build host client: %w", err)
	}

	exporter := snapshot.NewExporter(cat, snapshot.HostSource(hostClient), pub, namer,
		snapshot.WithLogger(logger),
		snapshot.WithTracer(tracer),
		snapshot.WithMetrics(metrics),
	)

	srv, err := server.New(server.Config{ListenAddr: cfg.ListenAddr}, listener, exporter, logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	// Start metrics + health HTTP server
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("GET /healthz", health.Handler())
		mux.Handle("GET /readyz", health.Handler())

		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("metrics server starting", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	if watcher != nil {
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Error("catalog watcher error", "error", err)
			}
		}()
	}

	logger.Info("changefeed starting",
		"topic_prefix", namer.Prefix(),
		"kafka", cfg.Kafka.Enabled,
		"host", hostClient.BaseURL(),
		"resource_types", cat.Current().Len(),
	)
	health.SetReady(true)

	// Serve until shutdown
	srvErr := srv.Start(ctx)

	// Graceful shutdown
	health.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete",
		"updates", pub.UpdateCount(),
		"deletes", pub.DeleteCount(),
	)
	return srvErr
}

// buildCatalog returns the watched catalog file when one is configured, or
// the fixed list from the config otherwise.
func buildCatalog(cfg config.CatalogConfig, logger *slog.Logger, metrics *observability.Metrics) (catalog.Provider, *catalog.Watcher, error) {
	if cfg.File == "" {
		return catalog.New(cfg.ResourceTypes), nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	var prev *catalog.Catalog
	w, err := catalog.NewWatcher(cfg.File,
		catalog.WithLogger(logger),
		catalog.WithMetrics(metrics),
		catalog.OnChange(func(next *catalog.Catalog) {
			added, removed := catalogDiff(prev, next)
			if len(added) > 0 || len(removed) > 0 {
				logger.Info("snapshot resource types changed", "added", added, "removed", removed)
			}
			prev = next
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	prev = w.Current()
	return w, w, nil
}

// catalogDiff returns the names in next but not prev, and in prev but not next.
func catalogDiff(prev, next *catalog.Catalog) (added, removed []string) {
	for _, name := range next.Names() {
		if prev == nil || !prev.Has(name) {
			added = append(added, name)
		}
	}
	if prev == nil {
		return added, nil
	}
	for _, name := range prev.Names() {
		if !next.Has(name) {
			removed = append(removed, name)
		}
	}
	return added, removed
}

// buildPublisher returns the Kafka publisher, or the in-memory one when
// Kafka is disabled, plus a function that releases it.
func buildPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger, tracer trace.Tracer, metrics *observability.Metrics, health *observability.HealthServer) (publish.Publisher, func(), error) {
	if !cfg.Kafka.Enabled {
		return publish.NewMemory(logger), func() {}, nil
	}

	p, err := kafka.NewPublisher(ctx, &cfg.Kafka.Cluster,
		kafka.WithLogger(logger),
		kafka.WithTracer(tracer),
		kafka.WithMetrics(metrics),
		kafka.WithReplicationFactor(cfg.Kafka.ReplicationFactor),
	)
	if err != nil {
		return nil, nil, err
	}

	health.AddCheck("kafka", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return p.Ping(pingCtx)
	})
	return p, p.Close, nil
}
