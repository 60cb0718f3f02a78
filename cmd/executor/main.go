// Command executor runs the control plane: the Task Executor, the Pipeline
// Orchestrator, the Maintenance Actor, and the administrative HTTP surface,
// all in one process sharing one set of stores.
//
// # Configuration
//
// Every setting is a flat ANACORE_-prefixed environment variable; see
// internal/config for the full list. At minimum ANACORE_DATABASE_DSN and
// ANACORE_REDIS_ADDR must be set.
//
// # Example
//
//	ANACORE_DATABASE_DSN=postgres://localhost/anacore \
//	ANACORE_REDIS_ADDR=localhost:6379 \
//	ANACORE_ANALYZER_ENDPOINTS_STATIC=http://replica-static:9100 \
//		./executor
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/forgebench/anacore/internal/adminapi"
	"github.com/forgebench/anacore/internal/config"
	"github.com/forgebench/anacore/pkg/executor"
	"github.com/forgebench/anacore/pkg/ids"
	"github.com/forgebench/anacore/pkg/maintenance"
	"github.com/forgebench/anacore/pkg/pipeline"
	"github.com/forgebench/anacore/pkg/pipeline/notify"
	"github.com/forgebench/anacore/pkg/pool"
	"github.com/forgebench/anacore/pkg/replica/transport"
	"github.com/forgebench/anacore/pkg/resultstore"
	"github.com/forgebench/anacore/pkg/store/postgres"
	"github.com/forgebench/anacore/pkg/task"
	"github.com/forgebench/anacore/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// summaryUpdater adapts task.Store's Get+Update into the single-method
// interface resultstore.Store needs to persist the task-level summary back
// to the transactional store.
type summaryUpdater struct {
	tasks task.Store
}

func (u summaryUpdater) UpdateSummary(ctx context.Context, taskID ids.TaskID, state task.State, summary map[string]any) error {
	t, err := u.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading task for summary update: %w", err)
	}
	t.State = state
	t.Summary = summary
	return u.tasks.Update(ctx, t)
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zlog.Sync() //nolint:errcheck // best-effort flush on exit
	logger := telemetry.NewZapLogger(zlog)
	metricsHandler, err := setupMetrics()
	if err != nil {
		return fmt.Errorf("set up metrics: %w", err)
	}
	metrics := telemetry.NewOtelMetrics("anacore.executor")

	db, err := postgres.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close() //nolint:errcheck // best-effort close on exit
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	channel := transport.New(rdb)

	tasks := postgres.NewTaskStore(db)
	subjects := postgres.NewSubjectStore(db)
	pipelines := postgres.NewPipelineStore(db)

	pools := buildPools(cfg, channel, logger, metrics)
	router := executor.NewRouter(pools)

	results := resultstore.New(cfg.ResultsRootDir, summaryUpdater{tasks: tasks}, logger)

	exec := executor.New(executor.Config{
		PreflightMaxRetries: cfg.PreflightMaxRetries,
		TransientMaxRetries: cfg.TransientFailureMaxRetries,
		KindTimeouts: map[task.Kind]time.Duration{
			task.KindStatic:      cfg.StaticAnalysisTimeout,
			task.KindSecurity:    cfg.SecurityAnalysisTimeout,
			task.KindDynamic:     cfg.DynamicAnalysisTimeout,
			task.KindPerformance: cfg.PerformanceAnalysisTimeout,
			task.KindAI:          cfg.AIAnalysisTimeout,
		},
		Logger:  logger,
		Metrics: metrics,
	}, tasks, subjects, router, results)

	actor := maintenance.New(maintenance.Config{
		StuckThreshold:       cfg.StuckTaskThreshold,
		ReaperInterval:       cfg.StuckTaskReapInterval,
		SubjectSweepInterval: cfg.OrphanSweepInterval,
		GracePeriod:          cfg.OrphanGracePeriod,
		ReconcileInterval:    cfg.ReconciliationInterval,
		Logger:               logger,
		Metrics:              metrics,
	}, tasks, subjects, results)

	var observers []pipeline.Observer
	if cfg.SlackWebhookURL != "" {
		observers = append(observers, notify.NewSlackObserver(cfg.SlackWebhookURL, logger))
	}
	orchestrator := pipeline.New(pipeline.Config{Logger: logger, Metrics: metrics}, pipelines, tasks, observers...)

	admin := adminapi.New(adminapi.Config{Logger: logger, MetricsHandler: metricsHandler}, tasks, router, actor)
	server := &http.Server{Addr: cfg.AdminListenAddr, Handler: admin}

	exec.Start(ctx)
	defer exec.Stop()
	actor.Start(ctx)
	defer actor.Stop()
	orchestrator.Start(ctx)
	defer orchestrator.Stop()

	serveErrs := make(chan error, 1)
	go func() {
		logger.Info(ctx, "admin surface listening", "addr", cfg.AdminListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrs <- err
			return
		}
		serveErrs <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErrs:
		if err != nil {
			return fmt.Errorf("admin http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// setupMetrics installs a Prometheus-backed OTEL MeterProvider as the
// process global and returns the scrape handler for the same registry, so
// every telemetry.NewOtelMetrics counter/histogram in this process ends up
// exposed at GET /metrics.
func setupMetrics() (http.Handler, error) {
	reg := promclient.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("build prometheus exporter: %w", err)
	}
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// buildPools constructs one Analyzer Pool per analysis kind named in
// cfg.AnalyzerEndpoints, all sharing one Redis-Streams-backed transport.
func buildPools(cfg *config.Config, channel *transport.Channel, logger telemetry.Logger, metrics telemetry.Metrics) map[task.Kind]*pool.Pool {
	t := pool.NewChannelTransport(channel)
	pools := make(map[task.Kind]*pool.Pool, len(cfg.AnalyzerEndpoints))
	for kindName, endpoints := range cfg.AnalyzerEndpoints {
		kind := task.Kind(kindName)
		eps := make([]pool.EndpointConfig, len(endpoints))
		for i, addr := range endpoints {
			eps[i] = pool.EndpointConfig{Address: addr}
		}
		pools[kind] = pool.New(pool.Config{
			Kind:      kindName,
			Endpoints: eps,
			Logger:    logger,
			Metrics:   metrics,
		}, t)
	}
	return pools
}
