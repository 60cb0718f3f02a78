// Command replica runs one Analyzer Replica Worker: a single-kind analysis
// process draining one request stream, running that kind's fixed tool set,
// and returning exactly one terminal frame per request. One process exists
// per analysis kind (and, for horizontal scale, per endpoint address within
// a kind).
//
// # Configuration
//
// Environment variables:
//
//	REPLICA_KIND             - one of static, security, dynamic, performance, ai
//	REPLICA_ENDPOINT         - stream address this worker drains (must match
//	                           one entry in the executor's
//	                           ANACORE_ANALYZER_ENDPOINTS_<KIND> list)
//	REDIS_ADDR               - Redis connection address (default: "localhost:6379")
//	REPLICA_CONCURRENCY      - concurrent in-flight requests (default: 2)
//	REPLICA_QUEUE_CAPACITY   - accepted-but-not-yet-running request budget (default: 100)
//	SUBJECTS_ROOT_DIR        - filesystem root of {model}/app{N} subject directories
//	                           (dynamic/performance kinds only; default: "./subjects")
//	ANTHROPIC_API_KEY        - Claude API key (ai kind only)
//	ANTHROPIC_MODEL          - Claude model identifier (ai kind only; default: "claude-sonnet-4-5")
//
// # Example
//
//	REPLICA_KIND=static REPLICA_ENDPOINT=http://replica-static:9100 \
//	REDIS_ADDR=localhost:6379 ./replica
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/forgebench/anacore/pkg/dockerdriver"
	"github.com/forgebench/anacore/pkg/normalize"
	"github.com/forgebench/anacore/pkg/normalize/parsers"
	"github.com/forgebench/anacore/pkg/replica"
	"github.com/forgebench/anacore/pkg/replica/tools/aireview"
	"github.com/forgebench/anacore/pkg/replica/tools/cli"
	"github.com/forgebench/anacore/pkg/replica/tools/containered"
	"github.com/forgebench/anacore/pkg/replica/transport"
	"github.com/forgebench/anacore/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kind := envOr("REPLICA_KIND", "")
	endpoint := envOr("REPLICA_ENDPOINT", "")
	if kind == "" || endpoint == "" {
		return fmt.Errorf("REPLICA_KIND and REPLICA_ENDPOINT are required")
	}
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	concurrency := envInt64Or("REPLICA_CONCURRENCY", 2)
	queueCapacity := envIntOr("REPLICA_QUEUE_CAPACITY", 100)

	zlog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zlog.Sync() //nolint:errcheck // best-effort flush on exit
	logger := telemetry.NewZapLogger(zlog)

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close() //nolint:errcheck // best-effort close on exit
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	channel := transport.New(rdb)

	handler, err := buildHandler(kind, logger)
	if err != nil {
		return err
	}

	worker := replica.New(replica.Config{
		Endpoint:      endpoint,
		QueueCapacity: queueCapacity,
		Concurrency:   concurrency,
		Logger:        logger,
	}, channel, handler)

	logger.Info(ctx, "replica worker starting", "kind", kind, "endpoint", endpoint)
	return worker.Run(ctx)
}

// buildHandler selects the replica.Handler appropriate for kind, wiring
// each analyzer kind's fixed tool registry per the tool invocation
// contract: static/security shell out directly, dynamic/performance bring
// a subject up via the Docker Driver first, ai calls the model client.
func buildHandler(kind string, logger telemetry.Logger) (replica.Handler, error) {
	switch kind {
	case "static", "security":
		reg := normalize.NewRegistry(logger)
		parsers.Register(reg)
		return cli.NewHandler(kind, cli.StaticSpecs, reg, logger, nil).Serve, nil

	case "dynamic", "performance":
		subjectsRoot := envOr("SUBJECTS_ROOT_DIR", "./subjects")
		driver := dockerdriver.New(func(t dockerdriver.Target) string {
			return filepath.Join(subjectsRoot, t.Model, fmt.Sprintf("app%d", t.AppNum))
		}, dockerdriver.WithLogger(logger))

		reg := normalize.NewRegistry(logger)
		parsers.Register(reg)

		specs := containered.DynamicSpecs
		if kind == "performance" {
			specs = containered.PerformanceSpecs
		}
		return containered.NewHandler(kind, driver, specs, reg, logger, nil).Serve, nil

	case "ai":
		apiKey := envOr("ANTHROPIC_API_KEY", "")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for the ai replica kind")
		}
		model := envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5")
		client, err := aireview.NewFromAPIKey(apiKey, model)
		if err != nil {
			return nil, fmt.Errorf("build ai review client: %w", err)
		}
		return aireview.NewHandler(client), nil

	default:
		return nil, fmt.Errorf("unrecognised REPLICA_KIND %q", kind)
	}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envInt64Or(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}
