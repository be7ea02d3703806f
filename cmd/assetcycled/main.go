// Package main is the entry point for the assetcycle lifecycle engine.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tangible-labs/assetcycle/internal/aggregator"
	"github.com/tangible-labs/assetcycle/internal/condition"
	"github.com/tangible-labs/assetcycle/internal/config"
	"github.com/tangible-labs/assetcycle/internal/dispatch"
	"github.com/tangible-labs/assetcycle/internal/events"
	"github.com/tangible-labs/assetcycle/internal/lifecycle"
	"github.com/tangible-labs/assetcycle/internal/observability"
	"github.com/tangible-labs/assetcycle/internal/statemachine"
	"github.com/tangible-labs/assetcycle/internal/transport"
	"github.com/tangible-labs/assetcycle/internal/workflow"
	"github.com/tangible-labs/assetcycle/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "assetcycled", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Persistence: status records, pending transitions, and workflows share
	// one driver (and, for postgres, one pool).
	smStore, wfStore, storeCloser, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	dedupStore, dedupCloser, err := buildDedupStore(cfg.Dedup, logger)
	if err != nil {
		logger.Error("dedup store initialization failed", zap.Error(err))
		return 1
	}

	// OpenAPI operation index for external_api_call actions.
	opIndex := dispatch.NewOperationIndex()
	if err := opIndex.Load(buildSpecSources(cfg.Dispatch.Specs)); err != nil {
		logger.Error("OpenAPI index load failed", zap.Error(err))
		return 1
	}

	bus := events.NewBus(logger)

	machine := statemachine.NewMachine(smStore, condition.NewEvaluator(), bus, logger)

	registry := dispatch.NewRegistry(
		dispatch.NewStateDispatcher(machine),
		dispatch.NewDocumentDispatcher(cfg.Dispatch.DocumentServiceURL, cfg.Dispatch.Timeout),
		dispatch.NewNotificationDispatcher(cfg.Dispatch.NotificationServiceURL, cfg.Dispatch.Timeout),
		dispatch.NewChainDispatcher(cfg.Dispatch.ChainGatewayURL, cfg.Dispatch.Timeout, dedupStore).
			WithDedupTTL(cfg.Dedup.DefaultTTL),
		dispatch.NewAPIDispatcher(opIndex, cfg.Dispatch.Timeout),
	)

	engine := workflow.NewEngine(wfStore, registry, bus, logger)

	agg := aggregator.New(logger, aggregator.WithMetrics(metrics))
	bus.Subscribe(agg.HandleEvent)
	bus.Subscribe(events.NewMetricsBridge(metrics).HandleEvent)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readinessChecks := observability.ReadinessChecks{
		TransitionTableLoaded: func() bool {
			return len(lifecycle.Next(model.StateDraft)) > 0
		},
	}
	if hc, ok := smStore.(observability.HealthChecker); ok {
		readinessChecks.LifecycleStore = hc
	}
	if hc, ok := wfStore.(observability.HealthChecker); ok {
		readinessChecks.WorkflowStore = hc
	}
	if hc, ok := dedupStore.(observability.HealthChecker); ok {
		readinessChecks.DedupStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Machine:      machine,
		Engine:       engine,
		Aggregator:   agg,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Ready:        observability.HandleReady(readinessChecks),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go runDeadlineSweep(bgCtx, machine, engine, metrics, cfg.Sweep.Interval, logger)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("dedup_driver", cfg.Dedup.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if storeCloser != nil {
		storeCloser()
	}
	if dedupCloser != nil {
		dedupCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStores creates the lifecycle and workflow stores based on config.
// Postgres stores share one connection pool.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (statemachine.Store, workflow.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory stores")
		return statemachine.NewMemoryStore(), workflow.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		return statemachine.NewPgStore(pool), workflow.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildDedupStore creates the dispatch dedup store based on config.
func buildDedupStore(cfg config.DedupConfig, logger *zap.Logger) (dispatch.DedupStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory dedup store")
		return dispatch.NewMemoryDedupStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("dedup store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		return dispatch.NewRedisDedupStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported dedup driver: %q", cfg.Driver)
	}
}

// buildSpecSources converts config spec sources to dispatch.SpecSource.
func buildSpecSources(sources []config.SpecSource) []dispatch.SpecSource {
	out := make([]dispatch.SpecSource, len(sources))
	for i, s := range sources {
		out[i] = dispatch.SpecSource{
			ServiceID: s.ServiceID,
			BaseURL:   s.BaseURL,
			SpecPath:  s.SpecFile,
		}
	}
	return out
}

// runDeadlineSweep periodically expires pending transitions and flags overdue
// workflow steps.
func runDeadlineSweep(ctx context.Context, machine *statemachine.Machine, engine *workflow.Engine, metrics *observability.Metrics, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			status := "success"
			if err := machine.ProcessDeadlines(ctx); err != nil {
				status = "failure"
				logger.Error("transition deadline sweep failed", zap.Error(err))
			}
			if err := engine.ProcessDeadlines(ctx); err != nil {
				status = "failure"
				logger.Error("workflow deadline sweep failed", zap.Error(err))
			}
			metrics.RecordSweep(status, time.Since(start))
		}
	}
}
