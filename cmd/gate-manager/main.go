// cmd/gate-manager/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"membergate/internal/audit"
	"membergate/internal/cache"
	"membergate/internal/common/config"
	"membergate/internal/common/database"
	"membergate/internal/common/logger"
	"membergate/internal/common/metrics"
	"membergate/internal/common/observability"
	"membergate/internal/dispatch"
	"membergate/internal/platform"
	"membergate/internal/protect"
	"membergate/internal/store"
	"membergate/internal/verify"
	"membergate/internal/warmer"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	zapLog := logger.New("info", "console")
	defer zapLog.Sync()

	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting gate manager...")

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("config load failed", zap.Error(err))
	}

	obs := observability.New("gate-manager")
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init Elasticsearch with retry ---
	var esClient *database.ElasticsearchClient
	err = retryWithBackoff(func() error {
		var err error
		esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			return err
		}
		return esClient.Ping()
	}, 15, 2*time.Second, zapLog, "Elasticsearch connection")

	if err != nil {
		zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
	}
	zapLog.Info("Elasticsearch connected successfully")

	// --- Metrics registry ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// --- Dispatcher ---
	dispatcher := dispatch.New(dispatch.Config{
		Workers:          cfg.Dispatcher.Workers,
		GlobalRPS:        cfg.Dispatcher.GlobalRPS,
		TenantPerMinute:  cfg.Dispatcher.TenantPerMinute,
		BacklogThreshold: cfg.Dispatcher.BacklogThreshold,
		MaxAttempts:      cfg.Dispatcher.MaxAttempts,
		BackoffBase:      cfg.Dispatcher.GetBackoffBase(),
		CallTimeout:      cfg.Platform.GetTimeout(),
	}, m, log)
	dispatcher.Start()

	// --- Services ---
	platformClient := platform.NewHTTPClient(cfg.Platform, log)
	cacheStore := cache.NewStore(rdb.Client, cfg.Cache, m, log)
	groups := store.NewSQLGroupReader(pg.DB, log)
	sink := audit.NewESSink(esClient.Client, cfg.Audit.Index, log)

	verifier := verify.NewService(groups, cacheStore, dispatcher, platformClient, sink, m, obs, log)
	protector := protect.NewService(dispatcher, platformClient, m, log)
	warm := warmer.New(groups, verifier, cfg.Warmer, warmer.NewClock(), log)

	// --- Scheduled warming ---
	runCtx, stopBackground := context.WithCancel(ctx)
	runner := warmer.NewRunner(warm, log)
	go runner.Run(runCtx)

	// --- HTTP server ---
	mux := http.NewServeMux()
	(&api{verifier: verifier, protector: protector, warmer: warm, logger: log}).routes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
	}

	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Fatal("http server failed", zap.Error(err))
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLog.Info("Shutting down...")
	stopBackground()

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		zapLog.Warn("dispatcher drain incomplete", zap.Error(err))
	}

	zapLog.Info("Gate manager stopped")
}
