// Fraudstream worker - consumes the transactions topic and persists a
// fraud decision for every event.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbd888/fraudstream/internal/config"
	"github.com/mbd888/fraudstream/internal/database"
	"github.com/mbd888/fraudstream/internal/decisions"
	"github.com/mbd888/fraudstream/internal/logging"
	"github.com/mbd888/fraudstream/internal/metrics"
	"github.com/mbd888/fraudstream/internal/oracle"
	"github.com/mbd888/fraudstream/internal/scoring"
	"github.com/mbd888/fraudstream/internal/stream"
	"github.com/mbd888/fraudstream/internal/traces"
	"github.com/mbd888/fraudstream/internal/worker"
)

// Build info - set by ldflags
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		return 1
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting fraudstream worker", "version", Version, "commit", Commit, "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, "fraudstream-worker", cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		return 1
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Decision storage
	var store decisions.Store
	if cfg.DatabaseURL != "" {
		db, err := database.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("database unavailable", "url", database.MaskDSN(cfg.DatabaseURL), "error", err)
			return 1
		}
		defer func() { _ = db.Close() }()
		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
		store = decisions.NewPostgresStore(db)
		logger.Info("using PostgreSQL storage", "url", database.MaskDSN(cfg.DatabaseURL))
	} else {
		store = decisions.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, decisions are kept in memory only")
	}

	// Write-through so the API serves fresh decisions from cache
	if cfg.RedisURL != "" {
		cache, err := decisions.NewRedisCache(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to configure redis", "error", err)
			return 1
		}
		defer func() { _ = cache.Close() }()
		store = decisions.NewCachedStore(store, cache, cfg.DecisionCacheTTL)
	}

	orc, stopOracle, err := oracle.Select(oracle.Settings{
		URL:       cfg.OracleURL,
		ModelFile: cfg.OracleModelFile,
		Timeout:   cfg.OracleTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to configure risk oracle", "error", err)
		return 1
	}
	defer stopOracle()

	hourSource, err := scoring.ParseHourSource(cfg.HourSource)
	if err != nil {
		logger.Error("invalid feature hour source", "error", err)
		return 1
	}
	scorer, err := scoring.NewScorer(orc,
		scoring.Policy{Threshold: cfg.DecisionThreshold},
		scoring.FeatureBuilder{Source: hourSource},
		cfg.OracleTimeout)
	if err != nil {
		logger.Error("invalid scoring policy", "error", err)
		return 1
	}

	// Metrics listener
	metricsSrv := metrics.NewServer(":" + cfg.WorkerMetricsPort)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", "error", err)
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(sctx)
	}()

	source := stream.NewKafkaSource(stream.SourceConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.TransactionsTopic,
		GroupID:        cfg.ConsumerGroup,
		CommitInterval: cfg.CommitInterval,
	})
	logger.Info("joining consumer group",
		"brokers", cfg.KafkaBrokers,
		"topic", cfg.TransactionsTopic,
		"group", cfg.ConsumerGroup,
		"threshold", cfg.DecisionThreshold,
	)

	w := worker.New(source, scorer, store, worker.Config{
		PollTimeout:  cfg.PollTimeout,
		StoreTimeout: cfg.StoreTimeout,
	}, logger)

	if err := w.Run(ctx); err != nil {
		var terr *worker.TransportError
		if errors.As(err, &terr) {
			logger.Error("broker transport lost, exiting for restart", "error", terr.Err)
		} else {
			logger.Error("worker failed", "error", err)
		}
		return 1
	}
	return 0
}
