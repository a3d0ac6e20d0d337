package cli

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/devrev/matchmaker/internal/config"
	"github.com/devrev/matchmaker/internal/logging"
	"github.com/devrev/matchmaker/internal/metrics"
	"github.com/devrev/matchmaker/internal/service"
	"github.com/devrev/matchmaker/internal/store"
)

// app holds the wired components shared by every command
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	pool       *pgxpool.Pool
	queueStore *store.RedisQueueStore
	requests   *store.PostgresRequestStore

	queue         *service.QueueService
	compatibility *service.CompatibilityService
	matchmaking   *service.MatchmakingService
}

func newApp(ctx context.Context, opts *RootOptions) (*app, error) {
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	pool, err := store.NewPostgresPool(ctx, cfg.Database, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	queueStore := store.NewRedisQueueStore(
		store.NewRedisClient(cfg.Redis),
		store.QueueStoreOptions{
			KeyPrefix:      cfg.Redis.KeyPrefix,
			BackoffInitial: cfg.Redis.ConnectBackoffInitial,
			BackoffMax:     cfg.Redis.ConnectBackoffMax,
		},
		logger,
	)

	requests := store.NewPostgresRequestStore(pool)
	matches := store.NewPostgresMatchStore(pool, logger)
	var profiles store.ProfileStore = store.NewPostgresProfileStore(pool)
	if cfg.Matchmaking.ProfileCacheTTL > 0 {
		profiles = store.NewCachedProfileStore(profiles, cfg.Matchmaking.ProfileCacheTTL, cfg.Matchmaking.ProfileCacheSize, logger)
	}

	queue := service.NewQueueService(queueStore, requests, cfg.Matchmaking, m, logger)
	compatibility := service.NewCompatibilityService(requests, matches, profiles, cfg.Matchmaking, m, logger)
	matchmaking := service.NewMatchmakingService(queue, compatibility, cfg.Matchmaking, m, logger)

	logger.Info("Matchmaker initialized",
		zap.String("redis_addr", cfg.Redis.Addr()),
		zap.String("database_host", cfg.Database.Host),
		zap.String("database_name", cfg.Database.Database),
		zap.String("key_prefix", cfg.Redis.KeyPrefix))

	return &app{
		cfg:           cfg,
		logger:        logger,
		registry:      registry,
		metrics:       m,
		pool:          pool,
		queueStore:    queueStore,
		requests:      requests,
		queue:         queue,
		compatibility: compatibility,
		matchmaking:   matchmaking,
	}, nil
}

func (a *app) close() {
	a.queue.Destroy()
	if err := a.queueStore.Close(); err != nil {
		a.logger.Warn("Failed to close queue store", zap.Error(err))
	}
	a.pool.Close()
	_ = a.logger.Sync()
}
