package cli

import (
	"context"
	"fmt"

	"github.com/coder/quartz"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/cloudflare"
	"github.com/crawlscope/crawlscope/pkg/config"
	"github.com/crawlscope/crawlscope/pkg/crypto"
	"github.com/crawlscope/crawlscope/pkg/database"
	"github.com/crawlscope/crawlscope/pkg/locks"
	"github.com/crawlscope/crawlscope/pkg/logging"
	"github.com/crawlscope/crawlscope/pkg/repositories"
	"github.com/crawlscope/crawlscope/pkg/services"
)

// app holds the process-wide dependencies shared by the serve and sync commands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *database.DB
	redis  *redis.Client

	accounts    services.AccountService
	connections services.ConnectionService
	sync        services.SyncService
	export      services.ExportService
	dashboard   services.DashboardService
}

func newLogger(cfg *config.Config, opts *RootOptions) (*zap.Logger, error) {
	logger, err := logging.NewLogger(cfg.Env, opts.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger.With(zap.String("version", cfg.Version)), nil
}

// migrate applies pending migrations through a database/sql handle on the pool.
func migrate(db *database.DB, logger *zap.Logger) error {
	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	defer sqlDB.Close()
	return database.RunMigrations(sqlDB, logger)
}

// newApp connects to Postgres and Redis and builds the service graph.
// Redis is optional; without it sync leases fall back to Postgres advisory locks.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	vault, err := crypto.NewTokenVault(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}

	db, err := database.NewConnection(ctx, database.ConfigFrom(&cfg.Database))
	if err != nil {
		return nil, err
	}

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		db.Close()
		return nil, err
	}

	var locker locks.Locker
	if redisClient != nil {
		locker = locks.NewRedisLocker(redisClient, cfg.Sync.LockTTL)
		logger.Info("Using Redis sync leases", zap.String("host", cfg.Redis.Host))
	} else {
		locker = locks.NewAdvisoryLocker(db.Pool)
		logger.Info("Redis not configured, using Postgres advisory locks for sync leases")
	}

	clock := quartz.NewReal()
	cf := cloudflare.NewClient(&cfg.Cloudflare, logger,
		cloudflare.WithPageLimit(cfg.Sync.PageLimit),
		cloudflare.WithClock(clock),
	)

	accountRepo := repositories.NewAccountRepository()
	connectionRepo := repositories.NewConnectionRepository()
	snapshotRepo := repositories.NewSnapshotRepository()
	writer := services.NewUpsertWriter(snapshotRepo, cfg.Sync.BatchSize, logger)

	return &app{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		redis:       redisClient,
		accounts:    services.NewAccountService(accountRepo, logger),
		connections: services.NewConnectionService(accountRepo, connectionRepo, cf, vault, logger),
		sync: services.NewSyncService(
			accountRepo, connectionRepo, writer, cf, vault, locker,
			database.NewTenantScopeProvider(db), clock, cfg.Sync, logger,
		),
		export:    services.NewExportService(snapshotRepo, logger),
		dashboard: services.NewDashboardService(snapshotRepo, clock, cfg.Sync.MaxLookbackDays),
	}, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	a.db.Close()
}
