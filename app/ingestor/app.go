package ingestor

import (
	"context"
	"errors"
	"time"

	"github.com/impactmarket/ledgerx/pkg/config"
	"github.com/impactmarket/ledgerx/pkg/db/postgres"
	pgledger "github.com/impactmarket/ledgerx/pkg/db/postgres/ledger"
	"github.com/impactmarket/ledgerx/pkg/folder"
	ingest "github.com/impactmarket/ledgerx/pkg/ledger"
	"github.com/impactmarket/ledgerx/pkg/logging"
	"github.com/impactmarket/ledgerx/pkg/redis"
	"github.com/impactmarket/ledgerx/pkg/retry"
	"go.uber.org/zap"
)

type App struct {
	Config      config.Config
	Store       *pgledger.DB
	Ledger      *ingest.Ledger
	RedisClient *redis.Client
	Consumer    *redis.StreamConsumer
	Handler     *BatchHandler
	Logger      *zap.Logger
}

// Initialize initializes the application.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	store, err := pgledger.NewWithPoolConfig(ctx, logger, cfg.DatabaseURL, postgres.GetPoolConfigForComponent("ingestor"))
	if err != nil {
		logger.Fatal("Unable to initialize database", zap.Error(err))
	}

	redisClient, err := redis.NewClient(ctx, logger, cfg.Redis)
	if err != nil {
		logger.Fatal("Unable to connect to Redis", zap.Error(err))
	}

	consumer, err := redis.NewStreamConsumer(redisClient, redis.StreamConsumerConfig{
		Stream:   cfg.Stream.Name,
		Group:    cfg.Stream.Group,
		Consumer: cfg.Stream.Consumer,
		Count:    cfg.Stream.Count,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Unable to create stream consumer", zap.Error(err))
	}

	l := ingest.New(store, folder.New(store, logger, cfg.Folder), logger, cfg.Ledger)
	return &App{
		Config:      cfg,
		Store:       store,
		Ledger:      l,
		RedisClient: redisClient,
		Consumer:    consumer,
		Handler:     &BatchHandler{Ledger: l, Logger: logger, Retry: retry.StorageConfig()},
		Logger:      logger,
	}
}

// Start takes the writer lock for the chain source and consumes batches until
// ctx is cancelled or the lock is lost.
func (a *App) Start(ctx context.Context) {
	defer a.Stop()

	lockKey := a.Config.RedisKeys + "writer:" + a.Config.Ledger.Source
	lock, err := a.RedisClient.WaitLock(ctx, lockKey, a.Config.Stream.LockTTL, a.Config.Stream.LockTTL/3)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.Logger.Error("Unable to take writer lock", zap.Error(err))
		}
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()
	a.Logger.Info("Writer lock acquired", zap.String("key", lockKey))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := lock.KeepAlive(runCtx); errors.Is(err, redis.ErrLockLost) {
			a.Logger.Error("Writer lock lost, stopping ingestion", zap.Bool("alert", true))
			cancel()
		}
	}()

	// Entries persisted by an older build that folded asynchronously.
	if n, err := a.Ledger.FoldPending(runCtx, 0); err != nil {
		a.Logger.Error("Unable to fold pending entries", zap.Error(err))
		return
	} else if n > 0 {
		a.Logger.Info("Folded pending entries", zap.Int("entries", n))
	}

	checkpoint, err := a.Ledger.CurrentCheckpoint(runCtx)
	if err != nil {
		a.Logger.Error("Unable to read checkpoint", zap.Error(err))
		return
	}
	a.Logger.Info("Consuming batches",
		zap.String("stream", a.Config.Stream.Name),
		zap.Uint64("checkpoint", checkpoint))

	if err := a.Consumer.Run(runCtx, a.Handler.Handle); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Stream consumer stopped", zap.Error(err))
	}
}

func (a *App) Stop() {
	if err := a.RedisClient.Close(); err != nil {
		a.Logger.Warn("Failed to close Redis connection", zap.Error(err))
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close database connection", zap.Error(err))
	}
	a.Logger.Info("さようなら!")
}
