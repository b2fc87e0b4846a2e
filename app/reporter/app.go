package reporter

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/impactmarket/ledgerx/pkg/config"
	"github.com/impactmarket/ledgerx/pkg/db/clickhouse"
	"github.com/impactmarket/ledgerx/pkg/db/postgres"
	pgledger "github.com/impactmarket/ledgerx/pkg/db/postgres/ledger"
	"github.com/impactmarket/ledgerx/pkg/logging"
	"github.com/impactmarket/ledgerx/pkg/redis"
	"github.com/impactmarket/ledgerx/pkg/rollup"
	"github.com/impactmarket/ledgerx/pkg/ssi"
)

type App struct {
	Scheduler   *rollup.Scheduler
	Store       *pgledger.DB
	Sink        *clickhouse.DailySink
	RedisClient *redis.Client
	Logger      *zap.Logger
}

// Start runs one catch-up tick, then schedules rollups until ctx is canceled.
func (a *App) Start(ctx context.Context) {
	if res, err := a.Scheduler.Tick(ctx, time.Now()); err != nil {
		a.Logger.Warn("Startup rollup incomplete", zap.Int("failed", res.Failed), zap.Error(err))
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		a.Logger.Fatal("Unable to start rollup cron", zap.Error(err))
	}
	<-ctx.Done()
	a.Stop()
}

// Stop waits for a running tick, then closes connections.
func (a *App) Stop() {
	a.Scheduler.Stop()
	if a.Sink != nil {
		_ = a.Sink.Close()
	}
	if a.RedisClient != nil {
		_ = a.RedisClient.Close()
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close database connection", zap.Error(err))
	}
	a.Logger.Info("さようなら!")
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

	store, err := pgledger.NewWithPoolConfig(ctx, logger, cfg.DatabaseURL, postgres.GetPoolConfigForComponent("reporter"))
	if err != nil {
		logger.Fatal("Unable to initialize database", zap.Error(err))
	}

	caches := []ssi.Cache{ssi.NewLocalCache()}
	redisClient, err := redis.NewClient(ctx, logger, cfg.Redis)
	if err != nil {
		logger.Warn("Redis unavailable - SSI readings stay local to this process", zap.Error(err))
		redisClient = nil
	} else {
		caches = append(caches, redis.NewMetricCache(redisClient, cfg.RedisKeys, cfg.SSICacheTTL))
	}
	caches = append(caches, ssi.NewStoreCache(store))

	opts := []rollup.Option{rollup.WithSSI(ssi.New(store, ssi.NewTiered(logger, caches...), logger, cfg.SSI))}

	var sink *clickhouse.DailySink
	if cfg.ClickHouse.Enabled() {
		sink, err = clickhouse.NewDailySink(ctx, logger, cfg.ClickHouse.DSN, cfg.ClickHouse.Database, cfg.ClickHouse.Pool)
		if err != nil {
			logger.Fatal("Unable to initialize ClickHouse export", zap.Error(err))
		}
		opts = append(opts, rollup.WithSink(sink))
	}

	return &App{
		Scheduler:   rollup.New(store, logger, cfg.Rollup, opts...),
		Store:       store,
		Sink:        sink,
		RedisClient: redisClient,
		Logger:      logger,
	}
}
