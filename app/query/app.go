package query

import (
	"context"

	"github.com/impactmarket/ledgerx/app/query/types"
	"github.com/impactmarket/ledgerx/pkg/config"
	"github.com/impactmarket/ledgerx/pkg/db/postgres"
	pgledger "github.com/impactmarket/ledgerx/pkg/db/postgres/ledger"
	"github.com/impactmarket/ledgerx/pkg/folder"
	"github.com/impactmarket/ledgerx/pkg/ledger"
	"github.com/impactmarket/ledgerx/pkg/logging"
	"github.com/impactmarket/ledgerx/pkg/redis"
	"github.com/impactmarket/ledgerx/pkg/reporting"
	"github.com/impactmarket/ledgerx/pkg/ssi"
	"go.uber.org/zap"
)

// Initialize initializes the application.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	store, err := pgledger.NewWithPoolConfig(ctx, logger, cfg.DatabaseURL, postgres.GetPoolConfigForComponent("query"))
	if err != nil {
		logger.Fatal("Unable to initialize database", zap.Error(err))
	}

	// The reporter keeps readings fresh; a miss here computes one on demand.
	caches := []ssi.Cache{ssi.NewLocalCache()}
	redisClient, err := redis.NewClient(ctx, logger, cfg.Redis)
	if err != nil {
		logger.Warn("Redis unavailable - SSI readings will not be shared with the reporter", zap.Error(err))
		redisClient = nil
	} else {
		caches = append(caches, redis.NewMetricCache(redisClient, cfg.RedisKeys, cfg.SSICacheTTL))
	}
	caches = append(caches, ssi.NewStoreCache(store))

	calculator := ssi.New(store, ssi.NewTiered(logger, caches...), logger, cfg.SSI)

	return &types.App{
		Config:      cfg,
		Store:       store,
		Ledger:      ledger.New(store, folder.New(store, logger, cfg.Folder), logger, cfg.Ledger),
		Reporting:   reporting.NewService(store, calculator, logger, cfg.Query.MaxRangeDays),
		RedisClient: redisClient,
		Logger:      logger,
	}
}
