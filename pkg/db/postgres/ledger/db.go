package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/impactmarket/ledgerx/pkg/db"
	"github.com/impactmarket/ledgerx/pkg/db/postgres"
	"go.uber.org/zap"
)

var _ db.Store = (*DB)(nil)

// DB is the Postgres implementation of db.Store.
type DB struct {
	postgres.Client
}

// NewWithPoolConfig connects and creates the schema when missing.
func NewWithPoolConfig(ctx context.Context, logger *zap.Logger, url string, poolConfig postgres.PoolConfig) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(
		zap.String("component", poolConfig.Component),
	), url, poolConfig)
	if err != nil {
		return nil, err
	}

	ledgerDB := &DB{Client: client}
	if err := ledgerDB.InitializeDB(ctx); err != nil {
		_ = ledgerDB.Close()
		return nil, err
	}
	return ledgerDB, nil
}

// LockCommunity serializes rollups of one community across processes.
func (db *DB) LockCommunity(ctx context.Context, community string) error {
	return db.AdvisoryXactLock(ctx, "rollup:"+community)
}

// InitializeDB ensures the required tables exist
// Creates all tables in parallel for efficiency
func (db *DB) InitializeDB(ctx context.Context) error {
	initStart := time.Now()

	initOps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"ledger_entries", db.initLedgerEntries},
		{"purged_entries", db.initPurgedEntries},
		{"checkpoints", db.initCheckpoints},
		{"beneficiary_states", db.initBeneficiaryStates},
		{"community_states", db.initCommunityStates},
		{"community_backers", db.initCommunityBackers},
		{"activities", db.initActivities},
		{"policy_changes", db.initPolicyChanges},
		{"community_daily_states", db.initCommunityDailyStates},
		{"sustainability_metrics", db.initSustainabilityMetrics},
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(initOps))

	for _, op := range initOps {
		wg.Add(1)
		go func(name string, fn func(context.Context) error) {
			defer wg.Done()
			db.Logger.Debug("Initializing table", zap.String("table", name))
			if err := fn(ctx); err != nil {
				errChan <- fmt.Errorf("init %s: %w", name, err)
			}
		}(op.name, op.fn)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		return err
	}

	db.Logger.Info("Ledger database initialized",
		zap.Int("tables", len(initOps)),
		zap.Duration("duration", time.Since(initStart)))
	return nil
}
