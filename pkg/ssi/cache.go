package ssi

import (
	"context"
	"errors"

	"github.com/impactmarket/ledgerx/pkg/db"
	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Cache stores the latest metric per community. Get returns errs.ErrNotFound
// on a miss; freshness is judged by the caller from ComputedAt.
type Cache interface {
	Get(ctx context.Context, community string) (*ledger.SustainabilityMetric, error)
	Put(ctx context.Context, m *ledger.SustainabilityMetric) error
}

// LocalCache keeps metrics in process memory.
type LocalCache struct {
	m *xsync.Map[string, ledger.SustainabilityMetric]
}

func NewLocalCache() *LocalCache {
	return &LocalCache{m: xsync.NewMap[string, ledger.SustainabilityMetric]()}
}

func (c *LocalCache) Get(_ context.Context, community string) (*ledger.SustainabilityMetric, error) {
	v, ok := c.m.Load(community)
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &v, nil
}

// Put keeps the most recently computed reading when fills race.
func (c *LocalCache) Put(_ context.Context, m *ledger.SustainabilityMetric) error {
	c.m.Compute(m.Community, func(old ledger.SustainabilityMetric, loaded bool) (ledger.SustainabilityMetric, xsync.ComputeOp) {
		if loaded && old.ComputedAt.After(m.ComputedAt) {
			return old, xsync.CancelOp
		}
		return *m, xsync.UpdateOp
	})
	return nil
}

// StoreCache persists metrics in the metric table so other processes can read them.
type StoreCache struct {
	store db.MetricStore
}

func NewStoreCache(store db.MetricStore) *StoreCache {
	return &StoreCache{store: store}
}

func (c *StoreCache) Get(ctx context.Context, community string) (*ledger.SustainabilityMetric, error) {
	m, err := c.store.GetMetric(ctx, community)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, errs.Persistence("get metric", err)
	}
	return m, err
}

func (c *StoreCache) Put(ctx context.Context, m *ledger.SustainabilityMetric) error {
	return errs.Persistence("put metric", c.store.PutMetric(ctx, m))
}

// Tiered reads caches in order, back-filling earlier tiers on a hit, and
// writes through to all of them.
type Tiered struct {
	caches []Cache
	logger *zap.Logger
}

func NewTiered(logger *zap.Logger, caches ...Cache) *Tiered {
	return &Tiered{caches: caches, logger: logger}
}

func (t *Tiered) Get(ctx context.Context, community string) (*ledger.SustainabilityMetric, error) {
	var firstErr error
	for i, c := range t.caches {
		m, err := c.Get(ctx, community)
		if err == nil {
			for _, earlier := range t.caches[:i] {
				if err := earlier.Put(ctx, m); err != nil {
					t.logger.Debug("SSI cache backfill failed", zap.String("community", community), zap.Int("tier", i), zap.Error(err))
				}
			}
			return m, nil
		}
		if !errors.Is(err, errs.ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, errs.ErrNotFound
}

func (t *Tiered) Put(ctx context.Context, m *ledger.SustainabilityMetric) error {
	var firstErr error
	for _, c := range t.caches {
		if err := c.Put(ctx, m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
