package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/errs"
)

// MetricCache shares sustainability readings between processes. Entries
// expire after ttl so a stopped reporter cannot serve stale readings forever.
type MetricCache struct {
	client *Client
	prefix string
	ttl    time.Duration
}

func NewMetricCache(client *Client, prefix string, ttl time.Duration) *MetricCache {
	return &MetricCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *MetricCache) key(community string) string {
	return c.prefix + "ssi:" + community
}

func (c *MetricCache) Get(ctx context.Context, community string) (*ledger.SustainabilityMetric, error) {
	raw, err := c.client.client.Get(ctx, c.key(community)).Bytes()
	if IsNil(err) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, errs.Persistence("get cached metric", err)
	}
	var m ledger.SustainabilityMetric
	if err := json.Unmarshal(raw, &m); err != nil {
		// A garbled entry is treated as a miss and overwritten on the next fill.
		return nil, errs.ErrNotFound
	}
	return &m, nil
}

func (c *MetricCache) Put(ctx context.Context, m *ledger.SustainabilityMetric) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metric: %w", err)
	}
	if err := c.client.client.Set(ctx, c.key(m.Community), raw, c.ttl).Err(); err != nil {
		return errs.Persistence("put cached metric", err)
	}
	return nil
}
