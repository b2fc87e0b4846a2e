//go:build integration

package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var testURL string

func TestMain(m *testing.M) {
	ctx := context.Background()
	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Println("Redis container not available, skipping integration tests:", err)
		os.Exit(0)
	}
	testURL, err = ctr.ConnectionString(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	code := m.Run()
	_ = testcontainers.TerminateContainer(ctr)
	os.Exit(code)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	opts, err := redis.ParseURL(testURL)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromUniversal(rdb, zaptest.NewLogger(t), 0)
}

func TestLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	lock, err := c.TryLock(ctx, "ledgerx:writer:celo", time.Second)
	require.NoError(t, err)

	_, err = c.TryLock(ctx, "ledgerx:writer:celo", time.Second)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Refresh(ctx))
	require.NoError(t, lock.Release(ctx))
	require.ErrorIs(t, lock.Refresh(ctx), ErrLockLost)

	again, err := c.TryLock(ctx, "ledgerx:writer:celo", time.Second)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestMetricCacheExpires(t *testing.T) {
	ctx := context.Background()
	cache := NewMetricCache(newTestClient(t), "test:", 200*time.Millisecond)

	_, err := cache.Get(ctx, "0xc1")
	require.ErrorIs(t, err, errs.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, cache.Put(ctx, &ledger.SustainabilityMetric{
		Community:  "0xc1",
		SSI:        decimal.RequireFromString("0.69"),
		Status:     ledger.MetricStatusOK,
		AsOf:       now,
		ComputedAt: now,
	}))

	m, err := cache.Get(ctx, "0xc1")
	require.NoError(t, err)
	require.Equal(t, "0.69", m.SSI.String())

	require.Eventually(t, func() bool {
		_, err := cache.Get(ctx, "0xc1")
		return errors.Is(err, errs.ErrNotFound)
	}, 2*time.Second, 50*time.Millisecond)
}

func TestConsumerRedeliversFailedMessageFirst(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newTestClient(t)

	for block := uint64(1); block <= 3; block++ {
		values, err := BatchValues(block, nil)
		require.NoError(t, err)
		_, err = c.XAdd(ctx, "batches", values)
		require.NoError(t, err)
	}

	sc, err := NewStreamConsumer(c, StreamConsumerConfig{
		Stream:        "batches",
		Group:         "ingestor",
		Consumer:      "test",
		Block:         100 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		seen   []uint64
		failed bool
	)
	err = sc.Run(ctx, func(ctx context.Context, msg Message) error {
		upTo, err := msg.UpToBlock()
		require.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, upTo)
		if upTo == 2 && !failed {
			failed = true
			return errors.New("transient")
		}
		if upTo == 3 {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []uint64{1, 2, 2, 3}, seen)
}
