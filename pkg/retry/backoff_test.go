package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fastConfig() Config {
	cfg := StorageConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.JitterEnabled = false
	cfg.MaxRetries = 4
	return cfg
}

func TestWithBackoffRetriesPersistenceErrors(t *testing.T) {
	attempts := 0
	err := WithBackoff(context.Background(), fastConfig(), zaptest.NewLogger(t), "record", func() error {
		attempts++
		if attempts < 3 {
			return errs.Persistence("insert", errors.New("timeout"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithBackoffStopsOnInvariantViolation(t *testing.T) {
	attempts := 0
	err := WithBackoff(context.Background(), fastConfig(), zaptest.NewLogger(t), "record", func() error {
		attempts++
		return errs.Invariant("checkpoint", "regress")
	})
	require.ErrorIs(t, err, errs.ErrInvariantViolation)
	require.Equal(t, 1, attempts)
}

func TestWithBackoffGivesUp(t *testing.T) {
	attempts := 0
	err := WithBackoff(context.Background(), fastConfig(), zaptest.NewLogger(t), "record", func() error {
		attempts++
		return errs.Persistence("insert", errors.New("down"))
	})
	require.ErrorIs(t, err, errs.ErrPersistence)
	require.Equal(t, 4, attempts)
}

func TestWithBackoffHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithBackoff(ctx, fastConfig(), zaptest.NewLogger(t), "record", func() error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoffCapsAtMaxDelay(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	require.Equal(t, time.Second, calculateBackoff(cfg, 1))
	require.Equal(t, 4*time.Second, calculateBackoff(cfg, 3))
	require.Equal(t, 5*time.Second, calculateBackoff(cfg, 8))
}
