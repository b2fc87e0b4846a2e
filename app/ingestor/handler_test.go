package ingestor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/impactmarket/ledgerx/pkg/db/memory"
	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/impactmarket/ledgerx/pkg/folder"
	ingest "github.com/impactmarket/ledgerx/pkg/ledger"
	"github.com/impactmarket/ledgerx/pkg/redis"
	"github.com/impactmarket/ledgerx/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fastRetry() retry.Config {
	return retry.Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
		Retryable:    errs.Retryable,
	}
}

func claimMessage(t *testing.T, id string, upTo uint64) redis.Message {
	t.Helper()
	events := []ledger.RawEvent{{
		TxHash:          "0xAA" + id,
		BlockNumber:     upTo,
		ContractAddress: "0xC1",
		FromAddress:     "0xB1",
		EventName:       "Claim",
		Args:            ledger.NewPayload("account", "0xB1", "amount", "2.5"),
		ObservedAt:      time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC),
	}}
	values, err := redis.BatchValues(upTo, events)
	require.NoError(t, err)
	return redis.Message{ID: id, Stream: "batches", Values: values}
}

func newHandler(t *testing.T) (*BatchHandler, *ingest.Ledger, *memory.Store) {
	store := memory.New()
	logger := zaptest.NewLogger(t)
	l := ingest.New(store, folder.New(store, logger, folder.DefaultConfig()), logger, ingest.Config{Source: "celo"})
	return &BatchHandler{Ledger: l, Logger: logger, Retry: fastRetry()}, l, store
}

func TestHandleRecordsBatch(t *testing.T) {
	h, l, store := newHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, claimMessage(t, "1-0", 100)))

	cp, err := l.CurrentCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cp)

	b, err := store.GetBeneficiaryState(ctx, "0xc1", "0xb1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.ClaimsCount)
}

func TestHandleRetriesTransientFailure(t *testing.T) {
	h, l, store := newHandler(t)
	ctx := context.Background()
	store.InjectFault("AdvanceCheckpoint", errors.New("connection reset"), 2)

	require.NoError(t, h.Handle(ctx, claimMessage(t, "1-0", 100)))

	cp, err := l.CurrentCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cp)

	b, err := store.GetBeneficiaryState(ctx, "0xc1", "0xb1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.ClaimsCount)
}

func TestHandleGivesUpAfterRetries(t *testing.T) {
	h, l, store := newHandler(t)
	ctx := context.Background()
	store.InjectFault("AdvanceCheckpoint", errors.New("connection reset"), 10)

	err := h.Handle(ctx, claimMessage(t, "1-0", 100))
	require.ErrorIs(t, err, errs.ErrPersistence)

	cp, err := l.CurrentCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cp)
}

func TestHandleRejectsUndecodableMessage(t *testing.T) {
	h, l, _ := newHandler(t)
	ctx := context.Background()

	err := h.Handle(ctx, redis.Message{ID: "1-0", Values: map[string]any{redis.FieldUpToBlock: "abc"}})
	require.Error(t, err)

	err = h.Handle(ctx, redis.Message{ID: "2-0", Values: map[string]any{
		redis.FieldUpToBlock: "10",
		redis.FieldEvents:    "{not json",
	}})
	require.Error(t, err)

	cp, err := l.CurrentCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cp)
}

type countingRecorder struct {
	calls int
	err   error
}

func (c *countingRecorder) RecordEvents(context.Context, []ledger.RawEvent, uint64) (ingest.IngestResult, error) {
	c.calls++
	return ingest.IngestResult{}, c.err
}

func TestHandleDoesNotRetryInvariantViolation(t *testing.T) {
	rec := &countingRecorder{err: errs.Invariant("record events", "batch goes backwards")}
	h := &BatchHandler{Ledger: rec, Logger: zaptest.NewLogger(t), Retry: fastRetry()}

	err := h.Handle(context.Background(), claimMessage(t, "1-0", 100))
	require.ErrorIs(t, err, errs.ErrInvariantViolation)
	assert.Equal(t, 1, rec.calls)
}
