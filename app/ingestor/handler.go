package ingestor

import (
	"context"
	"fmt"

	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	ingest "github.com/impactmarket/ledgerx/pkg/ledger"
	"github.com/impactmarket/ledgerx/pkg/redis"
	"github.com/impactmarket/ledgerx/pkg/retry"
	"go.uber.org/zap"
)

// Recorder is the write side of the event ledger.
type Recorder interface {
	RecordEvents(ctx context.Context, batch []ledger.RawEvent, upToBlock uint64) (ingest.IngestResult, error)
}

// BatchHandler turns stream messages into RecordEvents calls. Transient storage
// failures are retried in place; anything else leaves the message pending so
// the consumer redelivers it before any later batch.
type BatchHandler struct {
	Ledger Recorder
	Logger *zap.Logger
	Retry  retry.Config
}

func (h *BatchHandler) Handle(ctx context.Context, msg redis.Message) error {
	upTo, err := msg.UpToBlock()
	if err != nil {
		h.Logger.Error("Undecodable batch blocks the stream", zap.String("id", msg.ID), zap.Bool("alert", true), zap.Error(err))
		return err
	}
	events, err := msg.Events()
	if err != nil {
		h.Logger.Error("Undecodable batch blocks the stream", zap.String("id", msg.ID), zap.Bool("alert", true), zap.Error(err))
		return err
	}

	var res ingest.IngestResult
	err = retry.WithBackoff(ctx, h.Retry, h.Logger, "record_events", func() error {
		var recordErr error
		res, recordErr = h.Ledger.RecordEvents(ctx, events, upTo)
		return recordErr
	})
	if err != nil {
		return fmt.Errorf("record batch %s up to block %d: %w", msg.ID, upTo, err)
	}

	h.Logger.Info("Batch ingested",
		zap.String("id", msg.ID),
		zap.Uint64("up_to_block", upTo),
		zap.Int("received", res.Received),
		zap.Int("inserted", res.Inserted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("unknown", res.Unknown),
		zap.Uint64("checkpoint", res.Checkpoint))
	return nil
}
