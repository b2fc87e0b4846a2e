// Package ledger is the append-only event log and the ingestion checkpoint.
//
// Every accepted event is inserted exactly once, keyed by its fingerprint, and
// folded into the running counters in the same transaction. The checkpoint only
// moves forward and only after the whole batch has been persisted, so a crash
// anywhere mid-batch leads to a replay that the fingerprint dedupes.
package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/impactmarket/ledgerx/pkg/db"
	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/impactmarket/ledgerx/pkg/metrics"
	"go.uber.org/zap"
)

// Store is the subset of db.Store the ledger writes to.
type Store interface {
	db.TxRunner
	db.LedgerStore
	db.CheckpointStore
}

// Folder applies a freshly inserted entry to the running counters.
type Folder interface {
	Fold(ctx context.Context, e ledger.LedgerEntry) error
}

type Config struct {
	// Source names the checkpoint row, one per upstream chain watcher.
	Source string
	// GenesisBlock is reported as the checkpoint before the first batch lands.
	GenesisBlock uint64
}

// IngestResult summarizes one RecordEvents call.
type IngestResult struct {
	Received   int    `json:"received"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	Folded     int    `json:"folded"`
	Unknown    int    `json:"unknown"`
	Checkpoint uint64 `json:"checkpoint"`
	Advanced   bool   `json:"advanced"`
}

type Ledger struct {
	store  Store
	folder Folder
	logger *zap.Logger
	cfg    Config
}

func New(store Store, folder Folder, logger *zap.Logger, cfg Config) *Ledger {
	if cfg.Source == "" {
		cfg.Source = "default"
	}
	return &Ledger{store: store, folder: folder, logger: logger.With(zap.String("source", cfg.Source)), cfg: cfg}
}

// RecordEvents persists a batch observed up to upToBlock and then advances the
// checkpoint. Replaying a batch, or any overlapping batch, leaves the ledger and
// the counters unchanged.
func (l *Ledger) RecordEvents(ctx context.Context, batch []ledger.RawEvent, upToBlock uint64) (IngestResult, error) {
	start := time.Now()
	defer func() { metrics.BatchDuration.Observe(time.Since(start).Seconds()) }()

	res := IngestResult{Received: len(batch)}
	metrics.EventsReceived.Add(float64(len(batch)))

	if err := validateBatch(batch, upToBlock); err != nil {
		l.alert("record events", err, zap.Uint64("up_to_block", upToBlock), zap.Int("batch_size", len(batch)))
		return res, err
	}

	for i := range batch {
		if err := ctx.Err(); err != nil {
			l.logger.Info("Batch interrupted",
				zap.Int("processed", i),
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
			return res, err
		}
		if err := l.recordOne(ctx, ledger.NewEntry(batch[i]), &res); err != nil {
			return res, err
		}
	}

	advanced, err := l.store.AdvanceCheckpoint(ctx, l.cfg.Source, upToBlock)
	if err != nil {
		return res, errs.Persistence("advance checkpoint", err)
	}
	res.Advanced = advanced
	res.Checkpoint = upToBlock
	if !advanced {
		// Replay of an older batch: report the stored value.
		if current, err := l.CurrentCheckpoint(ctx); err == nil {
			res.Checkpoint = current
		}
	}
	metrics.CheckpointBlock.WithLabelValues(l.cfg.Source).Set(float64(res.Checkpoint))

	l.logger.Debug("Batch recorded",
		zap.Int("received", res.Received),
		zap.Int("inserted", res.Inserted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("unknown", res.Unknown),
		zap.Uint64("checkpoint", res.Checkpoint),
		zap.Bool("advanced", res.Advanced),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

func (l *Ledger) recordOne(ctx context.Context, entry ledger.LedgerEntry, res *IngestResult) error {
	var inserted, unknown bool
	err := l.store.InTx(ctx, func(ctx context.Context) error {
		inserted, unknown = false, false
		ok, err := l.store.InsertLedgerEntry(ctx, &entry)
		if err != nil {
			return errs.Persistence("insert ledger entry", err)
		}
		if !ok {
			return nil
		}
		inserted = true
		unknown, err = l.fold(ctx, entry)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errs.ErrInvariantViolation) {
			l.alert("fold", err, zap.String("entry_id", entry.ID))
		}
		return errs.Persistence("record event", err)
	}

	if !inserted {
		res.Duplicates++
		metrics.EventsDuplicate.Inc()
		return nil
	}
	res.Inserted++
	metrics.EventsInserted.WithLabelValues(entry.EventName).Inc()
	if unknown {
		res.Unknown++
	} else {
		res.Folded++
	}
	return nil
}

// fold runs the folder and swallows unknown or malformed events; the entry stays
// in the ledger, marked folded, for later inspection.
func (l *Ledger) fold(ctx context.Context, entry ledger.LedgerEntry) (bool, error) {
	err := l.folder.Fold(ctx, entry)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, errs.ErrUnknownEventKind) {
		l.logger.Warn("Event not folded",
			zap.String("entry_id", entry.ID),
			zap.String("event_name", entry.EventName),
			zap.String("contract", entry.ContractAddress),
			zap.Uint64("block", entry.BlockNumber),
			zap.Error(err))
		return true, nil
	}
	return false, err
}

// CurrentCheckpoint returns the last fully persisted block, or the genesis
// block when nothing has been recorded yet.
func (l *Ledger) CurrentCheckpoint(ctx context.Context) (uint64, error) {
	cp, err := l.store.GetCheckpoint(ctx, l.cfg.Source)
	if errors.Is(err, errs.ErrNotFound) {
		return l.cfg.GenesisBlock, nil
	}
	if err != nil {
		return 0, errs.Persistence("get checkpoint", err)
	}
	block, err := strconv.ParseUint(cp.Value, 10, 64)
	if err != nil {
		return 0, errs.Invariant("get checkpoint", "corrupt checkpoint value %q", cp.Value)
	}
	return block, nil
}

// Purge deletes ledger rows in [fromBlock, toBlock]. Derived counters are left
// alone and the checkpoint does not move. The store keeps the purged
// fingerprints, so a re-scan of the range is still treated as duplicates.
func (l *Ledger) Purge(ctx context.Context, fromBlock, toBlock uint64) (int64, error) {
	if fromBlock > toBlock {
		return 0, errs.Invariant("purge ledger", "from block %d after to block %d", fromBlock, toBlock)
	}
	n, err := l.store.PurgeLedger(ctx, fromBlock, toBlock)
	if err != nil {
		return 0, errs.Persistence("purge ledger", err)
	}
	l.logger.Warn("Ledger range purged",
		zap.Uint64("from_block", fromBlock),
		zap.Uint64("to_block", toBlock),
		zap.Int64("deleted", n))
	return n, nil
}

// FoldPending folds persisted entries that were never marked folded, oldest
// first. Each entry gets its own transaction; the conditional marker makes a
// concurrent or repeated run harmless.
func (l *Ledger) FoldPending(ctx context.Context, limit int) (int, error) {
	pending, err := l.store.ListUnfolded(ctx, limit)
	if err != nil {
		return 0, errs.Persistence("list unfolded", err)
	}
	folded := 0
	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			return folded, err
		}
		err := l.store.InTx(ctx, func(ctx context.Context) error {
			_, err := l.fold(ctx, entry)
			return err
		})
		if err != nil {
			return folded, errs.Persistence("fold pending", err)
		}
		folded++
	}
	if folded > 0 {
		l.logger.Info("Pending entries folded", zap.Int("count", folded))
	}
	return folded, nil
}

func (l *Ledger) alert(op string, err error, fields ...zap.Field) {
	metrics.InvariantViolations.WithLabelValues(op).Inc()
	l.logger.Error("Invariant violation",
		append(fields, zap.String("operation", op), zap.Bool("alert", true), zap.Error(err))...)
}

// validateBatch checks ordering before anything is written.
func validateBatch(batch []ledger.RawEvent, upToBlock uint64) error {
	var prev uint64
	for i, ev := range batch {
		if ev.BlockNumber > upToBlock {
			return errs.Invariant("record events", "event %d at block %d beyond up-to block %d", i, ev.BlockNumber, upToBlock)
		}
		if i > 0 && ev.BlockNumber < prev {
			return errs.Invariant("record events", "event %d at block %d precedes block %d", i, ev.BlockNumber, prev)
		}
		if ev.TxHash == "" || ev.EventName == "" {
			return errs.Invariant("record events", "event %d missing tx hash or event name", i)
		}
		prev = ev.BlockNumber
	}
	return nil
}
