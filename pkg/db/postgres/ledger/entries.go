package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	ledgermodels "github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/db/postgres"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/jackc/pgx/v5"
)

const entryColumns = `id, tx_hash, block_number, log_index, observed_at, from_address,
	contract_address, event_name, payload, folded, inserted_at`

// InsertLedgerEntry writes the entry unless its fingerprint is already stored
// or was purged.
func (db *DB) InsertLedgerEntry(ctx context.Context, e *ledgermodels.LedgerEntry) (bool, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload of %s: %w", e.ID, err)
	}

	query := `
		INSERT INTO ledger_entries (
			id, tx_hash, block_number, log_index, observed_at, from_address,
			contract_address, event_name, payload, folded
		)
		SELECT $1::TEXT, $2::TEXT, $3::BIGINT, $4::INTEGER, $5::TIMESTAMPTZ, $6::TEXT,
			$7::TEXT, $8::TEXT, $9::JSONB, $10::BOOLEAN
		WHERE NOT EXISTS (SELECT 1 FROM purged_entries WHERE id = $1::TEXT)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := db.GetExecutor(ctx).Exec(ctx, query,
		e.ID, e.TxHash, e.BlockNumber, e.LogIndex, e.ObservedAt.UTC(), e.FromAddress,
		e.ContractAddress, e.EventName, payload, e.Folded,
	)
	if err != nil {
		return false, fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (db *DB) GetLedgerEntry(ctx context.Context, id string) (*ledgermodels.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE id = $1`
	e, err := scanEntry(db.QueryRow(ctx, query, id))
	if postgres.IsNoRows(err) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %s: %w", id, err)
	}
	return e, nil
}

// MarkFolded flips the marker only when it is still unset, so concurrent
// folders cannot both claim an entry.
func (db *DB) MarkFolded(ctx context.Context, id string) (bool, error) {
	tag, err := db.GetExecutor(ctx).Exec(ctx, `UPDATE ledger_entries SET folded = TRUE WHERE id = $1 AND NOT folded`, id)
	if err != nil {
		return false, fmt.Errorf("mark folded %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check ledger entry %s: %w", id, err)
	}
	if !exists {
		return false, errs.ErrNotFound
	}
	return false, nil
}

func (db *DB) ListUnfolded(ctx context.Context, limit int) ([]ledgermodels.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE NOT folded
		ORDER BY block_number, log_index, id` + limitClause(limit)
	return db.queryEntries(ctx, query)
}

func (db *DB) ListLedgerEntries(ctx context.Context, fromBlock, toBlock uint64, limit int) ([]ledgermodels.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE block_number BETWEEN $1 AND $2
		ORDER BY block_number, log_index, id` + limitClause(limit)
	return db.queryEntries(ctx, query, fromBlock, toBlock)
}

// PurgeLedger deletes the rows and keeps their fingerprints, so a later
// redelivery of a purged event is still recognised as a duplicate.
func (db *DB) PurgeLedger(ctx context.Context, fromBlock, toBlock uint64) (int64, error) {
	query := `
		WITH gone AS (
			DELETE FROM ledger_entries WHERE block_number BETWEEN $1 AND $2
			RETURNING id, block_number
		), tombstones AS (
			INSERT INTO purged_entries (id, block_number)
			SELECT id, block_number FROM gone
			ON CONFLICT (id) DO NOTHING
		)
		SELECT COUNT(*) FROM gone
	`
	var n int64
	if err := db.GetExecutor(ctx).QueryRow(ctx, query, fromBlock, toBlock).Scan(&n); err != nil {
		return 0, fmt.Errorf("purge ledger %d-%d: %w", fromBlock, toBlock, err)
	}
	return n, nil
}

func (db *DB) queryEntries(ctx context.Context, query string, args ...any) ([]ledgermodels.LedgerEntry, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []ledgermodels.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (*ledgermodels.LedgerEntry, error) {
	var (
		e       ledgermodels.LedgerEntry
		payload []byte
	)
	err := row.Scan(&e.ID, &e.TxHash, &e.BlockNumber, &e.LogIndex, &e.ObservedAt, &e.FromAddress,
		&e.ContractAddress, &e.EventName, &payload, &e.Folded, &e.InsertedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", e.ID, err)
	}
	e.ObservedAt = e.ObservedAt.UTC()
	e.InsertedAt = e.InsertedAt.UTC()
	return &e, nil
}

// --- checkpoints

func (db *DB) GetCheckpoint(ctx context.Context, source string) (*ledgermodels.Checkpoint, error) {
	query := `SELECT source, key, value, updated_at FROM checkpoints WHERE source = $1 AND key = $2`
	var cp ledgermodels.Checkpoint
	err := db.QueryRow(ctx, query, source, ledgermodels.CheckpointKey).Scan(&cp.Source, &cp.Key, &cp.Value, &cp.UpdatedAt)
	if postgres.IsNoRows(err) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", source, err)
	}
	return &cp, nil
}

// AdvanceCheckpoint only moves the value forward; the comparison happens in the
// upsert so two writers cannot regress it.
func (db *DB) AdvanceCheckpoint(ctx context.Context, source string, block uint64) (bool, error) {
	query := `
		INSERT INTO checkpoints (source, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (source, key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()
		WHERE checkpoints.value::NUMERIC < EXCLUDED.value::NUMERIC
	`
	tag, err := db.GetExecutor(ctx).Exec(ctx, query, source, ledgermodels.CheckpointKey, strconv.FormatUint(block, 10))
	if err != nil {
		return false, fmt.Errorf("advance checkpoint %s to %d: %w", source, block, err)
	}
	return tag.RowsAffected() == 1, nil
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}
