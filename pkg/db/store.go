package db

import (
	"context"
	"time"

	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
)

// TxRunner runs fn inside a single storage transaction. The transaction travels in
// the context handed to fn; store methods called with that context join it.
// A non-nil error from fn rolls everything back.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CheckpointStore persists ingestion progress per chain source.
type CheckpointStore interface {
	// GetCheckpoint returns errs.ErrNotFound when the source was never checkpointed.
	GetCheckpoint(ctx context.Context, source string) (*ledger.Checkpoint, error)
	// AdvanceCheckpoint stores block only when it is strictly greater than the
	// stored value and reports whether it did.
	AdvanceCheckpoint(ctx context.Context, source string, block uint64) (bool, error)
}

// LedgerStore is the append-only raw event ledger.
type LedgerStore interface {
	// InsertLedgerEntry inserts when the id is absent and reports whether a row was written.
	InsertLedgerEntry(ctx context.Context, e *ledger.LedgerEntry) (bool, error)
	GetLedgerEntry(ctx context.Context, id string) (*ledger.LedgerEntry, error)
	// MarkFolded flips the folded marker and reports whether this call flipped it.
	MarkFolded(ctx context.Context, id string) (bool, error)
	ListUnfolded(ctx context.Context, limit int) ([]ledger.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, fromBlock, toBlock uint64, limit int) ([]ledger.LedgerEntry, error)
	// PurgeLedger deletes rows but remembers their ids; InsertLedgerEntry treats those as present.
	PurgeLedger(ctx context.Context, fromBlock, toBlock uint64) (int64, error)
}

// StateStore holds the running counters owned by the state folder.
type StateStore interface {
	GetBeneficiaryState(ctx context.Context, community, beneficiary string) (*ledger.BeneficiaryState, error)
	PutBeneficiaryState(ctx context.Context, s *ledger.BeneficiaryState) error
	// FindActiveMembership returns the active membership of an address, if any.
	FindActiveMembership(ctx context.Context, beneficiary string) (*ledger.BeneficiaryState, error)
	GetCommunityState(ctx context.Context, community string) (*ledger.CommunityState, error)
	PutCommunityState(ctx context.Context, s *ledger.CommunityState) error
	ListCommunities(ctx context.Context, activeOnly bool) ([]ledger.CommunityState, error)
	// AddBacker records a donor and reports whether it is new for the community.
	AddBacker(ctx context.Context, community, backer string, at time.Time) (bool, error)
	InsertActivity(ctx context.Context, a *ledger.Activity) error
	// ListActivities returns matching rows ordered by OccurredAt ascending.
	ListActivities(ctx context.Context, f ledger.ActivityFilter) ([]ledger.Activity, error)
	AppendPolicyChange(ctx context.Context, p *ledger.PolicyChange) error
	// PolicyAt returns the policy in force at t, or errs.ErrNotFound.
	PolicyAt(ctx context.Context, community string, at time.Time) (*ledger.PolicyChange, error)
}

// RollupStore holds materialized daily rows.
type RollupStore interface {
	// LockCommunity serializes materializations of one community for the rest of
	// the current transaction.
	LockCommunity(ctx context.Context, community string) error
	GetDailyState(ctx context.Context, community string, day time.Time) (*ledger.CommunityDailyState, error)
	// PutDailyState upserts a row. Overwriting a closed row is an errs.ErrInvariantViolation.
	PutDailyState(ctx context.Context, s *ledger.CommunityDailyState) error
	ListDailyStates(ctx context.Context, community string, from, to time.Time) ([]ledger.CommunityDailyState, error)
	LastDailyState(ctx context.Context, community string) (*ledger.CommunityDailyState, error)
}

// MetricStore caches sustainability readings.
type MetricStore interface {
	GetMetric(ctx context.Context, community string) (*ledger.SustainabilityMetric, error)
	PutMetric(ctx context.Context, m *ledger.SustainabilityMetric) error
}

// Store is the full persistence surface of the pipeline.
type Store interface {
	TxRunner
	CheckpointStore
	LedgerStore
	StateStore
	RollupStore
	MetricStore
	Ping(ctx context.Context) error
	Close() error
}
