package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	ledgermodels "github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/db/postgres"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/jackc/pgx/v5"
)

const beneficiaryColumns = `community, beneficiary, claims_count, cumulative_claimed, last_claim_at,
	penultimate_claim_at, active, added_at, removed_at`

func (db *DB) GetBeneficiaryState(ctx context.Context, community, beneficiary string) (*ledgermodels.BeneficiaryState, error) {
	query := `SELECT ` + beneficiaryColumns + ` FROM beneficiary_states WHERE community = $1 AND beneficiary = $2`
	b, err := scanBeneficiary(db.QueryRow(ctx, query, community, beneficiary))
	if postgres.IsNoRows(err) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get beneficiary %s/%s: %w", community, beneficiary, err)
	}
	return b, nil
}

func (db *DB) PutBeneficiaryState(ctx context.Context, b *ledgermodels.BeneficiaryState) error {
	query := `
		INSERT INTO beneficiary_states (` + beneficiaryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (community, beneficiary) DO UPDATE SET
			claims_count = EXCLUDED.claims_count,
			cumulative_claimed = EXCLUDED.cumulative_claimed,
			last_claim_at = EXCLUDED.last_claim_at,
			penultimate_claim_at = EXCLUDED.penultimate_claim_at,
			active = EXCLUDED.active,
			added_at = EXCLUDED.added_at,
			removed_at = EXCLUDED.removed_at
	`
	err := db.Exec(ctx, query,
		b.Community, b.Beneficiary, b.ClaimsCount, b.CumulativeClaimed, b.LastClaimAt,
		b.PenultimateClaimAt, b.Active, b.AddedAt, b.RemovedAt,
	)
	if err != nil {
		return fmt.Errorf("put beneficiary %s: %w", b.Key(), err)
	}
	return nil
}

func (db *DB) FindActiveMembership(ctx context.Context, beneficiary string) (*ledgermodels.BeneficiaryState, error) {
	query := `SELECT ` + beneficiaryColumns + ` FROM beneficiary_states
		WHERE beneficiary = $1 AND active
		ORDER BY added_at DESC NULLS LAST
		LIMIT 1`
	b, err := scanBeneficiary(db.QueryRow(ctx, query, beneficiary))
	if postgres.IsNoRows(err) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find membership of %s: %w", beneficiary, err)
	}
	return b, nil
}

func scanBeneficiary(row pgx.Row) (*ledgermodels.BeneficiaryState, error) {
	var b ledgermodels.BeneficiaryState
	err := row.Scan(&b.Community, &b.Beneficiary, &b.ClaimsCount, &b.CumulativeClaimed, &b.LastClaimAt,
		&b.PenultimateClaimAt, &b.Active, &b.AddedAt, &b.RemovedAt)
	if err != nil {
		return nil, err
	}
	b.LastClaimAt = utcPtr(b.LastClaimAt)
	b.PenultimateClaimAt = utcPtr(b.PenultimateClaimAt)
	b.AddedAt = utcPtr(b.AddedAt)
	b.RemovedAt = utcPtr(b.RemovedAt)
	return &b, nil
}

// --- communities

const communityColumns = `community, active, timezone, base_interval, increment_interval, claimed_amount,
	claims_count, raised_amount, backers_count, volume, transactions_count, beneficiaries_count,
	managers_count, created_at, updated_at`

func (db *DB) GetCommunityState(ctx context.Context, community string) (*ledgermodels.CommunityState, error) {
	query := `SELECT ` + communityColumns + ` FROM community_states WHERE community = $1`
	c, err := scanCommunity(db.QueryRow(ctx, query, community))
	if postgres.IsNoRows(err) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get community %s: %w", community, err)
	}
	return c, nil
}

func (db *DB) PutCommunityState(ctx context.Context, c *ledgermodels.CommunityState) error {
	query := `
		INSERT INTO community_states (` + communityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (community) DO UPDATE SET
			active = EXCLUDED.active,
			timezone = EXCLUDED.timezone,
			base_interval = EXCLUDED.base_interval,
			increment_interval = EXCLUDED.increment_interval,
			claimed_amount = EXCLUDED.claimed_amount,
			claims_count = EXCLUDED.claims_count,
			raised_amount = EXCLUDED.raised_amount,
			backers_count = EXCLUDED.backers_count,
			volume = EXCLUDED.volume,
			transactions_count = EXCLUDED.transactions_count,
			beneficiaries_count = EXCLUDED.beneficiaries_count,
			managers_count = EXCLUDED.managers_count,
			updated_at = EXCLUDED.updated_at
	`
	err := db.Exec(ctx, query,
		c.Community, c.Active, c.Timezone, c.BaseInterval, c.IncrementInterval, c.ClaimedAmount,
		c.ClaimsCount, c.RaisedAmount, c.BackersCount, c.Volume, c.TransactionsCount, c.BeneficiariesCount,
		c.ManagersCount, c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put community %s: %w", c.Community, err)
	}
	return nil
}

func (db *DB) ListCommunities(ctx context.Context, activeOnly bool) ([]ledgermodels.CommunityState, error) {
	query := `SELECT ` + communityColumns + ` FROM community_states WHERE active OR NOT $1 ORDER BY community`
	rows, err := db.Query(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}
	defer rows.Close()

	var out []ledgermodels.CommunityState
	for rows.Next() {
		c, err := scanCommunity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan community: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCommunity(row pgx.Row) (*ledgermodels.CommunityState, error) {
	var c ledgermodels.CommunityState
	err := row.Scan(&c.Community, &c.Active, &c.Timezone, &c.BaseInterval, &c.IncrementInterval, &c.ClaimedAmount,
		&c.ClaimsCount, &c.RaisedAmount, &c.BackersCount, &c.Volume, &c.TransactionsCount, &c.BeneficiariesCount,
		&c.ManagersCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (db *DB) AddBacker(ctx context.Context, community, backer string, at time.Time) (bool, error) {
	query := `
		INSERT INTO community_backers (community, backer, first_seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (community, backer) DO NOTHING
	`
	tag, err := db.GetExecutor(ctx).Exec(ctx, query, community, backer, at.UTC())
	if err != nil {
		return false, fmt.Errorf("add backer %s to %s: %w", backer, community, err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- activities

func (db *DB) InsertActivity(ctx context.Context, a *ledgermodels.Activity) error {
	query := `
		INSERT INTO activities (
			entry_id, community, kind, actor, counterparty, amount, occurred_at,
			interval_seconds, expected_interval_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (entry_id, community) DO NOTHING
	`
	err := db.Exec(ctx, query,
		a.EntryID, a.Community, string(a.Kind), a.Actor, a.Counterparty, a.Amount, a.OccurredAt.UTC(),
		a.IntervalSeconds, a.ExpectedIntervalSeconds,
	)
	if err != nil {
		return fmt.Errorf("insert activity %s/%s: %w", a.EntryID, a.Community, err)
	}
	return nil
}

// ListActivities filters on [From, To). With a Limit it keeps the newest rows
// and still returns them oldest first.
func (db *DB) ListActivities(ctx context.Context, f ledgermodels.ActivityFilter) ([]ledgermodels.Activity, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Community != "" {
		where = append(where, "community = "+arg(f.Community))
	}
	if !f.From.IsZero() {
		where = append(where, "occurred_at >= "+arg(f.From.UTC()))
	}
	if !f.To.IsZero() {
		where = append(where, "occurred_at < "+arg(f.To.UTC()))
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		where = append(where, "kind = ANY("+arg(kinds)+")")
	}

	query := `SELECT entry_id, community, kind, actor, counterparty, amount, occurred_at,
		interval_seconds, expected_interval_seconds FROM activities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		query = `SELECT * FROM (` + query + ` ORDER BY occurred_at DESC, entry_id DESC LIMIT ` + arg(f.Limit) + `) newest`
	}
	query += ` ORDER BY occurred_at, entry_id`

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []ledgermodels.Activity
	for rows.Next() {
		var (
			a    ledgermodels.Activity
			kind string
		)
		if err := rows.Scan(&a.EntryID, &a.Community, &kind, &a.Actor, &a.Counterparty, &a.Amount, &a.OccurredAt,
			&a.IntervalSeconds, &a.ExpectedIntervalSeconds); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Kind = ledgermodels.ActivityKind(kind)
		a.OccurredAt = a.OccurredAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- claim policy history

func (db *DB) AppendPolicyChange(ctx context.Context, p *ledgermodels.PolicyChange) error {
	query := `
		INSERT INTO policy_changes (community, entry_id, effective_at, base_interval, increment_interval)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (community, entry_id) DO NOTHING
	`
	if err := db.Exec(ctx, query, p.Community, p.EntryID, p.EffectiveAt.UTC(), p.BaseInterval, p.IncrementInterval); err != nil {
		return fmt.Errorf("append policy change for %s: %w", p.Community, err)
	}
	return nil
}

func (db *DB) PolicyAt(ctx context.Context, community string, at time.Time) (*ledgermodels.PolicyChange, error) {
	query := `
		SELECT community, entry_id, effective_at, base_interval, increment_interval
		FROM policy_changes
		WHERE community = $1 AND effective_at <= $2
		ORDER BY effective_at DESC
		LIMIT 1
	`
	var p ledgermodels.PolicyChange
	err := db.QueryRow(ctx, query, community, at.UTC()).Scan(&p.Community, &p.EntryID, &p.EffectiveAt, &p.BaseInterval, &p.IncrementInterval)
	if postgres.IsNoRows(err) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("policy of %s at %s: %w", community, at, err)
	}
	p.EffectiveAt = p.EffectiveAt.UTC()
	return &p, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
