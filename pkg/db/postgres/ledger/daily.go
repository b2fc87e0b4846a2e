package ledger

import (
	"context"
	"fmt"
	"time"

	ledgermodels "github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/db/postgres"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/jackc/pgx/v5"
)

const dailyColumns = `community, date, claimed_amount, claims_count, raised_amount, backers_count,
	volume, transactions_count, beneficiaries_count, managers_count, funding_rate, closed, updated_at`

func (db *DB) GetDailyState(ctx context.Context, community string, day time.Time) (*ledgermodels.CommunityDailyState, error) {
	query := `SELECT ` + dailyColumns + ` FROM community_daily_states WHERE community = $1 AND date = $2`
	d, err := scanDaily(db.QueryRow(ctx, query, community, dateOnly(day)))
	if postgres.IsNoRows(err) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get daily state %s %s: %w", community, day.Format(time.DateOnly), err)
	}
	return d, nil
}

// PutDailyState upserts an open row. The closed guard lives in the WHERE of the
// conflict branch, so a concurrent close cannot be overwritten either.
func (db *DB) PutDailyState(ctx context.Context, d *ledgermodels.CommunityDailyState) error {
	query := `
		INSERT INTO community_daily_states (
			community, date, claimed_amount, claims_count, raised_amount, backers_count,
			volume, transactions_count, beneficiaries_count, managers_count, funding_rate, closed, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (community, date) DO UPDATE SET
			claimed_amount = EXCLUDED.claimed_amount,
			claims_count = EXCLUDED.claims_count,
			raised_amount = EXCLUDED.raised_amount,
			backers_count = EXCLUDED.backers_count,
			volume = EXCLUDED.volume,
			transactions_count = EXCLUDED.transactions_count,
			beneficiaries_count = EXCLUDED.beneficiaries_count,
			managers_count = EXCLUDED.managers_count,
			funding_rate = EXCLUDED.funding_rate,
			closed = EXCLUDED.closed,
			updated_at = NOW()
		WHERE NOT community_daily_states.closed
	`
	tag, err := db.GetExecutor(ctx).Exec(ctx, query,
		d.Community, dateOnly(d.Date), d.ClaimedAmount, d.ClaimsCount, d.RaisedAmount, d.BackersCount,
		d.Volume, d.TransactionsCount, d.BeneficiariesCount, d.ManagersCount, d.FundingRate, d.Closed,
	)
	if err != nil {
		return fmt.Errorf("put daily state %s %s: %w", d.Community, d.Date.Format(time.DateOnly), err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Invariant("put daily state", "day %s of %s is closed", d.Date.Format(time.DateOnly), d.Community)
	}
	return nil
}

// ListDailyStates returns rows with from <= date <= to, oldest first.
func (db *DB) ListDailyStates(ctx context.Context, community string, from, to time.Time) ([]ledgermodels.CommunityDailyState, error) {
	query := `SELECT ` + dailyColumns + ` FROM community_daily_states
		WHERE community = $1 AND date BETWEEN $2 AND $3
		ORDER BY date`
	rows, err := db.Query(ctx, query, community, dateOnly(from), dateOnly(to))
	if err != nil {
		return nil, fmt.Errorf("list daily states of %s: %w", community, err)
	}
	defer rows.Close()

	var out []ledgermodels.CommunityDailyState
	for rows.Next() {
		d, err := scanDaily(rows)
		if err != nil {
			return nil, fmt.Errorf("scan daily state: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (db *DB) LastDailyState(ctx context.Context, community string) (*ledgermodels.CommunityDailyState, error) {
	query := `SELECT ` + dailyColumns + ` FROM community_daily_states
		WHERE community = $1 ORDER BY date DESC LIMIT 1`
	d, err := scanDaily(db.QueryRow(ctx, query, community))
	if postgres.IsNoRows(err) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last daily state of %s: %w", community, err)
	}
	return d, nil
}

func scanDaily(row pgx.Row) (*ledgermodels.CommunityDailyState, error) {
	var d ledgermodels.CommunityDailyState
	err := row.Scan(&d.Community, &d.Date, &d.ClaimedAmount, &d.ClaimsCount, &d.RaisedAmount, &d.BackersCount,
		&d.Volume, &d.TransactionsCount, &d.BeneficiariesCount, &d.ManagersCount, &d.FundingRate, &d.Closed, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Date = dateOnly(d.Date)
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func dateOnly(t time.Time) time.Time {
	return ledgermodels.Date(t)
}
