package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"go.uber.org/zap"
)

const dailyStatesTable = "community_daily_states"

// DailySink mirrors closed daily rows into ClickHouse for reporting queries.
// Rows are keyed by (community, date) in a ReplacingMergeTree, so re-exporting
// a day is harmless.
type DailySink struct {
	Client
}

// NewDailySink connects and makes sure the table exists.
func NewDailySink(ctx context.Context, logger *zap.Logger, dsn, dbName string, pool PoolConfig) (*DailySink, error) {
	client, err := New(ctx, logger.With(zap.String("component", "daily_sink")), dsn, dbName, pool)
	if err != nil {
		return nil, err
	}
	sink := &DailySink{Client: client}
	if err := sink.InitializeTable(ctx); err != nil {
		_ = sink.Close()
		return nil, err
	}
	return sink, nil
}

func (s *DailySink) InitializeTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			community String,
			date Date,
			claimed_amount Decimal(38, 18),
			claims_count Int64,
			raised_amount Decimal(38, 18),
			backers_count Int64,
			volume Decimal(38, 18),
			transactions_count Int64,
			beneficiaries_count Int64,
			managers_count Int64,
			funding_rate Decimal(38, 4),
			updated_at DateTime64(6)
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY (community, date)
	`, s.Database, dailyStatesTable)
	return s.Exec(ctx, query)
}

// WriteDailyStates appends rows in one batch. Open rows are skipped.
func (s *DailySink) WriteDailyStates(ctx context.Context, rows []ledger.CommunityDailyState) error {
	closed := rows[:0:0]
	for _, r := range rows {
		if r.Closed {
			closed = append(closed, r)
		}
	}
	if len(closed) == 0 {
		return nil
	}

	batch, err := s.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.%s", s.Database, dailyStatesTable))
	if err != nil {
		return fmt.Errorf("prepare daily batch: %w", err)
	}
	defer func() { _ = batch.Abort() }()

	for _, r := range closed {
		updatedAt := r.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		err := batch.Append(
			r.Community, r.Date, r.ClaimedAmount, r.ClaimsCount, r.RaisedAmount, r.BackersCount,
			r.Volume, r.TransactionsCount, r.BeneficiariesCount, r.ManagersCount, r.FundingRate, updatedAt,
		)
		if err != nil {
			return fmt.Errorf("append daily row %s %s: %w", r.Community, r.Date.Format(time.DateOnly), err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send daily batch: %w", err)
	}

	s.Logger.Debug("Exported closed daily rows", zap.Int("rows", len(closed)))
	return nil
}
