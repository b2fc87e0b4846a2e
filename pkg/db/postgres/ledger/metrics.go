package ledger

import (
	"context"
	"fmt"

	ledgermodels "github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/db/postgres"
	"github.com/impactmarket/ledgerx/pkg/errs"
)

func (db *DB) GetMetric(ctx context.Context, community string) (*ledgermodels.SustainabilityMetric, error) {
	query := `
		SELECT community, ssi, suspect_level, sample_size, status, as_of, computed_at
		FROM sustainability_metrics WHERE community = $1
	`
	var m ledgermodels.SustainabilityMetric
	err := db.QueryRow(ctx, query, community).Scan(&m.Community, &m.SSI, &m.SuspectLevel, &m.SampleSize, &m.Status, &m.AsOf, &m.ComputedAt)
	if postgres.IsNoRows(err) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get metric %s: %w", community, err)
	}
	m.AsOf = m.AsOf.UTC()
	m.ComputedAt = m.ComputedAt.UTC()
	return &m, nil
}

// PutMetric keeps whichever reading was computed last.
func (db *DB) PutMetric(ctx context.Context, m *ledgermodels.SustainabilityMetric) error {
	query := `
		INSERT INTO sustainability_metrics (community, ssi, suspect_level, sample_size, status, as_of, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (community) DO UPDATE SET
			ssi = EXCLUDED.ssi,
			suspect_level = EXCLUDED.suspect_level,
			sample_size = EXCLUDED.sample_size,
			status = EXCLUDED.status,
			as_of = EXCLUDED.as_of,
			computed_at = EXCLUDED.computed_at
		WHERE sustainability_metrics.computed_at <= EXCLUDED.computed_at
	`
	err := db.Exec(ctx, query, m.Community, m.SSI, m.SuspectLevel, m.SampleSize, m.Status, m.AsOf.UTC(), m.ComputedAt.UTC())
	if err != nil {
		return fmt.Errorf("put metric %s: %w", m.Community, err)
	}
	return nil
}
