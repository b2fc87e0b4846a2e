// Package reporting is the read side of the pipeline: daily rows with explicit
// gaps, sustainability readings and per-beneficiary counters.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/impactmarket/ledgerx/pkg/utils"
	"go.uber.org/zap"
)

// ErrBadRange is returned for an inverted or oversized date range.
var ErrBadRange = errors.New("invalid date range")

// Store is the read surface of db.Store used here.
type Store interface {
	GetCommunityState(ctx context.Context, community string) (*ledger.CommunityState, error)
	GetBeneficiaryState(ctx context.Context, community, beneficiary string) (*ledger.BeneficiaryState, error)
	ListDailyStates(ctx context.Context, community string, from, to time.Time) ([]ledger.CommunityDailyState, error)
}

// SSIReader serves cached or fresh sustainability readings.
type SSIReader interface {
	Get(ctx context.Context, community string) (ledger.SustainabilityMetric, error)
}

// DailyStatesPage holds the rows found in [From, To] and the days without one.
// A gap means the day has not been materialized yet, not that it was empty.
type DailyStatesPage struct {
	Community string                       `json:"community"`
	From      time.Time                    `json:"from"`
	To        time.Time                    `json:"to"`
	Rows      []ledger.CommunityDailyState `json:"rows"`
	Gaps      []time.Time                  `json:"gaps"`
}

type Service struct {
	store  Store
	ssi    SSIReader
	logger *zap.Logger
	// MaxRangeDays caps GetCommunityDailyStates; zero means unbounded.
	MaxRangeDays int
	now          func() time.Time
}

func NewService(store Store, ssi SSIReader, logger *zap.Logger, maxRangeDays int) *Service {
	return &Service{store: store, ssi: ssi, logger: logger, MaxRangeDays: maxRangeDays, now: time.Now}
}

// GetCommunityDailyStates returns the rows between from and to inclusive.
// Days after today or before the community existed are never reported as gaps.
func (s *Service) GetCommunityDailyStates(ctx context.Context, community string, from, to time.Time) (DailyStatesPage, error) {
	community = utils.NormalizeAddress(community)
	from, to = ledger.Date(from), ledger.Date(to)
	page := DailyStatesPage{Community: community, From: from, To: to}

	if to.Before(from) {
		return page, fmt.Errorf("%w: %s is after %s", ErrBadRange, from.Format(time.DateOnly), to.Format(time.DateOnly))
	}
	if days := int(to.Sub(from).Hours()/24) + 1; s.MaxRangeDays > 0 && days > s.MaxRangeDays {
		return page, fmt.Errorf("%w: %d days exceeds %d", ErrBadRange, days, s.MaxRangeDays)
	}

	state, err := s.store.GetCommunityState(ctx, community)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return page, err
		}
		return page, errs.Persistence("get community", err)
	}

	rows, err := s.store.ListDailyStates(ctx, community, from, to)
	if err != nil {
		return page, errs.Persistence("list daily states", err)
	}
	page.Rows = rows
	if page.Rows == nil {
		page.Rows = []ledger.CommunityDailyState{}
	}
	lo, hi := expectedRange(state, from, to, s.now())
	page.Gaps = gaps(rows, lo, hi)
	return page, nil
}

// expectedRange clips [from, to] to the days a row can exist for.
func expectedRange(state *ledger.CommunityState, from, to, now time.Time) (time.Time, time.Time) {
	loc := time.UTC
	if l, err := time.LoadLocation(state.Timezone); err == nil && state.Timezone != "" {
		loc = l
	}
	if !state.CreatedAt.IsZero() {
		if created := ledger.Day(state.CreatedAt, loc); created.After(from) {
			from = created
		}
	}
	if today := ledger.Day(now, loc); today.Before(to) {
		to = today
	}
	return from, to
}

func gaps(rows []ledger.CommunityDailyState, from, to time.Time) []time.Time {
	have := make(map[string]bool, len(rows))
	for _, r := range rows {
		have[r.Date.Format(time.DateOnly)] = true
	}
	out := []time.Time{}
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if !have[d.Format(time.DateOnly)] {
			out = append(out, d)
		}
	}
	return out
}

// GetSustainabilityIndex returns the latest reading, computing one when the
// cache is stale. Unknown communities are errs.ErrNotFound.
func (s *Service) GetSustainabilityIndex(ctx context.Context, community string) (ledger.SustainabilityMetric, error) {
	community = utils.NormalizeAddress(community)
	if _, err := s.store.GetCommunityState(ctx, community); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return ledger.SustainabilityMetric{}, err
		}
		return ledger.SustainabilityMetric{}, errs.Persistence("get community", err)
	}
	return s.ssi.Get(ctx, community)
}

func (s *Service) GetBeneficiaryState(ctx context.Context, community, address string) (*ledger.BeneficiaryState, error) {
	b, err := s.store.GetBeneficiaryState(ctx, utils.NormalizeAddress(community), utils.NormalizeAddress(address))
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, errs.Persistence("get beneficiary", err)
	}
	return b, err
}
