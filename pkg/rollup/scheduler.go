// Package rollup materializes one CommunityDailyState row per community and
// calendar day. Days before today are computed once and frozen; today's row is
// recomputed on every tick until the day closes.
package rollup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/impactmarket/ledgerx/pkg/db"
	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/impactmarket/ledgerx/pkg/metrics"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is what the scheduler reads and writes.
type Store interface {
	db.TxRunner
	db.RollupStore
	GetCommunityState(ctx context.Context, community string) (*ledger.CommunityState, error)
	ListCommunities(ctx context.Context, activeOnly bool) ([]ledger.CommunityState, error)
	ListActivities(ctx context.Context, f ledger.ActivityFilter) ([]ledger.Activity, error)
}

// Sink receives rows as they close, e.g. for a reporting warehouse.
type Sink interface {
	WriteDailyStates(ctx context.Context, rows []ledger.CommunityDailyState) error
}

// SSIRefresher recomputes the sustainability index after a community's rollup.
type SSIRefresher interface {
	Refresh(ctx context.Context, community string, asOf time.Time) (ledger.SustainabilityMetric, error)
}

type Config struct {
	// RefreshSpec and CloseSpec are six-field cron expressions (with seconds).
	RefreshSpec string
	CloseSpec   string
	// TickTimeout bounds one scheduled tick.
	TickTimeout time.Duration
	Workers     int
	// FundingEpsilon keeps fundingRate finite on days without claims.
	FundingEpsilon decimal.Decimal
	FundingPlaces  int32
}

func DefaultConfig() Config {
	return Config{
		RefreshSpec:    "0 0 * * * *",
		CloseSpec:      "0 5 0 * * *",
		TickTimeout:    10 * time.Minute,
		Workers:        8,
		FundingEpsilon: decimal.RequireFromString("0.000001"),
		FundingPlaces:  4,
	}
}

type Scheduler struct {
	store  Store
	sink   Sink
	ssi    SSIRefresher
	logger *zap.Logger
	cfg    Config
	now    func() time.Time

	locks *xsync.Map[string, *sync.Mutex]
	cron  *cron.Cron
}

// Option wires optional collaborators.
type Option func(*Scheduler)

func WithSink(s Sink) Option { return func(sc *Scheduler) { sc.sink = s } }

func WithSSI(r SSIRefresher) Option { return func(sc *Scheduler) { sc.ssi = r } }

func New(store Store, logger *zap.Logger, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = def.TickTimeout
	}
	if cfg.RefreshSpec == "" {
		cfg.RefreshSpec = def.RefreshSpec
	}
	if cfg.CloseSpec == "" {
		cfg.CloseSpec = def.CloseSpec
	}
	s := &Scheduler{
		store:  store,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		locks:  xsync.NewMap[string, *sync.Mutex](),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MaterializeDay writes the row for community on day. A day before today is
// closed: an existing closed row is returned untouched, otherwise the row is
// computed from that day's activities and frozen. Today's row is recomputed.
// The whole day is one transaction.
func (s *Scheduler) MaterializeDay(ctx context.Context, community string, day time.Time) (ledger.CommunityDailyState, error) {
	unlock := s.lock(community)
	defer unlock()
	return s.materialize(ctx, community, day, s.now())
}

func (s *Scheduler) materialize(ctx context.Context, community string, day, now time.Time) (ledger.CommunityDailyState, error) {
	var (
		row    ledger.CommunityDailyState
		state  = "skipped"
		closed bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.LockCommunity(ctx, community); err != nil {
			return errs.Persistence("lock community", err)
		}
		c, err := s.store.GetCommunityState(ctx, community)
		if err != nil {
			return errs.Persistence("get community state", err)
		}
		loc := location(c.Timezone)
		day = ledger.Date(day)
		today := ledger.Day(now, loc)
		if day.After(today) {
			return errs.Invariant("materialize day", "day %s is after today %s", day.Format(time.DateOnly), today.Format(time.DateOnly))
		}
		closed = day.Before(today)

		existing, err := s.store.GetDailyState(ctx, community, day)
		switch {
		case err == nil && existing.Closed:
			row = *existing
			return nil
		case err != nil && !errors.Is(err, errs.ErrNotFound):
			return errs.Persistence("get daily state", err)
		}

		start, end := ledger.DayBounds(day, loc)
		acts, err := s.store.ListActivities(ctx, ledger.ActivityFilter{Community: community, From: start, To: end})
		if err != nil {
			return errs.Persistence("list activities", err)
		}

		var levels Levels
		if closed {
			levels, err = s.openingLevels(ctx, community, day, start)
			if err != nil {
				return err
			}
		}
		row = Aggregate(community, day, acts, levels, s.cfg.FundingEpsilon, s.cfg.FundingPlaces)
		if !closed {
			// The open day reports the live counters.
			row.BeneficiariesCount = c.BeneficiariesCount
			row.ManagersCount = c.ManagersCount
		}
		row.Closed = closed
		row.UpdatedAt = now.UTC()

		if err := s.store.PutDailyState(ctx, &row); err != nil {
			return errs.Persistence("put daily state", err)
		}
		state = "open"
		if closed {
			state = "closed"
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrInvariantViolation) {
			metrics.InvariantViolations.WithLabelValues("materialize day").Inc()
			s.logger.Error("Invariant violation",
				zap.String("operation", "materialize day"),
				zap.String("community", community),
				zap.Time("day", day),
				zap.Bool("alert", true),
				zap.Error(err))
		}
		return ledger.CommunityDailyState{}, err
	}
	metrics.DaysMaterialized.WithLabelValues(state).Inc()

	if state == "closed" && s.sink != nil {
		if err := s.sink.WriteDailyStates(ctx, []ledger.CommunityDailyState{row}); err != nil {
			s.logger.Warn("Daily state export failed",
				zap.String("community", community),
				zap.Time("day", day),
				zap.Error(err))
		}
	}
	return row, nil
}

// openingLevels carries the previous day's closing counts, or replays
// membership history when there is no previous row.
func (s *Scheduler) openingLevels(ctx context.Context, community string, day, start time.Time) (Levels, error) {
	prev, err := s.store.GetDailyState(ctx, community, day.AddDate(0, 0, -1))
	if err == nil && prev.Closed {
		return Levels{Beneficiaries: prev.BeneficiariesCount, Managers: prev.ManagersCount}, nil
	}
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return Levels{}, errs.Persistence("get previous daily state", err)
	}
	history, err := s.store.ListActivities(ctx, ledger.ActivityFilter{Community: community, To: start, Kinds: membershipKinds})
	if err != nil {
		return Levels{}, errs.Persistence("list membership history", err)
	}
	return LevelsAt(history), nil
}

// RunCommunity closes every missing day in chronological order and then
// refreshes today. It stops at the first failure so a later day never closes
// over a missing one.
func (s *Scheduler) RunCommunity(ctx context.Context, community string, now time.Time) (int, error) {
	unlock := s.lock(community)
	defer unlock()

	c, err := s.store.GetCommunityState(ctx, community)
	if err != nil {
		return 0, errs.Persistence("get community state", err)
	}
	loc := location(c.Timezone)
	today := ledger.Day(now, loc)
	last := today
	if !c.Active {
		// Close out the deactivation day and stop.
		last = ledger.Day(c.UpdatedAt, loc)
		if last.After(today) {
			last = today
		}
	}

	next := today
	if !c.CreatedAt.IsZero() {
		next = ledger.Day(c.CreatedAt, loc)
	}
	prev, err := s.store.LastDailyState(ctx, community)
	switch {
	case err == nil && prev.Closed:
		next = prev.Date.AddDate(0, 0, 1)
	case err == nil:
		next = prev.Date
	case !errors.Is(err, errs.ErrNotFound):
		return 0, errs.Persistence("last daily state", err)
	}

	written := 0
	for day := next; !day.After(last); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if _, err := s.materialize(ctx, community, day, now); err != nil {
			s.logger.Warn("Rollup stopped",
				zap.String("community", community),
				zap.Time("day", day),
				zap.Int("written", written),
				zap.Error(err))
			return written, err
		}
		written++
	}

	if s.ssi != nil {
		if _, err := s.ssi.Refresh(ctx, community, now); err != nil {
			s.logger.Warn("SSI refresh failed", zap.String("community", community), zap.Error(err))
		}
	}
	return written, nil
}

// TickResult summarizes one scheduler pass.
type TickResult struct {
	Communities int
	Days        int
	Failed      int
}

// Tick runs every community in parallel. Failures are per community; one bad
// community does not hold back the others.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	start := time.Now()
	defer func() { metrics.RollupDuration.Observe(time.Since(start).Seconds()) }()

	communities, err := s.store.ListCommunities(ctx, false)
	if err != nil {
		return TickResult{}, errs.Persistence("list communities", err)
	}

	var days, failed atomic.Int32
	pool := pond.NewPool(s.cfg.Workers, pond.WithQueueSize(max(len(communities), 16)))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, c := range communities {
		community := c.Community
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}
			n, err := s.RunCommunity(groupCtx, community, now)
			days.Add(int32(n))
			if err != nil {
				failed.Add(1)
			}
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn("Rollup group encountered error", zap.Error(err))
	}

	res := TickResult{Communities: len(communities), Days: int(days.Load()), Failed: int(failed.Load())}
	s.logger.Info("Rollup tick finished",
		zap.Int("communities", res.Communities),
		zap.Int("days", res.Days),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", time.Since(start)))
	return res, ctx.Err()
}

// Start schedules Tick on both cron specs.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	run := func(kind string) func() {
		return func() {
			// keep each run bounded
			rctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
			defer cancel()
			if _, err := s.Tick(rctx, s.now()); err != nil {
				s.logger.Warn("Rollup tick error", zap.String("kind", kind), zap.Error(err))
			}
		}
	}
	if _, err := s.cron.AddFunc(s.cfg.RefreshSpec, run("refresh")); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.CloseSpec, run("close")); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Rollup cron started",
		zap.String("refresh_spec", s.cfg.RefreshSpec),
		zap.String("close_spec", s.cfg.CloseSpec))
	return nil
}

// Stop waits for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Scheduler) lock(community string) func() {
	mu, _ := s.locks.LoadOrStore(community, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

func location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
