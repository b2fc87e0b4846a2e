// Package ssi derives the Sustainability Index of a community from its claim
// cadence. Everything here is a read over folded activities; the only writes are
// cache fills.
package ssi

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/impactmarket/ledgerx/pkg/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ActivityReader is the read side the calculator needs.
type ActivityReader interface {
	ListActivities(ctx context.Context, f ledger.ActivityFilter) ([]ledger.Activity, error)
}

type Config struct {
	// Window is how many of the most recent claim intervals form a sample.
	Window int
	// Lookback bounds how far before asOf claims are read. Zero reads all history.
	Lookback time.Duration
	// Places is the rounding precision of the index.
	Places int32
	// DeviationThreshold is the relative distance from the community median
	// cadence beyond which a beneficiary counts as deviating.
	DeviationThreshold float64
	// SuspectThresholds are the deviating fractions at which the suspect level steps up.
	SuspectThresholds []float64
	// MinBeneficiaries below which the suspect level is pinned to 0.
	MinBeneficiaries int
	// StaleAfter is the maximum age of a cached metric served by Get.
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:             100,
		Lookback:           90 * 24 * time.Hour,
		Places:             2,
		DeviationThreshold: 0.5,
		SuspectThresholds:  []float64{0.05, 0.10, 0.20, 0.35, 0.50},
		MinBeneficiaries:   5,
		StaleAfter:         time.Hour,
	}
}

type Calculator struct {
	reader ActivityReader
	cache  Cache
	logger *zap.Logger
	cfg    Config
	now    func() time.Time
}

// New builds a calculator. cache may be nil.
func New(reader ActivityReader, cache Cache, logger *zap.Logger, cfg Config) *Calculator {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Places < 0 {
		cfg.Places = def.Places
	}
	if cfg.DeviationThreshold <= 0 {
		cfg.DeviationThreshold = def.DeviationThreshold
	}
	if cfg.SuspectThresholds == nil {
		cfg.SuspectThresholds = def.SuspectThresholds
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cache == nil {
		cache = NewLocalCache()
	}
	return &Calculator{reader: reader, cache: cache, logger: logger, cfg: cfg, now: time.Now}
}

// ComputeSSI reads the trailing window of claims up to and including asOf.
// Insufficient data yields a metric with Status insufficient_data and no error.
func (c *Calculator) ComputeSSI(ctx context.Context, community string, asOf time.Time) (ledger.SustainabilityMetric, error) {
	asOf = asOf.UTC()
	out := ledger.SustainabilityMetric{
		Community:  community,
		SSI:        decimal.Zero,
		Status:     ledger.MetricStatusInsufficientData,
		AsOf:       asOf,
		ComputedAt: c.now().UTC(),
	}

	filter := ledger.ActivityFilter{
		Community: community,
		To:        asOf.Add(time.Nanosecond),
		Kinds:     []ledger.ActivityKind{ledger.ActivityClaim},
	}
	if c.cfg.Lookback > 0 {
		filter.From = asOf.Add(-c.cfg.Lookback)
	}
	claims, err := c.reader.ListActivities(ctx, filter)
	if err != nil {
		return out, errs.Persistence("list claims", err)
	}

	sample := trailingIntervals(claims, c.cfg.Window)
	out.SampleSize = len(sample)

	n := make([]float64, 0, len(sample))
	m := make([]float64, 0, len(sample))
	for _, a := range sample {
		n = append(n, float64(a.IntervalSeconds))
		if a.ExpectedIntervalSeconds > 0 {
			m = append(m, float64(a.ExpectedIntervalSeconds))
		}
	}

	index, err := Index(n, m, c.cfg.Places)
	if errors.Is(err, errs.ErrComputation) {
		metrics.SSIComputed.WithLabelValues(ledger.MetricStatusInsufficientData).Inc()
		c.logger.Debug("Not enough claims for SSI",
			zap.String("community", community),
			zap.Int("sample_size", len(sample)))
		return out, nil
	}
	if err != nil {
		return out, err
	}

	out.SSI = index
	out.SuspectLevel = c.suspectLevel(sample)
	out.Status = ledger.MetricStatusOK
	metrics.SSIComputed.WithLabelValues(ledger.MetricStatusOK).Inc()
	return out, nil
}

// Get returns a cached metric no older than StaleAfter, computing and caching a
// fresh one otherwise.
func (c *Calculator) Get(ctx context.Context, community string) (ledger.SustainabilityMetric, error) {
	now := c.now()
	cached, err := c.cache.Get(ctx, community)
	switch {
	case err == nil && now.Sub(cached.ComputedAt) <= c.cfg.StaleAfter:
		return *cached, nil
	case err != nil && !errors.Is(err, errs.ErrNotFound):
		c.logger.Warn("SSI cache read failed", zap.String("community", community), zap.Error(err))
	}
	return c.Refresh(ctx, community, now)
}

// Refresh computes the metric as of asOf and stores it in the cache.
func (c *Calculator) Refresh(ctx context.Context, community string, asOf time.Time) (ledger.SustainabilityMetric, error) {
	m, err := c.ComputeSSI(ctx, community, asOf)
	if err != nil {
		return m, err
	}
	if err := c.cache.Put(ctx, &m); err != nil {
		c.logger.Warn("SSI cache write failed", zap.String("community", community), zap.Error(err))
	}
	return m, nil
}

func (c *Calculator) suspectLevel(sample []ledger.Activity) int {
	byBeneficiary := map[string][]float64{}
	all := make([]float64, 0, len(sample))
	for _, a := range sample {
		v := float64(a.IntervalSeconds)
		byBeneficiary[a.Actor] = append(byBeneficiary[a.Actor], v)
		all = append(all, v)
	}
	if len(byBeneficiary) < c.cfg.MinBeneficiaries {
		return 0
	}
	norm, err := Median(all)
	if err != nil || norm <= 0 {
		return 0
	}
	deviating := 0
	for _, xs := range byBeneficiary {
		med, _ := Median(xs)
		if math.Abs(med-norm)/norm > c.cfg.DeviationThreshold {
			deviating++
		}
	}
	return SuspectLevel(float64(deviating)/float64(len(byBeneficiary)), c.cfg.SuspectThresholds)
}

// trailingIntervals keeps the last window claims that have a measured interval.
// First claims of a beneficiary carry no interval and are skipped.
func trailingIntervals(claims []ledger.Activity, window int) []ledger.Activity {
	out := make([]ledger.Activity, 0, len(claims))
	for _, a := range claims {
		if a.IntervalSeconds > 0 {
			out = append(out, a)
		}
	}
	if len(out) > window {
		out = out[len(out)-window:]
	}
	return out
}
