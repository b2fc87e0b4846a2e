// Package folder applies ledger entries to the running beneficiary and
// community counters. Each event name maps to a handler; every folded entry
// also leaves Activity rows that attribute it to the communities it touched.
package folder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/impactmarket/ledgerx/pkg/db"
	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/impactmarket/ledgerx/pkg/metrics"
	"github.com/impactmarket/ledgerx/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Kind groups event names that share a folding handler.
type Kind string

const (
	KindClaim      Kind = "claim"
	KindTransfer   Kind = "transfer"
	KindMembership Kind = "membership"
	KindManager    Kind = "manager"
	KindRegistry   Kind = "registry"
	KindPolicy     Kind = "policy"
)

// Store is the storage the folder needs: running counters plus the folded marker.
type Store interface {
	db.StateStore
	MarkFolded(ctx context.Context, id string) (bool, error)
}

// Config tunes amount scaling and community defaults.
type Config struct {
	// AmountDecimals shifts raw token units (e.g. 18 for cUSD wei) into whole units.
	AmountDecimals int32
	// DefaultBaseInterval is the expected claim interval, in seconds, for
	// communities registered without one.
	DefaultBaseInterval int64
	DefaultTimezone     string
	// TokenContracts restricts Transfer folding to these token addresses. Empty
	// accepts transfers from any contract.
	TokenContracts []string
}

// DefaultConfig matches the daily-claim communities of the platform.
func DefaultConfig() Config {
	return Config{
		DefaultBaseInterval: 86400,
		DefaultTimezone:     "UTC",
	}
}

type handlerFunc func(ctx context.Context, e ledger.LedgerEntry) error

type handler struct {
	kind Kind
	fn   handlerFunc
}

// Folder applies ledger entries to running counters.
type Folder struct {
	store    Store
	logger   *zap.Logger
	cfg      Config
	tokens   map[string]bool
	handlers map[string]handler
}

// New wires the handler registry.
func New(store Store, logger *zap.Logger, cfg Config) *Folder {
	if cfg.DefaultBaseInterval <= 0 {
		cfg.DefaultBaseInterval = DefaultConfig().DefaultBaseInterval
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	f := &Folder{
		store:  store,
		logger: logger,
		cfg:    cfg,
		tokens: map[string]bool{},
	}
	for _, t := range utils.Dedup(cfg.TokenContracts) {
		f.tokens[t] = true
	}
	f.handlers = map[string]handler{
		"Claim":              {KindClaim, f.foldClaim},
		"BeneficiaryClaim":   {KindClaim, f.foldClaim},
		"Transfer":           {KindTransfer, f.foldTransfer},
		"BeneficiaryAdded":   {KindMembership, f.foldMembership(true)},
		"BeneficiaryRemoved": {KindMembership, f.foldMembership(false)},
		"ManagerAdded":       {KindManager, f.foldManager(1)},
		"ManagerRemoved":     {KindManager, f.foldManager(-1)},
		"CommunityAdded":     {KindRegistry, f.foldCommunityAdded},
		"CommunityRemoved":   {KindRegistry, f.foldCommunityRemoved},
		"CommunityEdited":    {KindPolicy, f.foldPolicy},
		"ClaimPolicyChanged": {KindPolicy, f.foldPolicy},
	}
	return f
}

// Recognized reports whether name has a handler.
func (f *Folder) Recognized(name string) bool {
	_, ok := f.handlers[name]
	return ok
}

// Fold applies one ledger entry. It must run in the transaction that inserted the
// entry (or that claims it via the folded marker) so the counters and the marker
// commit together. An entry already marked folded is a no-op.
//
// Unknown names and malformed payloads still consume the marker and return an
// error matching errs.ErrUnknownEventKind; callers log those and carry on.
func (f *Folder) Fold(ctx context.Context, e ledger.LedgerEntry) error {
	h, known := f.handlers[e.EventName]

	flipped, err := f.store.MarkFolded(ctx, e.ID)
	if err != nil {
		return errs.Persistence("mark folded", err)
	}
	if !flipped {
		f.logger.Debug("Ledger entry already folded", zap.String("entry_id", e.ID))
		return nil
	}

	if !known {
		metrics.UnknownEvents.WithLabelValues(e.EventName).Inc()
		return errs.UnknownEvent(e.EventName)
	}

	if err := h.fn(ctx, e); err != nil {
		if errors.Is(err, errs.ErrMalformedEvent) {
			metrics.UnknownEvents.WithLabelValues(e.EventName).Inc()
		}
		return err
	}
	metrics.EntriesFolded.WithLabelValues(string(h.kind)).Inc()
	return nil
}

// --- loaders

func (f *Folder) amount(e ledger.LedgerEntry, names ...string) (decimal.Decimal, error) {
	var lastErr error
	for _, n := range names {
		d, err := e.Payload.Decimal(n)
		if err != nil {
			lastErr = err
			continue
		}
		if d.IsNegative() {
			return decimal.Zero, errs.Malformed(e.EventName, fmt.Errorf("negative %s %s", n, d))
		}
		if f.cfg.AmountDecimals > 0 {
			d = d.Shift(-f.cfg.AmountDecimals)
		}
		return d, nil
	}
	return decimal.Zero, errs.Malformed(e.EventName, lastErr)
}

func (f *Folder) address(e ledger.LedgerEntry, names ...string) (string, error) {
	v, ok := e.Payload.First(names...)
	if !ok {
		return "", errs.Malformed(e.EventName, fmt.Errorf("missing any of %v", names))
	}
	return utils.NormalizeAddress(v), nil
}

func (f *Folder) community(ctx context.Context, address string, at time.Time) (ledger.CommunityState, bool, error) {
	c, err := f.store.GetCommunityState(ctx, address)
	switch {
	case err == nil:
		return *c, true, nil
	case errors.Is(err, errs.ErrNotFound):
		return ledger.CommunityState{
			Community:     address,
			Active:        true,
			Timezone:      f.cfg.DefaultTimezone,
			BaseInterval:  f.cfg.DefaultBaseInterval,
			ClaimedAmount: decimal.Zero,
			RaisedAmount:  decimal.Zero,
			Volume:        decimal.Zero,
			CreatedAt:     at.UTC(),
			UpdatedAt:     at.UTC(),
		}, false, nil
	default:
		return ledger.CommunityState{}, false, errs.Persistence("load community state", err)
	}
}

func (f *Folder) beneficiary(ctx context.Context, community, address string) (ledger.BeneficiaryState, error) {
	b, err := f.store.GetBeneficiaryState(ctx, community, address)
	switch {
	case err == nil:
		return *b, nil
	case errors.Is(err, errs.ErrNotFound):
		return ledger.BeneficiaryState{
			Community:         community,
			Beneficiary:       address,
			CumulativeClaimed: decimal.Zero,
		}, nil
	default:
		return ledger.BeneficiaryState{}, errs.Persistence("load beneficiary state", err)
	}
}

func (f *Folder) expectedInterval(ctx context.Context, c ledger.CommunityState, at time.Time) (int64, error) {
	p, err := f.store.PolicyAt(ctx, c.Community, at)
	switch {
	case err == nil && p.BaseInterval > 0:
		return p.BaseInterval, nil
	case err == nil || errors.Is(err, errs.ErrNotFound):
		if c.BaseInterval > 0 {
			return c.BaseInterval, nil
		}
		return f.cfg.DefaultBaseInterval, nil
	default:
		return 0, errs.Persistence("load claim policy", err)
	}
}

func (f *Folder) saveCommunity(ctx context.Context, c ledger.CommunityState) error {
	return errs.Persistence("save community state", f.store.PutCommunityState(ctx, &c))
}

func (f *Folder) saveBeneficiary(ctx context.Context, b ledger.BeneficiaryState) error {
	return errs.Persistence("save beneficiary state", f.store.PutBeneficiaryState(ctx, &b))
}

func (f *Folder) record(ctx context.Context, a ledger.Activity) error {
	a.OccurredAt = a.OccurredAt.UTC()
	return errs.Persistence("insert activity", f.store.InsertActivity(ctx, &a))
}
