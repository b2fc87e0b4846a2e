// Package memory is an in-process implementation of db.Store.
//
// All state sits behind one mutex. InTx holds the mutex for the whole callback and
// restores a snapshot when the callback fails, which gives the same all-or-nothing
// behavior the Postgres store gets from real transactions. It backs the unit tests
// and single-node development runs (STORE_DRIVER=memory).
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/impactmarket/ledgerx/pkg/db"
	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/errs"
)

var _ db.Store = (*Store)(nil)

type txKey struct{}

type state struct {
	entries       map[string]ledger.LedgerEntry
	purged        map[string]uint64
	checkpoints   map[string]ledger.Checkpoint
	beneficiaries map[string]ledger.BeneficiaryState
	communities   map[string]ledger.CommunityState
	backers       map[string]time.Time
	activities    map[string]ledger.Activity
	policies      map[string][]ledger.PolicyChange
	daily         map[string]ledger.CommunityDailyState
	metrics       map[string]ledger.SustainabilityMetric
}

func newState() *state {
	return &state{
		entries:       map[string]ledger.LedgerEntry{},
		purged:        map[string]uint64{},
		checkpoints:   map[string]ledger.Checkpoint{},
		beneficiaries: map[string]ledger.BeneficiaryState{},
		communities:   map[string]ledger.CommunityState{},
		backers:       map[string]time.Time{},
		activities:    map[string]ledger.Activity{},
		policies:      map[string][]ledger.PolicyChange{},
		daily:         map[string]ledger.CommunityDailyState{},
		metrics:       map[string]ledger.SustainabilityMetric{},
	}
}

// clone copies every map. Values are plain structs whose pointer fields are never
// mutated in place, so a shallow copy per map is a full snapshot.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.purged {
		c.purged[k] = v
	}
	for k, v := range s.checkpoints {
		c.checkpoints[k] = v
	}
	for k, v := range s.beneficiaries {
		c.beneficiaries[k] = v
	}
	for k, v := range s.communities {
		c.communities[k] = v
	}
	for k, v := range s.backers {
		c.backers[k] = v
	}
	for k, v := range s.activities {
		c.activities[k] = v
	}
	for k, v := range s.policies {
		c.policies[k] = append([]ledger.PolicyChange(nil), v...)
	}
	for k, v := range s.daily {
		c.daily[k] = v
	}
	for k, v := range s.metrics {
		c.metrics[k] = v
	}
	return c
}

type fault struct {
	err       error
	remaining int
}

// Store keeps every table in memory.
type Store struct {
	mu     sync.Mutex
	data   *state
	faults map[string]*fault
	now    func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{data: newState(), faults: map[string]*fault{}, now: time.Now}
}

// InjectFault makes the next `times` calls of op fail with err. Ops are named after
// the method, e.g. "InsertLedgerEntry". Tests use it to simulate outages mid-batch.
func (s *Store) InjectFault(op string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{err: err, remaining: times}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// InTx implements db.TxRunner. Nested calls join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// do runs fn with the state locked unless ctx already holds the transaction.
func (s *Store) do(ctx context.Context, op string, fn func(st *state) error) error {
	if !s.inTx(ctx) {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	if f, ok := s.faults[op]; ok && f.remaining > 0 {
		f.remaining--
		return f.err
	}
	return fn(s.data)
}

func pairKey(a, b string) string { return a + "\x00" + b }

func dayKey(community string, day time.Time) string {
	return pairKey(community, day.Format(time.DateOnly))
}

// --- checkpoints

func (s *Store) GetCheckpoint(ctx context.Context, source string) (*ledger.Checkpoint, error) {
	var out *ledger.Checkpoint
	err := s.do(ctx, "GetCheckpoint", func(st *state) error {
		cp, ok := st.checkpoints[source]
		if !ok {
			return errs.ErrNotFound
		}
		out = &cp
		return nil
	})
	return out, err
}

func (s *Store) AdvanceCheckpoint(ctx context.Context, source string, block uint64) (bool, error) {
	advanced := false
	err := s.do(ctx, "AdvanceCheckpoint", func(st *state) error {
		if cp, ok := st.checkpoints[source]; ok {
			current, err := strconv.ParseUint(cp.Value, 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt checkpoint %q: %w", cp.Value, err)
			}
			if block <= current {
				return nil
			}
		}
		st.checkpoints[source] = ledger.Checkpoint{
			Source:    source,
			Key:       ledger.CheckpointKey,
			Value:     strconv.FormatUint(block, 10),
			UpdatedAt: s.now().UTC(),
		}
		advanced = true
		return nil
	})
	return advanced, err
}

// --- ledger

func (s *Store) InsertLedgerEntry(ctx context.Context, e *ledger.LedgerEntry) (bool, error) {
	inserted := false
	err := s.do(ctx, "InsertLedgerEntry", func(st *state) error {
		if _, ok := st.entries[e.ID]; ok {
			return nil
		}
		if _, ok := st.purged[e.ID]; ok {
			return nil
		}
		row := *e
		row.InsertedAt = s.now().UTC()
		st.entries[e.ID] = row
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *Store) GetLedgerEntry(ctx context.Context, id string) (*ledger.LedgerEntry, error) {
	var out *ledger.LedgerEntry
	err := s.do(ctx, "GetLedgerEntry", func(st *state) error {
		e, ok := st.entries[id]
		if !ok {
			return errs.ErrNotFound
		}
		out = &e
		return nil
	})
	return out, err
}

func (s *Store) MarkFolded(ctx context.Context, id string) (bool, error) {
	flipped := false
	err := s.do(ctx, "MarkFolded", func(st *state) error {
		e, ok := st.entries[id]
		if !ok {
			return errs.ErrNotFound
		}
		if e.Folded {
			return nil
		}
		e.Folded = true
		st.entries[id] = e
		flipped = true
		return nil
	})
	return flipped, err
}

func sortEntries(out []ledger.LedgerEntry) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		if out[i].LogIndex != out[j].LogIndex {
			return out[i].LogIndex < out[j].LogIndex
		}
		return out[i].ID < out[j].ID
	})
}

func (s *Store) ListUnfolded(ctx context.Context, limit int) ([]ledger.LedgerEntry, error) {
	var out []ledger.LedgerEntry
	err := s.do(ctx, "ListUnfolded", func(st *state) error {
		for _, e := range st.entries {
			if !e.Folded {
				out = append(out, e)
			}
		}
		sortEntries(out)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (s *Store) ListLedgerEntries(ctx context.Context, fromBlock, toBlock uint64, limit int) ([]ledger.LedgerEntry, error) {
	var out []ledger.LedgerEntry
	err := s.do(ctx, "ListLedgerEntries", func(st *state) error {
		for _, e := range st.entries {
			if e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
				out = append(out, e)
			}
		}
		sortEntries(out)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (s *Store) PurgeLedger(ctx context.Context, fromBlock, toBlock uint64) (int64, error) {
	var n int64
	err := s.do(ctx, "PurgeLedger", func(st *state) error {
		for id, e := range st.entries {
			if e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
				st.purged[id] = e.BlockNumber
				delete(st.entries, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

// --- running state

func (s *Store) GetBeneficiaryState(ctx context.Context, community, beneficiary string) (*ledger.BeneficiaryState, error) {
	var out *ledger.BeneficiaryState
	err := s.do(ctx, "GetBeneficiaryState", func(st *state) error {
		b, ok := st.beneficiaries[pairKey(community, beneficiary)]
		if !ok {
			return errs.ErrNotFound
		}
		out = &b
		return nil
	})
	return out, err
}

func (s *Store) PutBeneficiaryState(ctx context.Context, b *ledger.BeneficiaryState) error {
	return s.do(ctx, "PutBeneficiaryState", func(st *state) error {
		st.beneficiaries[pairKey(b.Community, b.Beneficiary)] = *b
		return nil
	})
}

func (s *Store) FindActiveMembership(ctx context.Context, beneficiary string) (*ledger.BeneficiaryState, error) {
	var out *ledger.BeneficiaryState
	err := s.do(ctx, "FindActiveMembership", func(st *state) error {
		var match []ledger.BeneficiaryState
		for _, b := range st.beneficiaries {
			if b.Beneficiary == beneficiary && b.Active {
				match = append(match, b)
			}
		}
		if len(match) == 0 {
			return errs.ErrNotFound
		}
		// Deterministic pick when an address was (wrongly) left active in two communities.
		sort.Slice(match, func(i, j int) bool { return match[i].Community < match[j].Community })
		out = &match[0]
		return nil
	})
	return out, err
}

func (s *Store) GetCommunityState(ctx context.Context, community string) (*ledger.CommunityState, error) {
	var out *ledger.CommunityState
	err := s.do(ctx, "GetCommunityState", func(st *state) error {
		c, ok := st.communities[community]
		if !ok {
			return errs.ErrNotFound
		}
		out = &c
		return nil
	})
	return out, err
}

func (s *Store) PutCommunityState(ctx context.Context, c *ledger.CommunityState) error {
	return s.do(ctx, "PutCommunityState", func(st *state) error {
		st.communities[c.Community] = *c
		return nil
	})
}

func (s *Store) ListCommunities(ctx context.Context, activeOnly bool) ([]ledger.CommunityState, error) {
	var out []ledger.CommunityState
	err := s.do(ctx, "ListCommunities", func(st *state) error {
		for _, c := range st.communities {
			if activeOnly && !c.Active {
				continue
			}
			out = append(out, c)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Community < out[j].Community })
		return nil
	})
	return out, err
}

func (s *Store) AddBacker(ctx context.Context, community, backer string, at time.Time) (bool, error) {
	added := false
	err := s.do(ctx, "AddBacker", func(st *state) error {
		k := pairKey(community, backer)
		if _, ok := st.backers[k]; ok {
			return nil
		}
		st.backers[k] = at
		added = true
		return nil
	})
	return added, err
}

func (s *Store) InsertActivity(ctx context.Context, a *ledger.Activity) error {
	return s.do(ctx, "InsertActivity", func(st *state) error {
		k := pairKey(a.EntryID, a.Community)
		if _, ok := st.activities[k]; ok {
			return nil
		}
		st.activities[k] = *a
		return nil
	})
}

func (s *Store) ListActivities(ctx context.Context, f ledger.ActivityFilter) ([]ledger.Activity, error) {
	var out []ledger.Activity
	err := s.do(ctx, "ListActivities", func(st *state) error {
		kinds := map[ledger.ActivityKind]bool{}
		for _, k := range f.Kinds {
			kinds[k] = true
		}
		for _, a := range st.activities {
			if f.Community != "" && a.Community != f.Community {
				continue
			}
			if !f.From.IsZero() && a.OccurredAt.Before(f.From) {
				continue
			}
			if !f.To.IsZero() && !a.OccurredAt.Before(f.To) {
				continue
			}
			if len(kinds) > 0 && !kinds[a.Kind] {
				continue
			}
			out = append(out, a)
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
				return out[i].OccurredAt.Before(out[j].OccurredAt)
			}
			return out[i].EntryID < out[j].EntryID
		})
		if f.Limit > 0 && len(out) > f.Limit {
			out = out[len(out)-f.Limit:]
		}
		return nil
	})
	return out, err
}

func (s *Store) AppendPolicyChange(ctx context.Context, p *ledger.PolicyChange) error {
	return s.do(ctx, "AppendPolicyChange", func(st *state) error {
		list := append(st.policies[p.Community], *p)
		sort.SliceStable(list, func(i, j int) bool { return list[i].EffectiveAt.Before(list[j].EffectiveAt) })
		st.policies[p.Community] = list
		return nil
	})
}

func (s *Store) PolicyAt(ctx context.Context, community string, at time.Time) (*ledger.PolicyChange, error) {
	var out *ledger.PolicyChange
	err := s.do(ctx, "PolicyAt", func(st *state) error {
		list := st.policies[community]
		for i := len(list) - 1; i >= 0; i-- {
			if !list[i].EffectiveAt.After(at) {
				p := list[i]
				out = &p
				return nil
			}
		}
		return errs.ErrNotFound
	})
	return out, err
}

// --- rollups

// LockCommunity is a no-op: every transaction already holds the store mutex.
func (s *Store) LockCommunity(context.Context, string) error { return nil }

func (s *Store) GetDailyState(ctx context.Context, community string, day time.Time) (*ledger.CommunityDailyState, error) {
	var out *ledger.CommunityDailyState
	err := s.do(ctx, "GetDailyState", func(st *state) error {
		d, ok := st.daily[dayKey(community, day)]
		if !ok {
			return errs.ErrNotFound
		}
		out = &d
		return nil
	})
	return out, err
}

func (s *Store) PutDailyState(ctx context.Context, d *ledger.CommunityDailyState) error {
	return s.do(ctx, "PutDailyState", func(st *state) error {
		k := dayKey(d.Community, d.Date)
		if existing, ok := st.daily[k]; ok && existing.Closed {
			return errs.Invariant("put daily state", "day %s of %s is closed", d.Date.Format(time.DateOnly), d.Community)
		}
		row := *d
		row.UpdatedAt = s.now().UTC()
		st.daily[k] = row
		return nil
	})
}

func (s *Store) ListDailyStates(ctx context.Context, community string, from, to time.Time) ([]ledger.CommunityDailyState, error) {
	var out []ledger.CommunityDailyState
	err := s.do(ctx, "ListDailyStates", func(st *state) error {
		for _, d := range st.daily {
			if d.Community != community || d.Date.Before(from) || d.Date.After(to) {
				continue
			}
			out = append(out, d)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
		return nil
	})
	return out, err
}

func (s *Store) LastDailyState(ctx context.Context, community string) (*ledger.CommunityDailyState, error) {
	var out *ledger.CommunityDailyState
	err := s.do(ctx, "LastDailyState", func(st *state) error {
		for _, d := range st.daily {
			if d.Community != community {
				continue
			}
			if out == nil || d.Date.After(out.Date) {
				row := d
				out = &row
			}
		}
		if out == nil {
			return errs.ErrNotFound
		}
		return nil
	})
	return out, err
}

// --- metrics

func (s *Store) GetMetric(ctx context.Context, community string) (*ledger.SustainabilityMetric, error) {
	var out *ledger.SustainabilityMetric
	err := s.do(ctx, "GetMetric", func(st *state) error {
		m, ok := st.metrics[community]
		if !ok {
			return errs.ErrNotFound
		}
		out = &m
		return nil
	})
	return out, err
}

func (s *Store) PutMetric(ctx context.Context, m *ledger.SustainabilityMetric) error {
	return s.do(ctx, "PutMetric", func(st *state) error {
		st.metrics[m.Community] = *m
		return nil
	})
}
