package folder

import (
	"context"
	"testing"
	"time"

	"github.com/impactmarket/ledgerx/pkg/db/memory"
	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	store  *memory.Store
	folder *Folder
	seq    int
}

func newHarness(t *testing.T) *harness {
	store := memory.New()
	return &harness{t: t, store: store, folder: New(store, zaptest.NewLogger(t), DefaultConfig())}
}

// apply inserts and folds an event the way the ledger does, in one transaction.
func (h *harness) apply(contract, name string, at time.Time, kv ...any) (ledger.LedgerEntry, error) {
	h.seq++
	entry := ledger.NewEntry(ledger.RawEvent{
		TxHash:          "0xtx" + string(rune('a'+h.seq)),
		BlockNumber:     uint64(h.seq),
		ContractAddress: contract,
		EventName:       name,
		Args:            ledger.NewPayload(kv...),
		ObservedAt:      at,
	})
	var foldErr error
	err := h.store.InTx(context.Background(), func(ctx context.Context) error {
		if _, err := h.store.InsertLedgerEntry(ctx, &entry); err != nil {
			return err
		}
		foldErr = h.folder.Fold(ctx, entry)
		if errs.Retryable(foldErr) {
			return foldErr
		}
		return nil
	})
	require.NoError(h.t, err)
	return entry, foldErr
}

func (h *harness) beneficiary(community, who string) ledger.BeneficiaryState {
	b, err := h.store.GetBeneficiaryState(context.Background(), community, who)
	require.NoError(h.t, err)
	return *b
}

func (h *harness) community(addr string) ledger.CommunityState {
	c, err := h.store.GetCommunityState(context.Background(), addr)
	require.NoError(h.t, err)
	return *c
}

func TestFoldClaimUpdatesCounters(t *testing.T) {
	h := newHarness(t)

	_, err := h.apply("0xC1", "Claim", t0, "account", "0xB1", "amount", "5.0")
	require.NoError(t, err)
	_, err = h.apply("0xC1", "BeneficiaryClaim", t0.Add(2*time.Hour), "beneficiary", "0xB1", "amount", "2.5")
	require.NoError(t, err)

	b := h.beneficiary("0xc1", "0xb1")
	require.Equal(t, int64(2), b.ClaimsCount)
	require.True(t, decimal.RequireFromString("7.5").Equal(b.CumulativeClaimed))
	require.Equal(t, t0.Add(2*time.Hour), *b.LastClaimAt)
	require.Equal(t, t0, *b.PenultimateClaimAt)

	c := h.community("0xc1")
	require.Equal(t, int64(2), c.ClaimsCount)
	require.True(t, decimal.RequireFromString("7.5").Equal(c.ClaimedAmount))

	claims, err := h.store.ListActivities(context.Background(), ledger.ActivityFilter{Community: "0xc1", Kinds: []ledger.ActivityKind{ledger.ActivityClaim}})
	require.NoError(t, err)
	require.Len(t, claims, 2)
	require.Equal(t, int64(0), claims[0].IntervalSeconds)
	require.Equal(t, int64(7200), claims[1].IntervalSeconds)
	require.Equal(t, int64(86400), claims[1].ExpectedIntervalSeconds)
}

func TestFoldTwiceDoesNotDoubleCount(t *testing.T) {
	h := newHarness(t)
	entry, err := h.apply("0xC1", "Claim", t0, "account", "0xB1", "amount", "5.0")
	require.NoError(t, err)
	before := h.beneficiary("0xc1", "0xb1")

	// Simulated failure-and-retry of the fold step.
	err = h.store.InTx(context.Background(), func(ctx context.Context) error {
		return h.folder.Fold(ctx, entry)
	})
	require.NoError(t, err)

	require.Equal(t, before, h.beneficiary("0xc1", "0xb1"))
}

func TestFoldUnknownEventIsRecordedButSkipped(t *testing.T) {
	h := newHarness(t)
	entry, err := h.apply("0xC1", "Bridged", t0, "amount", "1")
	require.ErrorIs(t, err, errs.ErrUnknownEventKind)

	stored, getErr := h.store.GetLedgerEntry(context.Background(), entry.ID)
	require.NoError(t, getErr)
	require.True(t, stored.Folded)

	communities, listErr := h.store.ListCommunities(context.Background(), false)
	require.NoError(t, listErr)
	require.Empty(t, communities)
}

func TestFoldMalformedClaimIsNonFatal(t *testing.T) {
	h := newHarness(t)
	_, err := h.apply("0xC1", "Claim", t0, "account", "0xB1", "amount", "lots")
	require.ErrorIs(t, err, errs.ErrMalformedEvent)
	require.ErrorIs(t, err, errs.ErrUnknownEventKind)
	require.False(t, errs.Retryable(err))

	_, getErr := h.store.GetBeneficiaryState(context.Background(), "0xc1", "0xb1")
	require.ErrorIs(t, getErr, errs.ErrNotFound)
}

func TestFoldTransfers(t *testing.T) {
	h := newHarness(t)
	_, err := h.apply("0xAdmin", "CommunityAdded", t0, "communityAddress", "0xC1", "managers", []any{"0xM1", "0xM2"}, "baseInterval", "3600")
	require.NoError(t, err)
	_, err = h.apply("0xC1", "BeneficiaryAdded", t0, "manager", "0xM1", "beneficiary", "0xB1")
	require.NoError(t, err)

	// Two donations from the same backer, one from another.
	for _, donor := range []string{"0xD1", "0xD1", "0xD2"} {
		_, err = h.apply("0xCUSD", "Transfer", t0.Add(time.Hour), "from", donor, "to", "0xC1", "value", "10")
		require.NoError(t, err)
	}
	// Beneficiary spends inside the community economy.
	_, err = h.apply("0xCUSD", "Transfer", t0.Add(2*time.Hour), "from", "0xB1", "to", "0xShop", "value", "3.25")
	require.NoError(t, err)
	// Unrelated transfer.
	_, err = h.apply("0xCUSD", "Transfer", t0.Add(2*time.Hour), "from", "0xX", "to", "0xY", "value", "99")
	require.NoError(t, err)

	c := h.community("0xc1")
	require.True(t, decimal.NewFromInt(30).Equal(c.RaisedAmount))
	require.Equal(t, int64(2), c.BackersCount)
	require.True(t, decimal.RequireFromString("3.25").Equal(c.Volume))
	require.Equal(t, int64(1), c.TransactionsCount)
	require.Equal(t, int64(1), c.BeneficiariesCount)
	require.Equal(t, int64(2), c.ManagersCount)
	require.Equal(t, int64(3600), c.BaseInterval)
}

func TestFoldSelfTransferIsIgnored(t *testing.T) {
	h := newHarness(t)
	_, err := h.apply("0xAdmin", "CommunityAdded", t0, "communityAddress", "0xC1", "managers", []any{"0xM1"}, "baseInterval", "3600")
	require.NoError(t, err)

	_, err = h.apply("0xCUSD", "Transfer", t0.Add(time.Hour), "from", "0xC1", "to", "0xC1", "value", "10")
	require.NoError(t, err)

	c := h.community("0xc1")
	require.True(t, c.RaisedAmount.IsZero())
	require.Zero(t, c.BackersCount)

	acts, err := h.store.ListActivities(context.Background(), ledger.ActivityFilter{
		Community: "0xc1",
		Kinds:     []ledger.ActivityKind{ledger.ActivityDonation, ledger.ActivityOutflow},
	})
	require.NoError(t, err)
	require.Empty(t, acts)
}

func TestFoldMembershipIsIdempotentPerState(t *testing.T) {
	h := newHarness(t)
	for i, name := range []string{"BeneficiaryAdded", "BeneficiaryAdded", "BeneficiaryRemoved", "BeneficiaryRemoved", "BeneficiaryAdded"} {
		_, err := h.apply("0xC1", name, t0.Add(time.Duration(i)*time.Minute), "manager", "0xM1", "beneficiary", "0xB1")
		require.NoError(t, err)
	}
	c := h.community("0xc1")
	require.Equal(t, int64(1), c.BeneficiariesCount)
	require.True(t, h.beneficiary("0xc1", "0xb1").Active)
}

func TestFoldPolicyChangesExpectedInterval(t *testing.T) {
	h := newHarness(t)
	_, err := h.apply("0xC1", "CommunityEdited", t0, "baseInterval", "17280")
	require.NoError(t, err)
	_, err = h.apply("0xC1", "Claim", t0.Add(time.Hour), "account", "0xB1", "amount", "1")
	require.NoError(t, err)
	_, err = h.apply("0xC1", "Claim", t0.Add(6*time.Hour), "account", "0xB1", "amount", "1")
	require.NoError(t, err)

	claims, err := h.store.ListActivities(context.Background(), ledger.ActivityFilter{Community: "0xc1", Kinds: []ledger.ActivityKind{ledger.ActivityClaim}})
	require.NoError(t, err)
	require.Len(t, claims, 2)
	require.Equal(t, int64(17280), claims[1].ExpectedIntervalSeconds)
	require.Equal(t, int64(5*3600), claims[1].IntervalSeconds)

	_, err = h.apply("0xC1", "ClaimPolicyChanged", t0, "note", "nothing")
	require.ErrorIs(t, err, errs.ErrMalformedEvent)
}

func TestFoldScalesRawTokenAmounts(t *testing.T) {
	store := memory.New()
	h := &harness{t: t, store: store, folder: New(store, zaptest.NewLogger(t), Config{AmountDecimals: 18})}
	_, err := h.apply("0xC1", "Claim", t0, "account", "0xB1", "amount", "1500000000000000000")
	require.NoError(t, err)
	require.True(t, decimal.RequireFromString("1.5").Equal(h.beneficiary("0xc1", "0xb1").CumulativeClaimed))
}

func TestApplyClaimKeepsPenultimateBeforeLast(t *testing.T) {
	b := ledger.BeneficiaryState{CumulativeClaimed: decimal.Zero}
	c := ledger.CommunityState{ClaimedAmount: decimal.Zero}
	one := decimal.NewFromInt(1)

	b, c, _ = ApplyClaim(b, c, one, t0.Add(2*time.Hour))
	b, c, interval := ApplyClaim(b, c, one, t0)

	require.Equal(t, int64(0), interval)
	require.Equal(t, t0.Add(2*time.Hour), *b.LastClaimAt)
	require.Equal(t, t0, *b.PenultimateClaimAt)
	require.False(t, b.PenultimateClaimAt.After(*b.LastClaimAt))
	require.Equal(t, int64(2), c.ClaimsCount)
}
