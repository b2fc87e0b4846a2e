//go:build integration

package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	ledgermodels "github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/db/postgres"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

var (
	testDB        *DB
	testContainer *tcpostgres.PostgresContainer
	testLogger    *zap.Logger
)

// TestMain starts a Postgres container shared by every test in the package.
func TestMain(m *testing.M) {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	ctx := context.Background()

	var err error
	testLogger, err = zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		exitCode = 1
		return
	}

	if !isDockerAvailable() {
		fmt.Println("Docker not available, skipping integration tests")
		return
	}

	testContainer, err = tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledgerx_test"),
		tcpostgres.WithUsername("ledgerx"),
		tcpostgres.WithPassword("ledgerx"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		testLogger.Error("Failed to start Postgres container", zap.Error(err))
		exitCode = 1
		return
	}

	dsn, err := testContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		testLogger.Error("Failed to get connection string", zap.Error(err))
		cleanup(ctx)
		exitCode = 1
		return
	}

	testDB, err = NewWithPoolConfig(ctx, testLogger, dsn, postgres.GetPoolConfigForComponent("test"))
	if err != nil {
		testLogger.Error("Failed to initialize database", zap.Error(err))
		cleanup(ctx)
		exitCode = 1
		return
	}

	exitCode = m.Run()
	cleanup(ctx)
}

func cleanup(ctx context.Context) {
	if testDB != nil {
		_ = testDB.Close()
	}
	if testContainer != nil {
		terminateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := testcontainers.TerminateContainer(testContainer, testcontainers.StopContext(terminateCtx)); err != nil {
			testLogger.Error("Failed to terminate container", zap.Error(err))
		}
	}
}

func isDockerAvailable() bool {
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return true
}

// cleanDB truncates every table between tests.
func cleanDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("no database")
	}
	err := testDB.Exec(context.Background(), `TRUNCATE ledger_entries, purged_entries, checkpoints, beneficiary_states,
		community_states, community_backers, activities, policy_changes, community_daily_states,
		sustainability_metrics`)
	require.NoError(t, err)
}

func testEntry(tx string, block uint64) *ledgermodels.LedgerEntry {
	e := ledgermodels.NewEntry(ledgermodels.RawEvent{
		TxHash:          tx,
		BlockNumber:     block,
		ContractAddress: "0xCommunity",
		EventName:       "Claim",
		Args:            ledgermodels.NewPayload("beneficiary", "0xB1", "amount", "5.0"),
		ObservedAt:      time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	})
	return &e
}

func TestInsertLedgerEntryIsIdempotent(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()

	e := testEntry("0xAA", 100)
	inserted, err := testDB.InsertLedgerEntry(ctx, e)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = testDB.InsertLedgerEntry(ctx, e)
	require.NoError(t, err)
	require.False(t, inserted)

	got, err := testDB.GetLedgerEntry(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, e.Payload, got.Payload)
	require.Equal(t, uint64(100), got.BlockNumber)
	require.False(t, got.Folded)

	flipped, err := testDB.MarkFolded(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, flipped)
	flipped, err = testDB.MarkFolded(ctx, e.ID)
	require.NoError(t, err)
	require.False(t, flipped)

	_, err = testDB.MarkFolded(ctx, "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPurgedEntryIsNotReinserted(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()

	e := testEntry("0xAA", 100)
	other := testEntry("0xBB", 200)
	for _, entry := range []*ledgermodels.LedgerEntry{e, other} {
		inserted, err := testDB.InsertLedgerEntry(ctx, entry)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	n, err := testDB.PurgeLedger(ctx, 100, 100)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = testDB.GetLedgerEntry(ctx, e.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	inserted, err := testDB.InsertLedgerEntry(ctx, e)
	require.NoError(t, err)
	require.False(t, inserted)

	// Purging the same range again finds nothing and keeps the tombstone.
	n, err = testDB.PurgeLedger(ctx, 100, 100)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = testDB.GetLedgerEntry(ctx, other.ID)
	require.NoError(t, err)
}

func TestAdvanceCheckpointNeverRegresses(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()

	_, err := testDB.GetCheckpoint(ctx, "celo")
	require.ErrorIs(t, err, errs.ErrNotFound)

	advanced, err := testDB.AdvanceCheckpoint(ctx, "celo", 9)
	require.NoError(t, err)
	require.True(t, advanced)

	// 10 sorts before 9 as text; the comparison must be numeric.
	advanced, err = testDB.AdvanceCheckpoint(ctx, "celo", 10)
	require.NoError(t, err)
	require.True(t, advanced)

	advanced, err = testDB.AdvanceCheckpoint(ctx, "celo", 9)
	require.NoError(t, err)
	require.False(t, advanced)

	cp, err := testDB.GetCheckpoint(ctx, "celo")
	require.NoError(t, err)
	require.Equal(t, "10", cp.Value)
}

func TestInTxRollsBackEverything(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()
	e := testEntry("0xBB", 1)

	boom := errors.New("boom")
	err := testDB.InTx(ctx, func(ctx context.Context) error {
		if _, err := testDB.InsertLedgerEntry(ctx, e); err != nil {
			return err
		}
		if _, err := testDB.AdvanceCheckpoint(ctx, "celo", 1); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = testDB.GetLedgerEntry(ctx, e.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = testDB.GetCheckpoint(ctx, "celo")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestClosedDailyStateIsImmutable(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	row := &ledgermodels.CommunityDailyState{
		Community:     "0xc1",
		Date:          day,
		ClaimedAmount: decimal.RequireFromString("10"),
		ClaimsCount:   1,
		FundingRate:   decimal.Zero,
	}
	require.NoError(t, testDB.PutDailyState(ctx, row))

	row.ClaimsCount = 2
	row.Closed = true
	require.NoError(t, testDB.PutDailyState(ctx, row))

	row.ClaimsCount = 3
	err := testDB.PutDailyState(ctx, row)
	require.ErrorIs(t, err, errs.ErrInvariantViolation)

	got, err := testDB.GetDailyState(ctx, "0xc1", day)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.ClaimsCount)
	require.True(t, got.Closed)
	require.True(t, decimal.RequireFromString("10").Equal(got.ClaimedAmount))

	last, err := testDB.LastDailyState(ctx, "0xc1")
	require.NoError(t, err)
	require.Equal(t, day, last.Date)
}

func TestListActivitiesKeepsNewestInOrder(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, testDB.InsertActivity(ctx, &ledgermodels.Activity{
			EntryID:         fmt.Sprintf("e%d", i),
			Community:       "0xc1",
			Kind:            ledgermodels.ActivityClaim,
			Actor:           "0xb1",
			Amount:          decimal.NewFromInt(1),
			OccurredAt:      base.Add(time.Duration(i) * time.Hour),
			IntervalSeconds: int64(i * 3600),
		}))
	}
	require.NoError(t, testDB.InsertActivity(ctx, &ledgermodels.Activity{
		EntryID:    "d1",
		Community:  "0xc1",
		Kind:       ledgermodels.ActivityDonation,
		Amount:     decimal.NewFromInt(3),
		OccurredAt: base,
	}))

	acts, err := testDB.ListActivities(ctx, ledgermodels.ActivityFilter{
		Community: "0xc1",
		Kinds:     []ledgermodels.ActivityKind{ledgermodels.ActivityClaim},
		To:        base.Add(4 * time.Hour),
		Limit:     2,
	})
	require.NoError(t, err)
	require.Len(t, acts, 2)
	require.Equal(t, "e2", acts[0].EntryID)
	require.Equal(t, "e3", acts[1].EntryID)

	all, err := testDB.ListActivities(ctx, ledgermodels.ActivityFilter{Community: "0xc1"})
	require.NoError(t, err)
	require.Len(t, all, 6)
}

func TestPolicyAtPicksLatestEffective(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, testDB.AppendPolicyChange(ctx, &ledgermodels.PolicyChange{
		Community: "0xc1", EntryID: "p1", EffectiveAt: t0, BaseInterval: 86400,
	}))
	require.NoError(t, testDB.AppendPolicyChange(ctx, &ledgermodels.PolicyChange{
		Community: "0xc1", EntryID: "p2", EffectiveAt: t0.AddDate(0, 1, 0), BaseInterval: 17280,
	}))

	p, err := testDB.PolicyAt(ctx, "0xc1", t0.AddDate(0, 0, 10))
	require.NoError(t, err)
	require.Equal(t, int64(86400), p.BaseInterval)

	p, err = testDB.PolicyAt(ctx, "0xc1", t0.AddDate(0, 2, 0))
	require.NoError(t, err)
	require.Equal(t, int64(17280), p.BaseInterval)

	_, err = testDB.PolicyAt(ctx, "0xc1", t0.Add(-time.Second))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStateRoundTripAndBackers(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

	require.NoError(t, testDB.PutCommunityState(ctx, &ledgermodels.CommunityState{
		Community:    "0xc1",
		Active:       true,
		Timezone:     "UTC",
		BaseInterval: 86400,
		RaisedAmount: decimal.RequireFromString("12.5"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
	require.NoError(t, testDB.PutBeneficiaryState(ctx, &ledgermodels.BeneficiaryState{
		Community:   "0xc1",
		Beneficiary: "0xb1",
		Active:      true,
		AddedAt:     &now,
		LastClaimAt: &now,
	}))

	c, err := testDB.GetCommunityState(ctx, "0xc1")
	require.NoError(t, err)
	require.True(t, decimal.RequireFromString("12.5").Equal(c.RaisedAmount))
	require.Equal(t, now, c.CreatedAt)

	m, err := testDB.FindActiveMembership(ctx, "0xb1")
	require.NoError(t, err)
	require.Equal(t, "0xc1", m.Community)
	require.Nil(t, m.PenultimateClaimAt)

	fresh, err := testDB.AddBacker(ctx, "0xc1", "0xd1", now)
	require.NoError(t, err)
	require.True(t, fresh)
	fresh, err = testDB.AddBacker(ctx, "0xc1", "0xd1", now)
	require.NoError(t, err)
	require.False(t, fresh)

	list, err := testDB.ListCommunities(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestLockCommunitySerializesTransactions(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		inside int
		peak   int
		wg     sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := testDB.InTx(ctx, func(ctx context.Context) error {
				if err := testDB.LockCommunity(ctx, "0xc1"); err != nil {
					return err
				}
				mu.Lock()
				inside++
				peak = max(peak, inside)
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, peak)

	require.Error(t, testDB.LockCommunity(ctx, "0xc1"), "lock outside a transaction")
}
