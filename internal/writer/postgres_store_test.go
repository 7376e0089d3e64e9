//go:build integration

package writer

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpesa-analytics/riskpipe/internal/testutil"
	"github.com/mpesa-analytics/riskpipe/internal/txn"
)

func TestPostgres_WriteLookupAndRerun(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	w := New(store, PolicyOverwrite, 0)

	recs := []*txn.Scored{
		scored("T1", "100", 0.1, txn.TierLow),
		scored("T2", "95000", 0.827, txn.TierHigh),
	}
	res, err := w.Write(ctx, "run-1", recs, now)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	assert.True(t, res.Outcomes[0].Claimed)

	ids := []txn.Identity{recs[0].Identity(), recs[1].Identity(), {Source: "mpesa", ID: "missing"}}
	found, err := store.Lookup(ctx, ids)
	require.NoError(t, err)
	require.Len(t, found, 2)
	got := found[recs[1].Identity()]
	assert.Equal(t, recs[1].ContentHash, got.Record.ContentHash)
	assert.Equal(t, txn.TierHigh, got.Record.Tier)
	assert.Equal(t, "run-1", got.ClaimedBy)

	require.NoError(t, store.MarkProfileApplied(ctx, "run-1", ids[:2]))

	res, err = w.Write(ctx, "run-2", []*txn.Scored{scored("T1", "100", 0.1, txn.TierLow)}, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Outcomes[0].Status)
	assert.False(t, res.Outcomes[0].Claimed)

	st, err := store.Get(ctx, recs[0].Identity())
	require.NoError(t, err)
	assert.True(t, st.ProfileApplied)
	assert.Empty(t, st.ClaimedBy)
	assert.Equal(t, "run-1", st.RunID)
}

func TestPostgres_ConstraintFailureIsolated(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	w := New(store, PolicyOverwrite, 0)

	badCurrency := scored("T2", "100", 0.1, txn.TierLow)
	badCurrency.Currency = "KESX"
	badFee := scored("T3", "100", 0.1, txn.TierLow)
	badFee.Fee = decimal.NewFromInt(-1)

	res, err := w.Write(ctx, "run-1", []*txn.Scored{
		scored("T1", "100", 0.1, txn.TierLow),
		badCurrency,
		badFee,
		scored("T4", "300", 0.1, txn.TierLow),
	}, now)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, StatusFailed, res.Outcomes[1].Status)
	assert.Equal(t, StatusFailed, res.Outcomes[2].Status)

	sum, err := store.DailySummary(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.TotalTransactions)
	assert.True(t, sum.TotalAmount.Equal(decimal.NewFromInt(400)))
}

func TestPostgres_RejectPolicyKeepsStored(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	_, err := New(store, PolicyOverwrite, 0).Write(ctx, "run-1", []*txn.Scored{scored("T1", "100", 0.1, txn.TierLow)}, now)
	require.NoError(t, err)

	res, err := New(store, PolicyReject, 0).Write(ctx, "run-2", []*txn.Scored{scored("T1", "150", 0.1, txn.TierLow)}, now)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Outcomes[0].Status)
	assert.ErrorIs(t, res.Outcomes[0].Err, txn.ErrWriteConflict)

	res, err = New(store, PolicyOverwrite, 0).Write(ctx, "run-3", []*txn.Scored{scored("T1", "150", 0.1, txn.TierLow)}, now)
	require.NoError(t, err)
	assert.Equal(t, StatusOverwritten, res.Outcomes[0].Status)

	st, err := store.Get(ctx, txn.Identity{Source: "mpesa", ID: "T1"})
	require.NoError(t, err)
	assert.True(t, st.Record.Amount.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, "run-3", st.RunID)
}

func TestPostgres_AlertsOrderedByScore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	_, err := New(store, PolicyOverwrite, 0).Write(ctx, "run-1", []*txn.Scored{
		scored("T1", "100", 0.7, txn.TierHigh),
		scored("T2", "100", 0.9, txn.TierCritical),
		scored("T3", "100", 0.2, txn.TierLow),
	}, now)
	require.NoError(t, err)

	alerts, err := store.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "T2", alerts[0].Identity.ID)
	assert.Equal(t, txn.TierCritical, alerts[0].Tier)
	assert.Equal(t, "T1", alerts[1].Identity.ID)
}

func TestPostgres_OverwriteMovesDay(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	testOverwriteMovesDay(t, NewPostgresStore(db))
}

func TestPostgres_OverwriteChangesTier(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	testOverwriteChangesTier(t, NewPostgresStore(db))
}
