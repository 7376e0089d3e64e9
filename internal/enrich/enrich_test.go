package enrich

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpesa-analytics/riskpipe/internal/profile"
	"github.com/mpesa-analytics/riskpipe/internal/txn"
)

// 2024-03-02 is a Saturday; 07:00 UTC is 10:00 in Nairobi.
var at = time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC)

type views map[string]*profile.Profile

func (v views) View(account string) *profile.Profile { return v[account] }

func record(sender, receiver, amount string, ts time.Time) *txn.Validated {
	return &txn.Validated{
		Raw: txn.Raw{
			Source:    "mpesa",
			SourceID:  "T-" + amount,
			Timestamp: ts,
			Sender:    sender,
			Receiver:  receiver,
			Amount:    amount,
			Type:      txn.TypeP2PTransfer,
			Location:  "Mombasa",
		},
		Verdict:  txn.VerdictAccepted,
		Amount:   decimal.RequireFromString(amount),
		Currency: txn.DefaultCurrency,
	}
}

func TestEnrich_StaticAttributes(t *testing.T) {
	e := New(DefaultOptions()).Enrich(context.Background(), record("A", "B", "1500", at), views{})

	assert.Equal(t, "Person-to-Person", e.Category)
	assert.Equal(t, "Medium", e.VolumeBand)
	assert.Equal(t, "Coastal Kenya", e.Region)
	assert.Equal(t, 10, e.Hour)
	assert.Equal(t, time.Saturday, e.DayOfWeek)
	assert.True(t, e.Weekend)
	assert.Equal(t, "morning", e.DayPart)
}

func TestEnrich_FreshAccounts(t *testing.T) {
	e := New(DefaultOptions()).Enrich(context.Background(), record("A", "B", "100", at), views{})

	assert.True(t, e.SenderFresh)
	assert.True(t, e.NewCounterparty)
	assert.False(t, e.HasPrevious)
	assert.Zero(t, e.SenderWindowCount)
	assert.Zero(t, e.SenderAgeSeconds)
	assert.False(t, e.Degraded)
}

func TestEnrich_RollingStatistics(t *testing.T) {
	ws := profile.NewWorkingSet(nil)
	ws.Fold("A", "B", at.Add(-3*time.Hour), 100)
	ws.Fold("A", "B", at.Add(-30*time.Minute), 300)
	ws.Fold("A", "C", at.Add(-2*time.Minute), 200)
	ws.Fold("D", "C", at.Add(-10*time.Minute), 50)

	e := New(DefaultOptions()).Enrich(context.Background(), record("A", "C", "400", at), ws)

	assert.False(t, e.SenderFresh)
	assert.Equal(t, int64(3), e.SenderCount)
	assert.InDelta(t, 200, e.SenderMean, 1e-9)
	assert.InDelta(t, 100, e.SenderStddev, 1e-9)
	assert.Equal(t, 2, e.SenderWindowCount)
	assert.Equal(t, 500.0, e.SenderWindowSum)
	assert.Equal(t, []float64{300, 200}, e.SenderWindowAmounts)
	assert.Equal(t, 2, e.ReceiverWindowCount)
	assert.Equal(t, 250.0, e.ReceiverWindowSum)
	assert.False(t, e.NewCounterparty)
	assert.Equal(t, (3 * time.Hour).Seconds(), e.SenderAgeSeconds)

	assert.True(t, e.HasPrevious)
	assert.Equal(t, 120.0, e.SecondsSincePrev)
	assert.True(t, e.RapidSuccession)
}

func TestEnrich_NewCounterparty(t *testing.T) {
	ws := profile.NewWorkingSet(nil)
	ws.Fold("A", "B", at.Add(-time.Hour), 100)

	e := New(DefaultOptions()).Enrich(context.Background(), record("A", "Z", "100", at), ws)
	assert.True(t, e.NewCounterparty)
	assert.False(t, e.RapidSuccession)
}

func TestEnrich_CorruptProfileTreatedAsFresh(t *testing.T) {
	bad := profile.New("A")
	bad.ApplyOutbound(at.Add(-time.Hour), 100, "B")
	bad.Mean = math.NaN()

	e := New(DefaultOptions()).Enrich(context.Background(), record("A", "B", "100", at), views{"A": bad})

	assert.True(t, e.Degraded)
	assert.Contains(t, e.DegradedReason, "enrichment dependency")
	assert.True(t, e.SenderFresh)
	assert.True(t, e.NewCounterparty)
	assert.Zero(t, e.SenderCount)
}

func TestEnrich_DoesNotMutateProfiles(t *testing.T) {
	ws := profile.NewWorkingSet(nil)
	ws.Fold("A", "B", at.Add(-time.Hour), 100)
	before := ws.View("A").Clone()

	New(DefaultOptions()).Enrich(context.Background(), record("A", "B", "100", at), ws)
	require.Equal(t, before, ws.View("A"))
}

func TestVolumeBand(t *testing.T) {
	tests := []struct {
		amount float64
		want   string
	}{
		{1, "Very Small"},
		{100, "Very Small"},
		{100.01, "Small"},
		{2000, "Medium"},
		{9999, "Large"},
		{10001, "Very Large"},
	}
	for _, tc := range tests {
		if got := VolumeBand(tc.amount); got != tc.want {
			t.Errorf("VolumeBand(%v) = %q, want %q", tc.amount, got, tc.want)
		}
	}
}

func TestCategoryAndRegionFallbacks(t *testing.T) {
	assert.Equal(t, "Cash Out", Category(txn.TypeWithdrawal))
	assert.Equal(t, OtherCategory, Category("LOAN"))
	assert.Equal(t, "North Eastern", Region("Garissa"))
	assert.Equal(t, OtherRegion, Region(""))
}

func TestDayPart(t *testing.T) {
	assert.Equal(t, "night", DayPart(3))
	assert.Equal(t, "afternoon", DayPart(12))
	assert.Equal(t, "evening", DayPart(23))
}

func TestLoadLocation_Fallback(t *testing.T) {
	assert.Equal(t, eat, LoadLocation(""))
	assert.Equal(t, eat, LoadLocation("Not/AZone"))
}
