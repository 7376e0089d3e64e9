// Package enrich derives business attributes and counterparty statistics
// for validated transactions.
package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/mpesa-analytics/riskpipe/internal/logging"
	"github.com/mpesa-analytics/riskpipe/internal/profile"
	"github.com/mpesa-analytics/riskpipe/internal/txn"
)

// Defaults for the engine options.
const (
	DefaultWindow   = time.Hour
	DefaultRapidGap = 5 * time.Minute
)

// East Africa Time has no daylight saving, so a fixed zone is exact.
var eat = time.FixedZone("EAT", 3*60*60)

// Categories by transaction type.
var categories = map[string]string{
	txn.TypeP2PTransfer:     "Person-to-Person",
	txn.TypeMerchantPayment: "Business Payments",
	txn.TypeBillPayment:     "Bills & Utilities",
	txn.TypeAirtimeTopup:    "Airtime & Data",
	txn.TypeWithdrawal:      "Cash Out",
	txn.TypeDeposit:         "Cash In",
}

// Regions by town.
var regions = map[string]string{
	"Nairobi": "Central Kenya",
	"Thika":   "Central Kenya",
	"Mombasa": "Coastal Kenya",
	"Malindi": "Coastal Kenya",
	"Kisumu":  "Western Kenya",
	"Kisii":   "Western Kenya",
	"Nakuru":  "Rift Valley",
	"Eldoret": "Rift Valley",
	"Kitale":  "Rift Valley",
	"Garissa": "North Eastern",
}

const (
	OtherCategory = "Other"
	OtherRegion   = "Other Region"
)

type band struct {
	upper float64
	name  string
}

// Volume bands; the upper bound is inclusive.
var volumeBands = []band{
	{100, "Very Small"},
	{500, "Small"},
	{2000, "Medium"},
	{10000, "Large"},
}

const veryLarge = "Very Large"

// Options configures the engine.
type Options struct {
	// Window is the trailing window for rolling counts and sums.
	Window time.Duration
	// RapidGap is the largest gap between two sends from one account that
	// still counts as rapid succession.
	RapidGap time.Duration
	// Location is the zone used for time-of-day features.
	Location *time.Location
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{Window: DefaultWindow, RapidGap: DefaultRapidGap, Location: eat}
}

// ProfileView is read access to the current account profiles.
type ProfileView interface {
	View(account string) *profile.Profile
}

// Engine enriches validated transactions. It never mutates profiles.
type Engine struct {
	opts Options
}

// New creates an enrichment engine.
func New(opts Options) *Engine {
	def := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.RapidGap <= 0 {
		opts.RapidGap = def.RapidGap
	}
	if opts.Location == nil {
		opts.Location = def.Location
	}
	return &Engine{opts: opts}
}

// LoadLocation resolves a zone name, falling back to East Africa Time when
// the zone database is unavailable.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return eat
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return eat
	}
	return loc
}

// Enrich derives attributes for an accepted record. A profile that fails
// its consistency check is treated as absent; the result is marked
// degraded and a warning is logged.
func (e *Engine) Enrich(ctx context.Context, v *txn.Validated, profiles ProfileView) *txn.Enriched {
	raw := v.Raw
	out := &txn.Enriched{
		Validated:  *v,
		Category:   Category(raw.Type),
		VolumeBand: VolumeBand(v.AmountFloat()),
		Region:     Region(raw.Location),
	}

	local := raw.Timestamp.In(e.opts.Location)
	out.Hour = local.Hour()
	out.DayOfWeek = local.Weekday()
	out.Weekend = out.DayOfWeek == time.Saturday || out.DayOfWeek == time.Sunday
	out.DayPart = DayPart(out.Hour)

	sender := e.usable(ctx, out, profiles.View(raw.Sender))
	receiver := e.usable(ctx, out, profiles.View(raw.Receiver))

	if receiver != nil {
		in := receiver.Window(raw.Timestamp, e.opts.Window, false)
		out.ReceiverWindowCount = in.Count
		out.ReceiverWindowSum = in.Sum
	}

	if sender == nil || sender.Count == 0 {
		out.SenderFresh = sender == nil || sender.Fresh()
		out.NewCounterparty = true
		if sender != nil && !sender.FirstSeen.IsZero() {
			out.SenderAgeSeconds = age(sender.FirstSeen, raw.Timestamp)
		}
		return out
	}

	ws := sender.Window(raw.Timestamp, e.opts.Window, true)
	out.SenderWindowCount = ws.Count
	out.SenderWindowSum = ws.Sum
	out.SenderWindowAmounts = ws.Amounts

	out.SenderCount = sender.Count
	out.SenderMean = sender.Mean
	out.SenderStddev = sender.Stddev()
	out.SenderAgeSeconds = age(sender.FirstSeen, raw.Timestamp)
	out.NewCounterparty = sender.Counterparties[raw.Receiver] == 0

	if prev, ok := sender.PreviousSent(raw.Timestamp); ok {
		gap := raw.Timestamp.Sub(prev)
		out.HasPrevious = true
		out.SecondsSincePrev = gap.Seconds()
		out.RapidSuccession = gap < e.opts.RapidGap
	}
	return out
}

func (e *Engine) usable(ctx context.Context, out *txn.Enriched, p *profile.Profile) *profile.Profile {
	if p == nil {
		return nil
	}
	if err := p.Check(); err != nil {
		err = fmt.Errorf("%w: %v", txn.ErrEnrichmentDependency, err)
		logging.L(ctx).Warn("treating corrupt profile as fresh",
			"transaction", out.Raw.Identity().String(),
			"account", p.Account,
			"error", err)
		out.Degraded = true
		if out.DegradedReason == "" {
			out.DegradedReason = err.Error()
		}
		return nil
	}
	return p
}

func age(first, at time.Time) float64 {
	if first.IsZero() || at.Before(first) {
		return 0
	}
	return at.Sub(first).Seconds()
}

// Category maps a transaction type to its business category.
func Category(txType string) string {
	if c, ok := categories[txType]; ok {
		return c
	}
	return OtherCategory
}

// Region maps a town to its region.
func Region(location string) string {
	if r, ok := regions[location]; ok {
		return r
	}
	return OtherRegion
}

// VolumeBand buckets an amount.
func VolumeBand(amount float64) string {
	for _, b := range volumeBands {
		if amount <= b.upper {
			return b.name
		}
	}
	return veryLarge
}

// DayPart buckets an hour of the day.
func DayPart(hour int) string {
	switch {
	case hour < 6:
		return "night"
	case hour < 12:
		return "morning"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}
