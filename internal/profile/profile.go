// Package profile maintains rolling per-account aggregates.
//
// A Profile summarises everything the pipeline has folded in for one
// account: lifetime outbound statistics (Welford mean and variance), inbound
// totals, first/last activity, outbound counterparties, and a capped list of
// recent activity used for trailing-window counts. Profiles are versioned;
// stores only accept a write whose expected version matches the stored one.
package profile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("profile not found")
	ErrVersionConflict = errors.New("profile version conflict")
	ErrCorrupt         = errors.New("profile data corrupt")
)

const (
	// MaxRecent caps the activity kept for window statistics.
	MaxRecent = 200

	// RetainWindow bounds how far back recent activity is kept, measured
	// from the newest activity in the profile rather than the wall clock.
	RetainWindow = 24 * time.Hour
)

// Activity is one folded transaction as seen from the profile's account.
type Activity struct {
	At           time.Time `json:"at"`
	Amount       float64   `json:"amount"`
	Counterparty string    `json:"counterparty"`
	Outbound     bool      `json:"outbound"`
}

// Profile is the rolling aggregate of one account.
type Profile struct {
	Account string `json:"account"`

	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`

	ReceivedCount int64   `json:"receivedCount"`
	ReceivedSum   float64 `json:"receivedSum"`

	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	LastSent  time.Time `json:"lastSent"`

	Counterparties map[string]int64 `json:"counterparties"`
	Recent         []Activity       `json:"recent"`

	// Version is 0 for a profile that has never been stored.
	Version int64 `json:"version"`

	// Damaged is set by a store that could not decode part of the row.
	Damaged string `json:"-"`
}

// New returns an empty profile for account.
func New(account string) *Profile {
	return &Profile{Account: account, Counterparties: make(map[string]int64)}
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	c := *p
	c.Counterparties = make(map[string]int64, len(p.Counterparties))
	for k, v := range p.Counterparties {
		c.Counterparties[k] = v
	}
	c.Recent = append([]Activity(nil), p.Recent...)
	return &c
}

// Fresh reports whether nothing has been folded into the profile yet.
func (p *Profile) Fresh() bool {
	return p.Count == 0 && p.ReceivedCount == 0
}

// Stddev returns the sample standard deviation of outbound amounts.
func (p *Profile) Stddev() float64 {
	if p.Count < 2 {
		return 0
	}
	return math.Sqrt(p.M2 / float64(p.Count-1))
}

// Check reports aggregates that cannot come from any sequence of folds.
func (p *Profile) Check() error {
	var problems []string
	if p.Damaged != "" {
		problems = append(problems, p.Damaged)
	}
	if p.Count < 0 || p.ReceivedCount < 0 {
		problems = append(problems, "negative count")
	}
	for name, v := range map[string]float64{"sum": p.Sum, "mean": p.Mean, "m2": p.M2, "receivedSum": p.ReceivedSum} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			problems = append(problems, name+" not finite")
		}
	}
	if p.M2 < 0 {
		problems = append(problems, "negative m2")
	}
	if p.Count == 0 && p.Sum != 0 {
		problems = append(problems, "sum without count")
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s: %s", ErrCorrupt, p.Account, strings.Join(problems, ", "))
}

// ApplyOutbound folds a sent transaction into the profile.
func (p *Profile) ApplyOutbound(at time.Time, amount float64, counterparty string) {
	p.Count++
	p.Sum += amount
	delta := amount - p.Mean
	p.Mean += delta / float64(p.Count)
	p.M2 += delta * (amount - p.Mean)

	if p.Counterparties == nil {
		p.Counterparties = make(map[string]int64)
	}
	p.Counterparties[counterparty]++
	if at.After(p.LastSent) {
		p.LastSent = at
	}
	p.touch(Activity{At: at, Amount: amount, Counterparty: counterparty, Outbound: true})
}

// ApplyInbound folds a received transaction into the profile.
func (p *Profile) ApplyInbound(at time.Time, amount float64, counterparty string) {
	p.ReceivedCount++
	p.ReceivedSum += amount
	p.touch(Activity{At: at, Amount: amount, Counterparty: counterparty})
}

func (p *Profile) touch(a Activity) {
	if p.FirstSeen.IsZero() || a.At.Before(p.FirstSeen) {
		p.FirstSeen = a.At
	}
	if a.At.After(p.LastSeen) {
		p.LastSeen = a.At
	}

	// Keep Recent ordered by time; folds usually arrive in order.
	i := sort.Search(len(p.Recent), func(i int) bool { return p.Recent[i].At.After(a.At) })
	p.Recent = append(p.Recent, Activity{})
	copy(p.Recent[i+1:], p.Recent[i:])
	p.Recent[i] = a
	p.prune()
}

// prune drops activity older than RetainWindow before LastSeen and caps
// the list at MaxRecent.
func (p *Profile) prune() {
	cutoff := p.LastSeen.Add(-RetainWindow)
	start := 0
	for start < len(p.Recent) && p.Recent[start].At.Before(cutoff) {
		start++
	}
	if len(p.Recent)-start > MaxRecent {
		start = len(p.Recent) - MaxRecent
	}
	if start > 0 {
		p.Recent = append([]Activity(nil), p.Recent[start:]...)
	}
}

// WindowStats summarises activity in a trailing window.
type WindowStats struct {
	Count   int
	Sum     float64
	Amounts []float64
}

// Window returns the activity in (end-d, end) in one direction. Activity
// at or after end is excluded so a transaction never counts itself or
// anything that happened later.
func (p *Profile) Window(end time.Time, d time.Duration, outbound bool) WindowStats {
	var ws WindowStats
	start := end.Add(-d)
	for _, a := range p.Recent {
		if a.Outbound != outbound || !a.At.After(start) || !a.At.Before(end) {
			continue
		}
		ws.Count++
		ws.Sum += a.Amount
		ws.Amounts = append(ws.Amounts, a.Amount)
	}
	return ws
}

// PreviousSent returns the latest outbound activity strictly before at.
func (p *Profile) PreviousSent(at time.Time) (time.Time, bool) {
	var prev time.Time
	for _, a := range p.Recent {
		if a.Outbound && a.At.Before(at) && a.At.After(prev) {
			prev = a.At
		}
	}
	if p.LastSent.Before(at) && p.LastSent.After(prev) {
		prev = p.LastSent
	}
	return prev, !prev.IsZero()
}

// Store persists profiles.
type Store interface {
	Get(ctx context.Context, account string) (*Profile, error)
	// GetMany returns the stored profiles among accounts; missing accounts
	// are absent from the map.
	GetMany(ctx context.Context, accounts []string) (map[string]*Profile, error)
	// CompareAndSwap writes every profile or none. Each profile's Version is
	// the version it was read at (0 for new). On mismatch it returns a
	// *ConflictError and writes nothing. Stored versions are incremented.
	CompareAndSwap(ctx context.Context, profiles []*Profile) error
}

// ConflictError lists the accounts whose stored version moved on.
type ConflictError struct {
	Accounts []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %s", ErrVersionConflict, strings.Join(e.Accounts, ", "))
}

func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}
