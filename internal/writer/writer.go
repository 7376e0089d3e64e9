// Package writer persists scored transactions idempotently.
//
// Every record is keyed on its identity (source name + source id). Writing
// a record whose stored content hash matches is a no-op; a differing hash is
// resolved by the conflict policy. A batch is committed atomically: either
// all of its surviving records become visible or none do. Records that
// violate a storage constraint fail on their own without failing the batch.
//
// The writer also hands out profile-fold claims. A claim says "this run
// may fold this record into account profiles"; it is granted at most once
// per record until the fold is confirmed, except when a previous claim has
// outlived its lease (the claiming run crashed).
package writer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mpesa-analytics/riskpipe/internal/txn"
)

var ErrNotFound = errors.New("transaction not found")

// DefaultClaimLease is how long a profile-fold claim blocks other runs.
const DefaultClaimLease = 10 * time.Minute

// Policy decides what happens when a stored record has different content.
type Policy string

const (
	PolicyOverwrite Policy = "overwrite"
	PolicyReject    Policy = "reject"
)

// ParsePolicy validates a policy name. Empty selects overwrite.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyOverwrite:
		return PolicyOverwrite, nil
	case PolicyReject:
		return PolicyReject, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q (want overwrite or reject)", s)
}

// Status is the per-record write outcome.
type Status string

const (
	StatusWritten     Status = "written"
	StatusOverwritten Status = "overwritten"
	StatusSkipped     Status = "skipped_duplicate"
	StatusFailed      Status = "write_failed"
)

// Outcome is the result of writing one record.
type Outcome struct {
	Identity txn.Identity `json:"identity"`
	Status   Status       `json:"status"`
	// Claimed is true when this run must fold the record into profiles.
	Claimed bool  `json:"claimed"`
	Err     error `json:"-"`
}

// Stored is a persisted record with its bookkeeping.
type Stored struct {
	Record         txn.Scored `json:"record"`
	RunID          string     `json:"runId"`
	ProfileApplied bool       `json:"profileApplied"`
	ClaimedBy      string     `json:"claimedBy,omitempty"`
	ClaimedAt      time.Time  `json:"claimedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Alert is a fraud alert raised for a high-risk record.
type Alert struct {
	Identity  txn.Identity `json:"identity"`
	Score     float64      `json:"score"`
	Tier      txn.Tier     `json:"tier"`
	Reason    string       `json:"reason"`
	CreatedAt time.Time    `json:"createdAt"`
}

// DailySummary aggregates the stored transactions of one UTC day.
type DailySummary struct {
	Date              time.Time       `json:"date"`
	TotalTransactions int64           `json:"totalTransactions"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
	TotalFees         decimal.Decimal `json:"totalFees"`
	AvgAmount         decimal.Decimal `json:"avgAmount"`
	MaxAmount         decimal.Decimal `json:"maxAmount"`
	UniqueSenders     int64           `json:"uniqueSenders"`
	HighRiskCount     int64           `json:"highRiskCount"`
	CompletedCount    int64           `json:"completedCount"`
	FailedCount       int64           `json:"failedCount"`
}

// Batch is one call to Store.WriteBatch.
type Batch struct {
	RunID   string
	Records []*txn.Scored
	Policy  Policy
	Now     time.Time
	Lease   time.Duration
}

// Store persists scored transactions.
type Store interface {
	// Lookup returns the stored state of the given identities; absent ones
	// are missing from the map.
	Lookup(ctx context.Context, ids []txn.Identity) (map[txn.Identity]*Stored, error)
	// WriteBatch writes all records in one atomic unit and returns one
	// outcome per record, in order. A returned error means nothing was
	// written.
	WriteBatch(ctx context.Context, b Batch) ([]Outcome, error)
	// MarkProfileApplied confirms the fold of records claimed by runID.
	MarkProfileApplied(ctx context.Context, runID string, ids []txn.Identity) error
	Get(ctx context.Context, id txn.Identity) (*Stored, error)
	ListAlerts(ctx context.Context, limit int) ([]*Alert, error)
	DailySummary(ctx context.Context, date time.Time) (*DailySummary, error)
}

// Result is the aggregate of one Write call.
type Result struct {
	Outcomes    []Outcome `json:"outcomes"`
	Written     int       `json:"written"`
	Overwritten int       `json:"overwritten"`
	Skipped     int       `json:"skippedDuplicate"`
	Failed      int       `json:"failed"`
}

// Writer applies a conflict policy and claim lease to a Store.
type Writer struct {
	store  Store
	policy Policy
	lease  time.Duration
}

// New creates a writer.
func New(store Store, policy Policy, lease time.Duration) *Writer {
	if policy == "" {
		policy = PolicyOverwrite
	}
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	return &Writer{store: store, policy: policy, lease: lease}
}

// Store returns the underlying store.
func (w *Writer) Store() Store {
	return w.store
}

// Policy returns the conflict policy applied to changed records.
func (w *Writer) Policy() Policy {
	return w.policy
}

// Write persists a scored batch. now is the time recorded on claims. Any
// error is wrapped in txn.ErrStoreUnavailable: the batch is not visible.
func (w *Writer) Write(ctx context.Context, runID string, records []*txn.Scored, now time.Time) (*Result, error) {
	if len(records) == 0 {
		return &Result{}, nil
	}
	outcomes, err := w.store.WriteBatch(ctx, Batch{
		RunID:   runID,
		Records: records,
		Policy:  w.policy,
		Now:     now,
		Lease:   w.lease,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: write batch: %v", txn.ErrStoreUnavailable, err)
	}
	if len(outcomes) != len(records) {
		return nil, fmt.Errorf("%w: store returned %d outcomes for %d records",
			txn.ErrInvariantViolation, len(outcomes), len(records))
	}

	res := &Result{Outcomes: outcomes}
	for _, o := range outcomes {
		switch o.Status {
		case StatusWritten:
			res.Written++
		case StatusOverwritten:
			res.Overwritten++
		case StatusSkipped:
			res.Skipped++
		case StatusFailed:
			res.Failed++
		}
	}
	return res, nil
}

// claimable reports whether runID may take the fold claim of s.
func claimable(s *Stored, runID string, now time.Time, lease time.Duration) bool {
	if s.ProfileApplied {
		return false
	}
	if s.ClaimedBy == "" || s.ClaimedBy == runID {
		return true
	}
	return !now.Before(s.ClaimedAt.Add(lease))
}

// AlertReason names the signals that drove a score, strongest first.
func AlertReason(s *txn.Scored) string {
	type kv struct {
		k string
		v float64
	}
	var top []kv
	for k, v := range s.Factors {
		if v >= 0.5 {
			top = append(top, kv{k, v})
		}
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].v != top[j].v {
			return top[i].v > top[j].v
		}
		return top[i].k < top[j].k
	})
	if len(top) == 0 {
		return fmt.Sprintf("score %.3f", s.Score)
	}
	names := make([]string, len(top))
	for i, e := range top {
		names[i] = e.k
	}
	return strings.Join(names, ", ")
}

// RaisesAlert reports whether a record's tier warrants a fraud alert.
func RaisesAlert(s *txn.Scored) bool {
	return s.Tier.AtLeast(txn.TierHigh)
}

// SummaryDate is the UTC day a record is summarised under.
func SummaryDate(s *txn.Scored) time.Time {
	ts := s.Raw.Timestamp.UTC()
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
}

// checkRecord enforces the constraints the storage schema declares.
func checkRecord(s *txn.Scored) error {
	id := s.Identity()
	switch {
	case id.Source == "" || id.ID == "":
		return fmt.Errorf("identity must not be empty")
	case s.Score < 0 || s.Score > 1:
		return fmt.Errorf("score %v outside [0, 1]", s.Score)
	case !s.Amount.IsPositive():
		return fmt.Errorf("amount must be positive")
	case s.ContentHash == "":
		return fmt.Errorf("content hash must not be empty")
	}
	return nil
}
