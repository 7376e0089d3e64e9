package writer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mpesa-analytics/riskpipe/internal/txn"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
// A batch is staged on a copy and swapped in under the lock, so readers
// see all of it or none of it.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[txn.Identity]*Stored
	alerts    map[txn.Identity]*Alert
	summaries map[time.Time]*DailySummary
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[txn.Identity]*Stored),
		alerts:    make(map[txn.Identity]*Alert),
		summaries: make(map[time.Time]*DailySummary),
	}
}

func copyStored(s *Stored) *Stored {
	c := *s
	c.Record.Factors = make(map[string]float64, len(s.Record.Factors))
	for k, v := range s.Record.Factors {
		c.Record.Factors[k] = v
	}
	return &c
}

func (s *MemoryStore) Lookup(ctx context.Context, ids []txn.Identity) (map[txn.Identity]*Stored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[txn.Identity]*Stored, len(ids))
	for _, id := range ids {
		if st, ok := s.records[id]; ok {
			out[id] = copyStored(st)
		}
	}
	return out, nil
}

func (s *MemoryStore) WriteBatch(ctx context.Context, b Batch) ([]Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[txn.Identity]*Stored)
	get := func(id txn.Identity) (*Stored, bool) {
		if st, ok := staged[id]; ok {
			return st, true
		}
		st, ok := s.records[id]
		if ok {
			st = copyStored(st)
		}
		return st, ok
	}

	outcomes := make([]Outcome, len(b.Records))
	touchedDates := make(map[time.Time]bool)
	// A nil alert removes the stored one.
	alerts := make(map[txn.Identity]*Alert)

	for i, rec := range b.Records {
		id := rec.Identity()
		outcomes[i] = Outcome{Identity: id}
		if err := checkRecord(rec); err != nil {
			outcomes[i].Status = StatusFailed
			outcomes[i].Err = fmt.Errorf("constraint violation: %w", err)
			continue
		}

		existing, ok := get(id)
		switch {
		case !ok:
			staged[id] = &Stored{
				Record:    *rec,
				RunID:     b.RunID,
				ClaimedBy: b.RunID,
				ClaimedAt: b.Now,
				CreatedAt: b.Now,
				UpdatedAt: b.Now,
			}
			outcomes[i].Status = StatusWritten
			outcomes[i].Claimed = true

		case existing.Record.ContentHash == rec.ContentHash:
			outcomes[i].Status = StatusSkipped
			if claimable(existing, b.RunID, b.Now, b.Lease) {
				existing.ClaimedBy = b.RunID
				existing.ClaimedAt = b.Now
				staged[id] = existing
				outcomes[i].Claimed = true
			}
			continue

		case b.Policy == PolicyReject:
			outcomes[i].Status = StatusFailed
			outcomes[i].Err = fmt.Errorf("%w: %s already stored with different content", txn.ErrWriteConflict, id)
			continue

		default:
			touchedDates[SummaryDate(&existing.Record)] = true
			existing.Record = *rec
			existing.RunID = b.RunID
			existing.UpdatedAt = b.Now
			if claimable(existing, b.RunID, b.Now, b.Lease) {
				existing.ClaimedBy = b.RunID
				existing.ClaimedAt = b.Now
				outcomes[i].Claimed = true
			}
			staged[id] = existing
			outcomes[i].Status = StatusOverwritten
		}

		touchedDates[SummaryDate(rec)] = true
		alerts[id] = nil
		if RaisesAlert(rec) {
			alerts[id] = &Alert{
				Identity:  id,
				Score:     rec.Score,
				Tier:      rec.Tier,
				Reason:    AlertReason(rec),
				CreatedAt: b.Now,
			}
		}
	}

	// Commit.
	for id, st := range staged {
		s.records[id] = st
	}
	for id, a := range alerts {
		prev, ok := s.alerts[id]
		switch {
		case a == nil:
			delete(s.alerts, id)
		case ok:
			a.CreatedAt = prev.CreatedAt
			s.alerts[id] = a
		default:
			s.alerts[id] = a
		}
	}
	for d := range touchedDates {
		sum := s.summarize(d)
		if sum.TotalTransactions == 0 {
			delete(s.summaries, d)
			continue
		}
		s.summaries[d] = sum
	}
	return outcomes, nil
}

// summarize recomputes the summary of day d (caller holds the lock).
func (s *MemoryStore) summarize(d time.Time) *DailySummary {
	sum := &DailySummary{Date: d}
	senders := make(map[string]bool)
	for _, st := range s.records {
		r := &st.Record
		if !SummaryDate(r).Equal(d) {
			continue
		}
		sum.TotalTransactions++
		sum.TotalAmount = sum.TotalAmount.Add(r.Amount)
		sum.TotalFees = sum.TotalFees.Add(r.Fee)
		if r.Amount.GreaterThan(sum.MaxAmount) {
			sum.MaxAmount = r.Amount
		}
		senders[r.Raw.Sender] = true
		if RaisesAlert(r) {
			sum.HighRiskCount++
		}
		switch r.Raw.Status {
		case txn.StatusCompleted:
			sum.CompletedCount++
		case txn.StatusFailed:
			sum.FailedCount++
		}
	}
	sum.UniqueSenders = int64(len(senders))
	if sum.TotalTransactions > 0 {
		sum.AvgAmount = sum.TotalAmount.Div(decimal.NewFromInt(sum.TotalTransactions)).Round(2)
	}
	return sum
}

func (s *MemoryStore) MarkProfileApplied(ctx context.Context, runID string, ids []txn.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		st, ok := s.records[id]
		if !ok || st.ClaimedBy != runID {
			continue
		}
		st.ProfileApplied = true
		st.ClaimedBy = ""
		st.ClaimedAt = time.Time{}
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id txn.Identity) (*Stored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyStored(st), nil
}

func (s *MemoryStore) ListAlerts(ctx context.Context, limit int) ([]*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Identity.String() < out[j].Identity.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DailySummary(ctx context.Context, date time.Time) (*DailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := date.UTC()
	sum, ok := s.summaries[time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *sum
	return &c, nil
}
