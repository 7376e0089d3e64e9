package pipeline

import (
	"time"

	"github.com/mpesa-analytics/riskpipe/internal/txn"
	"github.com/mpesa-analytics/riskpipe/internal/writer"
)

// State is where a record is in its lifecycle. Rejected, Written,
// SkippedDuplicate, WriteFailed and Failed are terminal.
type State string

const (
	StateReceived         State = "received"
	StateValidated        State = "validated"
	StateRejected         State = "rejected"
	StateEnriched         State = "enriched"
	StateScored           State = "scored"
	StateWriteAttempted   State = "write_attempted"
	StateWritten          State = "written"
	StateSkippedDuplicate State = "skipped_duplicate"
	StateWriteFailed      State = "write_failed"
	// StateFailed marks a record dropped on a broken invariant before the
	// write: a duplicate identity in the batch or an unusable score.
	StateFailed State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateWritten, StateSkippedDuplicate, StateWriteFailed, StateFailed:
		return true
	}
	return false
}

// RunStatus is the outcome of a whole run.
type RunStatus string

const (
	// RunSucceeded: every record was written or skipped as a duplicate.
	RunSucceeded RunStatus = "succeeded"
	// RunPartial: the run completed but some records were rejected or failed.
	RunPartial RunStatus = "partial"
	// RunFailed: a run-level error aborted the run.
	RunFailed RunStatus = "failed"
)

// Batch is one unit of work. ID is derived from the records when empty.
type Batch struct {
	ID      string    `json:"id,omitempty"`
	Records []txn.Raw `json:"records"`
}

// Counts summarises a run.
type Counts struct {
	Input            int `json:"input"`
	Accepted         int `json:"accepted"`
	Rejected         int `json:"rejected"`
	Scored           int `json:"scored"`
	Written          int `json:"written"`
	Overwritten      int `json:"overwritten"`
	SkippedDuplicate int `json:"skippedDuplicate"`
	WriteFailed      int `json:"writeFailed"`
	Failed           int `json:"failed"`
	Flagged          int `json:"flagged"`
	Degraded         int `json:"degraded"`
	ProfilesFolded   int `json:"profilesFolded"`
}

// RecordResult is the outcome of one input record, in input order.
type RecordResult struct {
	Index    int          `json:"index"`
	Identity txn.Identity `json:"identity"`
	State    State        `json:"state"`
	// Overwritten is set when a written record replaced different content.
	Overwritten bool       `json:"overwritten,omitempty"`
	Score       *float64   `json:"score,omitempty"`
	Tier        *txn.Tier  `json:"tier,omitempty"`
	Flags       []txn.Flag `json:"flags,omitempty"`
	Degraded    bool       `json:"degraded,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// RecordViolations lists the violations of one rejected record.
type RecordViolations struct {
	Index      int             `json:"index"`
	Identity   txn.Identity    `json:"identity"`
	Violations []txn.Violation `json:"violations"`
}

// RecordError is a per-record error other than a validation rejection.
type RecordError struct {
	Index    int          `json:"index"`
	Identity txn.Identity `json:"identity"`
	Kind     string       `json:"kind"`
	Message  string       `json:"message"`
}

// Error kinds reported in RecordError.
const (
	KindInvariant     = "invariant_violation"
	KindWriteConflict = "write_conflict"
	KindWriteFailed   = "write_failed"
)

// Report is the result of one run. It is not modified after Run returns.
type Report struct {
	BatchID    string             `json:"batchId"`
	RunID      string             `json:"runId"`
	Status     RunStatus          `json:"status"`
	Counts     Counts             `json:"counts"`
	Tiers      map[string]int     `json:"tiers"`
	Records    []RecordResult     `json:"records"`
	Violations []RecordViolations `json:"violations"`
	Errors     []RecordError      `json:"errors"`
	// Error is the run-level failure, if any.
	Error      string    `json:"error,omitempty"`
	Retryable  bool      `json:"retryable,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	DurationMs int64     `json:"durationMs"`
}

func newReport(batchID, runID string, records []txn.Raw, started time.Time) *Report {
	r := &Report{
		BatchID:    batchID,
		RunID:      runID,
		Tiers:      make(map[string]int, len(txn.Tiers)),
		Records:    make([]RecordResult, len(records)),
		Violations: []RecordViolations{},
		Errors:     []RecordError{},
		StartedAt:  started,
	}
	for _, t := range txn.Tiers {
		r.Tiers[t.String()] = 0
	}
	for i, raw := range records {
		r.Records[i] = RecordResult{Index: i, Identity: raw.Identity(), State: StateReceived}
	}
	r.Counts.Input = len(records)
	return r
}

func (r *Report) addError(i int, kind string, err error) {
	r.Errors = append(r.Errors, RecordError{
		Index:    i,
		Identity: r.Records[i].Identity,
		Kind:     kind,
		Message:  err.Error(),
	})
	r.Records[i].Error = err.Error()
}

func (r *Report) setScored(i int, s *txn.Scored) {
	score, tier := s.Score, s.Tier
	rec := &r.Records[i]
	rec.State = StateScored
	rec.Score = &score
	rec.Tier = &tier
	rec.Degraded = s.Degraded
}

func (r *Report) applyOutcome(i int, o writer.Outcome) {
	rec := &r.Records[i]
	switch o.Status {
	case writer.StatusWritten:
		rec.State = StateWritten
	case writer.StatusOverwritten:
		rec.State = StateWritten
		rec.Overwritten = true
	case writer.StatusSkipped:
		rec.State = StateSkippedDuplicate
	default:
		rec.State = StateWriteFailed
		kind := KindWriteFailed
		if isConflict(o.Err) {
			kind = KindWriteConflict
		}
		err := o.Err
		if err == nil {
			err = errWriteFailed
		}
		r.addError(i, kind, err)
	}
}

// tally derives counts, tiers and the status from the record results.
func (r *Report) tally() {
	c := Counts{Input: len(r.Records), ProfilesFolded: r.Counts.ProfilesFolded}
	for _, rec := range r.Records {
		if rec.State != StateRejected {
			c.Accepted++
		}
		if len(rec.Flags) > 0 {
			c.Flagged++
		}
		if rec.Degraded {
			c.Degraded++
		}
		if rec.Score != nil {
			c.Scored++
			r.Tiers[rec.Tier.String()]++
		}
		switch rec.State {
		case StateRejected:
			c.Rejected++
		case StateWritten:
			c.Written++
			if rec.Overwritten {
				c.Overwritten++
			}
		case StateSkippedDuplicate:
			c.SkippedDuplicate++
		case StateWriteFailed:
			c.WriteFailed++
		case StateFailed:
			c.Failed++
		}
	}
	r.Counts = c

	switch {
	case r.Error != "":
		r.Status = RunFailed
	case c.Rejected+c.WriteFailed+c.Failed > 0:
		r.Status = RunPartial
	default:
		r.Status = RunSucceeded
	}
}
