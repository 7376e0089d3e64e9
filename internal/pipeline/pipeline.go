// Package pipeline coordinates one Transform-Score-Load run over a batch of
// raw transactions.
//
// A run validates every record, enriches and scores the accepted ones in
// timestamp order against a run-local working copy of the account
// profiles, hands the scored batch to the writer in one call, and only
// then folds the records this run holds a claim on into the stored
// profiles. Nothing reaches the profile store before the write commits.
//
// The coordinator never retries a run. A run that fails on the store
// returns an error wrapping txn.ErrStoreUnavailable; re-invoking it with
// the same batch is safe because writes are idempotent.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mpesa-analytics/riskpipe/internal/circuitbreaker"
	"github.com/mpesa-analytics/riskpipe/internal/enrich"
	"github.com/mpesa-analytics/riskpipe/internal/idgen"
	"github.com/mpesa-analytics/riskpipe/internal/logging"
	"github.com/mpesa-analytics/riskpipe/internal/metrics"
	"github.com/mpesa-analytics/riskpipe/internal/profile"
	"github.com/mpesa-analytics/riskpipe/internal/risk"
	"github.com/mpesa-analytics/riskpipe/internal/traces"
	"github.com/mpesa-analytics/riskpipe/internal/txn"
	"github.com/mpesa-analytics/riskpipe/internal/validation"
	"github.com/mpesa-analytics/riskpipe/internal/writer"
)

// Breaker keys for the two stores.
const (
	StoreTransactions = "transactions"
	StoreProfiles     = "profiles"
)

const (
	DefaultStoreTimeout = 10 * time.Second
	DefaultCASAttempts  = 5
	casBaseDelay        = 20 * time.Millisecond
)

var errWriteFailed = errors.New("write failed")

// Observer is notified after every run. Calls happen on the run's
// goroutine and must not block.
type Observer interface {
	RunCompleted(r *Report)
	HighRisk(s *txn.Scored)
}

// Config wires a coordinator.
type Config struct {
	Validator *validation.Validator
	Enricher  *enrich.Engine
	Scorer    *risk.Engine
	Writer    *writer.Writer
	Profiles  profile.Store
	// Breaker guards store calls; nil creates a private one.
	Breaker *circuitbreaker.Breaker
	// StoreTimeout bounds every store call.
	StoreTimeout time.Duration
	// CASAttempts bounds the profile compare-and-swap loop.
	CASAttempts int
	// Clock supplies the validation reference time and claim timestamps.
	Clock    func() time.Time
	Observer Observer
}

// Coordinator runs batches. It is safe for concurrent use on disjoint
// batches; overlapping accounts are serialised by the profile store.
type Coordinator struct {
	validator    *validation.Validator
	enricher     *enrich.Engine
	scorer       *risk.Engine
	writer       *writer.Writer
	profiles     profile.Store
	breaker      *circuitbreaker.Breaker
	storeTimeout time.Duration
	casAttempts  int
	clock        func() time.Time
	observer     Observer
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Writer == nil || cfg.Profiles == nil || cfg.Scorer == nil {
		return nil, errors.New("pipeline: writer, profile store and scorer are required")
	}
	c := &Coordinator{
		validator:    cfg.Validator,
		enricher:     cfg.Enricher,
		scorer:       cfg.Scorer,
		writer:       cfg.Writer,
		profiles:     cfg.Profiles,
		breaker:      cfg.Breaker,
		storeTimeout: cfg.StoreTimeout,
		casAttempts:  cfg.CASAttempts,
		clock:        cfg.Clock,
		observer:     cfg.Observer,
	}
	if c.validator == nil {
		c.validator = validation.New(validation.DefaultRules())
	}
	if c.enricher == nil {
		c.enricher = enrich.New(enrich.DefaultOptions())
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if c.storeTimeout <= 0 {
		c.storeTimeout = DefaultStoreTimeout
	}
	if c.casAttempts <= 0 {
		c.casAttempts = DefaultCASAttempts
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c, nil
}

// Breaker returns the circuit breaker guarding the stores.
func (c *Coordinator) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

// run holds the state of one invocation.
type run struct {
	id        string
	now       time.Time
	report    *Report
	validated []*txn.Validated
	scored    []*txn.Scored // by input index; nil when not scored
	stored    map[txn.Identity]*writer.Stored
	loaded    map[string]*profile.Profile
	order     []int // accepted, unique input indices in processing order
}

// Run processes one batch. The returned report is always non-nil; err is
// non-nil only for a run-level failure, in which case the report status
// is RunFailed.
func (c *Coordinator) Run(ctx context.Context, b Batch) (*Report, error) {
	started := c.clock()
	runID := idgen.RunID()
	batchID := b.ID
	if batchID == "" {
		batchID = txn.BatchID(b.Records)
	}

	ctx = logging.WithRunID(ctx, runID)
	ctx, span := traces.StartSpan(ctx, "pipeline.run",
		traces.BatchID(batchID), traces.RunID(runID), traces.Records(len(b.Records)))

	r := &run{
		id:        runID,
		now:       started,
		report:    newReport(batchID, runID, b.Records, started),
		validated: make([]*txn.Validated, len(b.Records)),
		scored:    make([]*txn.Scored, len(b.Records)),
	}

	err := c.execute(ctx, r, b.Records)
	rep := r.report
	if err != nil {
		rep.Error = err.Error()
		rep.Retryable = txn.Retryable(err)
	}
	rep.FinishedAt = c.clock()
	rep.DurationMs = rep.FinishedAt.Sub(rep.StartedAt).Milliseconds()
	rep.tally()

	c.record(ctx, rep, err)
	span.SetAttributes(traces.Status(string(rep.Status)))
	traces.End(span, err)

	if c.observer != nil {
		c.observer.RunCompleted(rep)
	}
	return rep, err
}

func (c *Coordinator) execute(ctx context.Context, r *run, records []txn.Raw) error {
	c.validate(ctx, r, records)
	if len(r.order) == 0 {
		return nil
	}

	if err := c.load(ctx, r); err != nil {
		return err
	}
	c.score(ctx, r)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run cancelled before write: %w", err)
	}
	claimed, err := c.write(ctx, r)
	if err != nil {
		return err
	}
	return c.commit(ctx, r, claimed)
}

// validate runs the validator over every record and detects duplicate
// identities among the accepted ones.
func (c *Coordinator) validate(ctx context.Context, r *run, records []txn.Raw) {
	defer metrics.ObserveStage("validate", time.Now())
	_, span := traces.StartSpan(ctx, "pipeline.validate")
	defer span.End()

	rep := r.report
	seen := make(map[txn.Identity]int, len(records))
	for i, raw := range records {
		v := c.validator.Validate(raw, r.now)
		r.validated[i] = v
		rec := &rep.Records[i]
		rec.Flags = v.Flags

		if !v.Accepted() {
			rec.State = StateRejected
			rep.Violations = append(rep.Violations, RecordViolations{
				Index:      i,
				Identity:   rec.Identity,
				Violations: v.Violations,
			})
			for _, viol := range v.Violations {
				metrics.ViolationsTotal.WithLabelValues(viol.Rule).Inc()
			}
			continue
		}
		rec.State = StateValidated

		id := raw.Identity()
		if first, dup := seen[id]; dup {
			err := fmt.Errorf("%w: identity %s repeats record %d of the batch", txn.ErrInvariantViolation, id, first)
			logging.L(ctx).Error("duplicate identity in batch", "transaction", id.String(), "index", i, "first", first)
			rec.State = StateFailed
			rep.addError(i, KindInvariant, err)
			continue
		}
		seen[id] = i
		r.order = append(r.order, i)
	}

	// Stable: records with equal timestamps keep their input order.
	sort.SliceStable(r.order, func(a, b int) bool {
		return records[r.order[a]].Timestamp.Before(records[r.order[b]].Timestamp)
	})
}

// load reads the stored state of the accepted records and the profiles of
// every account they touch.
func (c *Coordinator) load(ctx context.Context, r *run) error {
	defer metrics.ObserveStage("load", time.Now())
	ctx, span := traces.StartSpan(ctx, "pipeline.load")
	defer span.End()

	ids := make([]txn.Identity, len(r.order))
	folds := make([]profile.Folding, len(r.order))
	for k, i := range r.order {
		raw := r.validated[i].Raw
		ids[k] = raw.Identity()
		folds[k] = profile.Folding{Sender: raw.Sender, Receiver: raw.Receiver}
	}

	err := c.call(ctx, StoreTransactions, "lookup", func(ctx context.Context) error {
		var err error
		r.stored, err = c.writer.Store().Lookup(ctx, ids)
		return err
	})
	if err != nil {
		return err
	}

	return c.call(ctx, StoreProfiles, "get_many", func(ctx context.Context) error {
		var err error
		r.loaded, err = c.profiles.GetMany(ctx, profile.Accounts(folds))
		return err
	})
}

// score enriches and scores the accepted records in timestamp order. A
// record already stored with identical content keeps its stored score, so
// reruns report the same tiers. Records whose contribution is not yet in
// the stored profiles are folded into the working set for later records.
func (c *Coordinator) score(ctx context.Context, r *run) {
	defer metrics.ObserveStage("score", time.Now())
	ctx, span := traces.StartSpan(ctx, "pipeline.score")
	defer span.End()

	rep := r.report
	working := profile.NewWorkingSet(r.loaded)
	model := c.scorer.ModelVersion()

	for _, i := range r.order {
		v := r.validated[i]
		id := v.Raw.Identity()
		stored := r.stored[id]

		var scored *txn.Scored
		if stored != nil && stored.Record.ContentHash == txn.ContentHash(v, model) {
			rec := stored.Record
			scored = &rec
			rep.Records[i].State = StateEnriched
		} else {
			enriched := c.enricher.Enrich(ctx, v, working)
			rep.Records[i].State = StateEnriched
			var err error
			scored, err = c.scorer.Score(enriched)
			if err != nil {
				logging.L(ctx).Error("record dropped on scoring invariant",
					"transaction", id.String(), "error", err)
				rep.Records[i].State = StateFailed
				rep.addError(i, KindInvariant, err)
				continue
			}
		}

		r.scored[i] = scored
		rep.setScored(i, scored)

		if c.foldsTentatively(stored, scored) {
			working.Fold(v.Raw.Sender, v.Raw.Receiver, v.Raw.Timestamp, v.AmountFloat())
		}
	}
}

// foldsTentatively reports whether a scored record is folded into the run's
// working profiles ahead of the write. Records already folded are not, and
// neither are changed records the reject policy will refuse.
func (c *Coordinator) foldsTentatively(stored *writer.Stored, scored *txn.Scored) bool {
	if stored == nil {
		return true
	}
	if stored.ProfileApplied {
		return false
	}
	return stored.Record.ContentHash == scored.ContentHash || c.writer.Policy() != writer.PolicyReject
}

// write hands the scored records to the writer in input order and returns
// the indices of the records this run must fold, in processing order.
func (c *Coordinator) write(ctx context.Context, r *run) ([]int, error) {
	defer metrics.ObserveStage("write", time.Now())
	ctx, span := traces.StartSpan(ctx, "pipeline.write")
	defer span.End()

	rep := r.report
	var (
		batch   []*txn.Scored
		indices []int
	)
	for i, s := range r.scored {
		if s == nil {
			continue
		}
		batch = append(batch, s)
		indices = append(indices, i)
		rep.Records[i].State = StateWriteAttempted
	}
	if len(batch) == 0 {
		return nil, nil
	}

	var res *writer.Result
	err := c.call(ctx, StoreTransactions, "write_batch", func(ctx context.Context) error {
		var err error
		res, err = c.writer.Write(ctx, r.id, batch, r.now)
		return err
	})
	if err != nil {
		return nil, err
	}

	claimed := make(map[int]bool)
	for k, o := range res.Outcomes {
		i := indices[k]
		rep.applyOutcome(i, o)
		if o.Status == writer.StatusFailed {
			continue
		}
		if o.Claimed {
			claimed[i] = true
		}
		if o.Status != writer.StatusSkipped && writer.RaisesAlert(batch[k]) && c.observer != nil {
			c.observer.HighRisk(batch[k])
		}
	}

	var out []int
	for _, i := range r.order {
		if claimed[i] {
			out = append(out, i)
		}
	}
	return out, nil
}

// call runs fn against a store under the circuit breaker and the store
// timeout. Failures other than the caller's own cancellation are reported
// as txn.ErrStoreUnavailable.
func (c *Coordinator) call(ctx context.Context, store, op string, fn func(ctx context.Context) error) error {
	counts := func(err error) bool {
		return ctx.Err() == nil && !errors.Is(err, profile.ErrVersionConflict)
	}
	err := c.breaker.Call(ctx, store, counts, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
		defer cancel()
		return fn(cctx)
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("run cancelled during %s %s: %w", store, op, ctxErr)
	}
	if errors.Is(err, profile.ErrVersionConflict) {
		return err
	}
	metrics.StoreErrorsTotal.WithLabelValues(store, op).Inc()
	logging.L(ctx).Warn("store call failed", "store", store, "op", op, "error", err)
	if errors.Is(err, txn.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %v", txn.ErrStoreUnavailable, store, op, err)
}

func (c *Coordinator) record(ctx context.Context, rep *Report, err error) {
	metrics.RunsTotal.WithLabelValues(string(rep.Status)).Inc()
	metrics.RunDuration.Observe(rep.FinishedAt.Sub(rep.StartedAt).Seconds())
	for _, rec := range rep.Records {
		metrics.RecordsTotal.WithLabelValues(string(rec.State)).Inc()
		if rec.Score != nil {
			metrics.Scores.Observe(*rec.Score)
			metrics.TiersTotal.WithLabelValues(rec.Tier.String()).Inc()
		}
	}
	if rep.Counts.Degraded > 0 {
		metrics.DegradedTotal.Add(float64(rep.Counts.Degraded))
	}

	log := logging.L(ctx).With(
		"batch_id", rep.BatchID,
		"status", rep.Status,
		"input", rep.Counts.Input,
		"rejected", rep.Counts.Rejected,
		"written", rep.Counts.Written,
		"skipped", rep.Counts.SkippedDuplicate,
		"failed", rep.Counts.WriteFailed+rep.Counts.Failed,
		"duration_ms", rep.DurationMs,
	)
	if err != nil {
		log.Error("pipeline run failed", "error", err, "retryable", rep.Retryable)
		return
	}
	log.Info("pipeline run completed")
}

func isConflict(err error) bool {
	return err != nil && errors.Is(err, txn.ErrWriteConflict)
}
