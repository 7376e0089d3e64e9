package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpesa-analytics/riskpipe/internal/logging"
	"github.com/mpesa-analytics/riskpipe/internal/metrics"
	"github.com/mpesa-analytics/riskpipe/internal/profile"
	"github.com/mpesa-analytics/riskpipe/internal/retry"
	"github.com/mpesa-analytics/riskpipe/internal/traces"
	"github.com/mpesa-analytics/riskpipe/internal/txn"
)

// commit folds the claimed records into the stored profiles and confirms
// the fold on the records. It runs after the write has committed, so it
// ignores caller cancellation; each store call is still bounded by the
// store timeout.
func (c *Coordinator) commit(ctx context.Context, r *run, claimed []int) error {
	if len(claimed) == 0 {
		return nil
	}
	defer metrics.ObserveStage("commit", time.Now())
	ctx = context.WithoutCancel(ctx)
	ctx, span := traces.StartSpan(ctx, "pipeline.commit")
	defer span.End()

	folds := make([]profile.Folding, len(claimed))
	ids := make([]txn.Identity, len(claimed))
	for k, i := range claimed {
		v := r.validated[i]
		folds[k] = profile.Folding{
			Sender:   v.Raw.Sender,
			Receiver: v.Raw.Receiver,
			At:       v.Raw.Timestamp,
			Amount:   v.AmountFloat(),
		}
		ids[k] = v.Raw.Identity()
	}
	accounts := profile.Accounts(folds)

	base := r.loaded
	attempt := 0
	err := retry.DoIf(ctx, c.casAttempts, casBaseDelay, isVersionConflict, func() error {
		attempt++
		if attempt > 1 {
			err := c.call(ctx, StoreProfiles, "get_many", func(ctx context.Context) error {
				var err error
				base, err = c.profiles.GetMany(ctx, accounts)
				return err
			})
			if err != nil {
				return retry.Permanent(err)
			}
		}

		updated := profile.Apply(repair(ctx, base), folds)
		err := c.call(ctx, StoreProfiles, "compare_and_swap", func(ctx context.Context) error {
			return c.profiles.CompareAndSwap(ctx, updated)
		})
		if isVersionConflict(err) {
			metrics.ProfileConflictsTotal.Inc()
			logging.L(ctx).Debug("profile swap lost, reloading", "attempt", attempt, "error", err)
			return err
		}
		if err != nil {
			return retry.Permanent(err)
		}
		return nil
	})
	if err != nil {
		if isVersionConflict(err) {
			err = fmt.Errorf("%w: profiles still contended after %d attempts: %v",
				txn.ErrStoreUnavailable, attempt, err)
		}
		return err
	}
	r.report.Counts.ProfilesFolded = len(accounts)

	return c.call(ctx, StoreTransactions, "mark_profile_applied", func(ctx context.Context) error {
		return c.writer.Store().MarkProfileApplied(ctx, r.id, ids)
	})
}

// repair replaces profiles that fail their consistency check with empty
// ones at the same version, so the swap still guards against concurrent
// writers.
func repair(ctx context.Context, base map[string]*profile.Profile) map[string]*profile.Profile {
	out := make(map[string]*profile.Profile, len(base))
	for account, p := range base {
		if err := p.Check(); err != nil {
			logging.L(ctx).Warn("resetting corrupt profile before fold",
				"account", account,
				"error", fmt.Errorf("%w: %v", txn.ErrEnrichmentDependency, err))
			fresh := profile.New(account)
			fresh.Version = p.Version
			p = fresh
		}
		out[account] = p
	}
	return out
}

func isVersionConflict(err error) bool {
	return err != nil && errors.Is(err, profile.ErrVersionConflict)
}
