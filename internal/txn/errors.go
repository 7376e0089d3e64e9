package txn

import "errors"

// Error taxonomy shared by every pipeline stage. Callers match with
// errors.Is; stages wrap these with record or store context.
var (
	// ErrValidation marks a record rejected by the validator. The run
	// continues without it.
	ErrValidation = errors.New("validation failed")

	// ErrEnrichmentDependency marks unusable profile data. The record is
	// enriched as if the account were fresh and flagged degraded.
	ErrEnrichmentDependency = errors.New("enrichment dependency unavailable")

	// ErrStoreUnavailable marks a store outage or timeout. Nothing from the
	// batch is visible; the whole run may be retried.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrWriteConflict marks an existing record with different content
	// under the reject conflict policy.
	ErrWriteConflict = errors.New("write conflict")

	// ErrInvariantViolation marks a broken internal guarantee, such as an
	// out-of-range score or a duplicate identity inside one batch.
	ErrInvariantViolation = errors.New("invariant violation")
)

// Retryable reports whether re-running the batch can succeed without any
// change to its input.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
