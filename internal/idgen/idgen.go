// Package idgen generates identifiers for pipeline runs and requests.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUID (v4) string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 32 hex chars of a random UUID, e.g. "run_".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RunID identifies one pipeline run. Runs are time-ordered (UUID v7) so
// that claim holders sort by start time in logs and storage.
func RunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return WithPrefix("run_")
	}
	return "run_" + id.String()
}
