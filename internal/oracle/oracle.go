// Package oracle enriches canonical records with embeddings, tags, and
// derived risk scores from external AI providers.
package oracle

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// OracleError classifies an enrichment failure. Transient errors (rate
// limits, quota, provider outages) are requeued with backoff; permanent
// errors (malformed input, context overflow) dead-letter the item
// immediately, since retrying the same payload cannot succeed.
type OracleError struct {
	Op        string // "embed" or "score"
	Transient bool
	Err       error
}

func (e *OracleError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("oracle: %s: %s: %v", e.Op, kind, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

func transientErr(op string, err error) error {
	return &OracleError{Op: op, Transient: true, Err: err}
}

func permanentErr(op string, err error) error {
	return &OracleError{Op: op, Transient: false, Err: err}
}

// IsTransient reports whether err should be retried. Unclassified errors
// (network failures, context cancellation) count as transient: requeueing a
// good payload is cheap, dead-lettering it loses data.
func IsTransient(err error) bool {
	var oe *OracleError
	if eris.As(err, &oe) {
		return oe.Transient
	}
	return true
}
