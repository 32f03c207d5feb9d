/*
errors.go - Centralized error types for the reconciliation pipeline

PURPOSE:
  All error types in one place for consistency and discoverability.
  The taxonomy is deliberately small:

  1. Acquisition errors - Transient I/O failures at the data boundary.
     Retryable: the same read may succeed a moment later.
  2. Contract errors - Structural violations, e.g. the engine invoked on
     a batch with missing required fields. Deterministic, not retryable;
     callers are expected to run the source-validation gate first.

  Validation failures are NOT errors at this level. Validators record
  every data anomaly as a structured result; only the gate converts a
  failed report into a hard stop (validation.GateError).

USAGE:
  if ledger.IsRetryable(err) {
      // back off and re-acquire
  }

SEE ALSO:
  - validation/gate.go: GateError, the terminal validation failure
  - fifo/engine.go: Returns MissingFieldError on contract violations
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAcquisition marks a transient failure while acquiring raw data.
	// Safe to retry with backoff.
	ErrAcquisition = errors.New("data acquisition failed")

	// ErrMissingField is returned when a required field is absent on a row
	// handed to the allocation engine. This is a caller contract violation:
	// the batch was not gated through source validation first.
	ErrMissingField = errors.New("missing required field")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AcquisitionError wraps a boundary I/O failure with its source location.
type AcquisitionError struct {
	Source string // e.g. a file path or table name
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquisition from %s failed: %v", e.Source, e.Err)
}

// Unwrap exposes both the sentinel (for IsRetryable) and the underlying
// I/O failure (for diagnosis).
func (e *AcquisitionError) Unwrap() []error { return []error{ErrAcquisition, e.Err} }

// MissingFieldError identifies the row and field behind a contract violation.
type MissingFieldError struct {
	Row   int    // Position in the batch
	ID    string // Transaction id when present, empty otherwise
	Field string // Column name that is null
}

func (e *MissingFieldError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("row %d (id %s): %s is null", e.Row, e.ID, e.Field)
	}
	return fmt.Sprintf("row %d: %s is null", e.Row, e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether the error might succeed on retry. Only
// acquisition failures qualify; validation and contract failures are
// deterministic on the same input, so retrying them only wastes time.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAcquisition)
}
