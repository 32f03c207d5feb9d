/*
gate.go - The control point between validation and the next pipeline stage

PURPOSE:
  Validators never stop a run; they only record findings. The gate is
  the single place where a failed report becomes a hard stop. The
  orchestrator calls it after each validation stage.

RETRY SEMANTICS:
  A GateError is deterministic: the same input batch produces the same
  failing report every time. It is therefore terminal and must not be
  retried, unlike acquisition failures (see ledger.IsRetryable).
*/
package validation

import "fmt"

// GateError is the terminal failure raised when a report with failed
// Error-severity checks hits a fail-on-error gate.
type GateError struct {
	Stage  Stage
	Errors int
}

func (e *GateError) Error() string {
	return fmt.Sprintf("validation failed at stage %q with %d errors", e.Stage, e.Errors)
}

// Gate checks whether a report allows the run to proceed. When
// failOnError is set and the report failed, it returns a *GateError;
// otherwise it returns the verdict without an error.
func Gate(report Report, failOnError bool) (bool, error) {
	if report.Passed() {
		return true, nil
	}
	if failOnError {
		return false, &GateError{Stage: report.Stage, Errors: report.ErrorCount()}
	}
	return false, nil
}
