/*
Package validation implements the two-stage validation framework around
the FIFO allocation engine.

PURPOSE:
  Financial reconciliation output feeds accounting reports, so every run
  is checked twice: once before allocation (is the raw batch sound?) and
  once after (is the allocation correct?). Each stage produces a Report,
  a pure value that records every finding. Nothing in this package
  performs I/O or panics on bad data - anomalies become Results.

SEVERITY MODEL:
  Error   - blocks the gate; the run must not proceed
  Warning - recorded and surfaced, never blocks
  Info    - descriptive only, always passes

  The overall verdict of a report considers Error-severity results only.
  A report full of failed warnings still passes. This asymmetry is
  deliberate: negative balances and clock skew are tolerated, bad signs
  and duplicate ids are not.

KEY CONCEPTS IN THIS FILE (report.go):
  - Result: Outcome of one batch-level check
  - Report: Ordered list of results for one stage
  - Summary(): Human-readable rendering for logs and audit

SEE ALSO:
  - source.go: Pre-allocation checks
  - results.go: Post-allocation checks
  - gate.go: Converts a failed report into a terminal error
*/
package validation

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// SEVERITY AND STAGE
// =============================================================================

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Stage string

const (
	StageSource         Stage = "source"
	StagePostAllocation Stage = "post_allocation"
)

// =============================================================================
// RESULT - Outcome of a single check
// =============================================================================

// Result records the outcome of one validation check. Checks are
// batch-level: one result per check, with offending rows summarized in
// Details rather than one result per row.
type Result struct {
	Check    string
	Passed   bool
	Message  string
	Severity Severity
	Details  map[string]any // Structured context for failures and informational summaries
}

// =============================================================================
// REPORT - Aggregated outcome of one validation stage
// =============================================================================

type Report struct {
	Timestamp time.Time
	Stage     Stage
	Results   []Result
}

// Passed reports whether every Error-severity check passed. Failed
// warnings and info results never flip the verdict.
func (r Report) Passed() bool {
	for _, res := range r.Results {
		if res.Severity == SeverityError && !res.Passed {
			return false
		}
	}
	return true
}

// ErrorCount counts failed Error-severity checks.
func (r Report) ErrorCount() int {
	n := 0
	for _, res := range r.Results {
		if res.Severity == SeverityError && !res.Passed {
			n++
		}
	}
	return n
}

// WarningCount counts failed Warning-severity checks.
func (r Report) WarningCount() int {
	n := 0
	for _, res := range r.Results {
		if res.Severity == SeverityWarning && !res.Passed {
			n++
		}
	}
	return n
}

// Summary renders the report for logs and audit trails.
func (r Report) Summary() string {
	var b strings.Builder
	divider := strings.Repeat("=", 60)

	fmt.Fprintln(&b, divider)
	fmt.Fprintf(&b, "VALIDATION REPORT: %s\n", strings.ToUpper(string(r.Stage)))
	fmt.Fprintf(&b, "Timestamp: %s\n", r.Timestamp.Format(time.RFC3339))
	fmt.Fprintln(&b, divider)

	status := "PASSED"
	if !r.Passed() {
		status = "FAILED"
	}
	fmt.Fprintf(&b, "Overall Status: %s\n", status)
	fmt.Fprintf(&b, "Errors: %d | Warnings: %d\n", r.ErrorCount(), r.WarningCount())
	fmt.Fprintln(&b, strings.Repeat("-", 60))

	for _, res := range r.Results {
		mark := "ok"
		if !res.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "[%s] %-4s %s\n", res.Severity, mark, res.Check)
		fmt.Fprintf(&b, "     %s\n", res.Message)
		if res.Details != nil && !res.Passed {
			fmt.Fprintf(&b, "     Details: %v\n", res.Details)
		}
	}

	fmt.Fprint(&b, divider)
	return b.String()
}
