package validation_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-reconciler/validation"
)

// =============================================================================
// SEVERITY MODEL
// =============================================================================

func TestReport_OnlyFailedErrorsFlipTheVerdict(t *testing.T) {
	// GIVEN: A report with a failed warning and a failed info result
	// WHEN: Asking for the verdict
	// THEN: The report passes; only Error severity blocks

	report := validation.Report{
		Timestamp: time.Now(),
		Stage:     validation.StageSource,
		Results: []validation.Result{
			{Check: "a", Passed: true, Severity: validation.SeverityError},
			{Check: "b", Passed: false, Severity: validation.SeverityWarning},
			{Check: "c", Passed: false, Severity: validation.SeverityInfo},
		},
	}

	assert.True(t, report.Passed())
	assert.Equal(t, 0, report.ErrorCount())
	assert.Equal(t, 1, report.WarningCount())
}

func TestReport_SingleFailedErrorFails(t *testing.T) {
	// GIVEN: A report where one Error-severity check failed
	// WHEN: Asking for the verdict
	// THEN: The report fails and counts that one error

	report := validation.Report{
		Stage: validation.StagePostAllocation,
		Results: []validation.Result{
			{Check: "a", Passed: true, Severity: validation.SeverityError},
			{Check: "b", Passed: false, Severity: validation.SeverityError},
		},
	}

	assert.False(t, report.Passed())
	assert.Equal(t, 1, report.ErrorCount())
}

func TestReport_EmptyReportPasses(t *testing.T) {
	// GIVEN: A report with no results at all
	// WHEN: Asking for the verdict
	// THEN: Nothing failed, so it passes

	assert.True(t, validation.Report{}.Passed())
}

// =============================================================================
// SUMMARY RENDERING
// =============================================================================

func TestReport_SummaryNamesEveryCheck(t *testing.T) {
	// GIVEN: A report with mixed outcomes
	// WHEN: Rendering the summary
	// THEN: Every check appears along with the overall status

	report := validation.Report{
		Timestamp: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC),
		Stage:     validation.StageSource,
		Results: []validation.Result{
			{Check: "Good Check", Passed: true, Message: "fine", Severity: validation.SeverityError},
			{Check: "Bad Check", Passed: false, Message: "broken", Severity: validation.SeverityError,
				Details: map[string]any{"count": 3}},
		},
	}

	summary := report.Summary()

	assert.Contains(t, summary, "VALIDATION REPORT: SOURCE")
	assert.Contains(t, summary, "Overall Status: FAILED")
	assert.Contains(t, summary, "Good Check")
	assert.Contains(t, summary, "Bad Check")
	assert.Contains(t, summary, "Errors: 1 | Warnings: 0")
	assert.Contains(t, summary, "Details:")
}

func TestReport_SummaryOmitsDetailsOfPassingChecks(t *testing.T) {
	// GIVEN: A passing check that carries informational details
	// WHEN: Rendering the summary
	// THEN: Details print only for failures

	report := validation.Report{
		Stage: validation.StageSource,
		Results: []validation.Result{
			{Check: "Summary", Passed: true, Message: "ok", Severity: validation.SeverityInfo,
				Details: map[string]any{"rows": 4}},
		},
	}

	assert.NotContains(t, report.Summary(), "Details:")
}

// =============================================================================
// GATE
// =============================================================================

func TestGate_PassingReportProceeds(t *testing.T) {
	// GIVEN: A passing report
	// WHEN: Gating with fail-on-error enabled
	// THEN: The run proceeds

	ok, err := validation.Gate(validation.Report{}, true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGate_FailedReportStopsTheRun(t *testing.T) {
	// GIVEN: A report with two failed errors
	// WHEN: Gating with fail-on-error enabled
	// THEN: A GateError carrying the stage and count comes back

	report := validation.Report{
		Stage: validation.StageSource,
		Results: []validation.Result{
			{Check: "a", Passed: false, Severity: validation.SeverityError},
			{Check: "b", Passed: false, Severity: validation.SeverityError},
		},
	}

	ok, err := validation.Gate(report, true)
	assert.False(t, ok)

	var gateErr *validation.GateError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, validation.StageSource, gateErr.Stage)
	assert.Equal(t, 2, gateErr.Errors)
	assert.True(t, strings.Contains(gateErr.Error(), "source"))
}

func TestGate_FailOnErrorDisabledReportsVerdictWithoutError(t *testing.T) {
	// GIVEN: A failing report
	// WHEN: Gating with fail-on-error disabled (exploratory run)
	// THEN: The verdict is false but no error stops the pipeline

	report := validation.Report{
		Results: []validation.Result{
			{Check: "a", Passed: false, Severity: validation.SeverityError},
		},
	}

	ok, err := validation.Gate(report, false)
	require.NoError(t, err)
	assert.False(t, ok)
}
