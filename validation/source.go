/*
source.go - Pre-allocation validation of a raw transaction batch

PURPOSE:
  Runs before the allocation engine ever sees the data. Catches the
  problems that would make FIFO matching meaningless: missing required
  fields, unknown transaction kinds, wrong amount signs, duplicate ids,
  and implausible customers. Each check yields exactly one batch-level
  result; offending values are summarized in the result details.

CHECKS:
  1. Completeness      ERROR    one result per required field
  2. Valid kinds       ERROR    only earned/spent/expired allowed
  3. Sign consistency  ERROR    earned > 0, spent/expired < 0
  4. Uniqueness        ERROR    no duplicate transaction ids
  5. No future dates   WARNING  clock skew is tolerated
  6. Valid customers   ERROR    customer ids must be positive
  7. Batch summary     INFO     always passes; audit visibility

SEE ALSO:
  - results.go: The post-allocation counterpart
*/
package validation

import (
	"fmt"
	"sort"
	"time"

	"github.com/warp/credit-reconciler/ledger"
)

// ValidateSource checks a raw batch against the current wall clock.
func ValidateSource(batch *ledger.Batch) Report {
	return ValidateSourceAt(batch, time.Now())
}

// ValidateSourceAt is ValidateSource with an explicit clock, for the
// future-date check.
func ValidateSourceAt(batch *ledger.Batch, now time.Time) Report {
	var results []Result

	results = append(results, checkCompleteness(batch)...)
	results = append(results, checkKinds(batch))
	results = append(results, checkSigns(batch))
	results = append(results, checkUniqueness(batch))
	results = append(results, checkFutureDates(batch, now))
	results = append(results, checkCustomerIDs(batch))
	results = append(results, summarize(batch))

	return Report{Timestamp: now, Stage: StageSource, Results: results}
}

// =============================================================================
// CHECK 1: Required fields not null
// =============================================================================

func checkCompleteness(batch *ledger.Batch) []Result {
	results := make([]Result, 0, len(ledger.RequiredColumns))

	for _, field := range ledger.RequiredColumns {
		nullCount := 0
		for _, row := range batch.Rows {
			if row.FieldNull(field) {
				nullCount++
			}
		}

		res := Result{
			Check:    fmt.Sprintf("No Null Values: %s", field),
			Passed:   nullCount == 0,
			Severity: SeverityError,
		}
		if res.Passed {
			res.Message = fmt.Sprintf("All %d rows have a valid %s", len(batch.Rows), field)
		} else {
			res.Message = fmt.Sprintf("Found %d null values in %s", nullCount, field)
			res.Details = map[string]any{"null_count": nullCount}
		}
		results = append(results, res)
	}

	return results
}

// =============================================================================
// CHECK 2: Valid transaction kinds
// =============================================================================

func checkKinds(batch *ledger.Batch) Result {
	invalid := map[ledger.Kind]bool{}
	for _, row := range batch.Rows {
		if row.Kind != "" && !row.Kind.Valid() {
			invalid[row.Kind] = true
		}
	}

	if len(invalid) == 0 {
		return Result{
			Check:    "Valid Transaction Kinds",
			Passed:   true,
			Message:  "All transactions have a valid kind (earned, spent, expired)",
			Severity: SeverityError,
		}
	}

	names := make([]string, 0, len(invalid))
	for k := range invalid {
		names = append(names, string(k))
	}
	sort.Strings(names)

	return Result{
		Check:    "Valid Transaction Kinds",
		Passed:   false,
		Message:  fmt.Sprintf("Invalid kinds found: %v", names),
		Severity: SeverityError,
		Details:  map[string]any{"invalid_kinds": names},
	}
}

// =============================================================================
// CHECK 3: Amount sign consistency
// =============================================================================

// One pass/fail over the whole population. The per-kind booleans in the
// details carry the coarse breakdown; row-level hunting is left to whoever
// investigates the failure.
func checkSigns(batch *ledger.Batch) Result {
	earnedPositive, spentNegative, expiredNegative := true, true, true

	for _, row := range batch.Rows {
		if !row.Amount.Valid {
			continue
		}
		switch row.Kind {
		case ledger.KindEarned:
			if !row.Amount.Decimal.IsPositive() {
				earnedPositive = false
			}
		case ledger.KindSpent:
			if !row.Amount.Decimal.IsNegative() {
				spentNegative = false
			}
		case ledger.KindExpired:
			if !row.Amount.Decimal.IsNegative() {
				expiredNegative = false
			}
		}
	}

	passed := earnedPositive && spentNegative && expiredNegative
	res := Result{
		Check:    "Amount Sign Consistency",
		Passed:   passed,
		Severity: SeverityError,
	}
	if passed {
		res.Message = "All amounts have correct signs (earned > 0, spent/expired < 0)"
	} else {
		res.Message = "Some amounts have incorrect signs"
		res.Details = map[string]any{
			"earned_all_positive":  earnedPositive,
			"spent_all_negative":   spentNegative,
			"expired_all_negative": expiredNegative,
		}
	}
	return res
}

// =============================================================================
// CHECK 4: No duplicate transaction ids
// =============================================================================

func checkUniqueness(batch *ledger.Batch) Result {
	counts := make(map[string]int, len(batch.Rows))
	for _, row := range batch.Rows {
		if row.ID != "" {
			counts[row.ID]++
		}
	}

	var duplicates []string
	for id, n := range counts {
		if n > 1 {
			duplicates = append(duplicates, id)
		}
	}
	sort.Strings(duplicates)

	if len(duplicates) == 0 {
		return Result{
			Check:    "No Duplicate Transaction IDs",
			Passed:   true,
			Message:  "All transaction ids are unique",
			Severity: SeverityError,
		}
	}

	return Result{
		Check:    "No Duplicate Transaction IDs",
		Passed:   false,
		Message:  fmt.Sprintf("Found %d duplicated transaction ids", len(duplicates)),
		Severity: SeverityError,
		Details:  map[string]any{"duplicate_ids": duplicates},
	}
}

// =============================================================================
// CHECK 5: No future dates (warning only - clock skew happens)
// =============================================================================

func checkFutureDates(batch *ledger.Batch, now time.Time) Result {
	future := 0
	for _, row := range batch.Rows {
		if !row.CreatedAt.IsZero() && row.CreatedAt.After(now) {
			future++
		}
	}

	res := Result{
		Check:    "No Future Dates",
		Passed:   future == 0,
		Severity: SeverityWarning,
	}
	if res.Passed {
		res.Message = "All transaction dates are in the past"
	} else {
		res.Message = fmt.Sprintf("Found %d transactions with future dates", future)
		res.Details = map[string]any{"future_count": future}
	}
	return res
}

// =============================================================================
// CHECK 6: Valid customer ids
// =============================================================================

func checkCustomerIDs(batch *ledger.Batch) Result {
	invalid := 0
	for _, row := range batch.Rows {
		// Null customers are the completeness check's finding.
		if row.FieldNull(ledger.ColumnCustomerID) {
			continue
		}
		if row.CustomerID <= 0 {
			invalid++
		}
	}

	res := Result{
		Check:    "Valid Customer IDs",
		Passed:   invalid == 0,
		Severity: SeverityError,
	}
	if res.Passed {
		res.Message = "All customer ids are positive"
	} else {
		res.Message = fmt.Sprintf("Found %d rows with non-positive customer ids", invalid)
		res.Details = map[string]any{"invalid_count": invalid}
	}
	return res
}

// =============================================================================
// CHECK 7: Batch summary (informational)
// =============================================================================

func summarize(batch *ledger.Batch) Result {
	kindCounts := map[string]int{}
	var minDate, maxDate time.Time
	for _, row := range batch.Rows {
		if row.Kind != "" {
			kindCounts[string(row.Kind)]++
		}
		if row.CreatedAt.IsZero() {
			continue
		}
		if minDate.IsZero() || row.CreatedAt.Before(minDate) {
			minDate = row.CreatedAt
		}
		if maxDate.IsZero() || row.CreatedAt.After(maxDate) {
			maxDate = row.CreatedAt
		}
	}

	customers := len(batch.Customers())
	dateRange := "n/a"
	if !minDate.IsZero() {
		dateRange = fmt.Sprintf("%s to %s",
			minDate.Format("2006-01-02"), maxDate.Format("2006-01-02"))
	}

	return Result{
		Check:    "Batch Summary",
		Passed:   true,
		Message:  fmt.Sprintf("Loaded %d transactions for %d customers", len(batch.Rows), customers),
		Severity: SeverityInfo,
		Details: map[string]any{
			"total_transactions": len(batch.Rows),
			"unique_customers":   customers,
			"transaction_kinds":  kindCounts,
			"date_range":         dateRange,
		},
	}
}
