/*
results.go - Post-allocation validation of the annotated batch

PURPOSE:
  Re-verifies what the allocation engine is supposed to guarantee.
  The engine is deterministic, but this stage catches regressions and
  externally mutated data before the artifact reaches accounting.

CHECKS:
  1. Schema                 ERROR    redemption column must exist; if it
                                     does not, nothing else is checkable
                                     and the report contains only this
                                     one result
  2. Referential integrity  ERROR    refs point at real spent/expired rows
  3. Exclusivity            ERROR    refs only ever on earned rows
  4. Chronological order    ERROR    no lot redeemed before it existed
  5. Balance reconciliation WARNING  per-customer earned-spent-expired
                                     may not go below -0.01; negative
                                     balances can be a legitimate
                                     transient state, so they never
                                     block the run
  6. Matching statistics    INFO     match-rate visibility

SEE ALSO:
  - fifo/engine.go: The invariants being re-checked here
*/
package validation

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-reconciler/ledger"
)

// ValidateResults checks the allocation engine's output. The original
// batch is the pre-allocation snapshot; annotated is the engine output.
func ValidateResults(original, annotated *ledger.Batch) Report {
	now := time.Now()
	var results []Result

	// Without the redemption column the remaining checks are meaningless.
	schema := checkSchema(annotated)
	results = append(results, schema)
	if !schema.Passed {
		return Report{Timestamp: now, Stage: StagePostAllocation, Results: results}
	}

	results = append(results, checkReferentialIntegrity(annotated))
	results = append(results, checkExclusivity(annotated))
	results = append(results, checkChronology(annotated))
	results = append(results, checkBalances(annotated))
	results = append(results, matchingStatistics(annotated))

	return Report{Timestamp: now, Stage: StagePostAllocation, Results: results}
}

// =============================================================================
// CHECK 1: Redemption column exists
// =============================================================================

func checkSchema(annotated *ledger.Batch) Result {
	has := annotated != nil && annotated.HasColumn(ledger.ColumnRedemptionRef)

	res := Result{
		Check:    "Redemption Column Exists",
		Passed:   has,
		Severity: SeverityError,
	}
	if has {
		res.Message = fmt.Sprintf("Column %s present in the annotated batch", ledger.ColumnRedemptionRef)
	} else {
		res.Message = fmt.Sprintf("Column %s is missing from the annotated batch", ledger.ColumnRedemptionRef)
	}
	return res
}

// =============================================================================
// CHECK 2: References point at real spent/expired rows
// =============================================================================

func checkReferentialIntegrity(annotated *ledger.Batch) Result {
	valid := make(map[string]bool)
	for _, row := range annotated.Rows {
		if row.Kind.IsRedemption() && row.ID != "" {
			valid[row.ID] = true
		}
	}

	invalid := map[string]bool{}
	for _, row := range annotated.Rows {
		if row.RedemptionRef != "" && !valid[row.RedemptionRef] {
			invalid[row.RedemptionRef] = true
		}
	}

	if len(invalid) == 0 {
		return Result{
			Check:    "References Valid Transactions",
			Passed:   true,
			Message:  "All redemption references point at spent/expired transactions",
			Severity: SeverityError,
		}
	}

	refs := make([]string, 0, len(invalid))
	for r := range invalid {
		refs = append(refs, r)
	}
	sort.Strings(refs)

	return Result{
		Check:    "References Valid Transactions",
		Passed:   false,
		Message:  fmt.Sprintf("Found %d invalid redemption references", len(refs)),
		Severity: SeverityError,
		Details:  map[string]any{"invalid_refs": refs},
	}
}

// =============================================================================
// CHECK 3: Only earned rows carry references
// =============================================================================

func checkExclusivity(annotated *ledger.Batch) Result {
	offenders := 0
	for _, row := range annotated.Rows {
		if row.Kind != ledger.KindEarned && row.RedemptionRef != "" {
			offenders++
		}
	}

	res := Result{
		Check:    "Only Earned Rows Referenced",
		Passed:   offenders == 0,
		Severity: SeverityError,
	}
	if res.Passed {
		res.Message = "Redemption references appear only on earned transactions"
	} else {
		res.Message = fmt.Sprintf("Found %d non-earned transactions carrying a redemption reference", offenders)
		res.Details = map[string]any{"offending_count": offenders}
	}
	return res
}

// =============================================================================
// CHECK 4: Credits are never spent before they exist
// =============================================================================

func checkChronology(annotated *ledger.Batch) Result {
	byID := make(map[string]*ledger.Transaction, len(annotated.Rows))
	for _, row := range annotated.Rows {
		if row.ID != "" {
			byID[row.ID] = row
		}
	}

	var violations []map[string]any
	for _, row := range annotated.Rows {
		if row.Kind != ledger.KindEarned || row.RedemptionRef == "" {
			continue
		}
		redemption, ok := byID[row.RedemptionRef]
		if !ok {
			continue // Covered by the referential integrity check
		}
		// Strictly earlier is a violation; same-instant redemption is allowed.
		if redemption.CreatedAt.Before(row.CreatedAt) {
			violations = append(violations, map[string]any{
				"earned_id":       row.ID,
				"earned_date":     row.CreatedAt.Format(time.RFC3339),
				"redemption_id":   redemption.ID,
				"redemption_date": redemption.CreatedAt.Format(time.RFC3339),
			})
		}
	}

	res := Result{
		Check:    "Chronological Consistency",
		Passed:   len(violations) == 0,
		Severity: SeverityError,
	}
	if res.Passed {
		res.Message = "All matches follow chronological order (earned before redemption)"
	} else {
		res.Message = fmt.Sprintf("Found %d chronological violations", len(violations))
		res.Details = map[string]any{"violations": violations}
	}
	return res
}

// =============================================================================
// CHECK 5: Per-customer balance reconciliation
// =============================================================================

func checkBalances(annotated *ledger.Batch) Result {
	type totals struct {
		earned, spent, expired decimal.Decimal
	}
	perCustomer := map[int64]*totals{}
	for _, row := range annotated.Rows {
		if row.CustomerID == 0 || !row.Amount.Valid {
			continue
		}
		t := perCustomer[row.CustomerID]
		if t == nil {
			t = &totals{}
			perCustomer[row.CustomerID] = t
		}
		switch row.Kind {
		case ledger.KindEarned:
			t.earned = t.earned.Add(row.Amount.Decimal)
		case ledger.KindSpent:
			t.spent = t.spent.Add(row.Amount.Decimal.Abs())
		case ledger.KindExpired:
			t.expired = t.expired.Add(row.Amount.Decimal.Abs())
		}
	}

	customers := make([]int64, 0, len(perCustomer))
	for id := range perCustomer {
		customers = append(customers, id)
	}
	sort.Slice(customers, func(i, j int) bool { return customers[i] < customers[j] })

	var violators []map[string]any
	for _, id := range customers {
		t := perCustomer[id]
		remaining := t.earned.Sub(t.spent).Sub(t.expired)
		if remaining.LessThan(ledger.Tolerance.Neg()) {
			violators = append(violators, map[string]any{
				"customer_id":   id,
				"total_earned":  t.earned.String(),
				"total_spent":   t.spent.String(),
				"total_expired": t.expired.String(),
				"remaining":     remaining.String(),
			})
		}
	}

	res := Result{
		Check:    "Customer Balance Reconciliation",
		Passed:   len(violators) == 0,
		Severity: SeverityWarning,
	}
	if res.Passed {
		res.Message = "All customer balances reconcile"
	} else {
		res.Message = fmt.Sprintf("Found %d customers with negative balances", len(violators))
		res.Details = map[string]any{"violators": violators}
	}
	return res
}

// =============================================================================
// CHECK 6: Matching statistics (informational)
// =============================================================================

func matchingStatistics(annotated *ledger.Batch) Result {
	totalEarned, matched := 0, 0
	for _, row := range annotated.Rows {
		if row.Kind != ledger.KindEarned {
			continue
		}
		totalEarned++
		if row.RedemptionRef != "" {
			matched++
		}
	}

	rate := "n/a"
	if totalEarned > 0 {
		rate = fmt.Sprintf("%.1f%%", float64(matched)/float64(totalEarned)*100)
	}

	return Result{
		Check:    "Matching Statistics",
		Passed:   true,
		Message:  fmt.Sprintf("Matched %d/%d earned transactions (%d unmatched)", matched, totalEarned, totalEarned-matched),
		Severity: SeverityInfo,
		Details: map[string]any{
			"total_earned":     totalEarned,
			"matched_earned":   matched,
			"unmatched_earned": totalEarned - matched,
			"match_rate":       rate,
		},
	}
}
