/*
Package fifo implements the First-In-First-Out allocation engine for
reward-credit transactions.

PURPOSE:
  Determines which earned credits were consumed by later spent or
  expired events. For accounting, every spend/expiry must be traceable
  to the specific earned lots it drew down, and FIFO rules apply: the
  oldest earned transaction is redeemed first.

EXAMPLE:
  Customer earns 20 on Jan 1, then 30 on Jan 15.
  Customer spends 25 on Feb 1.

  FIFO allocation:
  - The Jan 1 lot (20) is consumed first, leaving 5 of the spend uncovered
  - The Jan 15 lot (30) is consumed next, overshooting the remaining 5
  Both lots end up referencing the Feb 1 spend.

BUSINESS RULES:
  1. Customers are fully independent. Allocation for one customer never
     reads or writes another customer's rows.
  2. Lots are never split. Once a lot contributes to a redemption it is
     consumed in full, even when that overshoots the redemption's need.
     A fixed business rule, not a defect: auditors should expect a
     single redemption id referenced by lots whose sum exceeds the
     redemption amount.
  3. A lot is eligible only if it was created at or before the
     redemption. Credits cannot be spent before they exist; same-instant
     redemption is allowed.
  4. Unmatched residuals above the 0.01 tolerance are a statistic, not
     a failure. The engine never errors on business outcomes.

DETERMINISM:
  Stable sorts plus the input ordering fully determine the output. No
  randomness, no wall clock. Running the engine twice on the same batch
  yields identical annotations (references are cleared, then reassigned).

CONTRACT:
  The engine errors only on structural violations - a required field
  missing from some row. Callers are expected to gate the batch through
  validation.ValidateSource first, which reports those rows instead.

SEE ALSO:
  - validation/results.go: Re-verifies every invariant listed above
  - ledger/types.go: Batch and Transaction
*/
package fifo

import (
	"sort"

	"github.com/warp/credit-reconciler/ledger"
)

// =============================================================================
// STATS - Allocation outcome counters
// =============================================================================

// Stats summarizes an allocation run. UnmatchedRedemptions counts
// spent/expired rows whose amount could not be fully covered by eligible
// lots; it is visibility, not an error.
type Stats struct {
	TotalMatches         int // Earned lots consumed by some redemption
	UnmatchedRedemptions int // Redemptions left with residual > tolerance
}

// =============================================================================
// ALLOCATE - FIFO matching over one batch
// =============================================================================

// Allocate annotates earned rows with the id of the redemption that
// consumed them. Rows are annotated in place; the returned batch shares
// the same rows with the redemption column added to the schema.
func Allocate(batch *ledger.Batch) (*ledger.Batch, Stats, error) {
	var stats Stats

	if err := checkContract(batch); err != nil {
		return nil, stats, err
	}

	// Re-running on an already annotated batch must yield the same
	// output, so prior annotations are cleared first.
	for _, row := range batch.Rows {
		if row.Kind == ledger.KindEarned {
			row.RedemptionRef = ""
		}
	}

	// Group rows per customer in first-seen order. Customers never
	// interact: each partition is allocated independently.
	byCustomer := make(map[int64][]*ledger.Transaction)
	for _, row := range batch.Rows {
		byCustomer[row.CustomerID] = append(byCustomer[row.CustomerID], row)
	}

	for _, customerID := range batch.Customers() {
		s := allocateCustomer(byCustomer[customerID])
		stats.TotalMatches += s.TotalMatches
		stats.UnmatchedRedemptions += s.UnmatchedRedemptions
	}

	return batch.WithColumn(ledger.ColumnRedemptionRef), stats, nil
}

// checkContract rejects batches with null required fields. Such rows are
// a caller error: the source-validation gate reports them without
// invoking the engine at all.
func checkContract(batch *ledger.Batch) error {
	for i, row := range batch.Rows {
		for _, field := range ledger.RequiredColumns {
			if row.FieldNull(field) {
				return &ledger.MissingFieldError{Row: i, ID: row.ID, Field: field}
			}
		}
	}
	return nil
}

// =============================================================================
// PER-CUSTOMER ALLOCATION
// =============================================================================

// allocateCustomer runs FIFO matching over one customer's rows.
//
// The pool of unconsumed lots is a sliding window over the sorted earned
// slice: a cursor marks the oldest unconsumed lot, and a consumed mask
// covers lots taken out of order. Eligibility is monotone in the sorted
// order - the first lot created after the redemption ends the scan,
// because every later lot is ineligible too. An ineligible lot is not
// discarded: it becomes eligible for later redemptions as time advances.
func allocateCustomer(rows []*ledger.Transaction) Stats {
	var stats Stats

	var earned, redemptions []*ledger.Transaction
	for _, row := range rows {
		switch {
		case row.Kind == ledger.KindEarned:
			earned = append(earned, row)
		case row.Kind.IsRedemption():
			redemptions = append(redemptions, row)
		}
	}

	// A customer lacking either subset is skipped whole. Redemptions of
	// a customer who never earned contribute no statistics.
	if len(earned) == 0 || len(redemptions) == 0 {
		return stats
	}

	// Stable sorts: ties on created_at keep input order, which defines
	// which lot is oldest when timestamps collide.
	sort.SliceStable(earned, func(i, j int) bool {
		return earned[i].CreatedAt.Before(earned[j].CreatedAt)
	})
	sort.SliceStable(redemptions, func(i, j int) bool {
		return redemptions[i].CreatedAt.Before(redemptions[j].CreatedAt)
	})

	consumed := make([]bool, len(earned))
	cursor := 0 // Index of the oldest lot that may still be unconsumed

	for _, r := range redemptions {
		remaining := r.Amount.Decimal.Abs()

		for i := cursor; i < len(earned); i++ {
			if !remaining.IsPositive() {
				break
			}
			if consumed[i] {
				continue
			}
			lot := earned[i]
			if lot.CreatedAt.After(r.CreatedAt) {
				// Sorted ascending: every later lot is ineligible too.
				break
			}

			// Consume the lot whole. Overshoot is intentional: lots are
			// never split.
			lot.RedemptionRef = r.ID
			remaining = remaining.Sub(lot.Amount.Decimal)
			consumed[i] = true
			stats.TotalMatches++
		}

		for cursor < len(earned) && consumed[cursor] {
			cursor++
		}

		if remaining.GreaterThan(ledger.Tolerance) {
			stats.UnmatchedRedemptions++
		}
	}

	return stats
}
