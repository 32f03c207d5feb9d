/*
Package analytics builds derived reporting tables from an annotated batch.

PURPOSE:
  The finance team works from aggregates, not raw rows. This package
  turns the allocation output into a per-customer running-balance
  history and answers point-in-time balance questions ("what was
  customer X's balance on date D?").

  Pure arithmetic over the batch - no I/O, no state. Persisting the
  output is the pipeline's job.

SEE ALSO:
  - feed/csv.go: Writes the history as a CSV artifact
  - pipeline/pipeline.go: Runs this after the post-allocation gate
*/
package analytics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-reconciler/ledger"
)

// =============================================================================
// BALANCE HISTORY
// =============================================================================

// BalanceRecord is one row of the running-balance history: the state of
// a customer's credit immediately after one transaction.
type BalanceRecord struct {
	CustomerID        int64
	TransactionID     string
	Date              time.Time
	Kind              ledger.Kind
	Amount            decimal.Decimal
	CumulativeEarned  decimal.Decimal
	CumulativeSpent   decimal.Decimal
	CumulativeExpired decimal.Decimal
	Balance           decimal.Decimal
}

// BuildBalanceHistory computes running totals per customer, in
// chronological order. Customers are emitted in ascending id order so
// the artifact is stable across runs. Rows with null amounts or null
// customers are skipped; the source gate has already reported them.
func BuildBalanceHistory(batch *ledger.Batch) []BalanceRecord {
	byCustomer := map[int64][]*ledger.Transaction{}
	for _, row := range batch.Rows {
		if row.CustomerID == 0 || !row.Amount.Valid {
			continue
		}
		byCustomer[row.CustomerID] = append(byCustomer[row.CustomerID], row)
	}

	customers := make([]int64, 0, len(byCustomer))
	for id := range byCustomer {
		customers = append(customers, id)
	}
	sort.Slice(customers, func(i, j int) bool { return customers[i] < customers[j] })

	var records []BalanceRecord
	for _, id := range customers {
		rows := byCustomer[id]
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		})

		var earned, spent, expired decimal.Decimal
		for _, row := range rows {
			switch row.Kind {
			case ledger.KindEarned:
				earned = earned.Add(row.Amount.Decimal)
			case ledger.KindSpent:
				spent = spent.Add(row.Amount.Decimal.Abs())
			case ledger.KindExpired:
				expired = expired.Add(row.Amount.Decimal.Abs())
			}

			records = append(records, BalanceRecord{
				CustomerID:        id,
				TransactionID:     row.ID,
				Date:              row.CreatedAt,
				Kind:              row.Kind,
				Amount:            row.Amount.Decimal,
				CumulativeEarned:  earned,
				CumulativeSpent:   spent,
				CumulativeExpired: expired,
				Balance:           earned.Sub(spent).Sub(expired),
			})
		}
	}

	return records
}

// =============================================================================
// POINT-IN-TIME LOOKUP
// =============================================================================

// BalanceOn returns each requested customer's balance as of the given
// date (inclusive). Customers with no activity on or before the date
// report a zero balance.
func BalanceOn(history []BalanceRecord, customerIDs []int64, at time.Time) map[int64]decimal.Decimal {
	out := make(map[int64]decimal.Decimal, len(customerIDs))
	for _, id := range customerIDs {
		out[id] = decimal.Zero
	}

	for _, rec := range history {
		if _, wanted := out[rec.CustomerID]; !wanted {
			continue
		}
		if rec.Date.After(at) {
			continue
		}
		// History is chronological per customer; the last record at or
		// before the date wins.
		out[rec.CustomerID] = rec.Balance
	}

	return out
}
