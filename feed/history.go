/*
history.go - Balance-history artifact writer

PURPOSE:
  Persists the per-customer running-balance history computed by the
  analytics package as a CSV report. One row per transaction, carrying
  the cumulative earned/spent/expired totals and the balance after the
  transaction was applied.

SEE ALSO:
  - analytics/balance.go: Builds the records written here
  - pipeline/pipeline.go: Writes the artifact after a successful run
*/
package feed

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/warp/credit-reconciler/analytics"
)

// historyColumns is the schema of the balance-history artifact.
var historyColumns = []string{
	"customer_id", "transaction_id", "transaction_date", "kind", "amount",
	"cumulative_earned", "cumulative_spent", "cumulative_expired", "current_balance",
}

// WriteBalanceHistory persists the running-balance history as CSV for
// the finance team's reporting.
func WriteBalanceHistory(records []analytics.BalanceRecord, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(historyColumns); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	for _, rec := range records {
		record := []string{
			strconv.FormatInt(rec.CustomerID, 10),
			rec.TransactionID,
			rec.Date.Format(writeTimeLayout),
			string(rec.Kind),
			rec.Amount.String(),
			rec.CumulativeEarned.String(),
			rec.CumulativeSpent.String(),
			rec.CumulativeExpired.String(),
			rec.Balance.String(),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
