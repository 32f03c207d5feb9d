/*
dto.go - Data Transfer Objects for API responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model (decimal amounts, nullable fields) from the
  external API contract: amounts go out as strings to avoid float
  rounding on the client, and nullable fields become pointers with
  omitempty.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Response: Complex response wrappers

SEE ALSO:
  - handlers.go: Uses these types
  - store/sqlite/sqlite.go: The persisted records behind them
*/
package api

import (
	"time"

	"github.com/warp/credit-reconciler/analytics"
	"github.com/warp/credit-reconciler/ledger"
	"github.com/warp/credit-reconciler/store/sqlite"
	"github.com/warp/credit-reconciler/validation"
)

// =============================================================================
// RUNS
// =============================================================================

// RunDTO represents a reconciliation run in API responses.
type RunDTO struct {
	ID                   string `json:"id"`
	Status               string `json:"status"`
	Stage                string `json:"stage"`
	TotalMatches         int    `json:"total_matches"`
	UnmatchedRedemptions int    `json:"unmatched_redemptions"`
	ErrorCount           int    `json:"error_count"`
	WarningCount         int    `json:"warning_count"`
	Error                string `json:"error,omitempty"`
	StartedAt            string `json:"started_at,omitempty"`
	CompletedAt          string `json:"completed_at,omitempty"`
}

// RunDetailDTO is a run together with its validation reports.
type RunDetailDTO struct {
	Run     RunDTO                `json:"run"`
	Reports []ValidationReportDTO `json:"reports"`
}

// =============================================================================
// VALIDATION REPORTS
// =============================================================================

// ValidationResultDTO represents a single check outcome.
type ValidationResultDTO struct {
	Check    string         `json:"check"`
	Passed   bool           `json:"passed"`
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// ValidationReportDTO represents one validation stage's full report.
type ValidationReportDTO struct {
	Stage        string                `json:"stage"`
	Timestamp    string                `json:"timestamp"`
	Passed       bool                  `json:"passed"`
	ErrorCount   int                   `json:"error_count"`
	WarningCount int                   `json:"warning_count"`
	Results      []ValidationResultDTO `json:"results"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionDTO represents an annotated ledger row.
type TransactionDTO struct {
	ID            string  `json:"id"`
	Kind          string  `json:"kind"`
	CreatedAt     string  `json:"created_at,omitempty"`
	ExpiresAt     string  `json:"expires_at,omitempty"`
	CustomerID    int64   `json:"customer_id,omitempty"`
	OrderID       string  `json:"order_id,omitempty"`
	Amount        *string `json:"amount,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	RedemptionRef string  `json:"redemption_ref,omitempty"`
}

// =============================================================================
// BALANCES
// =============================================================================

// BalanceDTO represents a customer balance as of a date, derived from
// the latest completed run.
type BalanceDTO struct {
	CustomerID int64  `json:"customer_id"`
	Balance    string `json:"balance"`
	AsOf       string `json:"as_of"`
	RunID      string `json:"run_id"`
}

// BalanceHistoryEntryDTO is one row of a customer's running-balance
// history.
type BalanceHistoryEntryDTO struct {
	TransactionID     string `json:"transaction_id"`
	Date              string `json:"date"`
	Kind              string `json:"kind"`
	Amount            string `json:"amount"`
	CumulativeEarned  string `json:"cumulative_earned"`
	CumulativeSpent   string `json:"cumulative_spent"`
	CumulativeExpired string `json:"cumulative_expired"`
	Balance           string `json:"balance"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toRunDTO(run sqlite.Run) RunDTO {
	dto := RunDTO{
		ID:                   run.ID,
		Status:               run.Status,
		Stage:                run.Stage,
		TotalMatches:         run.TotalMatches,
		UnmatchedRedemptions: run.UnmatchedRedemptions,
		ErrorCount:           run.ErrorCount,
		WarningCount:         run.WarningCount,
		Error:                run.Error,
	}
	if run.StartedAt != nil {
		dto.StartedAt = run.StartedAt.Format(time.RFC3339)
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func toRunDTOs(runs []sqlite.Run) []RunDTO {
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	return dtos
}

func toReportDTO(report validation.Report) ValidationReportDTO {
	results := make([]ValidationResultDTO, len(report.Results))
	for i, res := range report.Results {
		results[i] = ValidationResultDTO{
			Check:    res.Check,
			Passed:   res.Passed,
			Severity: string(res.Severity),
			Message:  res.Message,
			Details:  res.Details,
		}
	}
	return ValidationReportDTO{
		Stage:        string(report.Stage),
		Timestamp:    report.Timestamp.Format(time.RFC3339),
		Passed:       report.Passed(),
		ErrorCount:   report.ErrorCount(),
		WarningCount: report.WarningCount(),
		Results:      results,
	}
}

func toReportDTOs(reports []validation.Report) []ValidationReportDTO {
	dtos := make([]ValidationReportDTO, len(reports))
	for i, report := range reports {
		dtos[i] = toReportDTO(report)
	}
	return dtos
}

func toTransactionDTO(row *ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:            row.ID,
		Kind:          string(row.Kind),
		CustomerID:    row.CustomerID,
		OrderID:       row.OrderID,
		Reason:        row.Reason,
		RedemptionRef: row.RedemptionRef,
	}
	if !row.CreatedAt.IsZero() {
		dto.CreatedAt = row.CreatedAt.Format(time.RFC3339)
	}
	if row.ExpiresAt != nil {
		dto.ExpiresAt = row.ExpiresAt.Format(time.RFC3339)
	}
	if row.Amount.Valid {
		s := row.Amount.Decimal.String()
		dto.Amount = &s
	}
	return dto
}

func toTransactionDTOs(rows []*ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toTransactionDTO(row)
	}
	return dtos
}

func toHistoryEntryDTO(rec analytics.BalanceRecord) BalanceHistoryEntryDTO {
	return BalanceHistoryEntryDTO{
		TransactionID:     rec.TransactionID,
		Date:              rec.Date.Format(time.RFC3339),
		Kind:              string(rec.Kind),
		Amount:            rec.Amount.String(),
		CumulativeEarned:  rec.CumulativeEarned.String(),
		CumulativeSpent:   rec.CumulativeSpent.String(),
		CumulativeExpired: rec.CumulativeExpired.String(),
		Balance:           rec.Balance.String(),
	}
}
