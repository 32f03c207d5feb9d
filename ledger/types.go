/*
Package ledger defines the reward-credit transaction model.

PURPOSE:
  This package contains the core data types shared by every stage of the
  reconciliation pipeline: the Transaction record, the Batch snapshot that
  a run operates on, and the column names of the tabular artifact the
  batch is loaded from and persisted to.

KEY CONCEPTS IN THIS FILE (types.go):
  - Kind: Transaction classification (earned, spent, expired)
  - Transaction: A single ledger row, nullable at ingest
  - Batch: One immutable snapshot of rows plus its column schema

DESIGN PRINCIPLES:
  1. Immutability: Financial fields are never mutated after load. The
     only field written after ingest is RedemptionRef, set by the
     allocation engine on earned rows.
  2. Precision: Uses decimal.Decimal to avoid floating-point errors.
  3. Tolerant ingest: Raw data may carry nulls in any field. Nulls are a
     data-quality finding for the validators, never a parse crash.

NULL REPRESENTATION:
  Warehouse columns are nullable, so the Go types keep that visible:
    ID ""              -> null id
    Kind ""            -> null kind
    CreatedAt zero     -> null timestamp
    CustomerID 0       -> null customer
    Amount Valid=false -> null amount (decimal.NullDecimal)
    ExpiresAt nil      -> no expiry
    RedemptionRef ""   -> unallocated

SEE ALSO:
  - errors.go: Sentinel and structured errors for the pipeline
  - validation/: Turns nulls and rule violations into reports
  - fifo/: Writes RedemptionRef during allocation
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// KIND - Transaction classification
// =============================================================================

type Kind string

const (
	KindEarned  Kind = "earned"  // Credit issued to a customer
	KindSpent   Kind = "spent"   // Credit consumed on an order
	KindExpired Kind = "expired" // Credit removed by expiry
)

// Kinds lists every valid transaction kind.
var Kinds = []Kind{KindEarned, KindSpent, KindExpired}

// Valid reports whether k is one of the three known kinds.
func (k Kind) Valid() bool {
	return k == KindEarned || k == KindSpent || k == KindExpired
}

// IsRedemption reports whether k consumes previously earned credit.
// Both spends and expirations redeem credit under FIFO rules.
func (k Kind) IsRedemption() bool {
	return k == KindSpent || k == KindExpired
}

// =============================================================================
// COLUMNS - Schema of the tabular artifact
// =============================================================================

const (
	ColumnID            = "id"
	ColumnKind          = "kind"
	ColumnCreatedAt     = "created_at"
	ColumnExpiresAt     = "expires_at"
	ColumnCustomerID    = "customer_id"
	ColumnOrderID       = "order_id"
	ColumnAmount        = "amount"
	ColumnReason        = "reason"
	ColumnRedemptionRef = "redemption_ref"
)

// SourceColumns is the schema of a raw batch, before allocation.
var SourceColumns = []string{
	ColumnID, ColumnKind, ColumnCreatedAt, ColumnExpiresAt,
	ColumnCustomerID, ColumnOrderID, ColumnAmount, ColumnReason,
}

// AnnotatedColumns is the schema after allocation: the source schema plus
// the redemption reference. Nothing else changes shape.
var AnnotatedColumns = append(append([]string{}, SourceColumns...), ColumnRedemptionRef)

// RequiredColumns are the fields every row must carry for allocation to be
// meaningful. The source validator reports nulls in these per field.
var RequiredColumns = []string{
	ColumnID, ColumnKind, ColumnCreatedAt, ColumnCustomerID, ColumnAmount,
}

// =============================================================================
// TRANSACTION - Single ledger row
// =============================================================================

type Transaction struct {
	ID         string
	Kind       Kind
	CreatedAt  time.Time
	ExpiresAt  *time.Time // Meaningful only for earned rows
	CustomerID int64
	OrderID    string // Meaningful for spent rows
	Amount     decimal.NullDecimal
	Reason     string

	// RedemptionRef is written by the allocation engine on earned rows,
	// pointing at the spent/expired transaction that consumed this lot.
	// Always empty on spent/expired rows.
	RedemptionRef string
}

// FieldNull reports whether the named column is null on this row.
func (t *Transaction) FieldNull(column string) bool {
	switch column {
	case ColumnID:
		return t.ID == ""
	case ColumnKind:
		return t.Kind == ""
	case ColumnCreatedAt:
		return t.CreatedAt.IsZero()
	case ColumnExpiresAt:
		return t.ExpiresAt == nil
	case ColumnCustomerID:
		return t.CustomerID == 0
	case ColumnOrderID:
		return t.OrderID == ""
	case ColumnAmount:
		return !t.Amount.Valid
	case ColumnReason:
		return t.Reason == ""
	case ColumnRedemptionRef:
		return t.RedemptionRef == ""
	default:
		return true
	}
}

// =============================================================================
// BATCH - One immutable snapshot per run
// =============================================================================

// Batch is the unit of work for a reconciliation run: an ordered set of
// rows and the column schema of the artifact they came from. Rows are
// annotated in place by the allocation engine; they are never reordered,
// deleted, or financially mutated.
type Batch struct {
	Rows    []*Transaction
	Columns []string
}

// NewBatch wraps rows in a batch carrying the raw source schema.
func NewBatch(rows []*Transaction) *Batch {
	return &Batch{Rows: rows, Columns: append([]string{}, SourceColumns...)}
}

// HasColumn reports whether the batch schema includes the named column.
func (b *Batch) HasColumn(name string) bool {
	for _, c := range b.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// WithColumn returns a batch over the same rows whose schema includes the
// named column. The row slice is shared, not copied: annotation happens
// in place on the one snapshot.
func (b *Batch) WithColumn(name string) *Batch {
	if b.HasColumn(name) {
		return &Batch{Rows: b.Rows, Columns: b.Columns}
	}
	cols := append(append([]string{}, b.Columns...), name)
	return &Batch{Rows: b.Rows, Columns: cols}
}

// Customers returns the distinct customer ids in first-seen order.
// Null (zero) customer ids are skipped.
func (b *Batch) Customers() []int64 {
	seen := make(map[int64]bool, len(b.Rows))
	var out []int64
	for _, row := range b.Rows {
		if row.CustomerID == 0 || seen[row.CustomerID] {
			continue
		}
		seen[row.CustomerID] = true
		out = append(out, row.CustomerID)
	}
	return out
}

// =============================================================================
// TOLERANCE - Shared floating-point tolerance
// =============================================================================

// Tolerance is the fixed amount below which residuals are treated as zero,
// both by the engine's unmatched-redemption statistic and by the balance
// reconciliation check.
var Tolerance = decimal.New(1, -2) // 0.01
