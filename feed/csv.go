/*
Package feed is the tabular I/O boundary of the pipeline.

PURPOSE:
  Reads raw transaction batches from CSV and writes the annotated batch
  and derived artifacts back out. All file I/O for a run lives here; the
  engine and validators never touch the filesystem.

TOLERANT INGEST:
  Empty cells become nulls on the Transaction - the reader does not
  judge data quality, the source validator does. The reader errors only
  on structurally broken input: unreadable files, malformed CSV, or
  cells that cannot be parsed as their declared type. Read failures are
  acquisition errors and therefore retryable upstream.

SCHEMA:
  Headers use the canonical column names from the ledger package
  (id, kind, created_at, expires_at, customer_id, order_id, amount,
  reason, and redemption_ref after allocation). Unknown columns are
  ignored; a batch's column set is whatever the file declared, which is
  what the post-allocation schema check inspects.
*/
package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-reconciler/ledger"
)

// timeLayouts are accepted timestamp formats, tried in order.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC3339,
}

const writeTimeLayout = "2006-01-02 15:04:05"

// =============================================================================
// READING
// =============================================================================

// ReadBatch loads a transaction batch from a CSV file.
func ReadBatch(path string) (*ledger.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("read %s: missing header row", path)
	}

	header := records[0]
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}

	cell := func(record []string, column string) string {
		i, ok := index[column]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	rows := make([]*ledger.Transaction, 0, len(records)-1)
	for n, record := range records[1:] {
		tx := &ledger.Transaction{
			ID:            cell(record, ledger.ColumnID),
			Kind:          ledger.Kind(cell(record, ledger.ColumnKind)),
			OrderID:       cell(record, ledger.ColumnOrderID),
			Reason:        cell(record, ledger.ColumnReason),
			RedemptionRef: cell(record, ledger.ColumnRedemptionRef),
		}

		line := n + 2 // 1-based, after the header

		if v := cell(record, ledger.ColumnCreatedAt); v != "" {
			t, err := parseTime(v)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %s: %w", path, line, ledger.ColumnCreatedAt, err)
			}
			tx.CreatedAt = t
		}
		if v := cell(record, ledger.ColumnExpiresAt); v != "" {
			t, err := parseTime(v)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %s: %w", path, line, ledger.ColumnExpiresAt, err)
			}
			tx.ExpiresAt = &t
		}
		if v := cell(record, ledger.ColumnCustomerID); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %s: %w", path, line, ledger.ColumnCustomerID, err)
			}
			tx.CustomerID = id
		}
		if v := cell(record, ledger.ColumnAmount); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %s: %w", path, line, ledger.ColumnAmount, err)
			}
			tx.Amount = decimal.NullDecimal{Decimal: d, Valid: true}
		}

		rows = append(rows, tx)
	}

	return &ledger.Batch{Rows: rows, Columns: header}, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// =============================================================================
// WRITING
// =============================================================================

// WriteBatch persists a batch as CSV with the batch's own column schema.
func WriteBatch(batch *ledger.Batch, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(batch.Columns); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	for _, row := range batch.Rows {
		record := make([]string, len(batch.Columns))
		for i, column := range batch.Columns {
			record[i] = formatCell(row, column)
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

func formatCell(row *ledger.Transaction, column string) string {
	switch column {
	case ledger.ColumnID:
		return row.ID
	case ledger.ColumnKind:
		return string(row.Kind)
	case ledger.ColumnCreatedAt:
		if row.CreatedAt.IsZero() {
			return ""
		}
		return row.CreatedAt.Format(writeTimeLayout)
	case ledger.ColumnExpiresAt:
		if row.ExpiresAt == nil {
			return ""
		}
		return row.ExpiresAt.Format(writeTimeLayout)
	case ledger.ColumnCustomerID:
		if row.CustomerID == 0 {
			return ""
		}
		return strconv.FormatInt(row.CustomerID, 10)
	case ledger.ColumnOrderID:
		return row.OrderID
	case ledger.ColumnAmount:
		if !row.Amount.Valid {
			return ""
		}
		return row.Amount.Decimal.String()
	case ledger.ColumnReason:
		return row.Reason
	case ledger.ColumnRedemptionRef:
		return row.RedemptionRef
	default:
		return ""
	}
}

// =============================================================================
// CSV SOURCE - pipeline acquisition boundary
// =============================================================================

// CSVSource acquires batches from a CSV file. Failures are wrapped as
// acquisition errors so the orchestrator retries them with backoff.
type CSVSource struct {
	Path string
}

func (s *CSVSource) Acquire(ctx context.Context) (*ledger.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := ReadBatch(s.Path)
	if err != nil {
		return nil, &ledger.AcquisitionError{Source: s.Path, Err: err}
	}
	return batch, nil
}
