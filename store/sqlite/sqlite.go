/*
Package sqlite persists reconciliation runs and their artifacts.

PURPOSE:
  Stores the audit trail of the pipeline: one record per run (status,
  stage reached, allocation statistics, validation counts) plus the
  annotated transaction batch and the validation results each run
  produced. The HTTP surface reads everything it serves from here.

KEY TABLES:
  runs:               One row per pipeline run, updated as the run
                      progresses (running -> completed/failed)
  run_transactions:   The annotated batch of a run, in input order
  validation_results: Flattened report results per run and stage

WRITE DISCIPLINE:
  Annotated batches and validation results are written once per run and
  never updated; only the run record itself transitions status. The
  structured details of a validation result are summarized in its
  message - the authoritative artifact for investigation is the
  annotated batch itself.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. SQLite is opened in WAL mode so
  readers don't block the single writer.

USAGE:
  store, err := sqlite.New("./data/reconciler.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  Use ":memory:" for tests.

SEE ALSO:
  - pipeline/pipeline.go: Writes runs as it executes
  - api/handlers.go: Reads runs for the HTTP surface
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-reconciler/ledger"
	"github.com/warp/credit-reconciler/validation"
)

// Store persists runs, batches, and validation results in SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a store backed by the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Pipeline runs (audit trail)
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'running',
		stage TEXT NOT NULL DEFAULT '',
		total_matches INTEGER DEFAULT 0,
		unmatched_redemptions INTEGER DEFAULT 0,
		error_count INTEGER DEFAULT 0,
		warning_count INTEGER DEFAULT 0,
		error TEXT,
		started_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status
		ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_created
		ON runs(created_at DESC);

	-- Annotated batch per run, preserving input order
	CREATE TABLE IF NOT EXISTS run_transactions (
		run_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		id TEXT,
		kind TEXT,
		created_at TEXT,
		expires_at TEXT,
		customer_id INTEGER,
		order_id TEXT,
		amount TEXT,
		reason TEXT,
		redemption_ref TEXT,
		PRIMARY KEY (run_id, position)
	);

	CREATE INDEX IF NOT EXISTS idx_run_transactions_customer
		ON run_transactions(run_id, customer_id);

	-- Flattened validation results per run and stage
	CREATE TABLE IF NOT EXISTS validation_results (
		run_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		position INTEGER NOT NULL,
		check_name TEXT NOT NULL,
		passed BOOLEAN NOT NULL,
		severity TEXT NOT NULL,
		message TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (run_id, stage, position)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RUN RECORDS
// =============================================================================

// Run is the persisted record of one pipeline run.
type Run struct {
	ID                   string
	Status               string // running, completed, failed
	Stage                string // last pipeline stage reached
	TotalMatches         int
	UnmatchedRedemptions int
	ErrorCount           int
	WarningCount         int
	Error                string
	StartedAt            *time.Time
	CompletedAt          *time.Time
	CreatedAt            time.Time
}

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// SaveRun inserts or updates a run record. Runs transition status as the
// pipeline progresses; everything else written per run is immutable.
func (s *Store) SaveRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT OR REPLACE INTO runs
		(id, status, stage, total_matches, unmatched_redemptions,
		 error_count, warning_count, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.Stage,
		run.TotalMatches,
		run.UnmatchedRedemptions,
		run.ErrorCount,
		run.WarningCount,
		nullString(run.Error),
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
		run.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetRun returns a run by id, or nil if absent.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, status, stage, total_matches, unmatched_redemptions,
		       error_count, warning_count, error, started_at, completed_at, created_at
		FROM runs WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest first, up to limit (0 = no limit).
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, status, stage, total_matches, unmatched_redemptions,
		       error_count, warning_count, error, started_at, completed_at, created_at
		FROM runs ORDER BY created_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// LatestCompletedRun returns the most recent completed run, or nil.
func (s *Store) LatestCompletedRun(ctx context.Context) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, status, stage, total_matches, unmatched_redemptions,
		       error_count, warning_count, error, started_at, completed_at, created_at
		FROM runs WHERE status = ? ORDER BY created_at DESC LIMIT 1
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, RunStatusCompleted))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var errText, startedAt, completedAt sql.NullString
	var createdAt string

	err := row.Scan(
		&run.ID, &run.Status, &run.Stage,
		&run.TotalMatches, &run.UnmatchedRedemptions,
		&run.ErrorCount, &run.WarningCount,
		&errText, &startedAt, &completedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	run.Error = errText.String
	run.StartedAt = parseNullTime(startedAt)
	run.CompletedAt = parseNullTime(completedAt)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		run.CreatedAt = t
	}
	return &run, nil
}

// =============================================================================
// ANNOTATED BATCHES
// =============================================================================

// SaveBatch persists the annotated batch of a run, in input order.
func (s *Store) SaveBatch(ctx context.Context, runID string, batch *ledger.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO run_transactions
		(run_id, position, id, kind, created_at, expires_at,
		 customer_id, order_id, amount, reason, redemption_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for i, row := range batch.Rows {
		var expiresAt any
		if row.ExpiresAt != nil {
			expiresAt = row.ExpiresAt.UTC().Format(time.RFC3339)
		}
		var amount any
		if row.Amount.Valid {
			amount = row.Amount.Decimal.String()
		}
		var createdAt any
		if !row.CreatedAt.IsZero() {
			createdAt = row.CreatedAt.UTC().Format(time.RFC3339)
		}

		_, err := tx.ExecContext(ctx, query,
			runID, i,
			nullString(row.ID),
			nullString(string(row.Kind)),
			createdAt,
			expiresAt,
			row.CustomerID,
			nullString(row.OrderID),
			amount,
			nullString(row.Reason),
			nullString(row.RedemptionRef),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadBatch reads back the annotated batch of a run, in input order.
func (s *Store) LoadBatch(ctx context.Context, runID string) (*ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, created_at, expires_at, customer_id,
		       order_id, amount, reason, redemption_ref
		FROM run_transactions WHERE run_id = ? ORDER BY position
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*ledger.Transaction
	for rows.Next() {
		var id, kind, createdAt, expiresAt, orderID, amount, reason, ref sql.NullString
		var customerID sql.NullInt64

		err := rows.Scan(&id, &kind, &createdAt, &expiresAt, &customerID,
			&orderID, &amount, &reason, &ref)
		if err != nil {
			return nil, err
		}

		row := &ledger.Transaction{
			ID:            id.String,
			Kind:          ledger.Kind(kind.String),
			CustomerID:    customerID.Int64,
			OrderID:       orderID.String,
			Reason:        reason.String,
			RedemptionRef: ref.String,
		}
		if t := parseNullTime(createdAt); t != nil {
			row.CreatedAt = *t
		}
		row.ExpiresAt = parseNullTime(expiresAt)
		if amount.Valid {
			d, err := decimal.NewFromString(amount.String)
			if err != nil {
				return nil, fmt.Errorf("run %s: bad amount %q: %w", runID, amount.String, err)
			}
			row.Amount = decimal.NullDecimal{Decimal: d, Valid: true}
		}

		txs = append(txs, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Only annotated batches are persisted, so the loaded schema always
	// carries the redemption column.
	return &ledger.Batch{Rows: txs, Columns: append([]string{}, ledger.AnnotatedColumns...)}, nil
}

// =============================================================================
// VALIDATION RESULTS
// =============================================================================

// SaveReport flattens a validation report into per-check rows.
func (s *Store) SaveReport(ctx context.Context, runID string, report validation.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO validation_results
		(run_id, stage, position, check_name, passed, severity, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	created := report.Timestamp.UTC().Format(time.RFC3339)
	for i, res := range report.Results {
		_, err := tx.ExecContext(ctx, query,
			runID, string(report.Stage), i,
			res.Check, res.Passed, string(res.Severity), res.Message, created,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadReports reconstructs the reports of a run, source stage first.
// Structured details are not round-tripped; messages are.
func (s *Store) LoadReports(ctx context.Context, runID string) ([]validation.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT stage, check_name, passed, severity, message, created_at
		FROM validation_results WHERE run_id = ?
		ORDER BY CASE stage WHEN 'source' THEN 0 ELSE 1 END, position
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []validation.Report
	byStage := map[validation.Stage]int{}
	for rows.Next() {
		var stage, check, severity, createdAt string
		var message sql.NullString
		var passed bool

		if err := rows.Scan(&stage, &check, &passed, &severity, &message, &createdAt); err != nil {
			return nil, err
		}

		st := validation.Stage(stage)
		idx, ok := byStage[st]
		if !ok {
			ts, _ := time.Parse(time.RFC3339, createdAt)
			reports = append(reports, validation.Report{Timestamp: ts, Stage: st})
			idx = len(reports) - 1
			byStage[st] = idx
		}

		reports[idx].Results = append(reports[idx].Results, validation.Result{
			Check:    check,
			Passed:   passed,
			Severity: validation.Severity(severity),
			Message:  message.String,
		})
	}

	return reports, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}
