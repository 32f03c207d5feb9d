/*
Package pipeline orchestrates a reconciliation run end to end.

PURPOSE:
  Sequences the stages around the core engine:

    acquire -> validate source -> gate -> allocate ->
    validate results -> gate -> persist artifacts + analytics

  A run either completes validated end to end or is rejected whole;
  there is no partial commit. Every run leaves an audit record in the
  store, including failed ones.

RETRY POLICY:
  Only acquisition is retried, with exponential backoff, and only for
  errors the ledger package marks retryable (transient I/O). Validation
  and allocation are deterministic: the same input produces the same
  outcome, so retrying them wastes the retry budget and delays
  alerting. A failed gate is terminal immediately.

ALERTING:
  Terminal failures are handed to an optional Alerter. The pipeline
  itself only logs; paging/email policy belongs to the caller.

SEE ALSO:
  - feed/csv.go: The default Source implementation
  - store/sqlite/: Run records and artifacts
*/
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/credit-reconciler/analytics"
	"github.com/warp/credit-reconciler/feed"
	"github.com/warp/credit-reconciler/fifo"
	"github.com/warp/credit-reconciler/ledger"
	"github.com/warp/credit-reconciler/store/sqlite"
	"github.com/warp/credit-reconciler/validation"
)

// Stage names recorded on run records. The two validation stages reuse
// the report stage names so run records and reports line up.
const (
	StageAcquisition      = "acquisition"
	StageSourceValidation = string(validation.StageSource)
	StageAllocation       = "allocation"
	StageResultValidation = string(validation.StagePostAllocation)
	StagePersistence      = "persistence"
)

// maxRetryDelay caps exponential backoff between acquisition attempts.
const maxRetryDelay = 30 * time.Minute

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// Source acquires the raw batch for a run. Implementations wrap
// transient failures in ledger.AcquisitionError so they get retried.
type Source interface {
	Acquire(ctx context.Context) (*ledger.Batch, error)
}

// Alerter is notified of terminal run failures.
type Alerter interface {
	Alert(ctx context.Context, runID string, stage string, err error)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config is the explicit configuration of the orchestrator boundary.
// The core stages take no configuration at all.
type Config struct {
	// OutputPath, when set, receives the annotated batch as CSV.
	OutputPath string
	// HistoryPath, when set, receives the balance history as CSV.
	HistoryPath string
	// FailOnError controls the validation gates. Production runs keep
	// this on; exploratory runs may turn it off to see the full report.
	FailOnError bool
	// MaxRetries bounds re-acquisition attempts after the first.
	MaxRetries int
	// RetryDelay is the initial backoff between acquisition attempts.
	RetryDelay time.Duration
}

// =============================================================================
// PIPELINE
// =============================================================================

type Pipeline struct {
	Config  Config
	Source  Source
	Store   *sqlite.Store // Optional; nil skips run records and batch persistence
	Alerter Alerter       // Optional
	Log     *zap.Logger
}

func New(cfg Config, source Source, store *sqlite.Store, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Pipeline{Config: cfg, Source: source, Store: store, Log: log}
}

// Result carries everything a run produced.
type Result struct {
	RunID         string
	Batch         *ledger.Batch
	Stats         fifo.Stats
	SourceReport  validation.Report
	ResultsReport validation.Report
	History       []analytics.BalanceRecord
}

// Run executes one reconciliation run.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	started := time.Now()
	run := sqlite.Run{
		ID:        fmt.Sprintf("run-%d", started.UnixNano()),
		Status:    sqlite.RunStatusRunning,
		Stage:     StageAcquisition,
		StartedAt: &started,
		CreatedAt: started,
	}
	p.saveRun(ctx, run)
	p.Log.Info("run started", zap.String("run_id", run.ID))

	// ---------------------------------------------------------------------
	// Acquire (retryable)
	// ---------------------------------------------------------------------
	batch, err := p.acquire(ctx)
	if err != nil {
		return nil, p.fail(ctx, &run, err)
	}
	p.Log.Info("batch acquired",
		zap.String("run_id", run.ID),
		zap.Int("rows", len(batch.Rows)),
		zap.Int("customers", len(batch.Customers())))

	// ---------------------------------------------------------------------
	// Source validation + gate
	// ---------------------------------------------------------------------
	run.Stage = StageSourceValidation
	sourceReport := validation.ValidateSource(batch)
	p.saveReport(ctx, run.ID, sourceReport)
	p.logReport(run.ID, sourceReport)

	run.WarningCount += sourceReport.WarningCount()
	if _, err := validation.Gate(sourceReport, p.Config.FailOnError); err != nil {
		run.ErrorCount = sourceReport.ErrorCount()
		return nil, p.fail(ctx, &run, err)
	}

	// ---------------------------------------------------------------------
	// FIFO allocation
	// ---------------------------------------------------------------------
	run.Stage = StageAllocation
	annotated, stats, err := fifo.Allocate(batch)
	if err != nil {
		return nil, p.fail(ctx, &run, err)
	}
	run.TotalMatches = stats.TotalMatches
	run.UnmatchedRedemptions = stats.UnmatchedRedemptions
	p.Log.Info("allocation complete",
		zap.String("run_id", run.ID),
		zap.Int("total_matches", stats.TotalMatches),
		zap.Int("unmatched_redemptions", stats.UnmatchedRedemptions))

	// ---------------------------------------------------------------------
	// Result validation + gate
	// ---------------------------------------------------------------------
	run.Stage = StageResultValidation
	resultsReport := validation.ValidateResults(batch, annotated)
	p.saveReport(ctx, run.ID, resultsReport)
	p.logReport(run.ID, resultsReport)

	run.WarningCount += resultsReport.WarningCount()
	if _, err := validation.Gate(resultsReport, p.Config.FailOnError); err != nil {
		run.ErrorCount = resultsReport.ErrorCount()
		return nil, p.fail(ctx, &run, err)
	}

	// ---------------------------------------------------------------------
	// Persist artifacts and derived analytics
	// ---------------------------------------------------------------------
	run.Stage = StagePersistence
	history := analytics.BuildBalanceHistory(annotated)

	if p.Store != nil {
		if err := p.Store.SaveBatch(ctx, run.ID, annotated); err != nil {
			return nil, p.fail(ctx, &run, err)
		}
	}
	if p.Config.OutputPath != "" {
		if err := feed.WriteBatch(annotated, p.Config.OutputPath); err != nil {
			return nil, p.fail(ctx, &run, err)
		}
	}
	if p.Config.HistoryPath != "" {
		if err := feed.WriteBalanceHistory(history, p.Config.HistoryPath); err != nil {
			return nil, p.fail(ctx, &run, err)
		}
	}

	completed := time.Now()
	run.Status = sqlite.RunStatusCompleted
	run.CompletedAt = &completed
	p.saveRun(ctx, run)
	p.Log.Info("run completed",
		zap.String("run_id", run.ID),
		zap.Duration("elapsed", completed.Sub(started)))

	return &Result{
		RunID:         run.ID,
		Batch:         annotated,
		Stats:         stats,
		SourceReport:  sourceReport,
		ResultsReport: resultsReport,
		History:       history,
	}, nil
}

// =============================================================================
// ACQUISITION WITH BOUNDED RETRY
// =============================================================================

func (p *Pipeline) acquire(ctx context.Context) (*ledger.Batch, error) {
	attempts := p.Config.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	delay := p.Config.RetryDelay
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			p.Log.Warn("retrying acquisition",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}

		batch, err := p.Source.Acquire(ctx)
		if err == nil {
			return batch, nil
		}
		lastErr = err

		// Deterministic failures are not worth a second attempt.
		if !ledger.IsRetryable(err) {
			return nil, err
		}
	}

	return nil, lastErr
}

// =============================================================================
// FAILURE PATH
// =============================================================================

func (p *Pipeline) fail(ctx context.Context, run *sqlite.Run, err error) error {
	completed := time.Now()
	run.Status = sqlite.RunStatusFailed
	run.Error = err.Error()
	run.CompletedAt = &completed
	p.saveRun(ctx, *run)

	p.Log.Error("run failed",
		zap.String("run_id", run.ID),
		zap.String("stage", run.Stage),
		zap.Error(err))

	if p.Alerter != nil {
		p.Alerter.Alert(ctx, run.ID, run.Stage, err)
	}
	return err
}

// =============================================================================
// PERSISTENCE HELPERS (store is optional)
// =============================================================================

func (p *Pipeline) saveRun(ctx context.Context, run sqlite.Run) {
	if p.Store == nil {
		return
	}
	if err := p.Store.SaveRun(ctx, run); err != nil {
		p.Log.Warn("failed to save run record",
			zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (p *Pipeline) saveReport(ctx context.Context, runID string, report validation.Report) {
	if p.Store == nil {
		return
	}
	if err := p.Store.SaveReport(ctx, runID, report); err != nil {
		p.Log.Warn("failed to save validation report",
			zap.String("run_id", runID), zap.Error(err))
	}
}

func (p *Pipeline) logReport(runID string, report validation.Report) {
	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.String("stage", string(report.Stage)),
		zap.Bool("passed", report.Passed()),
		zap.Int("errors", report.ErrorCount()),
		zap.Int("warnings", report.WarningCount()),
	}
	if report.Passed() {
		p.Log.Info("validation passed", fields...)
	} else {
		p.Log.Warn("validation failed", fields...)
	}
	p.Log.Debug("validation report", zap.String("summary", report.Summary()))
}
