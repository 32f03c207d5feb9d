package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/credit-reconciler/ledger"
	"github.com/warp/credit-reconciler/pipeline"
	"github.com/warp/credit-reconciler/store/sqlite"
	"github.com/warp/credit-reconciler/validation"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func tx(id string, kind ledger.Kind, customer int64, date string, amount float64) *ledger.Transaction {
	return &ledger.Transaction{
		ID:         id,
		Kind:       kind,
		CreatedAt:  day(date),
		CustomerID: customer,
		Amount:     decimal.NullDecimal{Decimal: decimal.NewFromFloat(amount), Valid: true},
	}
}

func cleanRows() []*ledger.Transaction {
	return []*ledger.Transaction{
		tx("e1", ledger.KindEarned, 1, "2025-01-01", 50),
		tx("e2", ledger.KindEarned, 1, "2025-01-15", 30),
		tx("s1", ledger.KindSpent, 1, "2025-02-01", -40),
		tx("e3", ledger.KindEarned, 2, "2025-01-05", 10),
	}
}

// stubSource serves a fixed batch, optionally failing a few times first.
type stubSource struct {
	rows     []*ledger.Transaction
	failures int
	calls    int
}

func (s *stubSource) Acquire(ctx context.Context) (*ledger.Batch, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, &ledger.AcquisitionError{Source: "stub", Err: errors.New("transient")}
	}
	return ledger.NewBatch(s.rows), nil
}

// brokenSource always fails with a non-retryable error.
type brokenSource struct {
	calls int
}

func (s *brokenSource) Acquire(ctx context.Context) (*ledger.Batch, error) {
	s.calls++
	return nil, errors.New("config error")
}

// captureAlerter records terminal failures.
type captureAlerter struct {
	runID string
	stage string
	err   error
}

func (a *captureAlerter) Alert(ctx context.Context, runID string, stage string, err error) {
	a.runID = runID
	a.stage = stage
	a.err = err
}

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestPipeline_SuccessfulRun(t *testing.T) {
	// GIVEN: A clean batch behind a working source
	// WHEN: Running the pipeline end to end
	// THEN: Both gates pass, the batch is annotated and persisted, and
	//       the run record is marked completed with the stats

	store := newTestStore(t)
	source := &stubSource{rows: cleanRows()}
	p := pipeline.New(pipeline.Config{FailOnError: true}, source, store, zap.NewNop())

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Batch.HasColumn(ledger.ColumnRedemptionRef))
	assert.Equal(t, 1, result.Stats.TotalMatches, "e1 alone covers s1")
	assert.True(t, result.SourceReport.Passed())
	assert.True(t, result.ResultsReport.Passed())
	assert.NotEmpty(t, result.History)

	run, err := store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, sqlite.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.TotalMatches)
	require.NotNil(t, run.CompletedAt)

	persisted, err := store.LoadBatch(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Len(t, persisted.Rows, 4)

	reports, err := store.LoadReports(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Len(t, reports, 2)
}

func TestPipeline_WritesArtifacts(t *testing.T) {
	// GIVEN: Output paths configured
	// WHEN: Running successfully
	// THEN: The annotated CSV and history CSV exist on disk

	dir := t.TempDir()
	cfg := pipeline.Config{
		FailOnError: true,
		OutputPath:  filepath.Join(dir, "annotated.csv"),
		HistoryPath: filepath.Join(dir, "history.csv"),
	}
	p := pipeline.New(cfg, &stubSource{rows: cleanRows()}, nil, nil)

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	out, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	assert.Contains(t, string(out), ledger.ColumnRedemptionRef)

	hist, err := os.ReadFile(cfg.HistoryPath)
	require.NoError(t, err)
	assert.Contains(t, string(hist), "current_balance")
}

func TestPipeline_RunsWithoutStore(t *testing.T) {
	// GIVEN: No store wired (ad-hoc CLI run)
	// WHEN: Running
	// THEN: The run still succeeds; persistence is simply skipped

	p := pipeline.New(pipeline.Config{FailOnError: true}, &stubSource{rows: cleanRows()}, nil, nil)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
}

// =============================================================================
// VALIDATION GATES
// =============================================================================

func TestPipeline_SourceGateAbortsRun(t *testing.T) {
	// GIVEN: A batch with a data-quality error (duplicate ids)
	// WHEN: Running with fail-on-error
	// THEN: The run stops at the source gate; the engine never runs and
	//       no batch is persisted

	rows := cleanRows()
	rows[1].ID = "e1" // Duplicate
	store := newTestStore(t)
	alerter := &captureAlerter{}
	p := pipeline.New(pipeline.Config{FailOnError: true}, &stubSource{rows: rows}, store, zap.NewNop())
	p.Alerter = alerter

	_, err := p.Run(context.Background())
	require.Error(t, err)

	var gateErr *validation.GateError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, validation.StageSource, gateErr.Stage)

	runs, err := store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, sqlite.RunStatusFailed, runs[0].Status)
	assert.Equal(t, string(validation.StageSource), runs[0].Stage)
	assert.NotEmpty(t, runs[0].Error)

	persisted, err := store.LoadBatch(context.Background(), runs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, persisted.Rows, "rejected runs must not persist a batch")

	assert.Equal(t, runs[0].ID, alerter.runID)
	assert.Equal(t, string(validation.StageSource), alerter.stage)
}

func TestPipeline_FailOnErrorDisabledProceedsPastFailures(t *testing.T) {
	// GIVEN: The same broken batch but an exploratory configuration
	// WHEN: Running with fail-on-error off
	// THEN: The run completes and the full report is available

	rows := cleanRows()
	rows[1].ID = "e1"
	p := pipeline.New(pipeline.Config{FailOnError: false}, &stubSource{rows: rows}, nil, nil)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.SourceReport.Passed())
}

func TestPipeline_FailedRunStoresReport(t *testing.T) {
	// GIVEN: A batch rejected at the source gate
	// WHEN: Inspecting the store afterwards
	// THEN: The failing report was persisted before the gate fired

	rows := cleanRows()
	rows[0].CustomerID = -1
	store := newTestStore(t)
	p := pipeline.New(pipeline.Config{FailOnError: true}, &stubSource{rows: rows}, store, zap.NewNop())

	_, err := p.Run(context.Background())
	require.Error(t, err)

	runs, err := store.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	reports, err := store.LoadReports(context.Background(), runs[0].ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, validation.StageSource, reports[0].Stage)
	assert.False(t, reports[0].Passed())
}

// =============================================================================
// RETRY POLICY
// =============================================================================

func TestPipeline_RetriesTransientAcquisitionFailures(t *testing.T) {
	// GIVEN: A source that fails twice with acquisition errors
	// WHEN: Running with three retries
	// THEN: The third attempt succeeds and the run completes

	source := &stubSource{rows: cleanRows(), failures: 2}
	cfg := pipeline.Config{FailOnError: true, MaxRetries: 3, RetryDelay: time.Millisecond}
	p := pipeline.New(cfg, source, nil, nil)

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, source.calls)
}

func TestPipeline_ExhaustedRetriesFailTheRun(t *testing.T) {
	// GIVEN: A source that fails more times than the retry budget
	// WHEN: Running with one retry
	// THEN: The run fails with the last acquisition error

	source := &stubSource{rows: cleanRows(), failures: 10}
	store := newTestStore(t)
	cfg := pipeline.Config{FailOnError: true, MaxRetries: 1, RetryDelay: time.Millisecond}
	p := pipeline.New(cfg, source, store, zap.NewNop())

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, 2, source.calls)

	runs, _ := store.ListRuns(context.Background(), 1)
	require.Len(t, runs, 1)
	assert.Equal(t, sqlite.RunStatusFailed, runs[0].Status)
	assert.Equal(t, "acquisition", runs[0].Stage)
}

func TestPipeline_NonRetryableAcquisitionFailureIsImmediate(t *testing.T) {
	// GIVEN: A source failing with a deterministic error
	// WHEN: Running with a generous retry budget
	// THEN: Exactly one attempt is made

	source := &brokenSource{}
	cfg := pipeline.Config{FailOnError: true, MaxRetries: 5, RetryDelay: time.Millisecond}
	p := pipeline.New(cfg, source, nil, nil)

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, source.calls)
}

func TestPipeline_ContextCancellationStopsRetries(t *testing.T) {
	// GIVEN: A perpetually failing source and a cancelled context
	// WHEN: Running
	// THEN: The backoff wait observes the cancellation

	source := &stubSource{failures: 100}
	cfg := pipeline.Config{FailOnError: true, MaxRetries: 100, RetryDelay: time.Hour}
	p := pipeline.New(cfg, source, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// DETERMINISM ACROSS RUNS
// =============================================================================

func TestPipeline_RepeatRunsProduceIdenticalAnnotations(t *testing.T) {
	// GIVEN: The same source batch run twice
	// WHEN: Comparing the annotated outputs
	// THEN: References are identical run to run

	p := pipeline.New(pipeline.Config{FailOnError: true}, &stubSource{rows: cleanRows()}, nil, nil)

	first, err := p.Run(context.Background())
	require.NoError(t, err)
	refs1 := map[string]string{}
	for _, row := range first.Batch.Rows {
		refs1[row.ID] = row.RedemptionRef
	}

	second, err := p.Run(context.Background())
	require.NoError(t, err)
	for _, row := range second.Batch.Rows {
		assert.Equal(t, refs1[row.ID], row.RedemptionRef)
	}
}
