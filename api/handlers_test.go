package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/credit-reconciler/api"
	"github.com/warp/credit-reconciler/ledger"
	"github.com/warp/credit-reconciler/pipeline"
	"github.com/warp/credit-reconciler/store/sqlite"
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

type stubSource struct {
	rows []*ledger.Transaction
}

func (s *stubSource) Acquire(ctx context.Context) (*ledger.Batch, error) {
	return ledger.NewBatch(s.rows), nil
}

func newTestRouter(t *testing.T, rows []*ledger.Transaction) (http.Handler, *sqlite.Store, *pipeline.Pipeline) {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := pipeline.New(pipeline.Config{FailOnError: true}, &stubSource{rows: rows}, store, zap.NewNop())
	handler := api.NewHandler(store, p, zap.NewNop())
	return api.NewRouter(handler), store, p
}

func cleanRows() []*ledger.Transaction {
	return []*ledger.Transaction{
		tx("e1", ledger.KindEarned, 1, "2025-01-01", 50),
		tx("s1", ledger.KindSpent, 1, "2025-02-01", -30),
		tx("e2", ledger.KindEarned, 2, "2025-01-05", 10),
	}
}

func doJSON(t *testing.T, router http.Handler, method string, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

// =============================================================================
// RUN TRIGGERING
// =============================================================================

func TestAPI_TriggerRun_Success(t *testing.T) {
	// GIVEN: A clean batch behind the pipeline
	// WHEN: POST /api/runs
	// THEN: 201 with the completed run record

	router, _, _ := newTestRouter(t, cleanRows())

	var run api.RunDTO
	rec := doJSON(t, router, http.MethodPost, "/api/runs", &run)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, sqlite.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.TotalMatches)
	assert.NotEmpty(t, run.ID)
	assert.NotEmpty(t, run.CompletedAt)
}

func TestAPI_TriggerRun_GateRejection(t *testing.T) {
	// GIVEN: A batch with duplicate ids
	// WHEN: POST /api/runs
	// THEN: 422 with the failed run record attached

	rows := cleanRows()
	rows[2].ID = "e1"
	router, _, _ := newTestRouter(t, rows)

	var run api.RunDTO
	req := httptest.NewRequest(http.MethodPost, "/api/runs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, sqlite.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)
}

// =============================================================================
// RUN HISTORY
// =============================================================================

func TestAPI_ListRuns(t *testing.T) {
	// GIVEN: Two executed runs
	// WHEN: GET /api/runs
	// THEN: Both appear

	router, _, p := newTestRouter(t, cleanRows())
	_, err := p.Run(context.Background())
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)

	var runs []api.RunDTO
	rec := doJSON(t, router, http.MethodGet, "/api/runs", &runs)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, runs, 2)
}

func TestAPI_ListRuns_BadLimit(t *testing.T) {
	router, _, _ := newTestRouter(t, cleanRows())

	rec := doJSON(t, router, http.MethodGet, "/api/runs?limit=banana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_GetRun_WithReports(t *testing.T) {
	// GIVEN: A completed run
	// WHEN: GET /api/runs/{id}
	// THEN: The run plus its two validation reports

	router, _, p := newTestRouter(t, cleanRows())
	result, err := p.Run(context.Background())
	require.NoError(t, err)

	var detail api.RunDetailDTO
	rec := doJSON(t, router, http.MethodGet, "/api/runs/"+result.RunID, &detail)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, result.RunID, detail.Run.ID)
	require.Len(t, detail.Reports, 2)
	assert.Equal(t, "source", detail.Reports[0].Stage)
	assert.Equal(t, "post_allocation", detail.Reports[1].Stage)
	assert.True(t, detail.Reports[0].Passed)
}

func TestAPI_GetRun_NotFound(t *testing.T) {
	router, _, _ := newTestRouter(t, cleanRows())

	rec := doJSON(t, router, http.MethodGet, "/api/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_GetRunTransactions(t *testing.T) {
	// GIVEN: A completed run
	// WHEN: GET /api/runs/{id}/transactions
	// THEN: The annotated rows in input order, amounts as strings

	router, _, p := newTestRouter(t, cleanRows())
	result, err := p.Run(context.Background())
	require.NoError(t, err)

	var txs []api.TransactionDTO
	rec := doJSON(t, router, http.MethodGet, "/api/runs/"+result.RunID+"/transactions", &txs)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, txs, 3)
	assert.Equal(t, "e1", txs[0].ID)
	assert.Equal(t, "s1", txs[0].RedemptionRef)
	require.NotNil(t, txs[0].Amount)
	assert.Equal(t, "50", *txs[0].Amount)
	assert.Empty(t, txs[1].RedemptionRef)
}

// =============================================================================
// CUSTOMER BALANCES
// =============================================================================

func TestAPI_GetCustomerBalance(t *testing.T) {
	// GIVEN: A completed run (customer 1: +50 Jan 1, -30 Feb 1)
	// WHEN: GET balance at various dates
	// THEN: Point-in-time values from the latest completed run

	router, _, p := newTestRouter(t, cleanRows())
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	var mid api.BalanceDTO
	rec := doJSON(t, router, http.MethodGet, "/api/customers/1/balance?at=2025-01-15", &mid)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "50", mid.Balance)

	var late api.BalanceDTO
	doJSON(t, router, http.MethodGet, "/api/customers/1/balance?at=2025-12-31", &late)
	assert.Equal(t, "20", late.Balance)
	assert.NotEmpty(t, late.RunID)
}

func TestAPI_GetCustomerBalance_NoCompletedRun(t *testing.T) {
	router, _, _ := newTestRouter(t, cleanRows())

	rec := doJSON(t, router, http.MethodGet, "/api/customers/1/balance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_GetCustomerBalance_BadInputs(t *testing.T) {
	router, _, p := newTestRouter(t, cleanRows())
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/api/customers/abc/balance", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/customers/1/balance?at=not-a-date", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_GetCustomerHistory(t *testing.T) {
	// GIVEN: A completed run
	// WHEN: GET /api/customers/1/history
	// THEN: Only customer 1's records, chronological

	router, _, p := newTestRouter(t, cleanRows())
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	var resp struct {
		CustomerID int64                        `json:"customer_id"`
		RunID      string                       `json:"run_id"`
		History    []api.BalanceHistoryEntryDTO `json:"history"`
	}
	rec := doJSON(t, router, http.MethodGet, "/api/customers/1/history", &resp)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp.History, 2)
	assert.Equal(t, "e1", resp.History[0].TransactionID)
	assert.Equal(t, "50", resp.History[0].Balance)
	assert.Equal(t, "s1", resp.History[1].TransactionID)
	assert.Equal(t, "20", resp.History[1].Balance)
}
