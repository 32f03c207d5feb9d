/*
handlers.go - HTTP API handlers for the reconciliation service

PURPOSE:
  Exposes run history, validation reports, annotated transactions and
  derived customer balances via REST. Handles HTTP request/response and
  JSON serialization, and delegates everything else to the pipeline,
  store and analytics packages.

ENDPOINTS:
  Runs:
    POST   /api/runs                       Trigger a reconciliation run
    GET    /api/runs                       List run history
    GET    /api/runs/{id}                  Run detail with reports
    GET    /api/runs/{id}/transactions     Annotated batch of a run

  Customers:
    GET    /api/customers/{id}/balance     Balance from latest run
    GET    /api/customers/{id}/history     Running-balance history

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input (bad date, bad customer id)
  - 404: Unknown run or no completed run yet
  - 422: Run rejected by a validation gate
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Response data structures
  - server.go: Router setup and middleware
  - pipeline/pipeline.go: What POST /api/runs actually executes
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/credit-reconciler/analytics"
	"github.com/warp/credit-reconciler/ledger"
	"github.com/warp/credit-reconciler/pipeline"
	"github.com/warp/credit-reconciler/store/sqlite"
	"github.com/warp/credit-reconciler/validation"
)

// defaultRunListLimit bounds GET /api/runs when no limit is given.
const defaultRunListLimit = 50

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    *sqlite.Store
	Pipeline *pipeline.Pipeline
	Log      *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(store *sqlite.Store, p *pipeline.Pipeline, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Store: store, Pipeline: p, Log: log}
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// TriggerRun executes a reconciliation run synchronously and returns
// its record. Gate rejections come back as 422 with the failed run
// attached so the client can fetch the reports.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	result, err := h.Pipeline.Run(ctx)
	if err != nil {
		var gateErr *validation.GateError
		if errors.As(err, &gateErr) {
			// The run record was persisted by the pipeline's failure
			// path; surface it if we can find it.
			runs, listErr := h.Store.ListRuns(ctx, 1)
			if listErr == nil && len(runs) > 0 {
				writeJSON(w, http.StatusUnprocessableEntity, toRunDTO(runs[0]))
				return
			}
			writeError(w, http.StatusUnprocessableEntity, "Run rejected by validation gate", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Run failed", err)
		return
	}

	run, err := h.Store.GetRun(ctx, result.RunID)
	if err != nil || run == nil {
		writeError(w, http.StatusInternalServerError, "Run completed but record not found", err)
		return
	}

	writeJSON(w, http.StatusCreated, toRunDTO(*run))
}

// ListRuns returns run history, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	writeJSON(w, http.StatusOK, toRunDTOs(runs))
}

// GetRun returns a single run with its validation reports.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	run, err := h.Store.GetRun(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "Run not found", nil)
		return
	}

	reports, err := h.Store.LoadReports(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load reports", err)
		return
	}

	writeJSON(w, http.StatusOK, RunDetailDTO{
		Run:     toRunDTO(*run),
		Reports: toReportDTOs(reports),
	})
}

// GetRunTransactions returns the annotated batch persisted for a run.
func (h *Handler) GetRunTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	run, err := h.Store.GetRun(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "Run not found", nil)
		return
	}

	batch, err := h.Store.LoadBatch(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load transactions", err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionDTOs(batch.Rows))
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// GetCustomerBalance returns a customer's balance as of a date,
// derived from the latest completed run. The at query parameter
// defaults to now.
func (h *Handler) GetCustomerBalance(w http.ResponseWriter, r *http.Request) {
	customerID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || customerID <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid customer id", err)
		return
	}

	at := time.Now()
	if v := r.URL.Query().Get("at"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid at date (use YYYY-MM-DD or RFC3339)", err)
			return
		}
		at = t
	}

	run, batch, ok := h.latestBatch(w, r)
	if !ok {
		return
	}

	history := analytics.BuildBalanceHistory(batch)
	balances := analytics.BalanceOn(history, []int64{customerID}, at)

	writeJSON(w, http.StatusOK, BalanceDTO{
		CustomerID: customerID,
		Balance:    balances[customerID].String(),
		AsOf:       at.Format(time.RFC3339),
		RunID:      run.ID,
	})
}

// GetCustomerHistory returns a customer's full running-balance history
// from the latest completed run.
func (h *Handler) GetCustomerHistory(w http.ResponseWriter, r *http.Request) {
	customerID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || customerID <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid customer id", err)
		return
	}

	run, batch, ok := h.latestBatch(w, r)
	if !ok {
		return
	}

	entries := make([]BalanceHistoryEntryDTO, 0)
	for _, rec := range analytics.BuildBalanceHistory(batch) {
		if rec.CustomerID == customerID {
			entries = append(entries, toHistoryEntryDTO(rec))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"customer_id": customerID,
		"run_id":      run.ID,
		"history":     entries,
	})
}

// latestBatch loads the annotated batch of the most recent completed
// run, writing the error response itself when there is none.
func (h *Handler) latestBatch(w http.ResponseWriter, r *http.Request) (*sqlite.Run, *ledger.Batch, bool) {
	ctx := r.Context()

	run, err := h.Store.LatestCompletedRun(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to find latest run", err)
		return nil, nil, false
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "No completed run available", nil)
		return nil, nil, false
	}

	batch, err := h.Store.LoadBatch(ctx, run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load transactions", err)
		return nil, nil, false
	}
	return run, batch, true
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
