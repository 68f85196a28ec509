package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/rakunlabs/fluxo/internal/auth"
	"github.com/rakunlabs/fluxo/internal/runstore"
)

// runsResponse wraps a paginated list of runs for JSON output.
type runsResponse struct {
	Runs  []*runstore.Run `json:"runs"`
	Total int             `json:"total"`
}

// ListRunsAPI handles GET /api/v1/runs, accepting flow_id, flow_api_id,
// status, page, and page_size query parameters.
func (s *Server) ListRunsAPI(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, auth.ScopeRunRead); !ok {
		return
	}

	q := r.URL.Query()
	filter := runstore.ListFilter{
		FlowID:    q.Get("flow_id"),
		FlowAPIID: q.Get("flow_api_id"),
		Status:    runstore.Status(q.Get("status")),
		Page:      atoiDefault(q.Get("page"), 1),
		PageSize:  atoiDefault(q.Get("page_size"), 50),
	}

	runs, total, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		httpResponse(w, fmt.Sprintf("list runs: %v", err), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*runstore.Run{}
	}

	httpResponseJSON(w, runsResponse{Runs: runs, Total: total}, http.StatusOK)
}

// GetRunAPI handles GET /api/v1/runs/{id}.
func (s *Server) GetRunAPI(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, auth.ScopeRunRead); !ok {
		return
	}

	run, err := s.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		httpResponse(w, fmt.Sprintf("get run: %v", err), http.StatusNotFound)
		return
	}
	httpResponseJSON(w, run, http.StatusOK)
}

// CancelRunAPI handles POST /api/v1/runs/{id}/cancel. This only flips the
// stored status to cancelled; the scheduler does not read the stored
// status, so a live ExecuteFlowSync call for the same run keeps running
// until it finishes or its own context deadline passes. fluxod does not
// track live context.CancelFuncs for in-flight executions.
func (s *Server) CancelRunAPI(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, auth.ScopeRunRead); !ok {
		return
	}

	id := r.PathValue("id")
	cancelled, err := s.runs.CancelRun(r.Context(), id)
	if err != nil {
		httpResponse(w, fmt.Sprintf("cancel run: %v", err), http.StatusInternalServerError)
		return
	}
	if !cancelled {
		httpResponse(w, fmt.Sprintf("run %q is not pending or running", id), http.StatusConflict)
		return
	}

	httpResponseJSON(w, map[string]any{"message": "run cancelled", "run_id": id}, http.StatusOK)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
