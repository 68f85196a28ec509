package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rakunlabs/fluxo/internal/auth"
	"github.com/rakunlabs/fluxo/internal/flow"
	"github.com/rakunlabs/fluxo/internal/openapi"
	"github.com/rakunlabs/fluxo/internal/runstore"
)

// flowsResponse wraps a paginated list of flows for JSON output.
type flowsResponse struct {
	Flows []*runstore.FlowRecord `json:"flows"`
	Total int                    `json:"total"`
}

// ListFlowsAPI handles GET /api/v1/flows.
func (s *Server) ListFlowsAPI(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, auth.ScopeFlowRead); !ok {
		return
	}

	flows, total, err := s.flows.ListFlows(r.Context(), runstore.FlowFilter{})
	if err != nil {
		httpResponse(w, fmt.Sprintf("list flows: %v", err), http.StatusInternalServerError)
		return
	}
	if flows == nil {
		flows = []*runstore.FlowRecord{}
	}

	httpResponseJSON(w, flowsResponse{Flows: flows, Total: total}, http.StatusOK)
}

// CreateFlowAPI handles POST /api/v1/flows.
func (s *Server) CreateFlowAPI(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	var f flow.Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		httpResponse(w, fmt.Sprintf("decode flow: %v", err), http.StatusBadRequest)
		return
	}
	if err := f.Validate(); err != nil {
		httpResponse(w, fmt.Sprintf("invalid flow: %v", err), http.StatusBadRequest)
		return
	}

	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	graph, err := json.Marshal(f)
	if err != nil {
		httpResponse(w, fmt.Sprintf("marshal flow: %v", err), http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	record := &runstore.FlowRecord{
		ID: f.ID, Name: f.Name, Version: f.Version, Graph: graph, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.flows.CreateFlow(r.Context(), record); err != nil {
		httpResponse(w, fmt.Sprintf("create flow: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, record, http.StatusCreated)
}

// GetFlowAPI handles GET /api/v1/flows/{id}.
func (s *Server) GetFlowAPI(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, auth.ScopeFlowRead); !ok {
		return
	}

	record, err := s.getFlowRecord(w, r)
	if err != nil {
		return
	}
	httpResponseJSON(w, record, http.StatusOK)
}

// UpdateFlowAPI handles PUT /api/v1/flows/{id}.
func (s *Server) UpdateFlowAPI(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	id := r.PathValue("id")
	if id == "" {
		httpResponse(w, "flow id is required", http.StatusBadRequest)
		return
	}

	var f flow.Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		httpResponse(w, fmt.Sprintf("decode flow: %v", err), http.StatusBadRequest)
		return
	}
	if err := f.Validate(); err != nil {
		httpResponse(w, fmt.Sprintf("invalid flow: %v", err), http.StatusBadRequest)
		return
	}
	f.ID = id

	graph, err := json.Marshal(f)
	if err != nil {
		httpResponse(w, fmt.Sprintf("marshal flow: %v", err), http.StatusInternalServerError)
		return
	}

	err = s.flows.UpdateFlow(r.Context(), id, func(record *runstore.FlowRecord) error {
		record.Name = f.Name
		record.Version = f.Version
		record.Graph = graph
		return nil
	})
	if err != nil {
		httpResponse(w, fmt.Sprintf("update flow: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponse(w, "flow updated", http.StatusOK)
}

// DeleteFlowAPI handles DELETE /api/v1/flows/{id}.
func (s *Server) DeleteFlowAPI(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	id := r.PathValue("id")
	if id == "" {
		httpResponse(w, "flow id is required", http.StatusBadRequest)
		return
	}
	if err := s.flows.DeleteFlow(r.Context(), id); err != nil {
		httpResponse(w, fmt.Sprintf("delete flow: %v", err), http.StatusInternalServerError)
		return
	}
	httpResponse(w, "flow deleted", http.StatusOK)
}

// FlowOpenAPIAPI handles GET /api/v1/flows/{id}/openapi.json.
func (s *Server) FlowOpenAPIAPI(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, auth.ScopeFlowRead); !ok {
		return
	}

	f, err := s.loadFlow(w, r)
	if err != nil {
		return
	}

	doc := openapi.Generate(f, openapi.Config{BasePath: fmt.Sprintf("/api/v1/flows/%s", f.ID)}, baseURL(r))
	httpResponseJSON(w, doc, http.StatusOK)
}

// ExecuteFlowSyncAPI handles POST /api/v1/flows/{id}/execute.
func (s *Server) ExecuteFlowSyncAPI(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireScope(w, r, auth.ScopeFlowExecute)
	if !ok {
		return
	}
	if !s.applyRateLimit(w, r, rateLimitKey(r, id)) {
		return
	}

	f, err := s.loadFlow(w, r)
	if err != nil {
		return
	}

	inputs, err := decodeInputs(r)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	runID, err := s.runs.CreateRun(r.Context(), f.ID, inputs, runstore.CreateRunOptions{
		APIKeyID: id.Subject, ClientIP: r.RemoteAddr, UserAgent: r.UserAgent(),
	})
	if err != nil {
		httpResponse(w, fmt.Sprintf("create run: %v", err), http.StatusInternalServerError)
		return
	}

	run, err := s.runs.ExecuteFlowSync(r.Context(), runID, f, inputs, runstore.ExecuteOptions{})
	if err != nil {
		httpResponse(w, fmt.Sprintf("execute flow: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, run, http.StatusOK)
}

// ExecuteFlowAsyncAPI handles POST /api/v1/flows/{id}/execute-async.
func (s *Server) ExecuteFlowAsyncAPI(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireScope(w, r, auth.ScopeFlowExecuteAsync)
	if !ok {
		return
	}
	if !s.applyRateLimit(w, r, rateLimitKey(r, id)) {
		return
	}

	f, err := s.loadFlow(w, r)
	if err != nil {
		return
	}

	inputs, err := decodeInputs(r)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	handle, err := s.runs.ExecuteFlowAsync(r.Context(), f, inputs,
		runstore.CreateRunOptions{APIKeyID: id.Subject, ClientIP: r.RemoteAddr, UserAgent: r.UserAgent()},
		runstore.ExecuteOptions{})
	if err != nil {
		httpResponse(w, fmt.Sprintf("execute flow async: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, handle, http.StatusAccepted)
}

func (s *Server) getFlowRecord(w http.ResponseWriter, r *http.Request) (*runstore.FlowRecord, error) {
	id := r.PathValue("id")
	if id == "" {
		httpResponse(w, "flow id is required", http.StatusBadRequest)
		return nil, fmt.Errorf("missing id")
	}
	record, err := s.flows.GetFlow(r.Context(), id)
	if err != nil {
		httpResponse(w, fmt.Sprintf("get flow: %v", err), http.StatusNotFound)
		return nil, err
	}
	return record, nil
}

// loadFlow fetches the flow record named by the request's path id and
// decodes its stored graph into a flow.Flow ready for the scheduler.
func (s *Server) loadFlow(w http.ResponseWriter, r *http.Request) (*flow.Flow, error) {
	record, err := s.getFlowRecord(w, r)
	if err != nil {
		return nil, err
	}

	var f flow.Flow
	if err := json.Unmarshal(record.Graph, &f); err != nil {
		httpResponse(w, fmt.Sprintf("decode stored flow graph: %v", err), http.StatusInternalServerError)
		return nil, err
	}
	return &f, nil
}

func decodeInputs(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(body) == 0 {
		return map[string]any{}, nil
	}

	var inputs map[string]any
	if err := json.Unmarshal(body, &inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	return inputs, nil
}

// runRequestOptions is the decoded `options` object of a §4.6 POST /run
// request body.
type runRequestOptions struct {
	Timeout int    `json:"timeout"` // milliseconds
	TTL     *int   `json:"ttl"`     // seconds
	Async   bool   `json:"async"`
	Webhook string `json:"webhook"`
}

type runRequestBody struct {
	Inputs  map[string]any    `json:"inputs"`
	Options runRequestOptions `json:"options"`
}

// decodeRunRequest unwraps the {inputs, options} envelope §4.6 documents for
// POST /run, as opposed to decodeInputs' raw-body shape used by the legacy
// /execute and /execute-async routes.
func decodeRunRequest(r *http.Request) (map[string]any, runRequestOptions, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, runRequestOptions{}, fmt.Errorf("read request body: %w", err)
	}
	if len(body) == 0 {
		return map[string]any{}, runRequestOptions{}, nil
	}

	var req runRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, runRequestOptions{}, fmt.Errorf("decode run request: %w", err)
	}
	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}
	return req.Inputs, req.Options, nil
}

// RunFlowAPI handles POST /api/v1/flows/{id}/run: the §4.6-documented
// envelope that combines sync and async execution behind one route,
// selecting scope and dispatch by options.async.
func (s *Server) RunFlowAPI(w http.ResponseWriter, r *http.Request) {
	inputs, opts, err := decodeRunRequest(r)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	scope := auth.ScopeFlowExecute
	if opts.Async {
		scope = auth.ScopeFlowExecuteAsync
	}
	id, ok := s.requireScope(w, r, scope)
	if !ok {
		return
	}
	if !s.applyRateLimit(w, r, rateLimitKey(r, id)) {
		return
	}

	f, err := s.loadFlow(w, r)
	if err != nil {
		return
	}

	execOpts := runstore.ExecuteOptions{Webhook: opts.Webhook}
	if opts.Timeout > 0 {
		execOpts.TimeoutMS = opts.Timeout
	}
	createOpts := runstore.CreateRunOptions{
		APIKeyID: id.Subject, ClientIP: r.RemoteAddr, UserAgent: r.UserAgent(), TTL: opts.TTL,
	}

	if opts.Async {
		handle, err := s.runs.ExecuteFlowAsync(r.Context(), f, inputs, createOpts, execOpts)
		if err != nil {
			httpResponse(w, fmt.Sprintf("execute flow async: %v", err), http.StatusInternalServerError)
			return
		}
		httpResponseJSON(w, handle, http.StatusOK)
		return
	}

	runID, err := s.runs.CreateRun(r.Context(), f.ID, inputs, createOpts)
	if err != nil {
		httpResponse(w, fmt.Sprintf("create run: %v", err), http.StatusInternalServerError)
		return
	}

	run, err := s.runs.ExecuteFlowSync(r.Context(), runID, f, inputs, execOpts)
	if err != nil {
		httpResponse(w, fmt.Sprintf("execute flow: %v", err), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, run, http.StatusOK)
}

// FlowSchemaAPI handles GET /api/v1/flows/{id}/schema: the computed
// input/output schemas §4.6 step 3 derives, without the rest of the OpenAPI
// document wrapper.
func (s *Server) FlowSchemaAPI(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, auth.ScopeFlowRead); !ok {
		return
	}
	f, err := s.loadFlow(w, r)
	if err != nil {
		return
	}
	httpResponseJSON(w, flowSchema(f), http.StatusOK)
}

func flowSchema(f *flow.Flow) map[string]any {
	return map[string]any{
		"inputs":  openapi.ExtractInputs(f),
		"outputs": openapi.ExtractOutputs(f),
	}
}

func rateLimitKey(r *http.Request, id auth.Identity) string {
	if id.Subject != "" {
		return id.Subject
	}
	return r.RemoteAddr
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
