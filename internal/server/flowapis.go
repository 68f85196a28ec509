package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rakunlabs/fluxo/internal/auth"
	"github.com/rakunlabs/fluxo/internal/flow"
	"github.com/rakunlabs/fluxo/internal/openapi"
	"github.com/rakunlabs/fluxo/internal/runstore"
)

// flowAPIsResponse wraps a list of Flow-API records for JSON output.
type flowAPIsResponse struct {
	FlowAPIs []*runstore.FlowAPI `json:"flow_apis"`
}

// ListFlowAPIsAPI handles GET /api/v1/flow-apis.
func (s *Server) ListFlowAPIsAPI(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, auth.ScopeFlowRead); !ok {
		return
	}

	apis, err := s.flows.ListFlowAPIs(r.Context(), r.URL.Query().Get("flow_id"))
	if err != nil {
		httpResponse(w, fmt.Sprintf("list flow-apis: %v", err), http.StatusInternalServerError)
		return
	}
	if apis == nil {
		apis = []*runstore.FlowAPI{}
	}
	httpResponseJSON(w, flowAPIsResponse{FlowAPIs: apis}, http.StatusOK)
}

// CreateFlowAPIRecordAPI handles POST /api/v1/flow-apis.
func (s *Server) CreateFlowAPIRecordAPI(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	var api runstore.FlowAPI
	if err := json.NewDecoder(r.Body).Decode(&api); err != nil {
		httpResponse(w, fmt.Sprintf("decode flow-api: %v", err), http.StatusBadRequest)
		return
	}
	if api.FlowID == "" || api.Slug == "" {
		httpResponse(w, "FlowID and Slug are required", http.StatusBadRequest)
		return
	}

	if api.ID == "" {
		api.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	api.CreatedAt, api.UpdatedAt = now, now
	if api.DefaultTTL == 0 {
		api.DefaultTTL = 300
	}
	if api.MaxTTL == 0 {
		api.MaxTTL = 3600
	}
	if api.TimeoutMS == 0 {
		api.TimeoutMS = 60000
	}

	if err := s.flows.CreateFlowAPI(r.Context(), &api); err != nil {
		httpResponse(w, fmt.Sprintf("create flow-api: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, api, http.StatusCreated)
}

// GetFlowAPIRecordAPI handles GET /api/v1/flow-apis/{id}.
func (s *Server) GetFlowAPIRecordAPI(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, auth.ScopeFlowRead); !ok {
		return
	}

	id := r.PathValue("id")
	api, err := s.flows.GetFlowAPI(r.Context(), id)
	if err != nil {
		httpResponse(w, fmt.Sprintf("get flow-api: %v", err), http.StatusNotFound)
		return
	}
	httpResponseJSON(w, api, http.StatusOK)
}

// UpdateFlowAPIRecordAPI handles PUT /api/v1/flow-apis/{id}.
func (s *Server) UpdateFlowAPIRecordAPI(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	id := r.PathValue("id")
	var patch runstore.FlowAPI
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		httpResponse(w, fmt.Sprintf("decode flow-api: %v", err), http.StatusBadRequest)
		return
	}

	err := s.flows.UpdateFlowAPI(r.Context(), id, func(api *runstore.FlowAPI) error {
		api.FlowVersion = patch.FlowVersion
		api.Slug = patch.Slug
		api.Enabled = patch.Enabled
		api.DefaultTTL = patch.DefaultTTL
		api.MaxTTL = patch.MaxTTL
		api.TimeoutMS = patch.TimeoutMS
		api.RateLimit = patch.RateLimit
		api.Title = patch.Title
		api.Description = patch.Description
		api.APIVersion = patch.APIVersion
		api.Webhook = patch.Webhook
		return nil
	})
	if err != nil {
		httpResponse(w, fmt.Sprintf("update flow-api: %v", err), http.StatusInternalServerError)
		return
	}
	httpResponse(w, "flow-api updated", http.StatusOK)
}

// DeleteFlowAPIRecordAPI handles DELETE /api/v1/flow-apis/{id}.
func (s *Server) DeleteFlowAPIRecordAPI(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if err := s.flows.DeleteFlowAPI(r.Context(), r.PathValue("id")); err != nil {
		httpResponse(w, fmt.Sprintf("delete flow-api: %v", err), http.StatusInternalServerError)
		return
	}
	httpResponse(w, "flow-api deleted", http.StatusOK)
}

// resolveFlowAPI loads the FlowAPI named by the request's slug and the Flow
// it points at, rejecting disabled or missing Flow-APIs.
func (s *Server) resolveFlowAPI(w http.ResponseWriter, r *http.Request) (*runstore.FlowAPI, *runstore.FlowRecord, bool) {
	slug := r.PathValue("id")
	api, err := s.flows.GetFlowAPIBySlug(r.Context(), slug)
	if err != nil {
		httpResponse(w, fmt.Sprintf("flow-api %q not found", slug), http.StatusNotFound)
		return nil, nil, false
	}
	if !api.Enabled {
		httpResponse(w, fmt.Sprintf("flow-api %q is disabled", slug), http.StatusForbidden)
		return nil, nil, false
	}

	record, err := s.flows.GetFlow(r.Context(), api.FlowID)
	if err != nil {
		httpResponse(w, fmt.Sprintf("get flow: %v", err), http.StatusInternalServerError)
		return nil, nil, false
	}
	return api, record, true
}

// ExecuteFlowAPISyncAPI handles POST /api/v1/f/{slug}/execute.
func (s *Server) ExecuteFlowAPISyncAPI(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireScope(w, r, auth.ScopeFlowExecute)
	if !ok {
		return
	}

	api, record, ok := s.resolveFlowAPI(w, r)
	if !ok {
		return
	}
	if !s.applyRateLimit(w, r, api.Slug+":"+rateLimitKey(r, id)) {
		return
	}

	f, err := decodeFlowRecord(record)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	inputs, err := decodeInputs(r)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	ttl := runstore.EffectiveTTL(nil, api.Limits(), runstore.AuthLimits{})
	runID, err := s.runs.CreateRun(r.Context(), f.ID, inputs, runstore.CreateRunOptions{
		FlowAPIID: api.ID, APIKeyID: id.Subject, ClientIP: r.RemoteAddr, UserAgent: r.UserAgent(), TTL: &ttl,
	})
	if err != nil {
		httpResponse(w, fmt.Sprintf("create run: %v", err), http.StatusInternalServerError)
		return
	}

	run, err := s.runs.ExecuteFlowSync(r.Context(), runID, f, inputs, runstore.ExecuteOptions{
		TimeoutMS: api.TimeoutMS, Webhook: api.Webhook, FlowAPI: api.Limits(),
	})
	if err != nil {
		httpResponse(w, fmt.Sprintf("execute flow: %v", err), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, run, http.StatusOK)
}

// ExecuteFlowAPIAsyncAPI handles POST /api/v1/f/{slug}/execute-async.
func (s *Server) ExecuteFlowAPIAsyncAPI(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireScope(w, r, auth.ScopeFlowExecuteAsync)
	if !ok {
		return
	}

	api, record, ok := s.resolveFlowAPI(w, r)
	if !ok {
		return
	}
	if !s.applyRateLimit(w, r, api.Slug+":"+rateLimitKey(r, id)) {
		return
	}

	f, err := decodeFlowRecord(record)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	inputs, err := decodeInputs(r)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	ttl := runstore.EffectiveTTL(nil, api.Limits(), runstore.AuthLimits{})
	handle, err := s.runs.ExecuteFlowAsync(r.Context(), f, inputs,
		runstore.CreateRunOptions{FlowAPIID: api.ID, APIKeyID: id.Subject, ClientIP: r.RemoteAddr, UserAgent: r.UserAgent(), TTL: &ttl},
		runstore.ExecuteOptions{TimeoutMS: api.TimeoutMS, Webhook: api.Webhook, FlowAPI: api.Limits()})
	if err != nil {
		httpResponse(w, fmt.Sprintf("execute flow async: %v", err), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, handle, http.StatusAccepted)
}

// RunFlowAPIPublic handles POST /api/v1/f/{slug}/run: the public,
// slug-addressed equivalent of RunFlowAPI, applying the Flow-API's own TTL
// and timeout limits per §4.5.3.
func (s *Server) RunFlowAPIPublic(w http.ResponseWriter, r *http.Request) {
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

	api, record, ok := s.resolveFlowAPI(w, r)
	if !ok {
		return
	}
	if !s.applyRateLimit(w, r, api.Slug+":"+rateLimitKey(r, id)) {
		return
	}

	f, err := decodeFlowRecord(record)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	timeout := api.TimeoutMS
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	webhook := api.Webhook
	if opts.Webhook != "" {
		webhook = opts.Webhook
	}
	execOpts := runstore.ExecuteOptions{TimeoutMS: timeout, Webhook: webhook, FlowAPI: api.Limits()}

	ttl := runstore.EffectiveTTL(opts.TTL, api.Limits(), runstore.AuthLimits{})
	createOpts := runstore.CreateRunOptions{
		FlowAPIID: api.ID, APIKeyID: id.Subject, ClientIP: r.RemoteAddr, UserAgent: r.UserAgent(), TTL: &ttl,
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

// FlowAPISchemaAPI handles GET /api/v1/f/{slug}/schema.
func (s *Server) FlowAPISchemaAPI(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, auth.ScopeFlowRead); !ok {
		return
	}
	_, record, ok := s.resolveFlowAPI(w, r)
	if !ok {
		return
	}
	f, err := decodeFlowRecord(record)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, flowSchema(f), http.StatusOK)
}

// FlowAPIOpenAPIAPI handles GET /api/v1/f/{slug}/openapi.json, preferring a
// cached document on the Flow-API record and generating (without
// persisting) otherwise.
func (s *Server) FlowAPIOpenAPIAPI(w http.ResponseWriter, r *http.Request) {
	api, record, ok := s.resolveFlowAPI(w, r)
	if !ok {
		return
	}

	if len(api.OpenAPIDoc) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(api.OpenAPIDoc)
		return
	}

	f, err := decodeFlowRecord(record)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	doc := openapi.Generate(f, openapi.Config{
		Slug: api.Slug, BasePath: fmt.Sprintf("/api/v1/f/%s", api.Slug),
		Title: api.Title, Description: api.Description, APIVersion: api.APIVersion,
		DefaultTTL: api.DefaultTTL, MaxTTL: api.MaxTTL, TimeoutMS: api.TimeoutMS,
	}, baseURL(r))
	httpResponseJSON(w, doc, http.StatusOK)
}

func decodeFlowRecord(record *runstore.FlowRecord) (*flow.Flow, error) {
	var f flow.Flow
	if err := json.Unmarshal(record.Graph, &f); err != nil {
		return nil, fmt.Errorf("decode stored flow graph: %w", err)
	}
	return &f, nil
}
