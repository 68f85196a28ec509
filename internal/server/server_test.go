package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/fluxo/internal/config"
	"github.com/rakunlabs/fluxo/internal/flow"
	"github.com/rakunlabs/fluxo/internal/runstore"
	"github.com/rakunlabs/fluxo/internal/runstore/memory"
	"github.com/rakunlabs/fluxo/internal/server"
)

// newTestServer builds a Server wired to an in-memory store with public
// access enabled, bypassing ada's router entirely: tests invoke handler
// methods directly and set path values the way the stdlib mux would.
func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	store := memory.New()
	runs := runstore.New(store, "/api/v1/runs")

	cfg := config.Server{AdminToken: "s3cr3t"}
	authCfg := config.Auth{PublicAccess: true, DefaultScopes: []string{
		"flow:read", "flow:execute", "flow:execute:async", "run:read",
	}}
	rlCfg := config.RateLimit{Limit: 1000, Window: time.Minute}

	srv, err := server.New(cfg, authCfg, rlCfg, store, runs, nil, nil)
	require.NoError(t, err)
	return srv
}

func createTestFlow(t *testing.T, srv *server.Server) string {
	t.Helper()

	f := flow.Flow{
		Name: "doubler",
		Nodes: []flow.Node{
			{ID: "in", Kind: "input", Data: map[string]any{"label": "n", "value": float64(1)}},
			{ID: "code", Kind: string(flow.KindCode), Data: map[string]any{"code": "return n * 2;"}},
			{ID: "out", Kind: string(flow.KindOutput), Data: map[string]any{"label": "result"}},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "in", SourceHandle: "output", Target: "code", TargetHandle: "n"},
			{ID: "e2", Source: "code", Target: "out"},
		},
	}
	body, err := json.Marshal(f)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/flows", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer s3cr3t")
	rec := httptest.NewRecorder()
	srv.CreateFlowAPI(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var record runstore.FlowRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	return record.ID
}

func TestRunFlowAPISyncExecutesAndReturnsOutputs(t *testing.T) {
	srv := newTestServer(t)
	id := createTestFlow(t, srv)

	body, err := json.Marshal(map[string]any{"inputs": map[string]any{"n": float64(5)}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/flows/"+id+"/run", bytes.NewReader(body))
	req.SetPathValue("id", id)
	rec := httptest.NewRecorder()
	srv.RunFlowAPI(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var run runstore.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Equal(t, runstore.StatusCompleted, run.Status)
	require.InDelta(t, 10, run.Outputs["result"], 0)
}

func TestRunFlowAPIAsyncReturnsRunDescriptorImmediately(t *testing.T) {
	srv := newTestServer(t)
	id := createTestFlow(t, srv)

	body, err := json.Marshal(map[string]any{
		"inputs":  map[string]any{"n": float64(3)},
		"options": map[string]any{"async": true},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/flows/"+id+"/run", bytes.NewReader(body))
	req.SetPathValue("id", id)
	rec := httptest.NewRecorder()
	srv.RunFlowAPI(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var handle runstore.AsyncHandle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &handle))
	require.NotEmpty(t, handle.RunID)
}

func TestFlowSchemaAPIReturnsInputsAndOutputs(t *testing.T) {
	srv := newTestServer(t)
	id := createTestFlow(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/flows/"+id+"/schema", nil)
	req.SetPathValue("id", id)
	rec := httptest.NewRecorder()
	srv.FlowSchemaAPI(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &schema))
	require.Contains(t, schema, "inputs")
	require.Contains(t, schema, "outputs")
}

func TestRotateEncryptionKeyAPIRequiresAdminToken(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/encryption-key", bytes.NewReader([]byte(`{"passphrase":"x"}`)))
	rec := httptest.NewRecorder()
	srv.RotateEncryptionKeyAPI(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRotateEncryptionKeyAPIWithoutDurableStoreRejects(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/encryption-key", bytes.NewReader([]byte(`{"passphrase":"x"}`)))
	req.Header.Set("Authorization", "Bearer s3cr3t")
	rec := httptest.NewRecorder()
	srv.RotateEncryptionKeyAPI(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
