package runstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/fluxo/internal/flow"
	"github.com/rakunlabs/fluxo/internal/runstore"
	"github.com/rakunlabs/fluxo/internal/runstore/memory"
)

func testFlow() *flow.Flow {
	return &flow.Flow{
		ID: "f1",
		Nodes: []flow.Node{
			{ID: "in", Kind: "input", Data: map[string]any{"label": "n", "value": float64(1)}},
			{ID: "code", Kind: string(flow.KindCode), Data: map[string]any{"code": "return n * 10;"}},
			{ID: "out", Kind: string(flow.KindOutput), Data: map[string]any{"label": "result"}},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "in", SourceHandle: "output", Target: "code", TargetHandle: "n"},
			{ID: "e2", Source: "code", Target: "out"},
		},
	}
}

func TestExecuteFlowSyncCompletesAndRecordsOutputs(t *testing.T) {
	store := memory.New()
	svc := runstore.New(store, "/api/v1/runs")

	runID, err := svc.CreateRun(context.Background(), "f1", map[string]any{"n": float64(5)}, runstore.CreateRunOptions{})
	require.NoError(t, err)

	run, err := svc.ExecuteFlowSync(context.Background(), runID, testFlow(), map[string]any{"n": float64(5)}, runstore.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, runstore.StatusCompleted, run.Status)
	require.InDelta(t, 50, run.Outputs["result"], 0)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.CompletedAt)
}

func TestExecuteFlowSyncScriptErrorMarksFailed(t *testing.T) {
	store := memory.New()
	svc := runstore.New(store, "/api/v1/runs")

	f := &flow.Flow{Nodes: []flow.Node{{ID: "c", Kind: string(flow.KindCode), Data: map[string]any{"code": "throw new Error('x')"}}}}

	runID, err := svc.CreateRun(context.Background(), "f1", nil, runstore.CreateRunOptions{})
	require.NoError(t, err)

	run, err := svc.ExecuteFlowSync(context.Background(), runID, f, nil, runstore.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, runstore.StatusFailed, run.Status)
	require.NotNil(t, run.Error)
}

func TestExecuteFlowSyncRecordsCurrentNodeAndLogs(t *testing.T) {
	store := memory.New()
	svc := runstore.New(store, "/api/v1/runs")

	f := &flow.Flow{
		ID: "f1",
		Nodes: []flow.Node{
			{ID: "c", Kind: string(flow.KindCode), Data: map[string]any{
				"code": `reportProgress("working", 50); return 1;`,
			}},
		},
	}

	runID, err := svc.CreateRun(context.Background(), "f1", nil, runstore.CreateRunOptions{})
	require.NoError(t, err)

	run, err := svc.ExecuteFlowSync(context.Background(), runID, f, nil, runstore.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, runstore.StatusCompleted, run.Status)
	require.Equal(t, "c", run.CurrentNode)
	require.Equal(t, 100, run.Progress)
	require.Len(t, run.Logs, 1)
	require.Contains(t, run.Logs[0], "working")
}

func TestExecuteFlowAsyncReturnsImmediatelyThenCompletes(t *testing.T) {
	store := memory.New()
	svc := runstore.New(store, "/api/v1/runs")

	handle, err := svc.ExecuteFlowAsync(context.Background(), testFlow(), map[string]any{"n": float64(2)}, runstore.CreateRunOptions{}, runstore.ExecuteOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, handle.RunID)

	require.Eventually(t, func() bool {
		run, err := svc.GetRun(context.Background(), handle.RunID)
		return err == nil && runstore.IsTerminal(run.Status)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelRunOnlyFromPendingOrRunning(t *testing.T) {
	store := memory.New()
	svc := runstore.New(store, "/api/v1/runs")

	runID, err := svc.CreateRun(context.Background(), "f1", nil, runstore.CreateRunOptions{})
	require.NoError(t, err)

	cancelled, err := svc.CancelRun(context.Background(), runID)
	require.NoError(t, err)
	require.True(t, cancelled)

	cancelled, err = svc.CancelRun(context.Background(), runID)
	require.NoError(t, err)
	require.False(t, cancelled, "a second cancel on an already-terminal run is a no-op")
}

func TestListRunsIsPaginated(t *testing.T) {
	store := memory.New()
	svc := runstore.New(store, "/api/v1/runs")

	for i := 0; i < 5; i++ {
		_, err := svc.CreateRun(context.Background(), "f1", nil, runstore.CreateRunOptions{})
		require.NoError(t, err)
	}

	runs, total, err := svc.ListRuns(context.Background(), runstore.ListFilter{FlowID: "f1", Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, runs, 2)
}

func TestCleanupExpiredRunsOnlyTouchesTerminalPastTTL(t *testing.T) {
	store := memory.New()
	svc := runstore.New(store, "/api/v1/runs")

	ttl := -1 // already expired
	runID, err := svc.CreateRun(context.Background(), "f1", nil, runstore.CreateRunOptions{TTL: &ttl})
	require.NoError(t, err)
	_, err = svc.CancelRun(context.Background(), runID) // terminal
	require.NoError(t, err)

	stillLiveID, err := svc.CreateRun(context.Background(), "f1", nil, runstore.CreateRunOptions{TTL: &ttl})
	require.NoError(t, err)
	// stillLiveID stays pending — sweeper must not touch non-terminal rows
	// even past their TTL.

	n, err := svc.CleanupExpiredRuns(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	expired, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusExpired, expired.Status)
	require.Nil(t, expired.Outputs)

	live, err := svc.GetRun(context.Background(), stillLiveID)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusPending, live.Status)
}

func TestEffectiveTTLPolicy(t *testing.T) {
	requested := 1000
	authMax := 500
	ttl := runstore.EffectiveTTL(&requested, runstore.FlowAPILimits{DefaultTTL: 300, MaxTTL: 900}, runstore.AuthLimits{MaxTTL: &authMax})
	require.Equal(t, 500, ttl)

	ttl = runstore.EffectiveTTL(nil, runstore.FlowAPILimits{DefaultTTL: 300, MaxTTL: 900}, runstore.AuthLimits{})
	require.Equal(t, 300, ttl)
}

func TestApplyInputsReplacesByLabelNotID(t *testing.T) {
	f := testFlow()
	resolved := flow.ApplyInputs(f, map[string]any{"n": float64(7)})
	for _, n := range resolved.Nodes {
		if n.ID == "in" {
			require.InDelta(t, 7, n.Data["value"], 0)
		}
	}
	// original untouched
	for _, n := range f.Nodes {
		if n.ID == "in" {
			require.InDelta(t, 1, n.Data["value"], 0)
		}
	}
}

func TestExtractArtifactsHandlesRawBytes(t *testing.T) {
	outputs := map[string]any{"blob": []byte("binary-data"), "text": "hello"}
	n := 0
	cleaned, artifacts := runstore.ExtractArtifacts("run1", outputs, func() string { n++; return "a1" })
	require.Len(t, artifacts, 1)
	require.Equal(t, runstore.ArtifactData, artifacts[0].Category)
	require.Equal(t, "hello", cleaned["text"])
	_, ok := cleaned["blob"].(runstore.ArtifactDescriptor)
	require.True(t, ok)
}
