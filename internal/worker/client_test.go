package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/fluxo/internal/worker"
)

func TestClientStartsReady(t *testing.T) {
	c := worker.NewClient()
	require.Equal(t, worker.StateReady, c.State())
}

func TestExecuteScriptReturnsResultAndStaysReady(t *testing.T) {
	c := worker.NewClient()
	resp, err := c.ExecuteScript(context.Background(), worker.ExecuteScriptRequest{
		Code:   "return 1 + 1;",
		Inputs: map[string]any{},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.InDelta(t, 2, resp.Result, 0)
	require.Equal(t, worker.StateReady, c.State())
}

func TestExecuteScriptExposesInputs(t *testing.T) {
	c := worker.NewClient()
	resp, err := c.ExecuteScript(context.Background(), worker.ExecuteScriptRequest{
		Code:   "return data * 2;",
		Inputs: map[string]any{"data": 21},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.InDelta(t, 42, resp.Result, 0)
}

func TestExecuteScriptRuntimeErrorSurfaces(t *testing.T) {
	c := worker.NewClient()
	resp, err := c.ExecuteScript(context.Background(), worker.ExecuteScriptRequest{
		Code: "throw new Error('boom');",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Equal(t, "runtime", resp.Error.Type)
	require.Equal(t, worker.StateReady, c.State(), "a script error returns the client to ready")
}

func TestExecuteScriptHonorsContextCancellation(t *testing.T) {
	c := worker.NewClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := c.ExecuteScript(ctx, worker.ExecuteScriptRequest{
		Code: "while(true) {}",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Equal(t, "cancelled", resp.Error.Type)
}

func TestExecuteScriptHonorsTimeout(t *testing.T) {
	c := worker.NewClient()
	resp, err := c.ExecuteScript(context.Background(), worker.ExecuteScriptRequest{
		Code:    "while(true) {}",
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Equal(t, "timeout", resp.Error.Type)
}

func TestExecuteScriptRejectsWhileExecuting(t *testing.T) {
	c := worker.NewClient()
	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = c.ExecuteScript(context.Background(), worker.ExecuteScriptRequest{
			Code:    "while(true) {}",
			Timeout: 200 * time.Millisecond,
		})
	}()
	<-started
	require.Eventually(t, func() bool {
		return c.State() == worker.StateExecuting
	}, time.Second, 5*time.Millisecond)

	_, err := c.ExecuteScript(context.Background(), worker.ExecuteScriptRequest{Code: "return 1;"})
	require.Error(t, err)
}

func TestValidateScriptReportsSyntaxErrors(t *testing.T) {
	c := worker.NewClient()
	ok := c.ValidateScript(worker.ValidateScriptRequest{Code: "return 1;"})
	require.True(t, ok.Valid)

	bad := c.ValidateScript(worker.ValidateScriptRequest{Code: "return (;"})
	require.False(t, bad.Valid)
	require.NotEmpty(t, bad.Error)
}

func TestHandleStoreRoundTrip(t *testing.T) {
	c := worker.NewClient()
	id := c.StoreData([]byte("hello"), "application/octet-stream", nil)

	h, err := c.GetData(id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), h.Value)

	preview, err := c.GetPreview(id, 3)
	require.NoError(t, err)
	require.Len(t, preview, 3)

	require.Len(t, c.ListHandles(), 1)
	c.ReleaseData(id)
	require.Len(t, c.ListHandles(), 0)

	_, err = c.GetData(id)
	require.Error(t, err)
}

func TestScriptCanStoreAndRetrieveHandles(t *testing.T) {
	c := worker.NewClient()
	resp, err := c.ExecuteScript(context.Background(), worker.ExecuteScriptRequest{
		Code: `
			var id = storeData("payload", "text/plain");
			var preview = getPreview(id);
			return preview;
		`,
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Equal(t, "payload", resp.Result)
}

func TestCloseReleasesAllHandles(t *testing.T) {
	c := worker.NewClient()
	c.StoreData(1, "application/json", nil)
	c.StoreData(2, "application/json", nil)
	require.Len(t, c.ListHandles(), 2)

	c.Close()
	require.Len(t, c.ListHandles(), 0)
}
