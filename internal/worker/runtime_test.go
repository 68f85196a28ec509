package worker_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/fluxo/internal/worker"
)

func TestScriptHelpersToStringJsonBtoaAtob(t *testing.T) {
	c := worker.NewClient()
	resp, err := c.ExecuteScript(context.Background(), worker.ExecuteScriptRequest{
		Code: `
			var encoded = btoa("hi");
			var decoded = toString(atob(encoded));
			var parsed = jsonParse('{"a":1}');
			return decoded === "hi" && parsed.a === 1;
		`,
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Equal(t, true, resp.Result)
}

func TestScriptHTTPGetReachesServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := worker.NewClient()
	resp, err := c.ExecuteScript(context.Background(), worker.ExecuteScriptRequest{
		Code:   "var r = httpGet(url); return r.status === 200 && r.body.ok === true;",
		Inputs: map[string]any{"url": srv.URL},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Equal(t, true, resp.Result)
}

func TestScriptGetVarLookup(t *testing.T) {
	c := worker.NewClient()
	resp, err := c.ExecuteScript(context.Background(), worker.ExecuteScriptRequest{
		Code: "return getVar('greeting');",
		VarLookup: func(key string) (any, error) {
			return "hello " + key, nil
		},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Equal(t, "hello greeting", resp.Result)
}

func TestScriptReportProgress(t *testing.T) {
	var got []worker.ProgressEvent
	c := worker.NewClient()
	resp, err := c.ExecuteScript(context.Background(), worker.ExecuteScriptRequest{
		Code: `
			reportProgress("starting", 0);
			reportProgress("halfway", 50);
			return true;
		`,
		OnProgress: func(ev worker.ProgressEvent) { got = append(got, ev) },
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Equal(t, true, resp.Result)
	require.Len(t, got, 2)
	require.Equal(t, "starting", got[0].Message)
	require.InDelta(t, 0, got[0].Percent, 0)
	require.Equal(t, "halfway", got[1].Message)
	require.InDelta(t, 50, got[1].Percent, 0)
}

func TestScriptWithoutOnProgressHasNoGlobal(t *testing.T) {
	c := worker.NewClient()
	resp, err := c.ExecuteScript(context.Background(), worker.ExecuteScriptRequest{
		Code: "return typeof reportProgress === 'undefined';",
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Equal(t, true, resp.Result)
}
