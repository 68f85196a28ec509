package runstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/worldline-go/klient"
)

// webhookPayload is the JSON body POSTed to a caller's webhook on terminal
// completion, per §4.5: `{run}`.
type webhookPayload struct {
	Run *Run `json:"run"`
}

// deliverWebhook POSTs run to url. Failures are logged and swallowed —
// webhook delivery is explicitly best-effort (§4.5, §5 Non-goals: no
// exactly-once delivery guarantee).
func deliverWebhook(ctx context.Context, url string, run *Run) {
	if url == "" {
		return
	}

	body, err := json.Marshal(webhookPayload{Run: run})
	if err != nil {
		slog.Error("runstore: marshal webhook payload failed", "run_id", run.ID, "error", err)
		return
	}

	client, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		slog.Error("runstore: build webhook client failed", "run_id", run.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Error("runstore: build webhook request failed", "run_id", run.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		slog.Error("runstore: webhook delivery failed", "run_id", run.ID, "url", url, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Error("runstore: webhook endpoint rejected delivery",
			"run_id", run.ID, "url", url, "status", resp.StatusCode, "error", fmt.Errorf("non-2xx response"))
	}
}
