package worker

import (
	"context"
	"fmt"
	"sync"
)

// Client is the scheduler-facing handle on one worker lifetime: it owns the
// state machine (initializing → ready → executing → ready|error) and the
// handle store for values that outlive any single script execution on
// this client. The scheduler creates one Client per "code" node execution
// and closes it when the node finishes, releasing its handles.
type Client struct {
	mu      sync.Mutex
	state   State
	runtime *Runtime
	handles *HandleStore
}

// NewClient creates a Client in StateInitializing and brings it to
// StateReady once helpers are wired — mirroring the real "initializing"
// handshake a subprocess or WASM worker would need, even though the
// in-process transport here has nothing to wait on.
func NewClient() *Client {
	c := &Client{state: StateInitializing, handles: NewHandleStore()}
	c.runtime = NewRuntime(c.handles)
	c.state = StateReady
	return c
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ValidateScript runs validate_script without transitioning out of Ready.
func (c *Client) ValidateScript(req ValidateScriptRequest) ValidateScriptResponse {
	return c.runtime.Validate(req.Code)
}

// ExecuteScript runs execute_script. It blocks until the script finishes,
// is cancelled via ctx, or its own Timeout elapses, whichever comes first.
// On any exit path the client returns to StateReady unless the failure was
// a transport-level fault, in which case it moves to StateError and must be
// replaced (not reused) by the caller.
func (c *Client) ExecuteScript(ctx context.Context, req ExecuteScriptRequest) (ExecuteScriptResponse, error) {
	c.mu.Lock()
	if c.state != StateReady {
		cur := c.state
		c.mu.Unlock()
		return ExecuteScriptResponse{}, fmt.Errorf("worker: cannot execute_script in state %q", cur)
	}
	c.state = StateExecuting
	c.mu.Unlock()

	cancel := make(chan struct{})
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(cancel)
		case <-done:
		}
	}()

	resp := c.runtime.Execute(req, cancel)
	close(done)

	c.mu.Lock()
	defer c.mu.Unlock()
	if resp.Error != nil && resp.Error.Type == "transport" {
		c.state = StateError
	} else {
		c.state = StateReady
	}
	return resp, nil
}

// Cancel moves an executing client to StateError. It does not interrupt
// the running script; cancelling the ctx passed to ExecuteScript does that.
// When the running ExecuteScript returns, it sets the state again.
func (c *Client) Cancel() {
	// ExecuteScript already races ctx.Done() against script completion, so
	// the caller cancelling its own context is the normal path; Cancel
	// exists for callers that manage the client directly rather than via
	// a context they control (e.g. a supervisory admin endpoint).
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateExecuting {
		c.state = StateError
	}
}

// StoreData, GetData, GetPreview, ReleaseData, and ListHandles expose the
// handle protocol (§4.4.3) to callers outside the script sandbox — e.g. the
// scheduler extracting a "code" node's declared output into a viewer.
func (c *Client) StoreData(value any, format string, metadata map[string]any) HandleID {
	return c.handles.Store(value, format, metadata)
}

func (c *Client) GetData(id HandleID) (*Handle, error) { return c.handles.Get(id) }

func (c *Client) GetPreview(id HandleID, maxBytes int) (string, error) {
	return c.handles.Preview(id, maxBytes)
}

func (c *Client) ReleaseData(id HandleID) { c.handles.Release(id) }

func (c *Client) ListHandles() []HandleID { return c.handles.List() }

// Close releases every handle still held by this client. Call once the
// owning flow run reaches a terminal state.
func (c *Client) Close() {
	for _, id := range c.handles.List() {
		c.handles.Release(id)
	}
}
