package worker

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// httpTimeout bounds an httpGet/httpPost/httpPut/httpDelete call made from
// inside a sandboxed script; independent of the script's own timeout.
const httpTimeout = 30 * time.Second

// bodyWrapper wraps an io.ReadCloser for lazy, cache-once consumption from
// script code, exposed as an object with toString()/jsonParse()/
// toBase64()/bytes()/length methods.
type bodyWrapper struct {
	reader io.ReadCloser
	data   []byte
	once   sync.Once
	err    error
}

func newBodyWrapper(r io.ReadCloser) *bodyWrapper { return &bodyWrapper{reader: r} }

func (b *bodyWrapper) consume() ([]byte, error) {
	b.once.Do(func() {
		if b.reader == nil {
			b.data = []byte{}
			return
		}
		b.data, b.err = io.ReadAll(b.reader)
	})
	return b.data, b.err
}

func (b *bodyWrapper) ToString() (string, error) {
	data, err := b.consume()
	return string(data), err
}

func (b *bodyWrapper) JsonParse() (any, error) {
	data, err := b.consume()
	if err != nil {
		return nil, err
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("jsonParse: %w", err)
	}
	return parsed, nil
}

func (b *bodyWrapper) ToBase64() (string, error) {
	data, err := b.consume()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (b *bodyWrapper) Bytes() ([]byte, error) { return b.consume() }

func (b *bodyWrapper) Length() (int, error) {
	data, err := b.consume()
	return len(data), err
}

// wrapValue recursively wraps io.Reader/io.ReadCloser values so scripts can
// call .toString()/.jsonParse() on them, leaving everything else as-is.
func wrapValue(v any) any {
	switch val := v.(type) {
	case io.ReadCloser:
		return newBodyWrapper(val)
	case io.Reader:
		return newBodyWrapper(io.NopCloser(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = wrapValue(vv)
		}
		return out
	default:
		return v
	}
}

// Runtime is the in-process analogue of a worker process in §4.4. Each
// Execute call runs on a fresh goja VM that is discarded afterwards —
// matching the protocol's "cancellation is destructive" rule: there is no
// cooperative stop, only termination of the whole VM. A Client keeps one
// Runtime for its lifetime.
type Runtime struct {
	handles *HandleStore
}

// NewRuntime builds a Runtime backed by the given handle store (handles
// created by store_data calls inside scripts live there).
func NewRuntime(handles *HandleStore) *Runtime {
	return &Runtime{handles: handles}
}

// Validate parses code without executing it, for the editor's syntax-check
// affordance (validate_script in the protocol).
func (rt *Runtime) Validate(code string) ValidateScriptResponse {
	if _, err := goja.Compile("", "(function(){"+code+"})", true); err != nil {
		return ValidateScriptResponse{Valid: false, Error: err.Error()}
	}
	return ValidateScriptResponse{Valid: true}
}

// Execute runs code against inputs inside a fresh VM. If timeout is
// non-zero, the VM is interrupted (goja.Runtime.Interrupt) once it
// elapses, surfacing as a ScriptError of type "timeout". Closing cancel
// works the same way — interrupt, not cooperative signalling.
func (rt *Runtime) Execute(req ExecuteScriptRequest, cancel <-chan struct{}) ExecuteScriptResponse {
	start := time.Now()
	vm := goja.New()

	if err := rt.setup(vm, req.Inputs, req.VarLookup, req.OnProgress); err != nil {
		return ExecuteScriptResponse{
			Error:   &ScriptError{Message: err.Error(), Type: "runtime"},
			Elapsed: time.Since(start),
		}
	}

	done := make(chan struct{})
	var timedOut bool
	var cancelled bool

	stop := make(chan struct{})
	defer close(stop)

	go func() {
		var timer <-chan time.Time
		if req.Timeout > 0 {
			t := time.NewTimer(req.Timeout)
			defer t.Stop()
			timer = t.C
		}
		select {
		case <-done:
		case <-timer:
			timedOut = true
			vm.Interrupt("script timeout exceeded")
		case <-cancel:
			cancelled = true
			vm.Interrupt("execution cancelled")
		case <-stop:
		}
	}()

	val, err := vm.RunString("(function(){" + req.Code + "})()")
	close(done)

	elapsed := time.Since(start)
	if err != nil {
		errType := "runtime"
		if timedOut {
			errType = "timeout"
		} else if cancelled {
			errType = "cancelled"
		}
		return ExecuteScriptResponse{
			Error:   &ScriptError{Message: err.Error(), Type: errType},
			Elapsed: elapsed,
		}
	}

	return ExecuteScriptResponse{Result: val.Export(), Elapsed: elapsed}
}

// setup registers the global helpers and input variables a script body
// can reach: toString/jsonParse/btoa/atob/JSON_stringify,
// httpGet/httpPost/httpPut/httpDelete, getVar (if lookup given), the
// handle-store globals storeData/getData/getPreview/releaseData, and
// reportProgress (if onProgress given).
func (rt *Runtime) setup(vm *goja.Runtime, inputs map[string]any, lookup VarLookup, onProgress ProgressFunc) error {
	helpers := map[string]func(goja.FunctionCall) goja.Value{
		"toString":       rt.jsToString(vm),
		"jsonParse":      rt.jsJSONParse(vm),
		"btoa":           rt.jsBtoa(vm),
		"atob":           rt.jsAtob(vm),
		"JSON_stringify": rt.jsJSONStringify(vm),
		"httpGet":        func(c goja.FunctionCall) goja.Value { return doHTTPRequest(vm, "GET", c.Arguments) },
		"httpPost":       func(c goja.FunctionCall) goja.Value { return doHTTPRequest(vm, "POST", c.Arguments) },
		"httpPut":        func(c goja.FunctionCall) goja.Value { return doHTTPRequest(vm, "PUT", c.Arguments) },
		"httpDelete":     func(c goja.FunctionCall) goja.Value { return doHTTPRequest(vm, "DELETE", c.Arguments) },
	}
	if rt.handles != nil {
		helpers["storeData"] = rt.jsStoreData(vm)
		helpers["getData"] = rt.jsGetData(vm)
		helpers["getPreview"] = rt.jsGetPreview(vm)
		helpers["releaseData"] = rt.jsReleaseData(vm)
	}
	if onProgress != nil {
		helpers["reportProgress"] = rt.jsReportProgress(vm, onProgress)
	}
	for name, fn := range helpers {
		if err := vm.Set(name, fn); err != nil {
			return err
		}
	}

	if lookup != nil {
		if err := vm.Set("getVar", func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) == 0 {
				panic(vm.NewTypeError("getVar: key is required"))
			}
			val, err := lookup(call.Arguments[0].String())
			if err != nil {
				panic(vm.NewTypeError(fmt.Sprintf("getVar: %v", err)))
			}
			return vm.ToValue(val)
		}); err != nil {
			return err
		}
	}

	wrapped := make(map[string]any, len(inputs))
	for k, v := range inputs {
		wrapped[k] = wrapValue(v)
	}
	for k, v := range wrapped {
		if err := vm.Set(k, v); err != nil {
			return fmt.Errorf("failed to set %q: %w", k, err)
		}
	}
	return nil
}

func (rt *Runtime) jsToString(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue("")
		}
		switch v := call.Arguments[0].Export().(type) {
		case []byte:
			return vm.ToValue(string(v))
		case string:
			return vm.ToValue(v)
		default:
			return vm.ToValue(fmt.Sprintf("%v", v))
		}
	}
}

func (rt *Runtime) jsJSONParse(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		var raw []byte
		switch v := call.Arguments[0].Export().(type) {
		case []byte:
			raw = v
		case string:
			raw = []byte(v)
		default:
			panic(vm.NewTypeError("jsonParse: expected string or bytes"))
		}
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			panic(vm.NewTypeError("jsonParse: " + err.Error()))
		}
		return vm.ToValue(parsed)
	}
}

func (rt *Runtime) jsBtoa(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue("")
		}
		var raw []byte
		switch v := call.Arguments[0].Export().(type) {
		case []byte:
			raw = v
		case string:
			raw = []byte(v)
		default:
			panic(vm.NewTypeError("btoa: expected string or bytes"))
		}
		return vm.ToValue(base64.StdEncoding.EncodeToString(raw))
	}
}

func (rt *Runtime) jsAtob(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue([]byte{})
		}
		decoded, err := base64.StdEncoding.DecodeString(call.Arguments[0].String())
		if err != nil {
			panic(vm.NewTypeError("atob: " + err.Error()))
		}
		return vm.ToValue(decoded)
	}
}

func (rt *Runtime) jsJSONStringify(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue("")
		}
		data, err := json.Marshal(call.Arguments[0].Export())
		if err != nil {
			return vm.ToValue("")
		}
		return vm.ToValue(string(data))
	}
}

func (rt *Runtime) jsStoreData(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("storeData: value is required"))
		}
		format := "application/octet-stream"
		if len(call.Arguments) > 1 {
			format = call.Arguments[1].String()
		}
		id := rt.handles.Store(call.Arguments[0].Export(), format, nil)
		return vm.ToValue(string(id))
	}
}

// jsReportProgress backs the reportProgress(message, percent) global: a
// script calls this zero or more times while executing to surface
// intermediate status, forwarded synchronously to onProgress.
func (rt *Runtime) jsReportProgress(vm *goja.Runtime, onProgress ProgressFunc) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var msg string
		var pct float64
		if len(call.Arguments) > 0 {
			msg = call.Arguments[0].String()
		}
		if len(call.Arguments) > 1 {
			pct = call.Arguments[1].ToFloat()
		}
		onProgress(ProgressEvent{Message: msg, Percent: pct})
		return goja.Undefined()
	}
}

func (rt *Runtime) jsGetData(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("getData: handle id is required"))
		}
		h, err := rt.handles.Get(HandleID(call.Arguments[0].String()))
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
		return vm.ToValue(h.Value)
	}
}

func (rt *Runtime) jsGetPreview(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("getPreview: handle id is required"))
		}
		preview, err := rt.handles.Preview(HandleID(call.Arguments[0].String()), 2048)
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
		return vm.ToValue(preview)
	}
}

func (rt *Runtime) jsReleaseData(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 0 {
			rt.handles.Release(HandleID(call.Arguments[0].String()))
		}
		return goja.Undefined()
	}
}

// doHTTPRequest performs an HTTP request from inside a script and returns a
// {status, headers, body} object, the shape the httpGet/httpPost/httpPut/
// httpDelete globals all share.
func doHTTPRequest(vm *goja.Runtime, method string, args []goja.Value) goja.Value {
	label := strings.ToLower(method)
	if len(args) == 0 {
		panic(vm.NewTypeError(fmt.Sprintf("http%s: url is required", label)))
	}
	url := args[0].String()

	var bodyReader io.Reader
	var headers map[string]string

	switch method {
	case "GET", "DELETE":
		if len(args) > 1 && !goja.IsUndefined(args[1]) && !goja.IsNull(args[1]) {
			headers = exportHeaders(args[1])
		}
	case "POST", "PUT":
		if len(args) > 1 && !goja.IsUndefined(args[1]) && !goja.IsNull(args[1]) {
			switch v := args[1].Export().(type) {
			case string:
				bodyReader = bytes.NewBufferString(v)
			default:
				data, err := json.Marshal(v)
				if err != nil {
					panic(vm.NewTypeError(fmt.Sprintf("http%s: marshal body: %v", label, err)))
				}
				bodyReader = bytes.NewBuffer(data)
			}
		}
		if len(args) > 2 && !goja.IsUndefined(args[2]) && !goja.IsNull(args[2]) {
			headers = exportHeaders(args[2])
		}
	}

	client := &http.Client{Timeout: httpTimeout}
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		panic(vm.NewTypeError(fmt.Sprintf("http%s: create request: %v", label, err)))
	}
	if bodyReader != nil {
		if _, ok := headers["Content-Type"]; !ok {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		panic(vm.NewTypeError(fmt.Sprintf("http%s: request failed: %v", label, err)))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		panic(vm.NewTypeError(fmt.Sprintf("http%s: read response: %v", label, err)))
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	var parsedBody any
	if err := json.Unmarshal(respBody, &parsedBody); err != nil {
		parsedBody = string(respBody)
	}

	return vm.ToValue(map[string]any{
		"status":  resp.StatusCode,
		"headers": respHeaders,
		"body":    parsedBody,
	})
}

func exportHeaders(v goja.Value) map[string]string {
	m, ok := v.Export().(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]string, len(m))
	for k, val := range m {
		result[k] = fmt.Sprintf("%v", val)
	}
	return result
}
