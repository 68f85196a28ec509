package scheduler

import (
	"context"
	"time"

	"github.com/rakunlabs/fluxo/internal/cache"
	"github.com/rakunlabs/fluxo/internal/flow"
	"github.com/rakunlabs/fluxo/internal/render"
	"github.com/rakunlabs/fluxo/internal/worker"
)

// dispatch runs one node per its kind (§4.3.1) and returns its result.
// Errors are carried inside NodeResult, never returned as a Go error —
// the scheduler loop decides what a node error means for the flow.
func (s *Scheduler) dispatch(ctx context.Context, flowID string, n *flow.Node, inputs map[string]any) NodeResult {
	switch {
	case n.Kind == string(flow.KindCode):
		return s.dispatchCode(ctx, flowID, n, inputs)
	case flow.IsInputKind(n.Kind):
		return dispatchInput(n)
	case n.Kind == string(flow.KindOutput):
		return dispatchPassInput(inputs, outputLabel(n))
	case n.Kind == string(flow.KindViewer):
		return dispatchViewer(inputs)
	case n.Kind == string(flow.KindFileOutput):
		return dispatchFileOutput(n, inputs)
	case flow.IsOutputKind(n.Kind): // schematic_output
		return dispatchPassInput(inputs, outputLabel(n))
	case n.Kind == string(flow.KindComment):
		return NodeResult{Output: map[string]any{}, Skipped: true}
	case n.Kind == string(flow.KindSubflow):
		return s.dispatchSubflow(ctx, flowID, n, inputs)
	default:
		return dispatchUnknown(n)
	}
}

// dispatchCode delegates to the Worker Client per §4.3.1: "gather inputs,
// call the Worker Client with (code, inputs, {timeout})." The worker's
// return value becomes the node's output map directly when it already is
// one; a bare scalar is wrapped under both "default" and "result".
func (s *Scheduler) dispatchCode(ctx context.Context, flowID string, n *flow.Node, inputs map[string]any) NodeResult {
	code, _ := n.Data["code"].(string)

	client := s.workerFactory()
	defer client.Close()
	s.bus.Emit(Event{Type: EventWorkerReady, FlowID: flowID, NodeID: n.ID})

	// Only one deadline governs a script run: req.Timeout, enforced inside
	// Runtime.Execute via goja's interrupt. ctx itself is left un-wrapped
	// with a matching deadline so that a flow-level cancellation (ctx.Done)
	// and a node-level timeout can never race each other to produce
	// different ExecError.Type values for the same node.
	start := time.Now()
	resp, err := client.ExecuteScript(ctx, worker.ExecuteScriptRequest{
		Code:   code,
		Inputs: inputs,
		OnProgress: func(p worker.ProgressEvent) {
			s.bus.Emit(Event{
				Type:    EventProgress,
				FlowID:  flowID,
				NodeID:  n.ID,
				Message: p.Message,
				Percent: p.Percent,
			})
		},
		Timeout: s.nodeTimeout,
	})
	elapsed := time.Since(start)
	if err != nil {
		return NodeResult{Err: &ExecError{Message: err.Error(), Type: "transport"}, Elapsed: elapsed}
	}
	if resp.Error != nil {
		return NodeResult{Err: &ExecError{Message: resp.Error.Message, Type: resp.Error.Type}, Elapsed: elapsed}
	}

	output, ok := resp.Result.(map[string]any)
	if !ok {
		// A bare scalar return is published under both "default" (so the
		// next hop's sourceHandle="default" lookup finds it directly,
		// without falling back to the raw-output path) and "result".
		output = map[string]any{"default": resp.Result, "result": resp.Result}
	}
	return NodeResult{Output: output, Elapsed: resp.Elapsed}
}

// dispatchInput handles `input` and the legacy input aliases
// (static_input/number_input/text_input/boolean_input): produce
// {output: value, default: value}.
func dispatchInput(n *flow.Node) NodeResult {
	if n.Kind == "schematic_input" {
		val := n.Data["value"]
		return NodeResult{Output: map[string]any{"schematic": val, "output": val}}
	}
	val := n.Data["value"]
	return NodeResult{Output: map[string]any{"output": val, "default": val}}
}

// dispatchPassInput handles output/file_output/schematic_output: produce
// {[label]: inputValue} where inputValue is the single incoming value.
func dispatchPassInput(inputs map[string]any, label string) NodeResult {
	v, _ := singleInput(inputs)
	return NodeResult{Output: map[string]any{label: v}}
}

// dispatchFileOutput is dispatchPassInput plus, when the node carries a
// "filename" template, rendering it against the gathered inputs so a file
// written from this node's value can have a data-driven name (e.g.
// "{{.value.id}}.json"). A malformed template falls back to the raw
// filename string rather than failing the node.
func dispatchFileOutput(n *flow.Node, inputs map[string]any) NodeResult {
	label := outputLabel(n)
	v, _ := singleInput(inputs)
	output := map[string]any{label: v}

	tpl, _ := n.Data["filename"].(string)
	if tpl != "" {
		rendered, err := render.ExecuteWithData(tpl, map[string]any{"value": v, "inputs": inputs})
		if err == nil {
			output["filename"] = string(rendered)
		} else {
			output["filename"] = tpl
		}
	}
	return NodeResult{Output: output}
}

// dispatchViewer produces {default: inputValue}; a viewer's output never
// contributes to the flow's final output (enforced in the scheduler loop
// via flow.IsOutputKind, which viewer is not a member of).
func dispatchViewer(inputs map[string]any) NodeResult {
	v, _ := singleInput(inputs)
	return NodeResult{Output: map[string]any{"default": v}}
}

// dispatchSubflow executes a subflow node's embedded Flow recursively,
// per §3: resolve the node's declared input ports from inputs (or their
// defaults), substitute them onto the embedded flow's own input nodes via
// flow.ApplyInputs, run it to completion on a fresh Scheduler (its own
// cache and event bus — node ids inside the embedded flow are scoped to
// it, not the parent), and surface its declared output ports as this
// node's output. A subflow-shaped node with no embedded flow at all (only
// a port list, or neither) falls back to passing inputs through unchanged
// so forward-compatible files never hard-fail.
func (s *Scheduler) dispatchSubflow(ctx context.Context, flowID string, n *flow.Node, inputs map[string]any) NodeResult {
	embedded, err := n.EmbeddedFlow()
	if err != nil {
		return NodeResult{Err: &ExecError{Message: "subflow: " + err.Error(), Type: "subflow"}}
	}
	if embedded == nil {
		output := make(map[string]any, len(inputs))
		for k, v := range inputs {
			output[k] = v
		}
		return NodeResult{Output: output}
	}

	ports := n.PortConfigs()

	subInputs := inputs
	if len(ports) > 0 {
		subInputs = make(map[string]any, len(ports))
		for _, p := range flow.InputPorts(ports) {
			if v, ok := inputs[p.Name]; ok {
				subInputs[p.Name] = v
			} else if p.Default != nil {
				subInputs[p.Name] = p.Default
			}
		}
	}
	resolved := flow.ApplyInputs(embedded, subInputs)

	sub := New(cache.New(), NewBus(), WithNodeTimeout(s.nodeTimeout), WithWorkerFactory(s.workerFactory))
	unsubscribe := sub.bus.Subscribe(func(ev Event) {
		// mirrors the embedded flow's own lifecycle events up through the
		// parent bus, per §1's "subflow mirrors" facet — the node id is
		// namespaced so a listener can tell a nested event from this
		// subflow instance apart from the parent flow's own events.
		nodeID := n.ID
		if ev.NodeID != "" {
			nodeID = n.ID + "/" + ev.NodeID
		}
		s.bus.Emit(Event{Type: ev.Type, FlowID: flowID, NodeID: nodeID, Message: ev.Message, Percent: ev.Percent, Err: ev.Err})
	})
	defer unsubscribe()

	start := time.Now()
	state, err := sub.ExecuteFlow(ctx, resolved)
	elapsed := time.Since(start)
	if err != nil {
		return NodeResult{Err: &ExecError{Message: err.Error(), Type: "subflow"}, Elapsed: elapsed}
	}

	switch state.Status {
	case "cancelled":
		return NodeResult{Err: &ExecError{Message: "subflow cancelled", Type: "cancelled"}, Elapsed: elapsed}
	case "error":
		msg, errType := "subflow execution failed", "subflow"
		if state.Err != nil {
			msg, errType = state.Err.Message, state.Err.Type
		}
		return NodeResult{Err: &ExecError{Message: msg, Type: errType}, Elapsed: elapsed}
	}

	outPorts := flow.OutputPorts(ports)
	output := make(map[string]any, len(outPorts))
	if len(outPorts) == 0 {
		for k, v := range state.Outputs {
			output[k] = v
		}
		return NodeResult{Output: output, Elapsed: elapsed}
	}
	for _, p := range outPorts {
		if v, ok := state.Outputs[p.Name]; ok {
			output[p.Name] = v
		} else if p.Default != nil {
			output[p.Name] = p.Default
		}
	}
	return NodeResult{Output: output, Elapsed: elapsed}
}

// dispatchUnknown passes through data.value if present, else {}.
func dispatchUnknown(n *flow.Node) NodeResult {
	if n.Data != nil {
		if v, ok := n.Data["value"]; ok {
			return NodeResult{Output: map[string]any{"output": v}}
		}
	}
	return NodeResult{Output: map[string]any{}}
}
