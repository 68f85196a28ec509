// Package scheduler implements the Flow Scheduler (§4.3): topological
// execution of a Flow's nodes, per-kind dispatch, cache-backed output
// propagation, lifecycle events, and cancellation. A Flow always executes
// strictly sequentially — there is no intra-flow parallelism (§5
// Non-goals).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rakunlabs/fluxo/internal/cache"
	"github.com/rakunlabs/fluxo/internal/flow"
	"github.com/rakunlabs/fluxo/internal/worker"
)

// ExecError is the scheduler's error record: a message, a type and an
// optional stack. It carries no line or column number.
type ExecError struct {
	Message string
	Type    string
	Stack   string
}

func (e *ExecError) Error() string { return e.Message }

// ExecutionState is the scheduler's final report for one flow run.
type ExecutionState struct {
	FlowID      string
	Status      string // running, completed, error, cancelled
	Outputs     map[string]any
	NodeResults map[string]NodeResult
	Err         *ExecError
	FailedNode  string
}

// NodeResult is what one node produced (or failed with).
type NodeResult struct {
	NodeID  string
	Output  map[string]any
	Err     *ExecError
	Elapsed time.Duration
	Skipped bool
}

// WorkerFactory returns a fresh worker client, used once per "code" node
// execution so a timed-out or crashed VM never leaks into the next node.
type WorkerFactory func() *worker.Client

// Scheduler executes Flows. It owns a node cache that ExecuteFlow fills
// and keeps between calls, so it carries per-run state; the Run Service
// builds a fresh Scheduler for every run.
type Scheduler struct {
	cache         *cache.Cache
	bus           *Bus
	nodeTimeout   time.Duration
	workerFactory WorkerFactory
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNodeTimeout bounds how long any single node (script nodes, via the
// worker protocol) may run before it is cancelled and reported as a
// "timeout" error.
func WithNodeTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.nodeTimeout = d }
}

// WithWorkerFactory overrides how the scheduler obtains a worker client for
// "code" nodes. Defaults to worker.NewClient.
func WithWorkerFactory(f WorkerFactory) Option {
	return func(s *Scheduler) { s.workerFactory = f }
}

// New creates a Scheduler backed by c (its cache) and bus (its event
// sink). Pass cache.New() and NewBus() for a fresh, unshared instance.
func New(c *cache.Cache, bus *Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		cache:         c,
		bus:           bus,
		nodeTimeout:   30 * time.Second,
		workerFactory: worker.NewClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExecuteFlow runs f to completion (or failure, or cancellation), driving
// the cache and emitting lifecycle events as it goes. Per-label `input`
// node value substitution (§4.5.1) is the Run Service's job, done on f
// before it reaches the scheduler — the scheduler itself does not know
// about API configurations.
func (s *Scheduler) ExecuteFlow(ctx context.Context, f *flow.Flow) (*ExecutionState, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler: invalid flow: %w", err)
	}

	order, err := topoSort(f.Nodes, f.Edges)
	if err != nil {
		s.bus.Emit(Event{Type: EventFlowError, FlowID: f.ID, Message: err.Error()})
		return &ExecutionState{FlowID: f.ID, Status: "error", Err: &ExecError{Message: err.Error(), Type: "cycle"}}, nil
	}

	s.cache.SetEdges(edgeInputs(f.Edges))

	byID := make(map[string]*flow.Node, len(f.Nodes))
	for i := range f.Nodes {
		byID[f.Nodes[i].ID] = &f.Nodes[i]
	}

	state := &ExecutionState{
		FlowID:      f.ID,
		Status:      "running",
		Outputs:     make(map[string]any),
		NodeResults: make(map[string]NodeResult),
	}
	s.bus.Emit(Event{Type: EventFlowStart, FlowID: f.ID})

	for _, nodeID := range order {
		if err := ctx.Err(); err != nil {
			state.Status = "cancelled"
			s.bus.Emit(Event{Type: EventFlowCancelled, FlowID: f.ID})
			return state, nil
		}

		n := byID[nodeID]
		if n == nil {
			continue
		}

		s.bus.Emit(Event{Type: EventNodeStart, FlowID: f.ID, NodeID: nodeID})
		s.cache.SetStatus(nodeID, cache.StatusRunning, cache.SetStatusOpts{})

		nodeInputs := s.gatherInputs(f, nodeID)

		result := s.dispatch(ctx, f.ID, n, nodeInputs)
		result.NodeID = nodeID
		state.NodeResults[nodeID] = result

		if result.Err != nil {
			s.cache.SetStatus(nodeID, cache.StatusError, cache.SetStatusOpts{
				Err: &cache.ExecError{Message: result.Err.Message, Type: result.Err.Type},
			})
			s.bus.Emit(Event{Type: EventNodeError, FlowID: f.ID, NodeID: nodeID, Err: result.Err})
			s.bus.Emit(Event{Type: EventFlowError, FlowID: f.ID, NodeID: nodeID, Err: result.Err})
			state.Status = "error"
			state.Err = result.Err
			state.FailedNode = nodeID
			return state, nil
		}

		elapsed := result.Elapsed
		s.cache.SetStatus(nodeID, cache.StatusCompleted, cache.SetStatusOpts{
			Output:        result.Output,
			ExecutionTime: &elapsed,
		})
		s.bus.Emit(Event{Type: EventNodeFinish, FlowID: f.ID, NodeID: nodeID})

		if flow.IsOutputKind(n.Kind) {
			label := outputLabel(n)
			if v, ok := singleInput(result.Output); ok && v != nil {
				state.Outputs[label] = v
			}
		}
	}

	state.Status = "completed"
	s.bus.Emit(Event{Type: EventFlowFinish, FlowID: f.ID})
	return state, nil
}

func edgeInputs(edges []flow.Edge) []cache.EdgeInput {
	out := make([]cache.EdgeInput, 0, len(edges))
	for _, e := range edges {
		out = append(out, cache.EdgeInput{ID: e.ID, Source: e.Source, Target: e.Target})
	}
	return out
}

// gatherInputs implements §4.3 step 3c: for each incoming edge, look up
// outputs[sourceHandle] on the source's recorded output, falling back to
// the raw (whole) output if that specific key is absent.
func (s *Scheduler) gatherInputs(f *flow.Flow, nodeID string) map[string]any {
	result := make(map[string]any)
	for _, e := range f.IncomingEdges(nodeID) {
		rec, ok := s.cache.Get(e.Source)
		if !ok || rec.Status != cache.StatusCompleted {
			continue
		}

		srcPort := e.SourcePort()
		tgtPort := e.TargetPort()

		if val, exists := rec.Output[srcPort]; exists {
			result[tgtPort] = val
		} else {
			result[tgtPort] = rec.Output
		}
	}
	return result
}

// singleInput returns the edge's carried value for an output-family node:
// the "default" key if present, else the first key found.
func singleInput(data map[string]any) (any, bool) {
	if v, ok := data["default"]; ok {
		return v, true
	}
	for _, v := range data {
		return v, true
	}
	return nil, false
}

func outputLabel(n *flow.Node) string {
	if n.Data != nil {
		if label, ok := n.Data["label"].(string); ok && label != "" {
			return label
		}
		if n.Kind == string(flow.KindFileOutput) {
			if fn, ok := n.Data["filename"].(string); ok && fn != "" {
				return fn
			}
		}
	}
	return "output"
}
