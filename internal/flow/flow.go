// Package flow defines the graph data model the scheduler and cache operate
// over: Flow, Node, Edge, and the closed set of node kinds a flow may
// contain. The shapes mirror the flow file format documented in the API
// surface — a flow is authored by an external graph editor and loaded here
// as plain data.
package flow

import "fmt"

// Kind is the closed set of node kinds the scheduler understands. Unknown
// kinds found in a loaded flow are never rejected — they are treated as
// Passthrough so forward-compatible flow files never crash the scheduler.
type Kind string

const (
	KindCode        Kind = "code"
	KindInput       Kind = "input"
	KindOutput      Kind = "output"
	KindViewer      Kind = "viewer"
	KindFileOutput  Kind = "file_output"
	KindSubflow     Kind = "subflow"
	KindComment     Kind = "comment"
	KindPassthrough Kind = "" // forward-compat: unknown kind from the file
)

// legacyInputAliases are recognized aliases of KindInput that fix their
// dataType, per the open question in the design notes: the source format
// mixes these legacy kinds with the unified "input" kind. New aliases
// should not be introduced; these are closed too.
var legacyInputAliases = map[string]string{
	"static_input":  "string",
	"number_input":  "number",
	"text_input":    "string",
	"boolean_input": "boolean",
}

// IsInputKind reports whether kind is "input" or one of its legacy aliases.
func IsInputKind(kind string) bool {
	if kind == string(KindInput) || kind == "schematic_input" {
		return true
	}
	_, ok := legacyInputAliases[kind]
	return ok
}

// LegacyInputDataType returns the dataType a legacy input alias is fixed to,
// and whether kind was a recognized legacy alias at all.
func LegacyInputDataType(kind string) (string, bool) {
	dt, ok := legacyInputAliases[kind]
	return dt, ok
}

// IsOutputKind reports whether kind contributes to a flow's final output
// per §4.3.4: output, file_output, and schematic_output nodes all do.
func IsOutputKind(kind string) bool {
	return kind == string(KindOutput) || kind == string(KindFileOutput) || kind == "schematic_output"
}

// Position is opaque to the core — carried through for the editor only.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one vertex of a Flow. Data is free-form and interpreted according
// to Kind, exactly as the flow file format allows unknown keys to pass
// through untouched.
type Node struct {
	ID       string         `json:"id"`
	Kind     string         `json:"type"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data"`
}

// Edge connects a source node's output port to a target node's input port.
// SourceHandle/TargetHandle are nullable; empty string means "default".
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceHandle string `json:"source_handle"`
	Target       string `json:"target"`
	TargetHandle string `json:"target_handle"`
}

// SourcePort returns the edge's source handle, defaulting to "default".
func (e Edge) SourcePort() string {
	if e.SourceHandle == "" {
		return "default"
	}
	return e.SourceHandle
}

// TargetPort returns the edge's target handle, defaulting to "default".
func (e Edge) TargetPort() string {
	if e.TargetHandle == "" {
		return "default"
	}
	return e.TargetHandle
}

// Flow is the DAG a user authors: an identity, a version tag, and the node
// and edge sets. Metadata is opaque pass-through.
type Flow struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Version  string         `json:"version"`
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (f *Flow) NodeByID(id string) *Node {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// Validate checks the structural invariant from §3: every edge references
// only nodes present in the flow. Acyclicity is checked separately by the
// scheduler's topological sort, since that is where a cycle naturally
// surfaces as a terminal error rather than a load-time rejection.
func (f *Flow) Validate() error {
	ids := make(map[string]struct{}, len(f.Nodes))
	for _, n := range f.Nodes {
		ids[n.ID] = struct{}{}
	}

	for _, e := range f.Edges {
		if _, ok := ids[e.Source]; !ok {
			return fmt.Errorf("edge %q: source node %q not in flow", e.ID, e.Source)
		}
		if _, ok := ids[e.Target]; !ok {
			return fmt.Errorf("edge %q: target node %q not in flow", e.ID, e.Target)
		}
	}

	return nil
}

// OutgoingEdges returns every edge whose source is nodeID.
func (f *Flow) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range f.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns every edge whose target is nodeID.
func (f *Flow) IncomingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range f.Edges {
		if e.Target == nodeID {
			out = append(out, e)
		}
	}
	return out
}
