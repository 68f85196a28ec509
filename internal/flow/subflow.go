package flow

import "encoding/json"

// PortDirection distinguishes a subflow's input ports from its output
// ports within a single flat port-configuration list.
type PortDirection string

const (
	PortInput  PortDirection = "input"
	PortOutput PortDirection = "output"
)

// PortConfig is one entry of a subflow node's explicit port configuration
// per §3: a name, a type tag (the Type* constants in port.go), a
// direction, and an optional default used when the caller supplies no
// value for an input port.
type PortConfig struct {
	Name      string        `json:"name"`
	Type      string        `json:"type"`
	Direction PortDirection `json:"direction"`
	Default   any           `json:"default,omitempty"`
}

// EmbeddedFlow decodes a subflow node's "flow" data field — the nested
// Flow authored inside this node — into a *Flow. Returns (nil, nil) if
// the node carries no embedded flow at all, so forward-compatible
// subflow-shaped nodes without one don't hard-fail.
func (n *Node) EmbeddedFlow() (*Flow, error) {
	raw, ok := n.Data["flow"]
	if !ok || raw == nil {
		return nil, nil
	}
	// raw arrived as plain decoded JSON (map[string]any), matching how the
	// rest of Data is treated: round-trip through encoding/json rather
	// than hand-walking the map.
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var f Flow
	if err := json.Unmarshal(buf, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// PortConfigs decodes a subflow node's "ports" data field: the explicit
// list of named, typed input and output ports §3 requires a subflow node
// to carry. Returns nil if absent.
func (n *Node) PortConfigs() []PortConfig {
	raw, ok := n.Data["ports"]
	if !ok || raw == nil {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var ports []PortConfig
	if err := json.Unmarshal(buf, &ports); err != nil {
		return nil
	}
	return ports
}

// InputPorts returns only the input-direction entries of ports.
func InputPorts(ports []PortConfig) []PortConfig {
	var out []PortConfig
	for _, p := range ports {
		if p.Direction != PortOutput {
			out = append(out, p)
		}
	}
	return out
}

// OutputPorts returns only the output-direction entries of ports.
func OutputPorts(ports []PortConfig) []PortConfig {
	var out []PortConfig
	for _, p := range ports {
		if p.Direction == PortOutput {
			out = append(out, p)
		}
	}
	return out
}
