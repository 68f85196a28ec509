package flow

// ApplyInputs implements §4.5.1: for every non-constant input-kind node in
// f, look up an entry in inputs keyed by the node's label (falling back to
// its id), and if found replace the node's value. Returns a new Flow;
// f itself is not mutated. Unrecognized keys in the inputs map are
// silently ignored — missing required keys surface later as scheduler
// errors when the node has no default.
//
// Used both by the Run Service, mapping API-call inputs onto a flow's
// top-level input nodes, and by the scheduler's subflow dispatch, mapping
// a subflow node's resolved port values onto its embedded flow's input
// nodes.
func ApplyInputs(f *Flow, inputs map[string]any) *Flow {
	out := &Flow{
		ID:       f.ID,
		Name:     f.Name,
		Version:  f.Version,
		Edges:    f.Edges,
		Metadata: f.Metadata,
		Nodes:    make([]Node, len(f.Nodes)),
	}

	for i, n := range f.Nodes {
		out.Nodes[i] = n
		if isConstant, _ := n.Data["isConstant"].(bool); isConstant {
			continue
		}
		if !IsInputKind(n.Kind) {
			continue
		}

		key := n.ID
		if label, ok := n.Data["label"].(string); ok && label != "" {
			key = label
		}

		val, found := inputs[key]
		if !found {
			continue
		}

		newData := make(map[string]any, len(n.Data)+1)
		for k, v := range n.Data {
			newData[k] = v
		}
		newData["value"] = val
		out.Nodes[i].Data = newData
	}

	return out
}
