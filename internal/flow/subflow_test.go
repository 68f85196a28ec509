package flow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/fluxo/internal/flow"
)

func TestApplyInputsReplacesByLabelNotID(t *testing.T) {
	f := &flow.Flow{
		Nodes: []flow.Node{
			{ID: "in", Kind: "input", Data: map[string]any{"label": "n", "value": float64(1)}},
		},
	}
	resolved := flow.ApplyInputs(f, map[string]any{"n": float64(7)})
	require.InDelta(t, 7, resolved.Nodes[0].Data["value"], 0)
	require.InDelta(t, 1, f.Nodes[0].Data["value"], 0, "original flow must not be mutated")
}

func TestApplyInputsSkipsConstants(t *testing.T) {
	f := &flow.Flow{
		Nodes: []flow.Node{
			{ID: "in", Kind: "input", Data: map[string]any{"label": "n", "value": float64(1), "isConstant": true}},
		},
	}
	resolved := flow.ApplyInputs(f, map[string]any{"n": float64(99)})
	require.InDelta(t, 1, resolved.Nodes[0].Data["value"], 0)
}

func TestNodeEmbeddedFlowAndPorts(t *testing.T) {
	n := flow.Node{
		ID:   "sub1",
		Kind: string(flow.KindSubflow),
		Data: map[string]any{
			"flow": map[string]any{
				"id": "inner",
				"nodes": []any{
					map[string]any{"id": "a", "type": "input"},
				},
			},
			"ports": []any{
				map[string]any{"name": "x", "type": "number", "direction": "input", "default": float64(5)},
				map[string]any{"name": "y", "type": "number", "direction": "output"},
			},
		},
	}

	embedded, err := n.EmbeddedFlow()
	require.NoError(t, err)
	require.NotNil(t, embedded)
	require.Equal(t, "inner", embedded.ID)
	require.Len(t, embedded.Nodes, 1)

	ports := n.PortConfigs()
	require.Len(t, ports, 2)

	in := flow.InputPorts(ports)
	require.Len(t, in, 1)
	require.Equal(t, "x", in[0].Name)
	require.InDelta(t, 5, in[0].Default, 0)

	out := flow.OutputPorts(ports)
	require.Len(t, out, 1)
	require.Equal(t, "y", out[0].Name)
}

func TestNodeEmbeddedFlowAbsent(t *testing.T) {
	n := flow.Node{ID: "sub1", Kind: string(flow.KindSubflow)}
	embedded, err := n.EmbeddedFlow()
	require.NoError(t, err)
	require.Nil(t, embedded)
	require.Nil(t, n.PortConfigs())
}
