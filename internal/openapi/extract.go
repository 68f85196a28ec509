package openapi

import (
	"regexp"
	"strings"

	"github.com/rakunlabs/fluxo/internal/flow"
)

// InputSpec describes one input surfaced on the generated request schema.
type InputSpec struct {
	Name        string
	Type        string
	Required    bool
	Default     any
	Description string
	Min         *float64
	Max         *float64
	Step        *float64
	Options     []any
}

// OutputSpec describes one output surfaced on the generated response
// schema.
type OutputSpec struct {
	Name        string
	Type        string
	Description string
}

// extraInputKinds lists every node kind step 1 of §4.6 treats as an input,
// beyond the core flow.IsInputKind set: select_input and file_input are
// editor-only widget kinds with no execution-time behavior of their own,
// so they're recognized here for schema purposes only.
var extraInputKinds = map[string]string{
	"select_input": "string",
	"file_input":   "schematic",
}

// ExtractInputs walks f's nodes and produces one InputSpec per non-constant
// input-kind node, per §4.6 step 1.
func ExtractInputs(f *flow.Flow) []InputSpec {
	var specs []InputSpec
	for _, n := range f.Nodes {
		isConstant, _ := n.Data["isConstant"].(bool)
		if isConstant {
			continue
		}

		dataType, isExtra := extraInputKinds[n.Kind]
		if !flow.IsInputKind(n.Kind) && !isExtra {
			continue
		}
		if !isExtra {
			if dt, ok := flow.LegacyInputDataType(n.Kind); ok {
				dataType = dt
			} else if dt, ok := n.Data["dataType"].(string); ok {
				dataType = dt
			} else {
				dataType = "any"
			}
		}

		spec := InputSpec{
			Name:     label(n),
			Type:     dataType,
			Required: n.Data["default"] == nil && n.Data["value"] == nil,
			Default:  firstNonNil(n.Data["default"], n.Data["value"]),
		}
		if desc, ok := n.Data["description"].(string); ok {
			spec.Description = desc
		}
		if dataType == "number" {
			spec.Min = floatPtr(n.Data["min"])
			spec.Max = floatPtr(n.Data["max"])
			spec.Step = floatPtr(n.Data["step"])
		}
		if opts, ok := n.Data["options"].([]any); ok {
			spec.Options = opts
		}
		specs = append(specs, spec)
	}
	return specs
}

// ExtractOutputs walks f's nodes and produces one OutputSpec per output,
// schematic_output, or file_output node, plus passthrough viewer nodes, per
// §4.6 step 2. If none are found, synthesizes a single "result":"object".
func ExtractOutputs(f *flow.Flow) []OutputSpec {
	var specs []OutputSpec
	for _, n := range f.Nodes {
		switch {
		case flow.IsOutputKind(n.Kind):
			specs = append(specs, OutputSpec{Name: label(n), Type: outputType(n)})
		case n.Kind == string(flow.KindViewer):
			if passthrough, _ := n.Data["passthrough"].(bool); passthrough {
				specs = append(specs, OutputSpec{Name: label(n), Type: "any"})
			}
		}
	}
	if len(specs) == 0 {
		specs = append(specs, OutputSpec{Name: "result", Type: "object"})
	}
	return specs
}

func outputType(n flow.Node) string {
	if n.Kind == string(flow.KindFileOutput) || n.Kind == "schematic_output" {
		return "schematic"
	}
	if dt, ok := n.Data["dataType"].(string); ok {
		return dt
	}
	return "any"
}

func label(n flow.Node) string {
	if l, ok := n.Data["label"].(string); ok && l != "" {
		return l
	}
	return n.ID
}

func firstNonNil(vals ...any) any {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func floatPtr(v any) *float64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

var slugInvalidChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL slug per §4.6 step 6: lowercase, non-alphanumerics
// collapsed to "-", trimmed of leading/trailing "-", truncated to 64
// chars. Uniqueness across a flow-API's configurations is the caller's
// responsibility.
func Slugify(name string) string {
	s := strings.ToLower(name)
	s = slugInvalidChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 64 {
		s = s[:64]
		s = strings.TrimRight(s, "-")
	}
	return s
}
