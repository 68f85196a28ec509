package openapi_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/fluxo/internal/flow"
	"github.com/rakunlabs/fluxo/internal/openapi"
)

func radiusFlow() *flow.Flow {
	return &flow.Flow{
		ID:   "f1",
		Name: "Sphere Generator",
		Nodes: []flow.Node{
			{
				ID:   "radius",
				Kind: "number_input",
				Data: map[string]any{
					"label": "radius",
					"value": float64(8),
					"min":   float64(1),
					"max":   float64(64),
				},
			},
			{
				ID:   "hollow",
				Kind: "boolean_input",
				Data: map[string]any{
					"label": "hollow",
					"value": false,
				},
			},
			{
				ID:   "model",
				Kind: string(flow.KindOutput),
				Data: map[string]any{"label": "model"},
			},
		},
	}
}

func TestGenerateEmitsThreePaths(t *testing.T) {
	f := radiusFlow()
	doc := openapi.Generate(f, openapi.Config{Slug: "sphere-generator"}, "")

	_, ok := doc.Paths["/api/v1/flows/sphere-generator/run"]
	require.True(t, ok)
	_, ok = doc.Paths["/api/v1/flows/sphere-generator/runs/{runId}"]
	require.True(t, ok)
	_, ok = doc.Paths["/api/v1/flows/sphere-generator/schema"]
	require.True(t, ok)
}

func TestGenerateBothSecuritySchemesDeclared(t *testing.T) {
	f := radiusFlow()
	doc := openapi.Generate(f, openapi.Config{Slug: "s"}, "")

	_, hasAPIKey := doc.Components.SecuritySchemes["apiKey"]
	_, hasBearer := doc.Components.SecuritySchemes["bearerAuth"]
	require.True(t, hasAPIKey)
	require.True(t, hasBearer)

	op := doc.Paths["/api/v1/flows/s/run"].Post
	require.Len(t, op.Security, 2)
}

func TestExtractInputsNumberAndBoolean(t *testing.T) {
	f := radiusFlow()
	inputs := openapi.ExtractInputs(f)
	require.Len(t, inputs, 2)

	byName := map[string]openapi.InputSpec{}
	for _, in := range inputs {
		byName[in.Name] = in
	}

	radius := byName["radius"]
	require.Equal(t, "number", radius.Type)
	require.NotNil(t, radius.Min)
	require.InDelta(t, 1, *radius.Min, 0)
	require.NotNil(t, radius.Max)
	require.InDelta(t, 64, *radius.Max, 0)
	require.InDelta(t, 8, radius.Default, 0)

	hollow := byName["hollow"]
	require.Equal(t, "boolean", hollow.Type)
	require.Equal(t, false, hollow.Default)
}

func TestExtractOutputsFallsBackToSyntheticResult(t *testing.T) {
	f := &flow.Flow{ID: "f2", Nodes: []flow.Node{{ID: "a", Kind: string(flow.KindCode)}}}
	outputs := openapi.ExtractOutputs(f)
	require.Len(t, outputs, 1)
	require.Equal(t, "result", outputs[0].Name)
	require.Equal(t, "object", outputs[0].Type)
}

func TestExtractInputsSkipsConstants(t *testing.T) {
	f := &flow.Flow{
		Nodes: []flow.Node{
			{ID: "a", Kind: "input", Data: map[string]any{"label": "a", "isConstant": true}},
			{ID: "b", Kind: "input", Data: map[string]any{"label": "b"}},
		},
	}
	inputs := openapi.ExtractInputs(f)
	require.Len(t, inputs, 1)
	require.Equal(t, "b", inputs[0].Name)
}

func TestSlugify(t *testing.T) {
	require.Equal(t, "sphere-generator", openapi.Slugify("Sphere Generator"))
	require.Equal(t, "a-b-c", openapi.Slugify("  A_B--C!! "))

	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	require.LessOrEqual(t, len(openapi.Slugify(long)), 64)
}

func TestRunPathRequestSchemaHasTimeoutAndTTLDefaults(t *testing.T) {
	f := radiusFlow()
	doc := openapi.Generate(f, openapi.Config{Slug: "s", TimeoutMS: 5000, DefaultTTL: 300, MaxTTL: 3600}, "")
	op := doc.Paths["/api/v1/flows/s/run"].Post
	reqSchema := op.RequestBody.Content["application/json"].Schema
	opts := reqSchema.Properties["options"]
	require.Equal(t, 5000, opts.Properties["timeout"].Default)
	require.Equal(t, 300, opts.Properties["ttl"].Default)
}

func TestGetRunPathReferencesRunSchema(t *testing.T) {
	f := radiusFlow()
	doc := openapi.Generate(f, openapi.Config{Slug: "s"}, "")
	op := doc.Paths["/api/v1/flows/s/runs/{runId}"].Get
	resp := op.Responses["200"]
	require.Equal(t, "#/components/schemas/Run", resp.Content["application/json"].Schema.Ref)
}

func TestRateLimitResponseIncludesHeaders(t *testing.T) {
	f := radiusFlow()
	doc := openapi.Generate(f, openapi.Config{Slug: "s"}, "")
	op := doc.Paths["/api/v1/flows/s/run"].Post
	resp := op.Responses["429"]
	require.Contains(t, resp.Headers, "X-RateLimit-Limit")
	require.Contains(t, resp.Headers, "X-RateLimit-Remaining")
	require.Contains(t, resp.Headers, "X-RateLimit-Reset")
}
