package openapi

import (
	"fmt"

	"github.com/rakunlabs/fluxo/internal/flow"
)

// Config is a flow-API configuration's OpenAPI-relevant fields (a subset
// of the runstore package's full FlowAPI record, kept local so openapi
// does not depend on runstore; the server builds it from a FlowAPI).
type Config struct {
	Slug        string
	BasePath    string // full route prefix, e.g. "/api/v1/f/checkout"; defaults to "/api/v1/flows/{Slug}"
	Title       string
	Description string
	APIVersion  string
	DefaultTTL  int
	MaxTTL      int
	TimeoutMS   int
}

// Generate is the pure function described in §4.6: a Flow plus its
// Flow-API configuration produce an OpenAPI 3.0 document. baseUrl is
// optional; when empty, no "servers" entry is emitted.
func Generate(f *flow.Flow, cfg Config, baseUrl string) *Document {
	inputs := ExtractInputs(f)
	outputs := ExtractOutputs(f)

	doc := &Document{
		OpenAPI: "3.0.3",
		Info: Info{
			Title:       title(cfg, f),
			Description: cfg.Description,
			Version:     versionOrDefault(cfg.APIVersion),
		},
		Paths: map[string]PathItem{},
		Components: Components{
			Schemas: map[string]*Schema{
				"Error": errorSchema(),
				"Run":   runSchema(),
			},
			SecuritySchemes: map[string]SecurityScheme{
				"apiKey": {Type: "apiKey", In: "header", Name: "X-API-Key"},
				"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
			},
		},
	}
	if baseUrl != "" {
		doc.Servers = []Server{{URL: baseUrl}}
	}

	base := cfg.BasePath
	if base == "" {
		base = fmt.Sprintf("/api/v1/flows/%s", cfg.Slug)
	}
	security := []map[string][]string{{"apiKey": {}}, {"bearerAuth": {}}}

	inputSchema := inputsToSchema(inputs)
	outputSchema := outputsToSchema(outputs)

	doc.Components.Schemas["Inputs"] = inputSchema
	doc.Components.Schemas["Outputs"] = outputSchema

	doc.Paths[base+"/run"] = PathItem{
		Post: &Operation{
			OperationID: "runFlow",
			Summary:     "Execute the flow synchronously or asynchronously",
			Security:    security,
			RequestBody: &RequestBody{
				Required: true,
				Content: map[string]MediaType{
					"application/json": {Schema: runRequestSchema(cfg)},
				},
			},
			Responses: map[string]Response{
				"200": jsonResponse("Execution result (sync) or run descriptor (async)", &Schema{
					Type: "object",
					Properties: map[string]*Schema{
						"outputs": outputSchema,
						"run":     {Ref: "#/components/schemas/Run"},
					},
				}),
				"400": errorResponse("Malformed input or flow validation failure"),
				"401": errorResponse("Missing or invalid credentials"),
				"404": errorResponse("Unknown flow or slug"),
				"429": rateLimitedResponse(),
				"500": errorResponse("Internal scheduler or worker error"),
			},
		},
	}

	doc.Paths[base+"/runs/{runId}"] = PathItem{
		Get: &Operation{
			OperationID: "getRun",
			Summary:     "Fetch a run's current status and result",
			Security:    security,
			Parameters: []Parameter{
				{Name: "runId", In: "path", Required: true, Schema: &Schema{Type: "string", Format: "uuid"}},
			},
			Responses: map[string]Response{
				"200": jsonResponse("The run record", &Schema{Ref: "#/components/schemas/Run"}),
				"401": errorResponse("Missing or invalid credentials"),
				"404": errorResponse("Unknown run id"),
			},
		},
	}

	doc.Paths[base+"/schema"] = PathItem{
		Get: &Operation{
			OperationID: "getSchema",
			Summary:     "Fetch the computed input/output schemas",
			Security:    security,
			Responses: map[string]Response{
				"200": jsonResponse("Computed schemas", &Schema{
					Type: "object",
					Properties: map[string]*Schema{
						"inputs":  inputSchema,
						"outputs": outputSchema,
					},
				}),
				"401": errorResponse("Missing or invalid credentials"),
				"404": errorResponse("Unknown flow or slug"),
			},
		},
	}

	return doc
}

func title(cfg Config, f *flow.Flow) string {
	if cfg.Title != "" {
		return cfg.Title
	}
	if f.Name != "" {
		return f.Name
	}
	return "Flow API"
}

func versionOrDefault(v string) string {
	if v == "" {
		return "1.0.0"
	}
	return v
}

// typeTagSchema maps a port type tag to a Schema fragment per §4.6 step 3.
func typeTagSchema(tag string, spec InputSpec) *Schema {
	switch tag {
	case "number":
		return &Schema{Type: "number", Minimum: spec.Min, Maximum: spec.Max, Default: spec.Default}
	case "integer":
		return &Schema{Type: "integer", Minimum: spec.Min, Maximum: spec.Max, Default: spec.Default}
	case "boolean":
		return &Schema{Type: "boolean", Default: spec.Default}
	case "string":
		s := &Schema{Type: "string", Default: spec.Default}
		if len(spec.Options) > 0 {
			s.Enum = spec.Options
		}
		return s
	case "schematic", "file":
		return &Schema{Type: "string", Format: "byte"}
	case "array":
		return &Schema{Type: "array", Items: &Schema{Type: "string"}}
	case "object":
		return &Schema{Type: "object"}
	default:
		return &Schema{Description: fmt.Sprintf("type tag %q has no fixed schema", tag)}
	}
}

func inputsToSchema(inputs []InputSpec) *Schema {
	props := make(map[string]*Schema, len(inputs))
	var required []string
	for _, in := range inputs {
		s := typeTagSchema(in.Type, in)
		s.Description = in.Description
		props[in.Name] = s
		if in.Required {
			required = append(required, in.Name)
		}
	}
	return &Schema{Type: "object", Properties: props, Required: required}
}

func outputsToSchema(outputs []OutputSpec) *Schema {
	props := make(map[string]*Schema, len(outputs))
	for _, out := range outputs {
		props[out.Name] = typeTagSchema(out.Type, InputSpec{})
	}
	return &Schema{Type: "object", Properties: props}
}

func runRequestSchema(cfg Config) *Schema {
	return &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"inputs": {Type: "object", AdditionalProperties: true},
			"options": {
				Type: "object",
				Properties: map[string]*Schema{
					"timeout": {Type: "integer", Default: cfg.TimeoutMS, Description: "milliseconds"},
					"ttl":     {Type: "integer", Default: cfg.DefaultTTL, Maximum: f64(float64(cfg.MaxTTL)), Description: "seconds"},
					"async":   {Type: "boolean", Default: false},
					"webhook": {Type: "string", Format: "uri"},
				},
			},
		},
		Required: []string{"inputs"},
	}
}

func errorSchema() *Schema {
	return &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"message": {Type: "string"},
			"type":    {Type: "string"},
		},
		Required: []string{"message"},
	}
}

func runSchema() *Schema {
	return &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"id":          {Type: "string", Format: "uuid"},
			"flowId":      {Type: "string"},
			"status":      {Type: "string", Enum: []any{"pending", "running", "completed", "failed", "cancelled", "timeout", "expired"}},
			"progress":    {Type: "integer", Minimum: f64(0), Maximum: f64(100)},
			"currentNode": {Type: "string"},
			"createdAt":   {Type: "string", Format: "date-time"},
			"startedAt":   {Type: "string", Format: "date-time"},
			"completedAt": {Type: "string", Format: "date-time"},
			"expiresAt":   {Type: "string", Format: "date-time"},
			"outputs":     {Type: "object", AdditionalProperties: true},
			"error":       {Ref: "#/components/schemas/Error"},
		},
		Required: []string{"id", "flowId", "status"},
	}
}

func jsonResponse(desc string, schema *Schema) Response {
	return Response{Description: desc, Content: map[string]MediaType{"application/json": {Schema: schema}}}
}

func errorResponse(desc string) Response {
	return jsonResponse(desc, &Schema{Ref: "#/components/schemas/Error"})
}

func rateLimitedResponse() Response {
	r := errorResponse("Rate limit exceeded")
	r.Headers = map[string]Header{
		"X-RateLimit-Limit":     {Description: "request quota for the current window", Schema: &Schema{Type: "integer"}},
		"X-RateLimit-Remaining": {Description: "requests left in the current window", Schema: &Schema{Type: "integer"}},
		"X-RateLimit-Reset":     {Description: "epoch seconds when the window resets", Schema: &Schema{Type: "integer"}},
	}
	return r
}

func f64(v float64) *float64 { return &v }
