package flow

// Port type tags, per §3. These are attached to nodes by kind-specific
// rules, not stored as first-class entities — a port only exists as a
// (nodeID, handle) pair referenced by an edge.
const (
	TypeNumber    = "number"
	TypeString    = "string"
	TypeBoolean   = "boolean"
	TypeArray     = "array"
	TypeObject    = "object"
	TypeSchematic = "schematic"
	TypeVec2      = "vec2"
	TypeVec3      = "vec3"
	TypeVector    = "vector"
	TypeAny       = "any"
)
