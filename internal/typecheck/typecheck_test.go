package typecheck_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/fluxo/internal/typecheck"
)

func TestExact(t *testing.T) {
	require.Equal(t, typecheck.Exact, typecheck.Check("number", "number"))
	require.Equal(t, typecheck.Exact, typecheck.Check(" Number ", "NUMBER"))
	require.Equal(t, typecheck.Exact, typecheck.Check("", ""))
}

func TestAnyTarget(t *testing.T) {
	require.Equal(t, typecheck.Compatible, typecheck.Check("number", "any"))
	require.Equal(t, typecheck.Compatible, typecheck.Check("any", "number"))
}

func TestHierarchyPromotion(t *testing.T) {
	require.Equal(t, typecheck.Compatible, typecheck.Check("vec2", "vector"))
	require.Equal(t, typecheck.Compatible, typecheck.Check("vec2", "object"))
	require.Equal(t, typecheck.Compatible, typecheck.Check("vector", "object"))
	// vec2 and vec3 both contain "vec" so they fall through to rule 5.
	require.Equal(t, typecheck.Coercible, typecheck.Check("vec2", "vec3"))
}

func TestCoercionTable(t *testing.T) {
	require.Equal(t, typecheck.Coercible, typecheck.Check("number", "string"))
	require.Equal(t, typecheck.Coercible, typecheck.Check("string", "number"))
	require.Equal(t, typecheck.Coercible, typecheck.Check("number", "boolean"))
	require.Equal(t, typecheck.Coercible, typecheck.Check("string", "boolean"))
	require.Equal(t, typecheck.Coercible, typecheck.Check("array", "object"))
	require.Equal(t, typecheck.Incompatible, typecheck.Check("object", "array"))
}

func TestVecSubstringCoercion(t *testing.T) {
	require.Equal(t, typecheck.Coercible, typecheck.Check("vec2", "vec3"))
	// direct equality check above should win first; substring rule applies
	// to cases not covered by hierarchy/coercion, e.g. reversed vec3->vec2.
	require.Equal(t, typecheck.Coercible, typecheck.Check("vec3", "vec2"))
}

func TestIncompatible(t *testing.T) {
	require.Equal(t, typecheck.Incompatible, typecheck.Check("schematic", "number"))
	require.Equal(t, typecheck.Incompatible, typecheck.Check("object", "number"))
}

func TestTotality(t *testing.T) {
	tags := []string{"number", "string", "boolean", "array", "object", "schematic", "vec2", "vec3", "vector", "any", "weird"}
	for _, a := range tags {
		for _, b := range tags {
			v := typecheck.Check(a, b)
			switch v {
			case typecheck.Exact, typecheck.Compatible, typecheck.Coercible, typecheck.Incompatible:
			default:
				t.Fatalf("check(%q, %q) returned unexpected verdict %q", a, b, v)
			}
		}
	}
}
