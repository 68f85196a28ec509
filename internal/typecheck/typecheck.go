// Package typecheck implements the edit-time type compatibility relation
// between a source port's type tag and a target port's type tag. It is a
// pure function over the two tags — never consulted at execution time,
// where the scheduler trusts edges as given.
package typecheck

import "strings"

// Verdict is one of the four outcomes check can return.
type Verdict string

const (
	Exact        Verdict = "exact"
	Compatible   Verdict = "compatible"
	Coercible    Verdict = "coercible"
	Incompatible Verdict = "incompatible"
)

const anyType = "any"

// hierarchy lists, for a normalized source tag, every target tag that
// counts as a broadening "compatible" promotion.
var hierarchy = map[string][]string{
	"number":    {"number", anyType},
	"string":    {"string", anyType},
	"boolean":   {"boolean", anyType},
	"array":     {"array", anyType},
	"object":    {"object", anyType},
	"schematic": {"schematic", anyType},
	"vec2":      {"vec2", "vector", "object", anyType},
	"vec3":      {"vec3", "vector", "object", anyType},
	"vector":    {"vector", "object", anyType},
}

// coercionPairs lists unordered {a, b} pairs where a value of type a can be
// coerced into type b (and vice versa) with a lossy or format conversion.
var coercionPairs = [][2]string{
	{"number", "string"},
	{"number", "boolean"},
	{"string", "boolean"},
}

// Check classifies a proposed connection from a source port's type tag to a
// target port's type tag. Matching is case-insensitive and whitespace is
// trimmed on both sides; missing tags normalize to "any".
func Check(source, target string) Verdict {
	src := normalize(source)
	tgt := normalize(target)

	// Rule 1: equal normalized tags are exact.
	if src == tgt {
		return Exact
	}

	// Rule 2: any target accepts everything, and an any source connects
	// to every target.
	if tgt == anyType || src == anyType {
		return Compatible
	}

	// Rule 3: fixed promotion hierarchy.
	if targets, ok := hierarchy[src]; ok {
		for _, t := range targets {
			if t == tgt {
				return Compatible
			}
		}
	}

	// Rule 4: explicit coercion table (array→object is one-directional).
	for _, pair := range coercionPairs {
		if (src == pair[0] && tgt == pair[1]) || (src == pair[1] && tgt == pair[0]) {
			return Coercible
		}
	}
	if src == "array" && tgt == "object" {
		return Coercible
	}

	// Rule 5: both sides mention "vec" — loosely coercible vector shapes.
	if strings.Contains(src, "vec") && strings.Contains(tgt, "vec") {
		return Coercible
	}

	return Incompatible
}

func normalize(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return anyType
	}
	return tag
}
