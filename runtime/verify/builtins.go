package verify

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// sensitiveFragments trip SEC-001 when present in the serialized output.
var sensitiveFragments = []string{"password", "secret", "key", "token", "credential"}

// builtins returns the standard property set.
func builtins() []Property {
	return []Property{
		{
			ID:          "FUNC-001",
			Description: "output completeness: every declared output field is present",
			Critical:    true,
			Check: func(s *Subject, _ []Variant) (bool, string) {
				if s.Contract == nil {
					return true, ""
				}
				var missing []string
				for _, field := range s.Contract.RequiredOutputFields() {
					if _, ok := s.Outputs[field]; !ok {
						missing = append(missing, field)
					}
				}
				if len(missing) == 0 {
					return true, ""
				}
				sort.Strings(missing)
				return false, fmt.Sprintf("missing output fields: %s", strings.Join(missing, ", "))
			},
		},
		{
			ID:          "FUNC-002",
			Description: "input validation: execution did not reject its inputs",
			Critical:    false,
			Check: func(s *Subject, _ []Variant) (bool, string) {
				if strings.Contains(strings.ToLower(s.ErrOutput), "invalid input") {
					return false, "execution reported invalid input"
				}
				return true, ""
			},
		},
		{
			ID:          "SEC-001",
			Description: "no sensitive data exposure in outputs",
			Critical:    true,
			Check: func(s *Subject, _ []Variant) (bool, string) {
				text := outputsText(s.Outputs)
				for _, frag := range sensitiveFragments {
					if strings.Contains(text, frag) {
						return false, fmt.Sprintf("output contains %q", frag)
					}
				}
				return true, ""
			},
		},
		{
			ID:          "SEC-002",
			Description: "isolation respected: no permission-denied leakage",
			Critical:    false,
			Check: func(s *Subject, _ []Variant) (bool, string) {
				if strings.Contains(strings.ToLower(s.ErrOutput), "permission denied") ||
					strings.Contains(outputsText(s.Outputs), "permission denied") {
					return false, "permission denied surfaced in execution output"
				}
				return true, ""
			},
		},
		{
			ID:          "PERF-001",
			Description: "latency within the step's bound",
			Critical:    false,
			Check: func(s *Subject, _ []Variant) (bool, string) {
				bound := int64(30000)
				if s.Constraints != nil && s.Constraints.MaxLatencyMS > 0 {
					bound = s.Constraints.MaxLatencyMS
				}
				if s.LatencyMS > bound {
					return false, fmt.Sprintf("latency %dms exceeds bound %dms", s.LatencyMS, bound)
				}
				return true, ""
			},
		},
		{
			ID:          "PERF-002",
			Description: "cost within the step's bound",
			Critical:    false,
			Check: func(s *Subject, _ []Variant) (bool, string) {
				bound := 10.0
				if s.Constraints != nil && s.Constraints.MaxCost > 0 {
					bound = s.Constraints.MaxCost
				}
				if s.Cost > bound {
					return false, fmt.Sprintf("cost %.2f exceeds bound %.2f", s.Cost, bound)
				}
				return true, ""
			},
		},
		{
			ID:          "META-001",
			Description: "idempotency: repeat execution yields deep-equal output",
			Metamorphic: true,
			Check: func(_ *Subject, variants []Variant) (bool, string) {
				original := findVariant(variants, "original")
				repeat := findVariant(variants, "repeat")
				if original == nil || repeat == nil {
					return true, "repeat variant not generated"
				}
				if repeat.Err != nil {
					return false, fmt.Sprintf("repeat execution failed: %v", repeat.Err)
				}
				if !reflect.DeepEqual(original.Outputs, repeat.Outputs) {
					return false, "repeat execution produced different output"
				}
				return true, ""
			},
		},
		{
			ID:          "META-002",
			Description: "commutativity: reversed input lists yield equivalent output",
			Metamorphic: true,
			Check: func(_ *Subject, variants []Variant) (bool, string) {
				original := findVariant(variants, "original")
				reverse := findVariant(variants, "reverse")
				if original == nil || reverse == nil {
					return true, "reverse variant not generated"
				}
				if reverse.Err != nil {
					return false, fmt.Sprintf("reverse execution failed: %v", reverse.Err)
				}
				if !multisetEqual(original.Outputs, reverse.Outputs) {
					return false, "reversed inputs produced non-equivalent output"
				}
				return true, ""
			},
		},
	}
}

func findVariant(variants []Variant, kind string) *Variant {
	for i := range variants {
		if variants[i].Kind == kind {
			return &variants[i]
		}
	}
	return nil
}

// multisetEqual compares outputs treating lists as order-independent
// multisets at any depth.
func multisetEqual(a, b map[string]any) bool {
	return reflect.DeepEqual(normalizeMultiset(a), normalizeMultiset(b))
}

func normalizeMultiset(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = normalizeMultiset(inner)
		}
		return out
	case []any:
		items := make([]string, len(val))
		for i, inner := range val {
			items[i] = fmt.Sprintf("%v", normalizeMultiset(inner))
		}
		sort.Strings(items)
		return items
	default:
		return v
	}
}
