package snapshot

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCanonicalDeterminismProperty verifies that canonical encoding depends
// only on the value tree, not on map insertion order, and that the digest is
// stable across repeated computation.
func TestCanonicalDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("insertion order does not change the encoding", prop.ForAll(
		func(m map[string]int) bool {
			forward := make(map[string]any, len(m))
			for k, v := range m {
				forward[k] = v
			}
			backward := make(map[string]any, len(m))
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			for i := len(keys) - 1; i >= 0; i-- {
				backward[keys[i]] = m[keys[i]]
			}
			a, err := Canonical(forward)
			if err != nil {
				return false
			}
			b, err := Canonical(backward)
			if err != nil {
				return false
			}
			return string(a) == string(b)
		},
		gen.MapOf(gen.Identifier(), gen.Int()),
	))

	properties.Property("digest is stable across recomputation", prop.ForAll(
		func(m map[string]int) bool {
			v := map[string]any{"payload": m}
			d1, err := Digest(v)
			if err != nil {
				return false
			}
			d2, err := Digest(v)
			if err != nil {
				return false
			}
			return d1 == d2 && len(d1) == 64
		},
		gen.MapOf(gen.Identifier(), gen.Int()),
	))

	properties.TestingRun(t)
}
