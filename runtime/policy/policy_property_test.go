package policy

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestEvaluateNeverPanicsProperty verifies that Evaluate is total: for any
// rule strings, including garbage, the engine returns a decision without
// panicking and malformed rules degrade to their fail-safe reading.
func TestEvaluateNeverPanicsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("arbitrary rules always yield a decision", prop.ForAll(
		func(allow, deny, require []string, capability string) (ok bool) {
			defer func() {
				if recover() != nil {
					ok = false
				}
			}()
			engine := New(Definition{Allow: allow, Deny: deny, Require: require}, nil)
			_ = engine.Evaluate(context.Background(), Context{Capability: capability})
			return true
		},
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.AnyString()),
		gen.Identifier(),
	))

	properties.Property("malformed deny rules deny everything", prop.ForAll(
		func(capability string) bool {
			engine := New(Definition{Deny: []string{"IF ((("}}, nil)
			return !engine.Evaluate(context.Background(), Context{Capability: capability}).Allowed
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
