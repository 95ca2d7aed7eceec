// Package verify runs property-based post-condition checks over execution
// results. Properties are registered by id (FUNC-*, SEC-*, PERF-*, META-*),
// carry critical and metamorphic flags, and evaluate a predicate over the
// execution's inputs, outputs, and context. Metamorphic properties re-execute
// variants of the input (repeat, reversed lists) and compare outcomes. A step
// may transition to done only when every critical property passes; the
// verifier is the sole component that performs that transition.
package verify

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/loomworks/loom/runtime/plan"
	"github.com/loomworks/loom/runtime/telemetry"
)

type (
	// Subject is the execution under verification.
	Subject struct {
		// Capability of the executed step.
		Capability string
		// Contract is the step's I/O contract.
		Contract *plan.Contract
		// Constraints is the step's resource envelope, if any.
		Constraints *plan.Constraints
		// Inputs and Outputs are the executed payloads.
		Inputs  map[string]any
		Outputs map[string]any
		// ErrOutput is the error text produced by the execution, empty on success.
		ErrOutput string
		// LatencyMS and Cost are the observed attempt measurements.
		LatencyMS int64
		Cost      float64
	}

	// Property is one named predicate asserted over a subject.
	Property struct {
		// ID is the stable property identifier, e.g. "FUNC-001".
		ID string
		// Description explains what the property asserts.
		Description string
		// Critical properties gate the done transition.
		Critical bool
		// Metamorphic properties compare variant executions instead of a
		// single subject.
		Metamorphic bool
		// Check evaluates the property. For metamorphic properties the
		// variants slice carries the variant outcomes; otherwise it is nil.
		Check func(s *Subject, variants []Variant) (bool, string)
	}

	// Variant is one metamorphic re-execution outcome.
	Variant struct {
		// Kind names the transformation: original, repeat, or reverse.
		Kind string
		// Inputs are the transformed inputs the variant ran with.
		Inputs map[string]any
		// Outputs are the variant's outputs.
		Outputs map[string]any
		// Err is the variant's execution error, if any.
		Err error
	}

	// Evidence records one property evaluation.
	Evidence struct {
		PropertyID string `json:"property_id"`
		Critical   bool   `json:"critical"`
		Passed     bool   `json:"passed"`
		Detail     string `json:"detail,omitempty"`
	}

	// Report is the verification outcome for one execution.
	Report struct {
		// Passed is true when every critical property passed.
		Passed bool `json:"passed"`
		// Confidence is the scored trust in the verdict, in [0,1].
		Confidence float64 `json:"confidence"`
		// Evidence lists every property evaluation.
		Evidence []Evidence `json:"evidence"`
		// Variants counts the metamorphic variants executed.
		Variants int `json:"variants"`
	}

	// Rerun re-executes the subject with transformed inputs for metamorphic
	// properties. Nil disables metamorphic verification.
	Rerun func(ctx context.Context, inputs map[string]any) (map[string]any, error)

	// Verifier holds the property registry.
	Verifier struct {
		properties      map[string]Property
		enableMeta      bool
		enableContracts bool
		judge           Adjudicator
		logger          telemetry.Logger
	}

	// Option customizes a verifier.
	Option func(*Verifier)
)

// WithMetamorphic toggles metamorphic variant execution. Enabled by default.
func WithMetamorphic(enabled bool) Option {
	return func(v *Verifier) { v.enableMeta = enabled }
}

// WithContracts toggles the contract-conformance properties (FUNC-*). Enabled
// by default.
func WithContracts(enabled bool) Option {
	return func(v *Verifier) { v.enableContracts = enabled }
}

// WithJudge wires the optional external adjudicator consulted after the
// property checks. A deny verdict fails the report.
func WithJudge(judge Adjudicator) Option {
	return func(v *Verifier) { v.judge = judge }
}

// WithLogger wires the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

// New constructs a verifier preloaded with the built-in properties.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		properties:      make(map[string]Property),
		enableMeta:      true,
		enableContracts: true,
		logger:          telemetry.NopLogger(),
	}
	for _, p := range builtins() {
		v.properties[p.ID] = p
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Register adds or replaces a property.
func (v *Verifier) Register(p Property) {
	v.properties[p.ID] = p
}

// Verify evaluates every registered property against the subject. Metamorphic
// properties run only when a rerun function is supplied and metamorphic
// verification is enabled.
func (v *Verifier) Verify(ctx context.Context, s *Subject, rerun Rerun) Report {
	var variants []Variant
	if v.enableMeta && rerun != nil {
		variants = v.generateVariants(ctx, s, rerun)
	}

	ids := make([]string, 0, len(v.properties))
	for id := range v.properties {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	report := Report{Passed: true, Variants: len(variants)}
	hasCritical := false
	for _, id := range ids {
		p := v.properties[id]
		if p.Metamorphic && len(variants) == 0 {
			continue
		}
		if !v.enableContracts && strings.HasPrefix(p.ID, "FUNC-") {
			continue
		}
		passed, detail := p.Check(s, variants)
		report.Evidence = append(report.Evidence, Evidence{
			PropertyID: p.ID,
			Critical:   p.Critical,
			Passed:     passed,
			Detail:     detail,
		})
		if p.Critical {
			hasCritical = true
			if !passed {
				report.Passed = false
			}
		}
	}

	if v.judge != nil {
		verdict, err := v.judge.Adjudicate(ctx, judgeFacts(s, report), 30000, "mid")
		if err != nil {
			v.logger.Warn(ctx, "judge unavailable, skipping adjudication", "err", err.Error())
		} else {
			report.Evidence = append(report.Evidence, Evidence{
				PropertyID: "JUDGE-001",
				Critical:   false,
				Passed:     verdict.Verdict != VerdictDeny,
				Detail:     verdict.Rationale,
			})
			if verdict.Verdict == VerdictDeny {
				report.Passed = false
			}
		}
	}

	report.Confidence = confidence(&report, hasCritical)
	return report
}

// generateVariants produces the metamorphic executions: the original outputs,
// a repeat when the capability is non-destructive, and a reversed-list run
// when any input value is a list.
func (v *Verifier) generateVariants(ctx context.Context, s *Subject, rerun Rerun) []Variant {
	variants := []Variant{{Kind: "original", Inputs: s.Inputs, Outputs: s.Outputs}}

	if !destructive(s.Capability) {
		outputs, err := rerun(ctx, s.Inputs)
		variants = append(variants, Variant{Kind: "repeat", Inputs: s.Inputs, Outputs: outputs, Err: err})
	}
	if reversed, ok := reverseLists(s.Inputs); ok {
		outputs, err := rerun(ctx, reversed)
		variants = append(variants, Variant{Kind: "reverse", Inputs: reversed, Outputs: outputs, Err: err})
	}
	return variants
}

// confidence scores the report: 0.8 base when passed (0.2 otherwise), +0.1
// for three or more evidence items, +0.1 for two or more metamorphic
// variants beyond the original, floored at 0.9 when critical properties
// passed, capped at 1.
func confidence(r *Report, hasCritical bool) float64 {
	score := 0.2
	if r.Passed {
		score = 0.8
	}
	if len(r.Evidence) >= 3 {
		score += 0.1
	}
	if r.Variants >= 3 { // original plus two transformations
		score += 0.1
	}
	if r.Passed && hasCritical && score < 0.9 {
		score = 0.9
	}
	if score > 1 {
		score = 1
	}
	return score
}

func destructive(capability string) bool {
	return strings.Contains(capability, "deploy") ||
		strings.Contains(capability, "delete") ||
		strings.Contains(capability, "commit")
}

// reverseLists returns a copy of inputs with every top-level list reversed,
// and whether any list was found.
func reverseLists(inputs map[string]any) (map[string]any, bool) {
	found := false
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if list, ok := v.([]any); ok && len(list) > 1 {
			rev := make([]any, len(list))
			for i, item := range list {
				rev[len(list)-1-i] = item
			}
			out[k] = rev
			found = true
			continue
		}
		out[k] = v
	}
	return out, found
}

func judgeFacts(s *Subject, r Report) map[string]any {
	return map[string]any{
		"capability": s.Capability,
		"outputs":    s.Outputs,
		"passed":     r.Passed,
		"evidence":   r.Evidence,
	}
}

// outputsText renders outputs for substring scanning.
func outputsText(outputs map[string]any) string {
	raw, err := json.Marshal(outputs)
	if err != nil {
		return ""
	}
	return strings.ToLower(string(raw))
}
