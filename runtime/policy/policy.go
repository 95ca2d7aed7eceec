// Package policy implements the rule engine that gates capability execution.
// A policy definition is three lists of string rules (allow, deny, require);
// each rule is a capability clause with an optional IF condition evaluated
// against the request context. Conditions are parsed into a small AST rather
// than string-matched; unknown tokens are rejected at parse time.
//
// Deny overrides allow. When any allow rule exists for a capability, the
// default flips to deny (allow-list semantics); without allow rules the
// default is allow. Require rules are not gates: they are obligations returned
// alongside the decision for the scheduler to satisfy before marking a step
// done. Malformed rules fail safe — an unparsable allow never allows, an
// unparsable deny always denies — and the engine never returns an error to
// callers.
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom/runtime/telemetry"
)

type (
	// Definition is the raw policy: allow, deny, and require rule strings.
	Definition struct {
		Allow   []string `json:"allow,omitempty" yaml:"allow,omitempty"`
		Deny    []string `json:"deny,omitempty" yaml:"deny,omitempty"`
		Require []string `json:"require,omitempty" yaml:"require,omitempty"`
	}

	// Context is the bag of facts a condition may reference by dotted name.
	Context struct {
		// Capability is the action category being gated.
		Capability string
		// StepCost is the projected cost of the gated step.
		StepCost float64
		// CumulativeCost is the cost the plan has consumed so far.
		CumulativeCost float64
		// ElapsedMS is the wall-clock time the plan has consumed so far.
		ElapsedMS int64
		// User and Project identify the requesting principal and project.
		User    string
		Project string
		// Environment names the deployment environment (dev, staging, prod).
		Environment string
		// SecurityLevel is the caller's clearance tag.
		SecurityLevel string
		// Critical mirrors the step's critical flag.
		Critical bool
		// Extra carries additional facts addressable by dotted paths.
		Extra map[string]any
	}

	// Obligation is a require-rule hit: a duty the scheduler must satisfy
	// before marking the step done.
	Obligation struct {
		// Text is the obligation body, e.g. "attestation level >= SLSA2".
		Text string
		// Capability narrows the obligation to one capability; empty applies
		// to all.
		Capability string
	}

	// Decision is the outcome of evaluating a definition against a context.
	Decision struct {
		// Allowed reports whether the capability may execute.
		Allowed bool
		// Rule is the text of the rule that determined the outcome, or empty
		// when a default applied.
		Rule string
		// Reason explains the outcome for events and logs.
		Reason string
		// Obligations lists the require rules applicable to this capability.
		Obligations []Obligation
	}

	// Engine evaluates compiled policy definitions.
	Engine struct {
		rules  compiledPolicy
		logger telemetry.Logger
	}

	compiledPolicy struct {
		allow   []compiledRule
		deny    []compiledRule
		require []compiledRequire
	}

	compiledRule struct {
		text      string
		clause    string
		cond      node // nil means unconditional
		malformed bool
	}

	compiledRequire struct {
		text       string
		obligation string
		capability string
		cond       node
		malformed  bool
	}
)

// New compiles the definition into an engine. Compilation never fails: rules
// that do not parse are retained in their fail-safe form and reported through
// the logger at evaluation time.
func New(def Definition, logger telemetry.Logger) *Engine {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	e := &Engine{logger: logger}
	for _, raw := range def.Allow {
		e.rules.allow = append(e.rules.allow, compileRule(raw))
	}
	for _, raw := range def.Deny {
		e.rules.deny = append(e.rules.deny, compileRule(raw))
	}
	for _, raw := range def.Require {
		e.rules.require = append(e.rules.require, compileRequire(raw))
	}
	return e
}

// Evaluate decides whether the capability in ctx may execute. It never
// returns an error; malformed rules degrade to their fail-safe reading.
func (e *Engine) Evaluate(ctx context.Context, pc Context) Decision {
	obligations := e.collectObligations(ctx, pc)

	// Deny rules override everything.
	for _, rule := range e.rules.deny {
		if rule.malformed {
			e.logger.Warn(ctx, "malformed deny rule fails safe", "rule", rule.text)
			return Decision{Allowed: false, Rule: rule.text, Reason: "malformed deny rule", Obligations: obligations}
		}
		if !clauseMatches(rule.clause, pc.Capability) {
			continue
		}
		match, err := e.condHolds(rule.cond, pc)
		if err != nil {
			e.logger.Warn(ctx, "deny rule condition error fails safe", "rule", rule.text, "err", err.Error())
			match = true
		}
		if match {
			return Decision{Allowed: false, Rule: rule.text, Reason: "denied by rule", Obligations: obligations}
		}
	}

	// Allow-list semantics: if any allow rule names this capability, one of
	// them must match; otherwise default-deny.
	listed := false
	for _, rule := range e.rules.allow {
		if rule.malformed {
			e.logger.Warn(ctx, "malformed allow rule fails safe", "rule", rule.text)
			continue
		}
		if !clauseMatches(rule.clause, pc.Capability) {
			continue
		}
		listed = true
		match, err := e.condHolds(rule.cond, pc)
		if err != nil {
			e.logger.Warn(ctx, "allow rule condition error fails safe", "rule", rule.text, "err", err.Error())
			continue
		}
		if match {
			return Decision{Allowed: true, Rule: rule.text, Reason: "allowed by rule", Obligations: obligations}
		}
	}
	if listed {
		return Decision{Allowed: false, Reason: "no allow rule matched (allow-list)", Obligations: obligations}
	}
	if len(activeRules(e.rules.allow)) > 0 {
		// Allow rules exist but none names this capability: default-deny.
		return Decision{Allowed: false, Reason: "capability not on allow-list", Obligations: obligations}
	}
	return Decision{Allowed: true, Reason: "default allow", Obligations: obligations}
}

func (e *Engine) collectObligations(ctx context.Context, pc Context) []Obligation {
	var out []Obligation
	for _, req := range e.rules.require {
		if req.malformed {
			e.logger.Warn(ctx, "malformed require rule skipped", "rule", req.text)
			continue
		}
		if req.capability != "" && !clauseMatches(req.capability, pc.Capability) {
			continue
		}
		match, err := e.condHolds(req.cond, pc)
		if err != nil {
			e.logger.Warn(ctx, "require rule condition error, obligation kept", "rule", req.text, "err", err.Error())
			match = true
		}
		if match {
			out = append(out, Obligation{Text: req.obligation, Capability: req.capability})
		}
	}
	return out
}

func (e *Engine) condHolds(cond node, pc Context) (bool, error) {
	if cond == nil {
		return true, nil
	}
	return cond.eval(pc)
}

// clauseMatches compares a rule clause against a capability. A trailing ".*"
// matches any capability under the prefix; "*" matches everything.
func clauseMatches(clause, capability string) bool {
	if clause == "*" {
		return true
	}
	if strings.HasSuffix(clause, ".*") {
		return strings.HasPrefix(capability, strings.TrimSuffix(clause, "*"))
	}
	return clause == capability
}

func activeRules(rules []compiledRule) []compiledRule {
	out := rules[:0:0]
	for _, r := range rules {
		if !r.malformed {
			out = append(out, r)
		}
	}
	return out
}

// compileRule splits "<clause> [IF <condition>]" and parses the condition.
func compileRule(raw string) compiledRule {
	rule := compiledRule{text: raw}
	clause, condText, hasCond := splitIF(raw)
	if clause == "" {
		rule.malformed = true
		return rule
	}
	rule.clause = clause
	if !hasCond {
		return rule
	}
	cond, err := parseCondition(condText)
	if err != nil {
		rule.malformed = true
		return rule
	}
	rule.cond = cond
	return rule
}

// compileRequire splits "<obligation> [FOR <capability>] [IF <condition>]".
func compileRequire(raw string) compiledRequire {
	req := compiledRequire{text: raw}
	body, condText, hasCond := splitIF(raw)
	if hasCond {
		cond, err := parseCondition(condText)
		if err != nil {
			req.malformed = true
			return req
		}
		req.cond = cond
	}
	if idx := firstKeyword(body, "FOR"); idx >= 0 {
		req.capability = strings.TrimSpace(body[idx+len("FOR"):])
		body = strings.TrimSpace(body[:idx])
	}
	if body == "" {
		req.malformed = true
		return req
	}
	req.obligation = body
	return req
}

// splitIF splits a rule at its top-level IF keyword.
func splitIF(raw string) (clause, cond string, ok bool) {
	idx := firstKeyword(raw, "IF")
	if idx < 0 {
		return strings.TrimSpace(raw), "", false
	}
	return strings.TrimSpace(raw[:idx]), strings.TrimSpace(raw[idx+len("IF"):]), true
}

// firstKeyword returns the byte offset of the first standalone occurrence of
// the keyword (its own whitespace-delimited field), or -1 when absent.
func firstKeyword(s, kw string) int {
	fields := strings.Fields(s)
	offset := 0
	for _, f := range fields {
		idx := strings.Index(s[offset:], f)
		pos := offset + idx
		if f == kw {
			return pos
		}
		offset = pos + len(f)
	}
	return -1
}

// String renders the decision for events.
func (d Decision) String() string {
	if d.Allowed {
		return fmt.Sprintf("allow (%s)", d.Reason)
	}
	return fmt.Sprintf("deny (%s)", d.Reason)
}
