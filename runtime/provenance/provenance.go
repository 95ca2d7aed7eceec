// Package provenance builds and signs supply-chain attestations for executed
// steps. Statements follow the in-toto v0.1 layout with a SLSA v0.2 provenance
// predicate; payloads are canonical JSON so digests and signatures are
// reproducible, and envelopes carry detached ed25519 signatures.
package provenance

import (
	"fmt"
	"time"

	"github.com/loomworks/loom/runtime/plan"
	"github.com/loomworks/loom/runtime/snapshot"
)

const (
	// StatementType is the in-toto statement type.
	StatementType = "https://in-toto.io/Statement/v0.1"
	// PredicateType is the SLSA provenance predicate type.
	PredicateType = "https://slsa.dev/provenance/v0.2"
	// BuilderID identifies this orchestration core as the builder.
	BuilderID = "https://loomworks.dev/loom/executor"
	// BuildType names the step-execution build type.
	BuildType = "https://loomworks.dev/loom/step-execution/v1"
)

type (
	// Statement is an in-toto attestation statement.
	Statement struct {
		Type          string    `json:"_type"`
		Subject       []Subject `json:"subject"`
		PredicateType string    `json:"predicateType"`
		Predicate     Predicate `json:"predicate"`
	}

	// Subject names one produced artifact and its digest.
	Subject struct {
		Name   string            `json:"name"`
		Digest map[string]string `json:"digest"`
	}

	// Predicate is the SLSA v0.2 provenance body.
	Predicate struct {
		Builder    Builder    `json:"builder"`
		BuildType  string     `json:"buildType"`
		Invocation Invocation `json:"invocation"`
		Metadata   Metadata   `json:"metadata"`
		Materials  []Material `json:"materials,omitempty"`
	}

	// Builder identifies the executing system.
	Builder struct {
		ID string `json:"id"`
	}

	// Invocation records what was executed and with which parameters.
	Invocation struct {
		ConfigSource ConfigSource   `json:"configSource"`
		Parameters   map[string]any `json:"parameters,omitempty"`
		Environment  map[string]any `json:"environment,omitempty"`
	}

	// ConfigSource points at the plan that requested the execution.
	ConfigSource struct {
		URI        string            `json:"uri"`
		Digest     map[string]string `json:"digest,omitempty"`
		EntryPoint string            `json:"entryPoint"`
	}

	// Metadata carries timing and reproducibility facts.
	Metadata struct {
		InvocationID    string `json:"invocationId"`
		BuildStartedOn  string `json:"buildStartedOn"`
		BuildFinishedOn string `json:"buildFinishedOn"`
		Reproducible    bool   `json:"reproducible"`
	}

	// Material names one input artifact consumed by the execution.
	Material struct {
		URI    string            `json:"uri"`
		Digest map[string]string `json:"digest,omitempty"`
	}

	// Execution is the completed attempt an attestation covers.
	Execution struct {
		// Step is the executed step.
		Step *plan.Step
		// TicketID identifies the attempt.
		TicketID string
		// RouteID is the route the attempt ran over.
		RouteID string
		// Inputs and Outputs are the attempt payloads.
		Inputs  map[string]any
		Outputs map[string]any
		// StartedAt and EndedAt are epoch milliseconds.
		StartedAt int64
		EndedAt   int64
		// Snapshot is the deterministic capture, if one was taken.
		Snapshot *snapshot.Snapshot
		// Sandboxed reports whether the attempt ran inside the sandbox.
		Sandboxed bool
		// ExternalState reports whether the attempt touched state outside its
		// workspace (network, shared stores).
		ExternalState bool
	}
)

// Build assembles the attestation statement for a completed execution. The
// subject digests cover the canonical encodings of the step's outputs and of
// the step configuration itself.
func Build(exec *Execution) (*Statement, error) {
	if exec == nil || exec.Step == nil {
		return nil, fmt.Errorf("build statement: execution and step are required")
	}
	outputDigest, err := snapshot.Digest(exec.Outputs)
	if err != nil {
		return nil, fmt.Errorf("build statement: digest outputs: %w", err)
	}
	configDigest, err := snapshot.Digest(stepConfig(exec.Step))
	if err != nil {
		return nil, fmt.Errorf("build statement: digest step config: %w", err)
	}

	stmt := &Statement{
		Type: StatementType,
		Subject: []Subject{
			{Name: fmt.Sprintf("step://%s/outputs", exec.Step.ID), Digest: map[string]string{"sha256": outputDigest}},
			{Name: fmt.Sprintf("step://%s/config", exec.Step.ID), Digest: map[string]string{"sha256": configDigest}},
		},
		PredicateType: PredicateType,
		Predicate: Predicate{
			Builder:   Builder{ID: BuilderID},
			BuildType: BuildType,
			Invocation: Invocation{
				ConfigSource: ConfigSource{
					URI:        fmt.Sprintf("plan://%s", exec.Step.PlanID),
					Digest:     map[string]string{"sha256": configDigest},
					EntryPoint: exec.Step.Capability,
				},
				Parameters: snapshot.Sanitize(exec.Inputs),
				Environment: map[string]any{
					"route_id":  exec.RouteID,
					"sandboxed": exec.Sandboxed,
				},
			},
			Metadata: Metadata{
				InvocationID:    exec.TicketID,
				BuildStartedOn:  rfc3339(exec.StartedAt),
				BuildFinishedOn: rfc3339(exec.EndedAt),
				Reproducible:    reproducible(exec),
			},
			Materials: materials(exec),
		},
	}
	return stmt, nil
}

// Canonical returns the canonical JSON encoding of the statement. This is the
// byte sequence signatures cover.
func (s *Statement) Canonical() ([]byte, error) {
	return snapshot.Canonical(s)
}

// Digest returns the hex sha256 over the canonical statement encoding.
func (s *Statement) Digest() (string, error) {
	return snapshot.Digest(s)
}

// reproducible applies the four determinism heuristics; three or more passing
// marks the execution reproducible.
func reproducible(exec *Execution) bool {
	score := 0
	if deterministicInputs(exec.Inputs) {
		score++
	}
	if exec.Snapshot != nil && exec.Snapshot.Environment.Version != "" {
		score++ // tool version pinned in the snapshot fingerprint
	}
	if !exec.ExternalState {
		score++
	}
	if exec.Sandboxed {
		score++
	}
	return score >= 3
}

// deterministicInputs reports whether sanitization would leave the inputs
// unchanged, i.e. no volatile fields were present.
func deterministicInputs(inputs map[string]any) bool {
	before, err := snapshot.Canonical(inputs)
	if err != nil {
		return false
	}
	after, err := snapshot.Canonical(snapshot.Sanitize(inputs))
	if err != nil {
		return false
	}
	return string(before) == string(after)
}

func materials(exec *Execution) []Material {
	inputDigest, err := snapshot.Digest(snapshot.Sanitize(exec.Inputs))
	if err != nil {
		return nil
	}
	out := []Material{{
		URI:    fmt.Sprintf("step://%s/inputs", exec.Step.ID),
		Digest: map[string]string{"sha256": inputDigest},
	}}
	if exec.Snapshot != nil && exec.Snapshot.Checksum != "" {
		out = append(out, Material{
			URI:    fmt.Sprintf("snapshot://%s", exec.Step.ID),
			Digest: map[string]string{"sha256": exec.Snapshot.Checksum},
		})
	}
	return out
}

// stepConfig extracts the deterministic step configuration covered by the
// config subject digest.
func stepConfig(step *plan.Step) map[string]any {
	return map[string]any{
		"id":          step.ID,
		"plan_id":     step.PlanID,
		"capability":  step.Capability,
		"critical":    step.Critical,
		"priority":    step.Priority,
		"contract":    step.Contract,
		"constraints": step.Constraints,
		"timeout_ms":  step.TimeoutMS,
		"retry_count": step.Retries(),
	}
}

func rfc3339(epochMS int64) string {
	if epochMS == 0 {
		return ""
	}
	return time.UnixMilli(epochMS).UTC().Format(time.RFC3339)
}
