package verify

import "context"

// VerdictKind is the adjudicator's ruling.
type VerdictKind string

const (
	// VerdictApprove accepts the execution.
	VerdictApprove VerdictKind = "approve"
	// VerdictDeny rejects the execution; the report fails.
	VerdictDeny VerdictKind = "deny"
	// VerdictInsufficient means the judge could not decide on the facts given.
	VerdictInsufficient VerdictKind = "insufficient"
)

type (
	// Verdict is the adjudicator's strict-schema response.
	Verdict struct {
		// Verdict is the ruling.
		Verdict VerdictKind `json:"verdict"`
		// Confidence is the judge's confidence in [0,1].
		Confidence float64 `json:"confidence"`
		// Rationale explains the ruling.
		Rationale string `json:"rationale,omitempty"`
		// Citations lists supporting references.
		Citations []string `json:"citations,omitempty"`
	}

	// Adjudicator is the contract of the remote judge peer service. The core
	// consumes it; transport and prompting live outside.
	Adjudicator interface {
		// Adjudicate rules on the given facts within the time budget.
		Adjudicate(ctx context.Context, facts map[string]any, budgetMS int64, costClass string) (*Verdict, error)
	}
)
