// Package fault provides the structured error kinds used across the
// orchestration core. Every failure surfaced by a subsystem carries a stable
// Kind code so callers can branch on classification (retry, re-route, abort)
// without parsing messages. Faults preserve error chains and support
// errors.Is/As.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the stable classification code of a fault.
type Kind string

const (
	// KindValidation marks a schema violation in a plan, step, branch, or
	// contract. Surfaced to the caller; never persisted.
	KindValidation Kind = "validation_error"

	// KindPolicyDenied marks a capability blocked by policy. Recorded as an
	// event; the step fails if no alternative route exists.
	KindPolicyDenied Kind = "policy_denied"

	// KindNoRoute marks the absence of any healthy, policy-passing route for a
	// capability. The step blocks pending operator intervention.
	KindNoRoute Kind = "no_route_available"

	// KindLeaseLost marks an attempt to mutate a step whose lease was
	// reclaimed. The worker aborts without state mutation.
	KindLeaseLost Kind = "lease_lost"

	// KindTimeout marks an execution hard-killed on deadline. Counts as a
	// failure; retried while retry budget remains.
	KindTimeout Kind = "execution_timeout"

	// KindExecution marks a nonzero exit or remote error. Retried up to the
	// step's retry count.
	KindExecution Kind = "execution_error"

	// KindSandboxViolation marks a tripped sandbox policy pattern. Terminal:
	// never retried, evidence recorded.
	KindSandboxViolation Kind = "sandbox_violation"

	// KindVerification marks a failed critical property. Terminal for the step.
	KindVerification Kind = "verification_failed"

	// KindInternal marks an invariant violation inside the core. The plan
	// fails and the error is surfaced.
	KindInternal Kind = "internal"
)

// Fault is a classified error. The zero value is not valid; construct faults
// with New, Wrap, or Errorf.
type Fault struct {
	// Kind is the stable classification code.
	Kind Kind
	// Message is the human-readable summary of the failure.
	Message string
	// Field names the offending field for validation faults. Empty otherwise.
	Field string
	// Cause links to the underlying error, if any.
	Cause error
}

// New constructs a Fault with the given kind and message.
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

// Wrap constructs a Fault wrapping an underlying error.
func Wrap(kind Kind, message string, cause error) *Fault {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Fault{Kind: kind, Message: message, Cause: cause}
}

// Errorf formats according to a format specifier and returns the result as a
// Fault of the given kind.
func Errorf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation constructs a validation fault naming the offending field.
func Validation(field, format string, args ...any) *Fault {
	return &Fault{
		Kind:    KindValidation,
		Message: fmt.Sprintf(format, args...),
		Field:   field,
	}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f == nil {
		return ""
	}
	if f.Field != "" {
		return fmt.Sprintf("%s: %s: %s", f.Kind, f.Field, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap returns the underlying error to support errors.Is/As.
func (f *Fault) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Cause
}

// Is reports kind equality so errors.Is(err, fault.New(kind, "")) matches any
// fault of the same kind.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if !errors.As(target, &other) {
		return false
	}
	return f != nil && other != nil && f.Kind == other.Kind
}

// KindOf extracts the Kind from an error chain. Returns KindInternal for
// unclassified errors and the empty kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// Terminal reports whether the fault kind never retries.
func Terminal(err error) bool {
	switch KindOf(err) {
	case KindSandboxViolation, KindVerification, KindPolicyDenied, KindValidation, KindInternal:
		return true
	default:
		return false
	}
}
