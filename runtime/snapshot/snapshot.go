// Package snapshot captures deterministic execution snapshots: sanitized
// inputs, outputs, execution context, and an environment fingerprint, all
// hashed over a canonical JSON encoding. Snapshots feed the provenance
// builder and power the replay modes (exact, adaptive, shadow).
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/loomworks/loom/runtime/plan"
)

// volatileKeyFragments mark input fields stripped during sanitization.
// Matching is case-insensitive on key substrings.
var volatileKeyFragments = []string{"timestamp", "uuid", "nonce"}

type (
	// Snapshot is the deterministic record of one execution.
	Snapshot struct {
		// StepID names the executed step.
		StepID string `json:"step_id"`
		// Inputs are the sanitized execution inputs.
		Inputs map[string]any `json:"inputs"`
		// Outputs are the execution outputs as returned by the backend.
		Outputs map[string]any `json:"outputs"`
		// Context captures the execution context: capability, priority,
		// constraints, policy tag, and the deterministic seed.
		Context Context `json:"context"`
		// Environment fingerprints the host.
		Environment Environment `json:"environment"`
		// Checksum is the hex sha256 over the canonical encoding of the
		// snapshot with the checksum field empty.
		Checksum string `json:"checksum"`
	}

	// Context is the deterministic execution context embedded in a snapshot.
	Context struct {
		Capability  string            `json:"capability"`
		Priority    int               `json:"priority"`
		Constraints *plan.Constraints `json:"constraints,omitempty"`
		Policy      string            `json:"policy,omitempty"`
		Seed        int64             `json:"seed"`
	}

	// Environment fingerprints the platform an execution ran on.
	Environment struct {
		Platform string `json:"platform"`
		Arch     string `json:"arch"`
		Version  string `json:"version"`
	}
)

// Capture builds a snapshot for a completed execution. Inputs are sanitized;
// the checksum covers the canonical encoding of everything else.
func Capture(step *plan.Step, routePolicy string, inputs, outputs map[string]any, seed int64) (*Snapshot, error) {
	s := &Snapshot{
		StepID:  step.ID,
		Inputs:  Sanitize(inputs),
		Outputs: outputs,
		Context: Context{
			Capability:  step.Capability,
			Priority:    step.Priority,
			Constraints: step.Constraints,
			Policy:      routePolicy,
			Seed:        seed,
		},
		Environment: Fingerprint(),
	}
	sum, err := s.computeChecksum()
	if err != nil {
		return nil, err
	}
	s.Checksum = sum
	return s, nil
}

// Fingerprint returns the host environment fingerprint.
func Fingerprint() Environment {
	return Environment{
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		Version:  runtime.Version(),
	}
}

// Sanitize deep-copies the value tree, dropping keys whose name contains a
// volatile fragment (timestamp, uuid, nonce) at any nesting depth.
func Sanitize(inputs map[string]any) map[string]any {
	out, _ := sanitizeValue(inputs).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if volatileKey(k) {
				continue
			}
			out[k] = sanitizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue(inner)
		}
		return out
	default:
		return v
	}
}

func volatileKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range volatileKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Canonical encodes a value as canonical JSON: object keys sorted recursively,
// no insignificant whitespace. Equal value trees encode to equal bytes.
func Canonical(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return marshalCanonical(normalized)
}

// Digest returns the hex sha256 of the canonical encoding of v.
func Digest(v any) (string, error) {
	raw, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// normalize round-trips through encoding/json so only JSON-native types reach
// the canonical marshaler.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil
	case []any:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		return append(buf, ']'), nil
	default:
		return json.Marshal(val)
	}
}

func (s *Snapshot) computeChecksum() (string, error) {
	clone := *s
	clone.Checksum = ""
	return Digest(&clone)
}

// Verify recomputes the checksum and reports whether it matches.
func (s *Snapshot) Verify() (bool, error) {
	sum, err := s.computeChecksum()
	if err != nil {
		return false, err
	}
	return sum == s.Checksum, nil
}
