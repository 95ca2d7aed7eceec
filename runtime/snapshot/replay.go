package snapshot

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// Mode selects a replay strategy.
type Mode string

const (
	// ModeExact re-executes with the stored sanitized inputs and demands
	// byte-identical canonical output.
	ModeExact Mode = "exact"
	// ModeAdaptive regenerates timestamp fields to now before re-executing
	// and demands semantic equivalence (sanitized deep-equality).
	ModeAdaptive Mode = "adaptive"
	// ModeShadow runs alongside a live execution and diffs the two outputs
	// without judging either.
	ModeShadow Mode = "shadow"
)

type (
	// ExecuteFunc re-runs a step with the given inputs and returns its outputs.
	ExecuteFunc func(ctx context.Context, inputs map[string]any) (map[string]any, error)

	// Result reports a replay comparison.
	Result struct {
		// Mode is the strategy that produced the result.
		Mode Mode `json:"mode"`
		// Match reports whether the replay agreed with the snapshot (or, for
		// shadow mode, with the live output).
		Match bool `json:"match"`
		// Detail explains a mismatch.
		Detail string `json:"detail,omitempty"`
		// Outputs holds the replayed outputs.
		Outputs map[string]any `json:"outputs,omitempty"`
	}
)

// Replay re-executes the snapshot under the given mode. Shadow mode expects
// the live outputs to diff against in liveOutputs; other modes ignore it.
func Replay(ctx context.Context, s *Snapshot, mode Mode, exec ExecuteFunc, liveOutputs map[string]any) (*Result, error) {
	switch mode {
	case ModeExact:
		outputs, err := exec(ctx, s.Inputs)
		if err != nil {
			return nil, fmt.Errorf("exact replay execution: %w", err)
		}
		match, detail, err := canonicalEqual(s.Outputs, outputs)
		if err != nil {
			return nil, err
		}
		return &Result{Mode: mode, Match: match, Detail: detail, Outputs: outputs}, nil

	case ModeAdaptive:
		inputs := refreshTimestamps(s.Inputs)
		outputs, err := exec(ctx, inputs)
		if err != nil {
			return nil, fmt.Errorf("adaptive replay execution: %w", err)
		}
		match := reflect.DeepEqual(Sanitize(s.Outputs), Sanitize(outputs))
		detail := ""
		if !match {
			detail = "sanitized outputs differ"
		}
		return &Result{Mode: mode, Match: match, Detail: detail, Outputs: outputs}, nil

	case ModeShadow:
		outputs, err := exec(ctx, s.Inputs)
		if err != nil {
			return nil, fmt.Errorf("shadow replay execution: %w", err)
		}
		match, detail, err := canonicalEqual(liveOutputs, outputs)
		if err != nil {
			return nil, err
		}
		return &Result{Mode: mode, Match: match, Detail: detail, Outputs: outputs}, nil
	}
	return nil, fmt.Errorf("unknown replay mode %q", mode)
}

func canonicalEqual(want, got map[string]any) (bool, string, error) {
	wb, err := Canonical(want)
	if err != nil {
		return false, "", err
	}
	gb, err := Canonical(got)
	if err != nil {
		return false, "", err
	}
	if string(wb) == string(gb) {
		return true, "", nil
	}
	return false, "canonical outputs differ", nil
}

// refreshTimestamps deep-copies the input tree, setting any key containing
// "timestamp" to the current epoch milliseconds.
func refreshTimestamps(inputs map[string]any) map[string]any {
	now := time.Now().UnixMilli()
	var walk func(v any) any
	walk = func(v any) any {
		switch val := v.(type) {
		case map[string]any:
			out := make(map[string]any, len(val))
			for k, inner := range val {
				if volatileKey(k) {
					out[k] = now
					continue
				}
				out[k] = walk(inner)
			}
			return out
		case []any:
			out := make([]any, len(val))
			for i, inner := range val {
				out[i] = walk(inner)
			}
			return out
		default:
			return v
		}
	}
	out, _ := walk(inputs).(map[string]any)
	return out
}
