package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/plan"
)

func TestSanitizeStripsVolatileKeys(t *testing.T) {
	in := map[string]any{
		"name":       "greeter",
		"timestamp":  123456,
		"request_id": "keep",
		"TraceUUID":  "drop",
		"nested": map[string]any{
			"nonce": "drop",
			"value": 7,
			"items": []any{map[string]any{"created_timestamp": 1, "ok": true}},
		},
	}
	out := Sanitize(in)
	assert.NotContains(t, out, "timestamp")
	assert.NotContains(t, out, "TraceUUID")
	assert.Contains(t, out, "request_id")
	nested := out["nested"].(map[string]any)
	assert.NotContains(t, nested, "nonce")
	assert.Equal(t, 7, nested["value"])
	item := nested["items"].([]any)[0].(map[string]any)
	assert.NotContains(t, item, "created_timestamp")
	assert.Equal(t, true, item["ok"])

	// Input untouched.
	assert.Contains(t, in, "timestamp")
}

func TestCanonicalSortsKeys(t *testing.T) {
	a, err := Canonical(map[string]any{"b": 1, "a": map[string]any{"z": true, "y": []any{"x"}}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":["x"],"z":true},"b":1}`, string(a))

	// Key order in the source does not change the encoding.
	b, err := Canonical(map[string]any{"a": map[string]any{"y": []any{"x"}, "z": true}, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCaptureChecksumIsStable(t *testing.T) {
	step := &plan.Step{ID: "s1", Capability: "code.implement", Priority: 5}
	inputs := map[string]any{"goal": "g", "timestamp": 99}
	outputs := map[string]any{"artifact": "main.go"}

	s1, err := Capture(step, "default", inputs, outputs, 7)
	require.NoError(t, err)
	s2, err := Capture(step, "default", map[string]any{"goal": "g", "timestamp": 12345}, outputs, 7)
	require.NoError(t, err)
	// Volatile input fields do not affect the checksum.
	assert.Equal(t, s1.Checksum, s2.Checksum)

	ok, err := s1.Verify()
	require.NoError(t, err)
	assert.True(t, ok)

	s1.Outputs["artifact"] = "other.go"
	ok, err = s1.Verify()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplayExact(t *testing.T) {
	step := &plan.Step{ID: "s1", Capability: "work.execute", Priority: 5}
	outputs := map[string]any{"result": "42"}
	s, err := Capture(step, "", map[string]any{"q": "6*7"}, outputs, 1)
	require.NoError(t, err)

	exec := func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		assert.Equal(t, s.Inputs, inputs)
		return map[string]any{"result": "42"}, nil
	}
	res, err := Replay(context.Background(), s, ModeExact, exec, nil)
	require.NoError(t, err)
	assert.True(t, res.Match)

	execDiff := func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"result": "43"}, nil
	}
	res, err = Replay(context.Background(), s, ModeExact, execDiff, nil)
	require.NoError(t, err)
	assert.False(t, res.Match)
}

func TestReplayAdaptiveRefreshesTimestamps(t *testing.T) {
	step := &plan.Step{ID: "s1", Capability: "work.execute", Priority: 5}
	s, err := Capture(step, "", map[string]any{"q": "x"}, map[string]any{"ok": true}, 1)
	require.NoError(t, err)
	s.Inputs["event_timestamp"] = int64(1)

	var seen map[string]any
	exec := func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		seen = inputs
		return map[string]any{"ok": true, "timestamp": 999}, nil
	}
	res, err := Replay(context.Background(), s, ModeAdaptive, exec, nil)
	require.NoError(t, err)
	assert.True(t, res.Match, "timestamp fields ignored under sanitized comparison")
	assert.NotEqual(t, int64(1), seen["event_timestamp"], "timestamps regenerated")
}

func TestReplayShadowDiffsAgainstLive(t *testing.T) {
	step := &plan.Step{ID: "s1", Capability: "work.execute", Priority: 5}
	s, err := Capture(step, "", map[string]any{"q": "x"}, map[string]any{"ok": true}, 1)
	require.NoError(t, err)

	exec := func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}
	res, err := Replay(context.Background(), s, ModeShadow, exec, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.True(t, res.Match)

	res, err = Replay(context.Background(), s, ModeShadow, exec, map[string]any{"ok": false})
	require.NoError(t, err)
	assert.False(t, res.Match)
}
