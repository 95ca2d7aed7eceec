package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/fault"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 0.1, cfg.Bandit.Explore)
	assert.Equal(t, 1.0, cfg.Bandit.Alpha)
	assert.Equal(t, 1.0, cfg.Bandit.ConfidenceWidth)
	assert.Equal(t, 4, cfg.Scheduler.MaxParallel)
	assert.EqualValues(t, 300000, cfg.Scheduler.TimeoutMS)
	assert.Equal(t, 5, cfg.Planner.MaxDepth)
	assert.Equal(t, 3, cfg.Planner.BeamSize)
	assert.True(t, *cfg.Verification.EnableMetamorphic)
	assert.False(t, cfg.Verification.EnableJudge)
	assert.True(t, *cfg.Attestation.Enable)
	assert.Equal(t, SLSA2, cfg.Attestation.DefaultLevel)
	assert.Equal(t, "loom:events", cfg.Stream.StreamKey)
	require.NoError(t, cfg.Validate())
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
bandit:
  explore: 0.25
  confidence_width: 2.0
scheduler:
  max_parallel: 8
verification:
  enable_metamorphic: false
  enable_judge: true
  judge_rounds: 2
attestation:
  default_level: SLSA3
policy:
  deny:
    - "deploy.* IF environment == \"prod\""
`))
	require.NoError(t, err)
	assert.Equal(t, 0.25, cfg.Bandit.Explore)
	assert.Equal(t, 2.0, cfg.Bandit.ConfidenceWidth)
	assert.Equal(t, 8, cfg.Scheduler.MaxParallel)
	assert.False(t, *cfg.Verification.EnableMetamorphic)
	assert.True(t, cfg.Verification.EnableJudge)
	assert.Equal(t, 2, cfg.Verification.JudgeRounds)
	assert.Equal(t, SLSA3, cfg.Attestation.DefaultLevel)
	require.Len(t, cfg.Policy.Deny, 1)
	// Unset options still default.
	assert.Equal(t, 3, cfg.Planner.BranchFactor)
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
		field string
	}{
		{"explore too high", "bandit:\n  explore: 1.5\n", "bandit.explore"},
		{"negative parallel", "scheduler:\n  max_parallel: -1\n", "scheduler.max_parallel"},
		{"tiny timeout", "scheduler:\n  timeout_ms: 10\n", "scheduler.timeout_ms"},
		{"bad level", "attestation:\n  default_level: SLSA9\n", "attestation.default_level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			var f *fault.Fault
			require.True(t, errors.As(err, &f))
			assert.Equal(t, fault.KindValidation, f.Kind)
			assert.Equal(t, tc.field, f.Field)
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("bandit: ["))
	assert.Error(t, err)
}
