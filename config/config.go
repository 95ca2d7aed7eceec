// Package config loads and validates the orchestration core configuration.
// Options load from YAML, defaults are applied by Normalize, and Validate
// rejects out-of-range values with field-scoped faults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/runtime/fault"
	"github.com/loomworks/loom/runtime/policy"
)

// Attestation levels.
const (
	SLSA1 = "SLSA1"
	SLSA2 = "SLSA2"
	SLSA3 = "SLSA3"
	SLSA4 = "SLSA4"
)

type (
	// Config is the full recognized option set.
	Config struct {
		Bandit       Bandit            `yaml:"bandit"`
		Scheduler    Scheduler         `yaml:"scheduler"`
		Planner      Planner           `yaml:"planner"`
		Verification Verification      `yaml:"verification"`
		Attestation  Attestation       `yaml:"attestation"`
		Policy       policy.Definition `yaml:"policy"`
		Store        Store             `yaml:"store"`
		Stream       Stream            `yaml:"stream"`
	}

	// Bandit tunes route selection.
	Bandit struct {
		// Explore is the exploration probability in [0,1]. Default 0.1.
		Explore float64 `yaml:"explore"`
		// Alpha and Beta seed fresh posteriors. Default 1 each.
		Alpha float64 `yaml:"alpha"`
		Beta  float64 `yaml:"beta"`
		// ConfidenceWidth scales the UCB radius. Default 1.0.
		ConfidenceWidth float64 `yaml:"confidence_width"`
	}

	// Scheduler tunes dispatch.
	Scheduler struct {
		// MaxParallel bounds concurrent executions, at least 1. Default 4.
		MaxParallel int `yaml:"max_parallel"`
		// TimeoutMS is the default step timeout. Default 300000.
		TimeoutMS int64 `yaml:"timeout_ms"`
		// Market toggles market-style dispatch; recognized, reserved.
		Market bool `yaml:"market"`
	}

	// Planner tunes plan refinement.
	Planner struct {
		// MaxDepth bounds refinement depth. Default 5.
		MaxDepth int `yaml:"max_depth"`
		// BeamSize bounds the frontier. Default 3.
		BeamSize int `yaml:"beam_size"`
		// BranchFactor bounds expansions per frontier entry. Default 3.
		BranchFactor int `yaml:"branch_factor"`
	}

	// Verification toggles the property checks.
	Verification struct {
		// EnableContracts toggles contract schema validation. Default true.
		EnableContracts *bool `yaml:"enable_contracts"`
		// EnableMetamorphic toggles variant re-execution. Default true.
		EnableMetamorphic *bool `yaml:"enable_metamorphic"`
		// EnableJudge toggles external adjudication. Default false.
		EnableJudge bool `yaml:"enable_judge"`
		// JudgeRounds is how many judge consultations run per step. Default 1.
		JudgeRounds int `yaml:"judge_rounds"`
	}

	// Attestation controls provenance recording.
	Attestation struct {
		// Enable toggles attestation. Default true.
		Enable *bool `yaml:"enable"`
		// DefaultLevel is the attestation level: SLSA1 through SLSA4.
		DefaultLevel string `yaml:"default_level"`
		// KeyPath locates the ed25519 signing key. Empty generates an
		// ephemeral key.
		KeyPath string `yaml:"key_path"`
	}

	// Store locates the durable state store.
	Store struct {
		// DSN is the sqlite data source. Default "loom.db".
		DSN string `yaml:"dsn"`
	}

	// Stream configures the optional redis event fan-out.
	Stream struct {
		// RedisAddr enables the sink when non-empty.
		RedisAddr string `yaml:"redis_addr"`
		// StreamKey is the redis stream name. Default "loom:events".
		StreamKey string `yaml:"stream_key"`
	}
)

// Load reads, decodes, normalizes, and validates a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes, normalizes, and validates YAML config bytes.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the fully-normalized default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize applies defaults to unset options.
func (c *Config) Normalize() {
	if c.Bandit.Explore == 0 {
		c.Bandit.Explore = 0.1
	}
	if c.Bandit.Alpha == 0 {
		c.Bandit.Alpha = 1
	}
	if c.Bandit.Beta == 0 {
		c.Bandit.Beta = 1
	}
	if c.Bandit.ConfidenceWidth == 0 {
		c.Bandit.ConfidenceWidth = 1
	}
	if c.Scheduler.MaxParallel == 0 {
		c.Scheduler.MaxParallel = 4
	}
	if c.Scheduler.TimeoutMS == 0 {
		c.Scheduler.TimeoutMS = 300000
	}
	if c.Planner.MaxDepth == 0 {
		c.Planner.MaxDepth = 5
	}
	if c.Planner.BeamSize == 0 {
		c.Planner.BeamSize = 3
	}
	if c.Planner.BranchFactor == 0 {
		c.Planner.BranchFactor = 3
	}
	if c.Verification.EnableContracts == nil {
		c.Verification.EnableContracts = ptr(true)
	}
	if c.Verification.EnableMetamorphic == nil {
		c.Verification.EnableMetamorphic = ptr(true)
	}
	if c.Verification.JudgeRounds == 0 {
		c.Verification.JudgeRounds = 1
	}
	if c.Attestation.Enable == nil {
		c.Attestation.Enable = ptr(true)
	}
	if c.Attestation.DefaultLevel == "" {
		c.Attestation.DefaultLevel = SLSA2
	}
	if c.Store.DSN == "" {
		c.Store.DSN = "loom.db"
	}
	if c.Stream.StreamKey == "" {
		c.Stream.StreamKey = "loom:events"
	}
}

// Validate rejects out-of-range options with field-scoped validation faults.
func (c *Config) Validate() error {
	if c.Bandit.Explore < 0 || c.Bandit.Explore > 1 {
		return fault.Validation("bandit.explore", "must be in [0,1], got %v", c.Bandit.Explore)
	}
	if c.Bandit.Alpha < 1 || c.Bandit.Beta < 1 {
		return fault.Validation("bandit.alpha", "priors must be at least 1")
	}
	if c.Bandit.ConfidenceWidth <= 0 {
		return fault.Validation("bandit.confidence_width", "must be positive")
	}
	if c.Scheduler.MaxParallel < 1 {
		return fault.Validation("scheduler.max_parallel", "must be at least 1, got %d", c.Scheduler.MaxParallel)
	}
	if c.Scheduler.TimeoutMS < 1000 {
		return fault.Validation("scheduler.timeout_ms", "must be at least 1000, got %d", c.Scheduler.TimeoutMS)
	}
	if c.Planner.MaxDepth < 1 || c.Planner.BeamSize < 1 || c.Planner.BranchFactor < 1 {
		return fault.Validation("planner", "max_depth, beam_size, and branch_factor must be at least 1")
	}
	if c.Verification.JudgeRounds < 1 {
		return fault.Validation("verification.judge_rounds", "must be at least 1, got %d", c.Verification.JudgeRounds)
	}
	switch c.Attestation.DefaultLevel {
	case SLSA1, SLSA2, SLSA3, SLSA4:
	default:
		return fault.Validation("attestation.default_level", "must be one of SLSA1..SLSA4, got %q", c.Attestation.DefaultLevel)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
