// Package config provides configuration loading, validation, and defaults
// for the engine. Config files are JSON; absent fields fall back to defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Default budget and retry limits.
const (
	DefaultMaxWorkers       = 3
	MaxWorkerBound          = 7
	DefaultWorkerRetries    = 2
	DefaultValidateRetries  = 3
	DefaultMinArtifactBytes = 64

	DefaultTokenThreshold     = 500_000
	DefaultCostThresholdUSD   = 40.0
	DefaultSameErrorThreshold = 3
	DefaultHealFailThreshold  = 5
	DefaultOrphanThreshold    = 3

	DefaultMemoryHalfLifeDays = 14
)

// Process kind names with distinct grace periods.
const (
	KindTestRunner  = "test-runner"
	KindWorker      = "worker"
	KindInteractive = "interactive"
)

// BreakerConfig holds the circuit breaker thresholds. Each counter trips
// independently.
type BreakerConfig struct {
	TokenThreshold     int64   `json:"token_threshold"`
	CostThresholdUSD   float64 `json:"cost_threshold_usd"`
	SameErrorThreshold int     `json:"same_error_threshold"`
	HealFailThreshold  int     `json:"heal_fail_threshold"`
	OrphanThreshold    int     `json:"orphan_threshold"`
}

// TierCost maps healing capability tiers to relative cost weights, used for
// breaker cost accounting when a tier is attempted.
type TierCost struct {
	LowUSD  float64 `json:"low_usd"`
	MidUSD  float64 `json:"mid_usd"`
	HighUSD float64 `json:"high_usd"`
}

// GateConfig controls quality gate behavior after REVIEW.
type GateConfig struct {
	Mode         string  `json:"mode"` // "auto" or "manual"
	MaxRiskScore float64 `json:"max_risk_score"`
	MinCoverage  int     `json:"min_coverage"` // distinct topical outputs required
}

// Config is the root configuration for one engine instance.
type Config struct {
	DBPath           string            `json:"db_path"`
	AuditDir         string            `json:"audit_dir"`
	ArtifactDir      string            `json:"artifact_dir"`
	MaxWorkers       int               `json:"max_workers"`
	WorkerRetries    int               `json:"worker_retries"`
	ValidateRetries  int               `json:"validate_retries"`
	MinArtifactBytes int               `json:"min_artifact_bytes"`
	GraceSeconds     map[string]int    `json:"grace_seconds"`
	SweepInterval    int               `json:"sweep_interval_seconds"`
	HalfLifeDays     int               `json:"memory_half_life_days"`
	Breaker          BreakerConfig     `json:"breaker"`
	Gate             GateConfig        `json:"gate"`
	TierCost         TierCost          `json:"tier_cost"`
	Env              map[string]string `json:"env,omitempty"`
}

// Default returns a fully-populated configuration.
func Default() *Config {
	return &Config{
		DBPath:           "conductor.db",
		AuditDir:         "logs",
		ArtifactDir:      "artifacts",
		MaxWorkers:       DefaultMaxWorkers,
		WorkerRetries:    DefaultWorkerRetries,
		ValidateRetries:  DefaultValidateRetries,
		MinArtifactBytes: DefaultMinArtifactBytes,
		GraceSeconds: map[string]int{
			KindTestRunner:  120,
			KindWorker:      900,
			KindInteractive: 3600,
		},
		SweepInterval: 300,
		HalfLifeDays:  DefaultMemoryHalfLifeDays,
		Breaker: BreakerConfig{
			TokenThreshold:     DefaultTokenThreshold,
			CostThresholdUSD:   DefaultCostThresholdUSD,
			SameErrorThreshold: DefaultSameErrorThreshold,
			HealFailThreshold:  DefaultHealFailThreshold,
			OrphanThreshold:    DefaultOrphanThreshold,
		},
		Gate: GateConfig{
			Mode:         "auto",
			MaxRiskScore: 0.7,
			MinCoverage:  2,
		},
		TierCost: TierCost{
			LowUSD:  0.05,
			MidUSD:  0.50,
			HighUSD: 2.00,
		},
	}
}

// Load reads a JSON config file, applies defaults for absent fields, and
// validates the result. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.MaxWorkers < 1 || c.MaxWorkers > MaxWorkerBound {
		return fmt.Errorf("max_workers must be in [1, %d], got %d", MaxWorkerBound, c.MaxWorkers)
	}
	if c.WorkerRetries < 0 {
		return fmt.Errorf("worker_retries must be >= 0, got %d", c.WorkerRetries)
	}
	if c.ValidateRetries < 1 {
		return fmt.Errorf("validate_retries must be >= 1, got %d", c.ValidateRetries)
	}
	if c.Gate.Mode != "auto" && c.Gate.Mode != "manual" {
		return fmt.Errorf("gate.mode must be auto or manual, got %q", c.Gate.Mode)
	}
	if c.Breaker.TokenThreshold <= 0 || c.Breaker.CostThresholdUSD <= 0 {
		return fmt.Errorf("breaker thresholds must be positive")
	}
	if c.HalfLifeDays <= 0 {
		return fmt.Errorf("memory_half_life_days must be positive, got %d", c.HalfLifeDays)
	}
	return nil
}

// Grace returns the grace period for a process kind. Unknown kinds get the
// worker grace period.
func (c *Config) Grace(kind string) time.Duration {
	if secs, ok := c.GraceSeconds[kind]; ok {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(c.GraceSeconds[KindWorker]) * time.Second
}

// HalfLife returns the pattern memory decay half-life as a duration.
func (c *Config) HalfLife() time.Duration {
	return time.Duration(c.HalfLifeDays) * 24 * time.Hour
}
