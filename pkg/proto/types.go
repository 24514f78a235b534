// Package proto defines the shared types exchanged between the engine's
// components: phases, projects, sub-team manifests, phase results, healing
// records, and control signals.
package proto

import (
	"fmt"
	"time"
)

// Phase is a named stage in a project's lifecycle.
type Phase string

// Phases of the full track. The lightweight track uses a subset
// (INIT -> EXECUTE -> COMPLETE) with an escalation edge into DISCOVER.
const (
	PhaseInit     Phase = "INIT"
	PhaseDiscover Phase = "DISCOVER"
	PhaseReview   Phase = "REVIEW"
	PhaseExecute  Phase = "EXECUTE"
	PhaseValidate Phase = "VALIDATE"
	PhaseComplete Phase = "COMPLETE"
)

// String returns the phase name.
func (p Phase) String() string {
	return string(p)
}

// Mode selects which phase track a project runs on.
type Mode string

// Execution modes.
const (
	ModeFull  Mode = "full"
	ModeLight Mode = "lightweight"
)

// Action is the decision returned to the caller of Advance.
type Action string

// Actions returned by the state machine.
const (
	ActionConfirmGate  Action = "confirm_gate"
	ActionSpawnWorkers Action = "spawn_workers"
	ActionDefineTasks  Action = "define_tasks"
	ActionConfirmPlan  Action = "confirm_plan"
	ActionError        Action = "error"
	ActionComplete     Action = "complete"
)

// Decision is the result of one state-machine step.
type Decision struct {
	Action  Action         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Signal is an operator directive polled at suspension points.
type Signal string

// Control signals. A signal is single-valued per project and cleared on
// consumption.
const (
	SignalNone     Signal = ""
	SignalPause    Signal = "PAUSE"
	SignalSkip     Signal = "SKIP"
	SignalAbort    Signal = "ABORT"
	SignalStatus   Signal = "STATUS"
	SignalEscalate Signal = "ESCALATE"
)

// Status is the terminal state of a sub-team or phase result.
type Status string

// Sub-team / phase result statuses.
const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
)

// VerifyState tracks artifact verification for a single worker.
type VerifyState string

// Worker verification states.
const (
	VerifyUnverified VerifyState = "unverified"
	VerifyVerified   VerifyState = "verified"
	VerifyMissing    VerifyState = "missing"
	VerifyInvalid    VerifyState = "invalid"
)

// Tier is a rung on the self-healing remediation ladder, ordered by
// increasing capability and cost.
type Tier int

// Healing tiers.
const (
	TierPatternLookup Tier = iota + 1
	TierMemoryLowFix
	TierPlainLowFix
	TierContextMidFix
	TierDeepAnalysis
	TierRollback
)

func (t Tier) String() string {
	switch t {
	case TierPatternLookup:
		return "pattern_lookup"
	case TierMemoryLowFix:
		return "memory_low_fix"
	case TierPlainLowFix:
		return "plain_low_fix"
	case TierContextMidFix:
		return "context_mid_fix"
	case TierDeepAnalysis:
		return "deep_analysis"
	case TierRollback:
		return "rollback"
	default:
		return fmt.Sprintf("tier_%d", int(t))
	}
}

// Counters holds a project's cumulative resource accounting. Owned by the
// circuit breaker at runtime, persisted with every checkpoint.
type Counters struct {
	Tokens          int64   `json:"tokens"`
	CostUSD         float64 `json:"cost_usd"`
	SameErrorStreak int     `json:"same_error_streak"`
	HealFailures    int     `json:"heal_failures"`
	LiveOrphans     int     `json:"live_orphans"`
	// Baselines advanced by an operator breaker clearance; thresholds apply
	// to the totals above these marks.
	TokensCleared  int64   `json:"tokens_cleared,omitempty"`
	CostClearedUSD float64 `json:"cost_cleared_usd,omitempty"`
}

// Project is the durable root record for one pipeline run. Mutated only
// through phase transitions and counter updates, and persisted after every
// mutation.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Mode         Mode      `json:"mode"`
	Phase        Phase     `json:"phase"`
	Request      string    `json:"request"`
	Halted       bool      `json:"halted"`
	HaltReason   string    `json:"halt_reason,omitempty"`
	ExecRetries  int       `json:"exec_retries"` // VALIDATE -> EXECUTE cycles consumed
	Counters     Counters  `json:"counters"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Validate checks structural integrity of a restored project. A checkpoint
// that fails validation is corruption and must be reported, never repaired.
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("project missing id")
	}
	if p.Mode != ModeFull && p.Mode != ModeLight {
		return fmt.Errorf("project %s: unknown mode %q", p.ID, p.Mode)
	}
	switch p.Phase {
	case PhaseInit, PhaseDiscover, PhaseReview, PhaseExecute, PhaseValidate, PhaseComplete:
	default:
		return fmt.Errorf("project %s: unknown phase %q", p.ID, p.Phase)
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("project %s: missing created_at", p.ID)
	}
	if p.Counters.Tokens < 0 || p.Counters.CostUSD < 0 {
		return fmt.Errorf("project %s: negative counters", p.ID)
	}
	return nil
}

// WorkerSpec is one manifest entry: role-specific behavior is configuration
// data, not subclassing.
type WorkerSpec struct {
	Role       string `yaml:"role" json:"role"`
	Tier       string `yaml:"tier" json:"tier"` // capability tier, e.g. "low", "mid", "high"
	Critical   bool   `yaml:"critical" json:"critical"`
	Prompt     string `yaml:"prompt" json:"prompt"`
	OutputPath string `yaml:"output_path" json:"output_path"`
}

// Manifest describes one sub-team: a lead identity plus the required worker
// roles for a single phase invocation.
type Manifest struct {
	Lead    string       `yaml:"lead" json:"lead"`
	Workers []WorkerSpec `yaml:"workers" json:"workers"`
}

// CriticalRoles returns the roles marked critical in the manifest.
func (m *Manifest) CriticalRoles() []string {
	var roles []string
	for i := range m.Workers {
		if m.Workers[i].Critical {
			roles = append(roles, m.Workers[i].Role)
		}
	}
	return roles
}

// WorkerResult records one worker's outcome inside a PhaseResult.
type WorkerResult struct {
	Role        string      `json:"role"`
	Verify      VerifyState `json:"verify"`
	Retries     int         `json:"retries"`
	OutputPath  string      `json:"output_path"`
	Error       string      `json:"error,omitempty"`
	CompletedAt time.Time   `json:"completed_at"`
}

// PhaseResult is the persisted document produced by one sub-team run.
// WorkRemaining and NextTeamContext are populated only for EXECUTE results
// that end partially complete, so a successor sub-team can continue without
// re-deriving prior context.
type PhaseResult struct {
	Status          Status         `json:"status"`
	Phase           Phase          `json:"phase"`
	TeamID          string         `json:"team_id"`
	AgentsCompleted []string       `json:"agents_completed"`
	AgentsFailed    []string       `json:"agents_failed"`
	OutputFiles     []string       `json:"output_files"`
	Summary         string         `json:"summary"`
	CompletedAt     time.Time      `json:"completed_at"`
	Errors          []string       `json:"errors,omitempty"`
	WorkRemaining   []string       `json:"work_remaining,omitempty"`
	NextTeamContext map[string]any `json:"next_team_context,omitempty"`
	Workers         []WorkerResult `json:"workers,omitempty"`
}

// ProcessRecord is one row in the OS process registry.
type ProcessRecord struct {
	PID           int       `json:"pid"`
	Kind          string    `json:"kind"`
	ProjectID     string    `json:"project_id"`
	SpawnedAt     time.Time `json:"spawned_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// HealingAttempt is one append-only pattern memory entry.
type HealingAttempt struct {
	Signature string    `json:"signature"`
	Tier      Tier      `json:"tier"`
	Outcome   string    `json:"outcome"` // "success" or "failure"
	Timestamp time.Time `json:"timestamp"`
	Lesson    string    `json:"lesson"`
}

// Healing outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
