package fsm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"conductor/pkg/breaker"
	"conductor/pkg/config"
	"conductor/pkg/eventlog"
	"conductor/pkg/gate"
	"conductor/pkg/healer"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

// Sentinel errors.
var (
	// ErrProjectHalted means the project requires operator action before it
	// can advance again.
	ErrProjectHalted = errors.New("project halted")
	// ErrGatePending means a manual gate confirmation is outstanding.
	ErrGatePending = errors.New("gate confirmation pending")
)

// TeamRunner executes one phase's sub-team and returns its persisted result.
// Satisfied by subteam.Supervisor.
type TeamRunner interface {
	RunPhase(ctx context.Context, projectID string, phase proto.Phase, manifest *proto.Manifest, completedRoles map[string]bool) (*proto.PhaseResult, error)
}

// ManifestSource resolves the sub-team manifest for a phase.
type ManifestSource interface {
	ManifestFor(phase proto.Phase, project *proto.Project) (*proto.Manifest, error)
}

// Remediator routes a runtime failure through the healing ladder. Satisfied
// by healer.Healer.
type Remediator interface {
	Heal(ctx context.Context, failure healer.Failure) error
}

// Engine drives projects phase by phase. Each Advance call performs at most
// one unit of work, polls the control signal first, and checkpoints after
// every project mutation.
type Engine struct {
	cfg       *config.Config
	db        *persistence.Store
	machine   *Machine
	breaker   *breaker.Breaker
	gate      *gate.Gate
	teams     TeamRunner
	manifests ManifestSource
	healer    Remediator
	logger    *logx.Logger

	// mu guards the engine-local maps; projects advance concurrently.
	mu sync.Mutex
	// Projects whose counters were already seeded into the breaker.
	seeded map[string]bool
	// Projects blocked on a manual gate confirmation, with the passing report.
	pendingGate map[string]*gate.Report
}

// NewEngine wires the engine. All collaborators are required except the gate,
// which defaults from cfg.
func NewEngine(cfg *config.Config, db *persistence.Store, audit *eventlog.Writer, brk *breaker.Breaker, teams TeamRunner, manifests ManifestSource) *Engine {
	return &Engine{
		cfg:         cfg,
		db:          db,
		machine:     NewMachine(audit),
		breaker:     brk,
		gate:        gate.New(cfg.Gate),
		teams:       teams,
		manifests:   manifests,
		logger:      logx.NewLogger("engine"),
		seeded:      make(map[string]bool),
		pendingGate: make(map[string]*gate.Report),
	}
}

// SetHealer attaches the self-healing ladder. It is set after construction
// because the healer's rollback tier points back at this engine.
func (e *Engine) SetHealer(h Remediator) {
	e.healer = h
}

// Plan creates a new project in INIT and checkpoints it.
func (e *Engine) Plan(name, request string, mode proto.Mode) (*proto.Project, error) {
	if strings.TrimSpace(request) == "" {
		return nil, fmt.Errorf("cannot plan an empty request")
	}
	if mode == "" {
		mode = proto.ModeFull
	}

	now := time.Now().UTC()
	project := &proto.Project{
		ID:           utils.NewProjectID(),
		Name:         name,
		Mode:         mode,
		Phase:        proto.PhaseInit,
		Request:      request,
		CreatedAt:    now,
		LastActivity: now,
	}
	if _, err := e.db.SaveCheckpoint(project); err != nil {
		return nil, fmt.Errorf("failed to checkpoint new project: %w", err)
	}
	e.logger.Info("Planned project %s (%s, %s mode)", project.ID, name, mode)
	return project, nil
}

// load restores the latest project snapshot and seeds the breaker once.
func (e *Engine) load(projectID string) (*proto.Project, error) {
	project, err := e.db.LatestCheckpoint(projectID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if !e.seeded[projectID] {
		e.breaker.Seed(projectID, project.Counters)
		e.seeded[projectID] = true
	}
	e.mu.Unlock()
	return project, nil
}

// checkpoint syncs breaker counters into the project and persists it.
func (e *Engine) checkpoint(project *proto.Project) error {
	project.Counters = e.breaker.Counters(project.ID)
	if _, err := e.db.SaveCheckpoint(project); err != nil {
		return fmt.Errorf("failed to checkpoint %s: %w", project.ID, err)
	}
	return nil
}

func (e *Engine) halt(project *proto.Project, reason string) error {
	project.Halted = true
	project.HaltReason = reason
	e.logger.Warn("Project %s halted: %s", project.ID, reason)
	return e.checkpoint(project)
}

// Advance performs one engine step for a project: consume any control
// signal, enforce the breaker, then run or conclude the current phase.
func (e *Engine) Advance(ctx context.Context, projectID string) (*proto.Decision, error) {
	project, err := e.load(projectID)
	if err != nil {
		return nil, err
	}

	if decision, handled, err := e.handleSignal(project); err != nil {
		return nil, err
	} else if handled {
		return decision, nil
	}

	if project.Halted {
		return errDecision(project.HaltReason), fmt.Errorf("%w: %s", ErrProjectHalted, project.HaltReason)
	}

	if st := e.breaker.Check(projectID); st.Tripped {
		if err := e.halt(project, "circuit breaker: "+st.Detail); err != nil {
			return nil, err
		}
		return errDecision(project.HaltReason), fmt.Errorf("%w: %s", ErrProjectHalted, project.HaltReason)
	}

	switch project.Phase {
	case proto.PhaseInit:
		return e.stepInit(project)
	case proto.PhaseDiscover:
		return e.stepTeamPhase(ctx, project, proto.ActionSpawnWorkers)
	case proto.PhaseReview:
		return e.stepReview(ctx, project)
	case proto.PhaseExecute:
		return e.stepExecute(ctx, project)
	case proto.PhaseValidate:
		return e.stepValidate(ctx, project)
	case proto.PhaseComplete:
		return &proto.Decision{Action: proto.ActionComplete, Payload: map[string]any{"project_id": project.ID}}, nil
	default:
		return nil, fmt.Errorf("project %s in unknown phase %q", project.ID, project.Phase)
	}
}

func errDecision(reason string) *proto.Decision {
	return &proto.Decision{Action: proto.ActionError, Payload: map[string]any{"reason": reason}}
}

// handleSignal consumes and applies a pending control directive. Returns the
// decision to surface when the signal ends this step.
func (e *Engine) handleSignal(project *proto.Project) (*proto.Decision, bool, error) {
	signal, err := e.db.ConsumeSignal(project.ID)
	if err != nil {
		return nil, false, err
	}

	switch signal {
	case proto.SignalNone:
		return nil, false, nil

	case proto.SignalStatus:
		// Non-blocking: report and carry on with the step.
		e.logger.Info("Status %s: phase=%s halted=%v tokens=%d cost=$%.2f",
			project.ID, project.Phase, project.Halted,
			project.Counters.Tokens, project.Counters.CostUSD)
		return nil, false, nil

	case proto.SignalPause:
		if err := e.halt(project, "paused by operator"); err != nil {
			return nil, false, err
		}
		return errDecision("paused by operator"), true, nil

	case proto.SignalAbort:
		if err := e.halt(project, "aborted by operator"); err != nil {
			return nil, false, err
		}
		return errDecision("aborted by operator"), true, nil

	case proto.SignalSkip:
		next := NextPhase(project.Mode, project.Phase)
		if next == "" {
			return errDecision("nothing to skip in terminal phase"), true, nil
		}
		if err := e.machine.Transition(project, next, "operator_skip", true, nil); err != nil {
			return nil, false, err
		}
		e.mu.Lock()
		delete(e.pendingGate, project.ID)
		e.mu.Unlock()
		if err := e.checkpoint(project); err != nil {
			return nil, false, err
		}
		return &proto.Decision{
			Action:  proto.ActionSpawnWorkers,
			Payload: map[string]any{"phase": string(project.Phase), "skipped": true},
		}, true, nil

	case proto.SignalEscalate:
		if project.Mode != proto.ModeLight {
			return errDecision("escalate only applies to lightweight projects"), true, nil
		}
		project.Mode = proto.ModeFull
		if err := e.machine.Transition(project, proto.PhaseDiscover, "operator_escalate", true, nil); err != nil {
			return nil, false, err
		}
		if err := e.checkpoint(project); err != nil {
			return nil, false, err
		}
		return &proto.Decision{
			Action:  proto.ActionSpawnWorkers,
			Payload: map[string]any{"phase": string(proto.PhaseDiscover), "escalated": true},
		}, true, nil

	default:
		return nil, false, fmt.Errorf("unknown control signal %q for %s", signal, project.ID)
	}
}

func (e *Engine) stepInit(project *proto.Project) (*proto.Decision, error) {
	next := NextPhase(project.Mode, project.Phase)
	if err := e.machine.Transition(project, next, "start", false, nil); err != nil {
		return nil, err
	}
	if err := e.checkpoint(project); err != nil {
		return nil, err
	}

	if project.Mode == proto.ModeLight {
		// Lightweight projects go straight to execution with operator-defined
		// tasks instead of a DISCOVER team.
		return &proto.Decision{Action: proto.ActionDefineTasks, Payload: map[string]any{"phase": string(project.Phase)}}, nil
	}
	// Full-track projects surface the request for plan confirmation before the
	// DISCOVER team spawns; the next step runs the team.
	return &proto.Decision{
		Action:  proto.ActionConfirmPlan,
		Payload: map[string]any{"phase": string(project.Phase), "request": project.Request},
	}, nil
}

// runTeam resolves the manifest and runs the phase's sub-team.
func (e *Engine) runTeam(ctx context.Context, project *proto.Project, completed map[string]bool) (*proto.PhaseResult, error) {
	manifest, err := e.manifests.ManifestFor(project.Phase, project)
	if err != nil {
		return nil, fmt.Errorf("no manifest for %s/%s: %w", project.ID, project.Phase, err)
	}
	return e.teams.RunPhase(ctx, project.ID, project.Phase, manifest, completed)
}

// stepTeamPhase runs a simple team phase (DISCOVER) and advances on success.
func (e *Engine) stepTeamPhase(ctx context.Context, project *proto.Project, nextAction proto.Action) (*proto.Decision, error) {
	result, err := e.runTeam(ctx, project, nil)
	if err != nil {
		return nil, err
	}
	if result.Status == proto.StatusFailed {
		return e.healFailure(ctx, project, resultFailure(result))
	}

	next := NextPhase(project.Mode, project.Phase)
	if err := e.machine.Transition(project, next, "phase_complete", false, map[string]any{"team_id": result.TeamID}); err != nil {
		return nil, err
	}
	if err := e.checkpoint(project); err != nil {
		return nil, err
	}
	return &proto.Decision{Action: nextAction, Payload: map[string]any{"phase": string(project.Phase)}}, nil
}

// healFailure routes a failed phase through the remediation ladder. On a
// successful heal the project stays in its phase and the next step re-runs
// the team; with no healer wired the failure surfaces directly.
func (e *Engine) healFailure(ctx context.Context, project *proto.Project, reason string) (*proto.Decision, error) {
	if e.healer == nil {
		return errDecision(reason), nil
	}

	healErr := e.healer.Heal(ctx, healer.Failure{ProjectID: project.ID, Phase: project.Phase, ErrText: reason})
	if healErr == nil {
		// Healing moved the breaker counters; sync them before the re-run.
		if err := e.checkpoint(project); err != nil {
			return nil, err
		}
		return &proto.Decision{
			Action:  proto.ActionSpawnWorkers,
			Payload: map[string]any{"phase": string(project.Phase), "healed": true},
		}, nil
	}

	if errors.Is(healErr, healer.ErrBreakerTripped) || errors.Is(healErr, healer.ErrExhausted) || errors.Is(healErr, healer.ErrCouldNotHeal) {
		reason = fmt.Sprintf("%s (healing: %v)", reason, healErr)
		if err := e.halt(project, reason); err != nil {
			return nil, err
		}
		return errDecision(reason), fmt.Errorf("%w: %s", ErrProjectHalted, reason)
	}
	return nil, healErr
}

func (e *Engine) stepReview(ctx context.Context, project *proto.Project) (*proto.Decision, error) {
	// A passing manual gate stays pending until ConfirmGate.
	e.mu.Lock()
	report, pending := e.pendingGate[project.ID]
	e.mu.Unlock()
	if pending {
		return &proto.Decision{
			Action:  proto.ActionConfirmGate,
			Payload: map[string]any{"risk_score": report.RiskScore},
		}, nil
	}

	result, err := e.runTeam(ctx, project, nil)
	if err != nil {
		return nil, err
	}
	if result.Status == proto.StatusFailed {
		return e.healFailure(ctx, project, resultFailure(result))
	}

	manifest, err := e.manifests.ManifestFor(project.Phase, project)
	if err != nil {
		return nil, err
	}
	report = e.gate.Evaluate(result, manifest)
	if !report.Passed {
		return &proto.Decision{
			Action: proto.ActionError,
			Payload: map[string]any{
				"reason":     "quality gate blocked",
				"failures":   report.Failures(),
				"risk_score": report.RiskScore,
			},
		}, nil
	}

	if report.Manual {
		e.mu.Lock()
		e.pendingGate[project.ID] = report
		e.mu.Unlock()
		return &proto.Decision{
			Action:  proto.ActionConfirmGate,
			Payload: map[string]any{"risk_score": report.RiskScore},
		}, nil
	}

	return e.passGate(project, report, false)
}

// passGate commits the REVIEW -> EXECUTE transition.
func (e *Engine) passGate(project *proto.Project, report *gate.Report, confirmed bool) (*proto.Decision, error) {
	e.mu.Lock()
	delete(e.pendingGate, project.ID)
	e.mu.Unlock()
	meta := map[string]any{"risk_score": report.RiskScore, "confirmed": confirmed}
	if err := e.machine.Transition(project, proto.PhaseExecute, "gate_passed", false, meta); err != nil {
		return nil, err
	}
	if err := e.checkpoint(project); err != nil {
		return nil, err
	}
	return &proto.Decision{Action: proto.ActionSpawnWorkers, Payload: map[string]any{"phase": string(proto.PhaseExecute)}}, nil
}

// ConfirmGate resolves a pending manual gate. Rejection keeps the project in
// REVIEW so the planning team can be re-run.
func (e *Engine) ConfirmGate(projectID string, approved bool) (*proto.Decision, error) {
	project, err := e.load(projectID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	report, ok := e.pendingGate[projectID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending gate for %s", projectID)
	}
	if !approved {
		e.mu.Lock()
		delete(e.pendingGate, projectID)
		e.mu.Unlock()
		e.logger.Warn("Gate rejected by operator for %s, staying in REVIEW", projectID)
		return errDecision("gate rejected by operator"), nil
	}
	return e.passGate(project, report, true)
}

// requireArtifacts enforces the phase-entry precondition: the prior phase
// left artifacts behind and they still exist on disk, non-empty. A database
// failure is an error, not a missing artifact.
func (e *Engine) requireArtifacts(project *proto.Project, prior proto.Phase) (*proto.Decision, error) {
	result, err := e.db.LatestPhaseResult(project.ID, prior)
	if errors.Is(err, persistence.ErrResultNotFound) {
		return &proto.Decision{
			Action: proto.ActionError,
			Payload: map[string]any{
				"reason":  fmt.Sprintf("missing artifacts from %s", prior),
				"missing": string(prior),
			},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s result for %s: %w", prior, project.ID, err)
	}
	if len(result.OutputFiles) == 0 {
		return &proto.Decision{
			Action: proto.ActionError,
			Payload: map[string]any{
				"reason":  fmt.Sprintf("missing artifacts from %s", prior),
				"missing": string(prior),
			},
		}, nil
	}

	var missing []string
	for _, path := range result.OutputFiles {
		info, statErr := os.Stat(path)
		if statErr != nil || info.Size() == 0 {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		return &proto.Decision{
			Action: proto.ActionError,
			Payload: map[string]any{
				"reason":        fmt.Sprintf("artifacts from %s missing or empty on disk", prior),
				"missing":       string(prior),
				"missing_files": missing,
			},
		}, nil
	}
	return nil, nil
}

func (e *Engine) stepExecute(ctx context.Context, project *proto.Project) (*proto.Decision, error) {
	if project.Mode == proto.ModeFull {
		blocked, err := e.requireArtifacts(project, proto.PhaseReview)
		if err != nil {
			return nil, err
		}
		if blocked != nil {
			return blocked, nil
		}
	}

	// A prior partial run tells us which roles are already done.
	completed := make(map[string]bool)
	if prior, err := e.db.LatestPhaseResult(project.ID, proto.PhaseExecute); err == nil && prior.Status == proto.StatusPartial {
		for _, role := range prior.AgentsCompleted {
			completed[role] = true
		}
	}

	manifest, err := e.manifests.ManifestFor(project.Phase, project)
	if err != nil {
		return nil, fmt.Errorf("no manifest for %s/%s: %w", project.ID, project.Phase, err)
	}
	// A retry wave carries the validation findings into the worker prompts so
	// the new team does not repeat the same mistake blind.
	if project.ExecRetries > 0 {
		if prior, err := e.db.LatestPhaseResult(project.ID, proto.PhaseValidate); err == nil && prior.Status != proto.StatusComplete {
			manifest = amendManifest(manifest,
				fmt.Sprintf("The previous validation run failed: %s. Address these findings.", resultFailure(prior)))
		}
	}

	result, err := e.teams.RunPhase(ctx, project.ID, project.Phase, manifest, completed)
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case proto.StatusFailed:
		return e.healFailure(ctx, project, resultFailure(result))

	case proto.StatusPartial:
		// Stay in EXECUTE; the next step spawns a successor team for the
		// remaining work with the carried context.
		return &proto.Decision{
			Action: proto.ActionDefineTasks,
			Payload: map[string]any{
				"phase":          string(proto.PhaseExecute),
				"work_remaining": result.WorkRemaining,
				"team_context":   result.NextTeamContext,
			},
		}, nil
	}

	next := NextPhase(project.Mode, project.Phase)
	if err := e.machine.Transition(project, next, "phase_complete", false, map[string]any{"team_id": result.TeamID}); err != nil {
		return nil, err
	}
	if err := e.checkpoint(project); err != nil {
		return nil, err
	}
	if project.Phase == proto.PhaseComplete {
		return &proto.Decision{Action: proto.ActionComplete, Payload: map[string]any{"project_id": project.ID}}, nil
	}
	return &proto.Decision{Action: proto.ActionSpawnWorkers, Payload: map[string]any{"phase": string(project.Phase)}}, nil
}

func (e *Engine) stepValidate(ctx context.Context, project *proto.Project) (*proto.Decision, error) {
	blocked, err := e.requireArtifacts(project, proto.PhaseExecute)
	if err != nil {
		return nil, err
	}
	if blocked != nil {
		return blocked, nil
	}

	result, err := e.runTeam(ctx, project, nil)
	if err != nil {
		return nil, err
	}

	if result.Status == proto.StatusComplete {
		if err := e.machine.Transition(project, proto.PhaseComplete, "validated", false, map[string]any{"team_id": result.TeamID}); err != nil {
			return nil, err
		}
		if err := e.checkpoint(project); err != nil {
			return nil, err
		}
		return &proto.Decision{Action: proto.ActionComplete, Payload: map[string]any{"project_id": project.ID}}, nil
	}

	// This failure is attempt ExecRetries+1. Once the budget is spent the
	// project never spawns another execute wave: trip the breaker, restore the
	// state to the start of EXECUTE, and halt for the operator.
	if project.ExecRetries+1 >= e.cfg.ValidateRetries {
		attempts := project.ExecRetries + 1
		reason := fmt.Sprintf("validation failed %d times, retries exhausted", attempts)
		e.breaker.Trip(project.ID, breaker.ReasonValidation, reason)
		meta := map[string]any{"attempts": attempts, "failures": result.AgentsFailed}
		if err := e.machine.Transition(project, proto.PhaseExecute, "rollback", false, meta); err != nil {
			return nil, err
		}
		project.ExecRetries = 0
		if err := e.halt(project, reason); err != nil {
			return nil, err
		}
		return errDecision(reason), fmt.Errorf("%w: %s", ErrProjectHalted, reason)
	}

	project.ExecRetries++
	meta := map[string]any{"retry": project.ExecRetries, "failures": result.AgentsFailed}
	if err := e.machine.Transition(project, proto.PhaseExecute, "validation_failed", false, meta); err != nil {
		return nil, err
	}
	if err := e.checkpoint(project); err != nil {
		return nil, err
	}
	return &proto.Decision{
		Action: proto.ActionSpawnWorkers,
		Payload: map[string]any{
			"phase":    string(proto.PhaseExecute),
			"retry":    project.ExecRetries,
			"failures": result.AgentsFailed,
		},
	}, nil
}

// Resume clears an operator pause.
func (e *Engine) Resume(projectID string) error {
	project, err := e.load(projectID)
	if err != nil {
		return err
	}
	if !project.Halted {
		return nil
	}
	project.Halted = false
	project.HaltReason = ""
	e.logger.Info("Project %s resumed", projectID)
	return e.checkpoint(project)
}

// Rollback restores the project to the start of its current phase: partial
// execute progress is forgotten so the next step re-runs the phase cleanly.
// Used by the healing ladder's final tier.
func (e *Engine) Rollback(_ context.Context, projectID string) error {
	project, err := e.load(projectID)
	if err != nil {
		return fmt.Errorf("rollback failed to load %s: %w", projectID, err)
	}
	project.Halted = false
	project.HaltReason = ""
	e.logger.Warn("Rolling back %s to start of %s", projectID, project.Phase)
	return e.checkpoint(project)
}

// ActivePhase reports whether a project is actively working, for orphan
// detection.
func (e *Engine) ActivePhase(projectID string) bool {
	project, err := e.db.LatestCheckpoint(projectID)
	if err != nil {
		return false
	}
	return !project.Halted && project.Phase != proto.PhaseComplete
}

// Status returns the operator-facing snapshot for a project.
func (e *Engine) Status(projectID string) (map[string]any, error) {
	project, err := e.load(projectID)
	if err != nil {
		return nil, err
	}
	return e.statusPayload(project), nil
}

func (e *Engine) statusPayload(project *proto.Project) map[string]any {
	st := e.breaker.Check(project.ID)
	payload := map[string]any{
		"project_id":    project.ID,
		"name":          project.Name,
		"mode":          string(project.Mode),
		"phase":         string(project.Phase),
		"halted":        project.Halted,
		"halt_reason":   project.HaltReason,
		"exec_retries":  project.ExecRetries,
		"tokens":        st.Counters.Tokens,
		"cost_usd":      st.Counters.CostUSD,
		"breaker":       st.Tripped,
		"last_activity": project.LastActivity,
	}
	if st.Tripped {
		payload["breaker_reason"] = string(st.Reason)
	}
	if result, err := e.db.LatestPhaseResult(project.ID, project.Phase); err == nil {
		payload["phase_status"] = string(result.Status)
		payload["phase_summary"] = result.Summary
	}
	return payload
}

// amendManifest returns a copy of the manifest with a note appended to every
// worker prompt. The cached manifest is never mutated.
func amendManifest(manifest *proto.Manifest, note string) *proto.Manifest {
	amended := &proto.Manifest{
		Lead:    manifest.Lead,
		Workers: make([]proto.WorkerSpec, len(manifest.Workers)),
	}
	copy(amended.Workers, manifest.Workers)
	for i := range amended.Workers {
		amended.Workers[i].Prompt = strings.TrimSpace(amended.Workers[i].Prompt + "\n\n" + note)
	}
	return amended
}

func resultFailure(result *proto.PhaseResult) string {
	if len(result.Errors) > 0 {
		return strings.Join(result.Errors, "; ")
	}
	return fmt.Sprintf("%s failed: workers %s did not verify", result.Phase, strings.Join(result.AgentsFailed, ", "))
}
