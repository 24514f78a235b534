package fsm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/breaker"
	"conductor/pkg/config"
	"conductor/pkg/eventlog"
	"conductor/pkg/healer"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
)

type fakeHealer struct {
	failures []healer.Failure
	err      error
}

func (f *fakeHealer) Heal(_ context.Context, failure healer.Failure) error {
	f.failures = append(f.failures, failure)
	return f.err
}

// fakeTeams returns scripted results per phase, falling back to a clean
// complete result, and persists them the way the real supervisor does. Output
// files are materialized under dir so phase-entry preconditions see them.
type fakeTeams struct {
	db      *persistence.Store
	dir     string
	scripts map[proto.Phase][]*proto.PhaseResult
	calls   []teamCall
}

type teamCall struct {
	phase     proto.Phase
	completed map[string]bool
	manifest  *proto.Manifest
}

func (f *fakeTeams) RunPhase(_ context.Context, projectID string, phase proto.Phase, manifest *proto.Manifest, completed map[string]bool) (*proto.PhaseResult, error) {
	f.calls = append(f.calls, teamCall{phase: phase, completed: completed, manifest: manifest})

	var result *proto.PhaseResult
	if queue := f.scripts[phase]; len(queue) > 0 {
		result = queue[0]
		f.scripts[phase] = queue[1:]
	} else {
		result = cleanResult(manifest)
	}
	result.Phase = phase
	if result.TeamID == "" {
		result.TeamID = fmt.Sprintf("team-%d", len(f.calls))
	}
	result.CompletedAt = time.Now().UTC()

	for i, path := range result.OutputFiles {
		if !filepath.IsAbs(path) {
			path = filepath.Join(f.dir, path)
			result.OutputFiles[i] = path
		}
		if _, err := os.Stat(path); err != nil {
			if err := os.WriteFile(path, []byte("artifact\n"), 0o644); err != nil {
				return nil, err
			}
		}
	}

	if err := f.db.SavePhaseResult(projectID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// cleanResult builds a fully verified result for the manifest's roles. With
// no explicit outputs, one artifact per role is reported.
func cleanResult(manifest *proto.Manifest, outputs ...string) *proto.PhaseResult {
	result := &proto.PhaseResult{Status: proto.StatusComplete, OutputFiles: outputs}
	for i := range manifest.Workers {
		role := manifest.Workers[i].Role
		result.AgentsCompleted = append(result.AgentsCompleted, role)
		result.Workers = append(result.Workers, proto.WorkerResult{Role: role, Verify: proto.VerifyVerified})
		if len(outputs) == 0 {
			result.OutputFiles = append(result.OutputFiles, role+".md")
		}
	}
	return result
}

type fixedManifests struct{ m *proto.Manifest }

func (f fixedManifests) ManifestFor(proto.Phase, *proto.Project) (*proto.Manifest, error) {
	return f.m, nil
}

func teamManifest() *proto.Manifest {
	return &proto.Manifest{
		Lead: "lead",
		Workers: []proto.WorkerSpec{
			{Role: "architect", Critical: true, Prompt: "plan", OutputPath: "plan.md"},
			{Role: "reviewer", Prompt: "review", OutputPath: "review.md"},
		},
	}
}

type engineHarness struct {
	engine *Engine
	db     *persistence.Store
	teams  *fakeTeams
	brk    *breaker.Breaker
	audit  *eventlog.Writer
	dir    string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *engineHarness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ArtifactDir = dir
	if mutate != nil {
		mutate(cfg)
	}

	db, err := persistence.Open(filepath.Join(dir, "engine.db"), "session-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	audit, err := eventlog.NewWriter(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	brk := breaker.New(cfg.Breaker, db)
	teams := &fakeTeams{db: db, dir: dir, scripts: make(map[proto.Phase][]*proto.PhaseResult)}
	engine := NewEngine(cfg, db, audit, brk, teams, fixedManifests{m: teamManifest()})
	return &engineHarness{engine: engine, db: db, teams: teams, brk: brk, audit: audit, dir: dir}
}

// gateDocs writes planning documents that satisfy the quality gate and
// returns a passing REVIEW result referencing them.
func (h *engineHarness) gateDocs(t *testing.T) *proto.PhaseResult {
	t.Helper()
	plan := filepath.Join(h.dir, "plan.md")
	review := filepath.Join(h.dir, "review.md")
	require.NoError(t, os.WriteFile(plan, []byte("# Plan\n\n## Acceptance Criteria\n\n- service restarts cleanly\n- all endpoints respond\n"), 0o644))
	require.NoError(t, os.WriteFile(review, []byte("# Review\n\nNo objections.\n"), 0o644))

	result := cleanResult(teamManifest(), plan, review)
	return result
}

func (h *engineHarness) plan(t *testing.T, mode proto.Mode) *proto.Project {
	t.Helper()
	project, err := h.engine.Plan("demo", "build a key-value service", mode)
	require.NoError(t, err)
	return project
}

func TestFullPipelineHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	h.teams.scripts[proto.PhaseReview] = []*proto.PhaseResult{h.gateDocs(t)}
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	steps := []struct {
		action proto.Action
		phase  proto.Phase
	}{
		{proto.ActionConfirmPlan, proto.PhaseDiscover},  // INIT -> DISCOVER, plan surfaced
		{proto.ActionSpawnWorkers, proto.PhaseReview},   // DISCOVER done
		{proto.ActionSpawnWorkers, proto.PhaseExecute},  // gate passed
		{proto.ActionSpawnWorkers, proto.PhaseValidate}, // EXECUTE done
		{proto.ActionComplete, proto.PhaseComplete},     // VALIDATE done
	}
	for i, step := range steps {
		decision, err := h.engine.Advance(ctx, project.ID)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, step.action, decision.Action, "step %d", i)

		current, err := h.db.LatestCheckpoint(project.ID)
		require.NoError(t, err)
		assert.Equal(t, step.phase, current.Phase, "step %d", i)
	}

	// Terminal phase keeps reporting complete.
	decision, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionComplete, decision.Action)
}

func TestLightModePipeline(t *testing.T) {
	h := newHarness(t, nil)
	project := h.plan(t, proto.ModeLight)
	ctx := context.Background()

	decision, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionDefineTasks, decision.Action)

	decision, err = h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionComplete, decision.Action)

	current, err := h.db.LatestCheckpoint(project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseComplete, current.Phase)

	// No planning teams ran.
	for _, call := range h.teams.calls {
		assert.Equal(t, proto.PhaseExecute, call.phase)
	}
}

func TestGateBlocksThinPlan(t *testing.T) {
	h := newHarness(t, nil)
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	_, err := h.engine.Advance(ctx, project.ID) // INIT -> DISCOVER
	require.NoError(t, err)
	_, err = h.engine.Advance(ctx, project.ID) // DISCOVER -> REVIEW
	require.NoError(t, err)

	// Default scripted result materializes stub documents with none of the
	// required planning sections, so the gate blocks.
	decision, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionError, decision.Action)
	assert.Equal(t, "quality gate blocked", decision.Payload["reason"])
	assert.NotEmpty(t, decision.Payload["failures"])

	current, err := h.db.LatestCheckpoint(project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseReview, current.Phase)
}

func TestManualGateRequiresConfirmation(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Gate.Mode = "manual" })
	h.teams.scripts[proto.PhaseReview] = []*proto.PhaseResult{h.gateDocs(t)}
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	_, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	_, err = h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)

	decision, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionConfirmGate, decision.Action)

	// Still pending on the next step, without re-running the review team.
	reviews := len(h.teams.calls)
	decision, err = h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionConfirmGate, decision.Action)
	assert.Len(t, h.teams.calls, reviews)

	decision, err = h.engine.ConfirmGate(project.ID, true)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionSpawnWorkers, decision.Action)

	current, err := h.db.LatestCheckpoint(project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseExecute, current.Phase)
}

func TestManualGateRejectionStaysInReview(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Gate.Mode = "manual" })
	h.teams.scripts[proto.PhaseReview] = []*proto.PhaseResult{h.gateDocs(t)}
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	_, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	_, err = h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	_, err = h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)

	decision, err := h.engine.ConfirmGate(project.ID, false)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionError, decision.Action)

	current, err := h.db.LatestCheckpoint(project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseReview, current.Phase)
}

func TestValidateRetriesThenHalts(t *testing.T) {
	h := newHarness(t, nil) // default budget of three validation attempts
	h.teams.scripts[proto.PhaseReview] = []*proto.PhaseResult{h.gateDocs(t)}
	h.teams.scripts[proto.PhaseValidate] = []*proto.PhaseResult{
		{Status: proto.StatusPartial, AgentsFailed: []string{"validator"}},
		{Status: proto.StatusPartial, AgentsFailed: []string{"validator"}},
		{Status: proto.StatusPartial, AgentsFailed: []string{"validator"}},
	}
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	for i := 0; i < 4; i++ { // INIT, DISCOVER, REVIEW, EXECUTE
		_, err := h.engine.Advance(ctx, project.ID)
		require.NoError(t, err)
	}

	// The first execute wave ran without any validation context.
	first := h.teams.calls[len(h.teams.calls)-1]
	require.Equal(t, proto.PhaseExecute, first.phase)
	assert.NotContains(t, first.manifest.Workers[0].Prompt, "validation")

	// Failures one and two bounce back to EXECUTE, and each retry wave
	// carries the validation findings in the worker prompts.
	for retry := 1; retry <= 2; retry++ {
		decision, err := h.engine.Advance(ctx, project.ID)
		require.NoError(t, err)
		assert.Equal(t, proto.ActionSpawnWorkers, decision.Action)
		assert.Equal(t, retry, decision.Payload["retry"])

		current, err := h.db.LatestCheckpoint(project.ID)
		require.NoError(t, err)
		assert.Equal(t, proto.PhaseExecute, current.Phase)
		assert.Equal(t, retry, current.ExecRetries)

		_, err = h.engine.Advance(ctx, project.ID) // EXECUTE -> VALIDATE again
		require.NoError(t, err)

		wave := h.teams.calls[len(h.teams.calls)-1]
		require.Equal(t, proto.PhaseExecute, wave.phase)
		assert.Contains(t, wave.manifest.Workers[0].Prompt, "validation run failed")
		assert.Contains(t, wave.manifest.Workers[0].Prompt, "validator")
	}

	// The third failure spends the budget: the breaker trips, the project is
	// rolled back to the start of EXECUTE, and no fourth wave is spawned.
	executesBefore := countPhaseCalls(h.teams, proto.PhaseExecute)
	_, err := h.engine.Advance(ctx, project.ID)
	require.ErrorIs(t, err, ErrProjectHalted)
	assert.Equal(t, executesBefore, countPhaseCalls(h.teams, proto.PhaseExecute))

	st := h.brk.Check(project.ID)
	assert.True(t, st.Tripped)
	assert.Equal(t, breaker.ReasonValidation, st.Reason)

	current, err := h.db.LatestCheckpoint(project.ID)
	require.NoError(t, err)
	assert.True(t, current.Halted)
	assert.Equal(t, proto.PhaseExecute, current.Phase)
	assert.Zero(t, current.ExecRetries)

	events, err := eventlog.ReadEvents(h.audit.CurrentFile())
	require.NoError(t, err)
	var rolledBack bool
	for _, ev := range events {
		if ev.Action == "rollback" && ev.To == proto.PhaseExecute {
			rolledBack = true
		}
	}
	assert.True(t, rolledBack)
}

func countPhaseCalls(teams *fakeTeams, phase proto.Phase) int {
	n := 0
	for _, c := range teams.calls {
		if c.phase == phase {
			n++
		}
	}
	return n
}

func TestExecutePreconditionRequiresReviewArtifacts(t *testing.T) {
	h := newHarness(t, nil)
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	_, err := h.engine.Advance(ctx, project.ID) // INIT -> DISCOVER
	require.NoError(t, err)
	_, err = h.engine.Advance(ctx, project.ID) // DISCOVER -> REVIEW
	require.NoError(t, err)

	// Skip REVIEW entirely, then try to execute without its artifacts.
	require.NoError(t, h.db.WriteSignal(project.ID, proto.SignalSkip))
	_, err = h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)

	decision, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionError, decision.Action)
	assert.Equal(t, string(proto.PhaseReview), decision.Payload["missing"])
}

func TestExecutePreconditionDetectsMissingFilesOnDisk(t *testing.T) {
	h := newHarness(t, nil)
	h.teams.scripts[proto.PhaseReview] = []*proto.PhaseResult{h.gateDocs(t)}
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	for i := 0; i < 3; i++ { // INIT, DISCOVER, REVIEW
		_, err := h.engine.Advance(ctx, project.ID)
		require.NoError(t, err)
	}

	// The recorded REVIEW result points at a plan that vanished from disk.
	plan := filepath.Join(h.dir, "plan.md")
	require.NoError(t, os.Remove(plan))

	decision, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionError, decision.Action)
	assert.Equal(t, string(proto.PhaseReview), decision.Payload["missing"])
	assert.Contains(t, decision.Payload["missing_files"], plan)
}

func TestFailedPhaseRoutedThroughHealer(t *testing.T) {
	h := newHarness(t, nil)
	heal := &fakeHealer{}
	h.engine.SetHealer(heal)
	h.teams.scripts[proto.PhaseDiscover] = []*proto.PhaseResult{
		{Status: proto.StatusFailed, AgentsFailed: []string{"architect"}, Errors: []string{"architect: model unavailable"}},
	}
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	_, err := h.engine.Advance(ctx, project.ID) // INIT -> DISCOVER
	require.NoError(t, err)

	decision, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionSpawnWorkers, decision.Action)
	assert.Equal(t, true, decision.Payload["healed"])

	require.Len(t, heal.failures, 1)
	assert.Equal(t, proto.PhaseDiscover, heal.failures[0].Phase)
	assert.Contains(t, heal.failures[0].ErrText, "model unavailable")

	// Healed in place: still DISCOVER, and the next step re-runs the team.
	current, err := h.db.LatestCheckpoint(project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseDiscover, current.Phase)

	decision, err = h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionSpawnWorkers, decision.Action)
	assert.Equal(t, string(proto.PhaseReview), decision.Payload["phase"])
}

func TestHealingExhaustionHaltsProject(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.SetHealer(&fakeHealer{err: healer.ErrExhausted})
	h.teams.scripts[proto.PhaseDiscover] = []*proto.PhaseResult{
		{Status: proto.StatusFailed, AgentsFailed: []string{"architect"}, Errors: []string{"disk full"}},
	}
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	_, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)

	_, err = h.engine.Advance(ctx, project.ID)
	require.ErrorIs(t, err, ErrProjectHalted)

	current, err := h.db.LatestCheckpoint(project.ID)
	require.NoError(t, err)
	assert.True(t, current.Halted)
	assert.Contains(t, current.HaltReason, "healing")
}

func TestRollbackOutcomeHaltsProject(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.SetHealer(&fakeHealer{err: healer.ErrCouldNotHeal})
	h.teams.scripts[proto.PhaseDiscover] = []*proto.PhaseResult{
		{Status: proto.StatusFailed, AgentsFailed: []string{"architect"}, Errors: []string{"persistent failure"}},
	}
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	_, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)

	// A heal that collapsed to rollback must not silently re-run the phase.
	_, err = h.engine.Advance(ctx, project.ID)
	require.ErrorIs(t, err, ErrProjectHalted)

	current, err := h.db.LatestCheckpoint(project.ID)
	require.NoError(t, err)
	assert.True(t, current.Halted)
	assert.Contains(t, current.HaltReason, "could not self-heal")
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, nil)
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	require.NoError(t, h.db.WriteSignal(project.ID, proto.SignalPause))

	decision, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionError, decision.Action)

	_, err = h.engine.Advance(ctx, project.ID)
	require.ErrorIs(t, err, ErrProjectHalted)

	require.NoError(t, h.engine.Resume(project.ID))
	decision, err = h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionConfirmPlan, decision.Action)
}

func TestAbortHaltsProject(t *testing.T) {
	h := newHarness(t, nil)
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	require.NoError(t, h.db.WriteSignal(project.ID, proto.SignalAbort))
	decision, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionError, decision.Action)

	current, err := h.db.LatestCheckpoint(project.ID)
	require.NoError(t, err)
	assert.True(t, current.Halted)
	assert.Contains(t, current.HaltReason, "aborted")
}

func TestSkipSignalOverridesPhase(t *testing.T) {
	h := newHarness(t, nil)
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	_, err := h.engine.Advance(ctx, project.ID) // INIT -> DISCOVER
	require.NoError(t, err)

	require.NoError(t, h.db.WriteSignal(project.ID, proto.SignalSkip))
	decision, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, true, decision.Payload["skipped"])

	current, err := h.db.LatestCheckpoint(project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseReview, current.Phase)

	// The override landed in the audit trail.
	events, err := eventlog.ReadEvents(h.audit.CurrentFile())
	require.NoError(t, err)
	var found bool
	for _, ev := range events {
		if ev.Action == "operator_skip" {
			found = true
			assert.True(t, ev.Override)
		}
	}
	assert.True(t, found)
}

func TestEscalateSwitchesToFullTrack(t *testing.T) {
	h := newHarness(t, nil)
	project := h.plan(t, proto.ModeLight)
	ctx := context.Background()

	_, err := h.engine.Advance(ctx, project.ID) // INIT -> EXECUTE
	require.NoError(t, err)

	require.NoError(t, h.db.WriteSignal(project.ID, proto.SignalEscalate))
	decision, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, true, decision.Payload["escalated"])

	current, err := h.db.LatestCheckpoint(project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ModeFull, current.Mode)
	assert.Equal(t, proto.PhaseDiscover, current.Phase)
}

func TestBreakerTripHaltsAdvance(t *testing.T) {
	h := newHarness(t, nil)
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	_, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)

	h.brk.AddTokens(project.ID, config.DefaultTokenThreshold)

	_, err = h.engine.Advance(ctx, project.ID)
	require.ErrorIs(t, err, ErrProjectHalted)

	current, err := h.db.LatestCheckpoint(project.ID)
	require.NoError(t, err)
	assert.True(t, current.Halted)
	assert.Contains(t, current.HaltReason, "circuit breaker")
}

func TestPartialExecuteContinuation(t *testing.T) {
	h := newHarness(t, nil)
	h.teams.scripts[proto.PhaseReview] = []*proto.PhaseResult{h.gateDocs(t)}
	h.teams.scripts[proto.PhaseExecute] = []*proto.PhaseResult{
		{
			Status:          proto.StatusPartial,
			AgentsCompleted: []string{"architect"},
			AgentsFailed:    []string{"reviewer"},
			WorkRemaining:   []string{"reviewer"},
			NextTeamContext: map[string]any{"completed_roles": []string{"architect"}},
		},
	}
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	for i := 0; i < 3; i++ { // INIT, DISCOVER, REVIEW
		_, err := h.engine.Advance(ctx, project.ID)
		require.NoError(t, err)
	}

	decision, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionDefineTasks, decision.Action)
	assert.Equal(t, []string{"reviewer"}, decision.Payload["work_remaining"])

	current, err := h.db.LatestCheckpoint(project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseExecute, current.Phase)

	// The successor team skips the roles the first team finished.
	decision, err = h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.ActionSpawnWorkers, decision.Action)

	last := h.teams.calls[len(h.teams.calls)-1]
	assert.Equal(t, proto.PhaseExecute, last.phase)
	assert.True(t, last.completed["architect"])
}

func TestCountersSurviveCheckpointRestore(t *testing.T) {
	h := newHarness(t, nil)
	project := h.plan(t, proto.ModeFull)
	ctx := context.Background()

	h.brk.AddTokens(project.ID, 1234)
	h.brk.AddCost(project.ID, 1.5)

	_, err := h.engine.Advance(ctx, project.ID)
	require.NoError(t, err)

	current, err := h.db.LatestCheckpoint(project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), current.Counters.Tokens)
	assert.InDelta(t, 1.5, current.Counters.CostUSD, 1e-9)
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	project := h.plan(t, proto.ModeFull)

	status, err := h.engine.Status(project.ID)
	require.NoError(t, err)
	assert.Equal(t, project.ID, status["project_id"])
	assert.Equal(t, string(proto.PhaseInit), status["phase"])
	assert.Equal(t, false, status["halted"])
}
