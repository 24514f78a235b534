package subteam

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"conductor/pkg/breaker"
	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

// Usage is one worker attempt's resource consumption.
type Usage struct {
	Tokens  int64
	CostUSD float64
}

// Worker executes one manifest role. The instruction augments the role's
// base prompt; on retries it carries rewrite guidance naming the verification
// failure. Implementations must write their artifact to the resolved output
// path and end it with ReceiptMarker.
type Worker interface {
	Execute(ctx context.Context, spec proto.WorkerSpec, instruction string) (Usage, error)
}

// WorkerFactory builds a worker for a manifest entry of one project.
type WorkerFactory func(projectID string, spec proto.WorkerSpec) Worker

// Supervisor runs sub-teams: it spawns workers under a concurrency bound,
// verifies their artifacts, retries rejects, and persists the aggregated
// phase result before teardown.
type Supervisor struct {
	cfg     *config.Config
	db      *persistence.Store
	breaker *breaker.Breaker
	factory WorkerFactory
	logger  *logx.Logger
}

// NewSupervisor creates a supervisor. breaker may be nil in tests.
func NewSupervisor(cfg *config.Config, db *persistence.Store, brk *breaker.Breaker, factory WorkerFactory) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		db:      db,
		breaker: brk,
		factory: factory,
		logger:  logx.NewLogger("subteam"),
	}
}

// RunPhase executes the manifest for one phase and returns the persisted
// result. completedRoles lists roles finished by a prior partial run; those
// workers are not re-spawned. At most cfg.MaxWorkers workers run at once.
func (s *Supervisor) RunPhase(ctx context.Context, projectID string, phase proto.Phase, manifest *proto.Manifest, completedRoles map[string]bool) (*proto.PhaseResult, error) {
	if err := ValidateManifest(manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest for %s/%s: %w", projectID, phase, err)
	}

	teamID := utils.NewTeamID()
	s.logger.Info("Spawning team %s for %s/%s: %d workers, bound %d",
		teamID, projectID, phase, len(manifest.Workers), s.cfg.MaxWorkers)

	var (
		mu      sync.Mutex
		results []proto.WorkerResult
	)
	sem := make(chan struct{}, s.cfg.MaxWorkers)
	var wg sync.WaitGroup

	for i := range manifest.Workers {
		spec := manifest.Workers[i]
		if completedRoles[spec.Role] {
			s.logger.Debug("Skipping %s: completed by a prior team", spec.Role)
			mu.Lock()
			results = append(results, proto.WorkerResult{
				Role:       spec.Role,
				Verify:     proto.VerifyVerified,
				OutputPath: s.artifactPath(spec),
			})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				results = append(results, proto.WorkerResult{
					Role:   spec.Role,
					Verify: proto.VerifyUnverified,
					Error:  ctx.Err().Error(),
				})
				mu.Unlock()
				return
			}

			res := s.runWorker(ctx, projectID, spec)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	result := s.aggregate(phase, teamID, manifest, results)

	// The result document must survive before any teardown happens.
	if err := s.db.SavePhaseResult(projectID, result); err != nil {
		return nil, fmt.Errorf("failed to persist result for %s/%s: %w", projectID, phase, err)
	}
	metrics.PhasesTotal.WithLabelValues(string(phase), string(result.Status)).Inc()
	s.logger.Info("Team %s finished %s/%s: %s (%d ok, %d failed)",
		teamID, projectID, phase, result.Status, len(result.AgentsCompleted), len(result.AgentsFailed))
	return result, nil
}

func (s *Supervisor) artifactPath(spec proto.WorkerSpec) string {
	if filepath.IsAbs(spec.OutputPath) {
		return spec.OutputPath
	}
	return filepath.Join(s.cfg.ArtifactDir, spec.OutputPath)
}

// runWorker executes one role with verification-driven retries. Retries get
// an instruction naming what was wrong with the previous artifact.
func (s *Supervisor) runWorker(ctx context.Context, projectID string, spec proto.WorkerSpec) proto.WorkerResult {
	// Workers see the resolved artifact path, not the manifest-relative one.
	path := s.artifactPath(spec)
	spec.OutputPath = path
	worker := s.factory(projectID, spec)

	res := proto.WorkerResult{
		Role:       spec.Role,
		Verify:     proto.VerifyUnverified,
		OutputPath: path,
	}

	instruction := spec.Prompt
	for attempt := 0; attempt <= s.cfg.WorkerRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Error = err.Error()
			break
		}
		res.Retries = attempt

		usage, err := worker.Execute(ctx, spec, instruction)
		if s.breaker != nil {
			s.breaker.AddTokens(projectID, usage.Tokens)
			s.breaker.AddCost(projectID, usage.CostUSD)
		}
		if err != nil {
			res.Error = err.Error()
			instruction = fmt.Sprintf("%s\n\nPrevious attempt failed: %v. Fix the cause and produce the full artifact.", spec.Prompt, err)
			continue
		}

		res.Verify = VerifyArtifact(path, s.cfg.MinArtifactBytes)
		if res.Verify == proto.VerifyVerified {
			res.Error = ""
			break
		}
		res.Error = fmt.Sprintf("artifact %s: %s", path, res.Verify)
		instruction = fmt.Sprintf("%s\n\nYour previous output at %s was rejected (%s). Rewrite the complete artifact and end it with the completion receipt.",
			spec.Prompt, path, res.Verify)
	}

	res.CompletedAt = time.Now().UTC()
	metrics.WorkersTotal.WithLabelValues(spec.Role, string(res.Verify)).Inc()
	if res.Verify != proto.VerifyVerified {
		s.logger.Warn("Worker %s failed after %d retries: %s", spec.Role, res.Retries, res.Error)
	}
	return res
}

// aggregate folds worker results into a phase result. Status is complete if
// every role verified, failed if any critical role did not, and partial
// otherwise. Partial EXECUTE results carry the remaining work and enough
// context for a successor team to continue.
func (s *Supervisor) aggregate(phase proto.Phase, teamID string, manifest *proto.Manifest, workers []proto.WorkerResult) *proto.PhaseResult {
	sort.Slice(workers, func(i, j int) bool { return workers[i].Role < workers[j].Role })

	critical := make(map[string]bool)
	for _, role := range manifest.CriticalRoles() {
		critical[role] = true
	}

	result := &proto.PhaseResult{
		Phase:       phase,
		TeamID:      teamID,
		CompletedAt: time.Now().UTC(),
		Workers:     workers,
	}

	criticalFailed := false
	for i := range workers {
		w := &workers[i]
		if w.Verify == proto.VerifyVerified {
			result.AgentsCompleted = append(result.AgentsCompleted, w.Role)
			result.OutputFiles = append(result.OutputFiles, w.OutputPath)
			continue
		}
		result.AgentsFailed = append(result.AgentsFailed, w.Role)
		if w.Error != "" {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", w.Role, w.Error))
		}
		if critical[w.Role] {
			criticalFailed = true
		}
	}

	switch {
	case len(result.AgentsFailed) == 0:
		result.Status = proto.StatusComplete
	case criticalFailed:
		result.Status = proto.StatusFailed
	default:
		result.Status = proto.StatusPartial
	}

	result.Summary = fmt.Sprintf("%s: %d/%d workers verified", phase, len(result.AgentsCompleted), len(workers))

	if phase == proto.PhaseExecute && result.Status == proto.StatusPartial {
		result.WorkRemaining = append([]string(nil), result.AgentsFailed...)
		result.NextTeamContext = map[string]any{
			"completed_roles": result.AgentsCompleted,
			"output_files":    result.OutputFiles,
			"team_id":         teamID,
		}
	}
	return result
}
