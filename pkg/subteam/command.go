package subteam

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/procmon"
	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

// CommandWorker runs a manifest role as an external process. The command
// receives its role, instruction, and output path through the environment
// and must write the artifact itself, ending with ReceiptMarker. What the
// command actually is (an LLM agent, a script, a human shim) is opaque here.
type CommandWorker struct {
	argv      []string
	projectID string
	spec      proto.WorkerSpec
	cost      config.TierCost
	monitor   *procmon.Monitor
	tokens    *utils.TokenCounter
	logger    *logx.Logger
}

// CommandFactory builds CommandWorkers for the given argv. monitor may be
// nil to skip process registration.
func CommandFactory(argv []string, cost config.TierCost, monitor *procmon.Monitor) WorkerFactory {
	logger := logx.NewLogger("worker")
	tokens, err := utils.NewTokenCounter()
	if err != nil {
		// Count falls back to a size estimate on a nil counter.
		logger.Warn("Tokenizer unavailable, using size estimate: %v", err)
	}
	return func(projectID string, spec proto.WorkerSpec) Worker {
		return &CommandWorker{
			argv:      argv,
			projectID: projectID,
			spec:      spec,
			cost:      cost,
			monitor:   monitor,
			tokens:    tokens,
			logger:    logger,
		}
	}
}

// tierCost maps the manifest capability tier to its configured cost weight.
func (w *CommandWorker) tierCost() float64 {
	switch w.spec.Tier {
	case "high":
		return w.cost.HighUSD
	case "mid":
		return w.cost.MidUSD
	default:
		return w.cost.LowUSD
	}
}

// Execute runs the command and accounts the artifact's tokens.
func (w *CommandWorker) Execute(ctx context.Context, spec proto.WorkerSpec, instruction string) (Usage, error) {
	if len(w.argv) == 0 {
		return Usage{}, fmt.Errorf("no worker command configured")
	}

	cmd := exec.CommandContext(ctx, w.argv[0], w.argv[1:]...)
	cmd.Env = append(os.Environ(),
		"CONDUCTOR_ROLE="+spec.Role,
		"CONDUCTOR_TIER="+spec.Tier,
		"CONDUCTOR_PROMPT="+instruction,
		"CONDUCTOR_OUTPUT="+spec.OutputPath,
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return Usage{}, fmt.Errorf("failed to start worker %s: %w", spec.Role, err)
	}

	pid := cmd.Process.Pid
	if w.monitor != nil {
		if err := w.monitor.Register(pid, config.KindWorker, w.projectID); err != nil {
			w.logger.Warn("Failed to register worker pid %d: %v", pid, err)
		}
		defer func() {
			if err := w.monitor.Deregister(pid); err != nil {
				w.logger.Debug("Failed to deregister pid %d: %v", pid, err)
			}
		}()
	}

	waitErr := cmd.Wait()

	usage := Usage{CostUSD: w.tierCost()}
	if data, err := os.ReadFile(spec.OutputPath); err == nil {
		usage.Tokens = int64(w.tokens.Count(string(data)))
	}
	if waitErr != nil {
		return usage, fmt.Errorf("worker %s exited: %w", spec.Role, waitErr)
	}
	return usage, nil
}
