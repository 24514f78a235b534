package healer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"conductor/pkg/proto"
)

// CommandFixer applies a remediation attempt by running an external command,
// under the same opacity contract as phase workers. The command learns the
// failure, tier, and retrieved lessons through the environment and signals a
// clean fix with a zero exit status.
type CommandFixer struct {
	argv []string
}

// NewCommandFixer builds a fixer for the given argv.
func NewCommandFixer(argv []string) *CommandFixer {
	return &CommandFixer{argv: argv}
}

// Fix runs the command once for the given tier.
func (f *CommandFixer) Fix(ctx context.Context, failure Failure, tier proto.Tier, hints []proto.HealingAttempt) error {
	if len(f.argv) == 0 {
		return fmt.Errorf("no fixer command configured")
	}

	lessons := make([]string, 0, len(hints))
	for i := range hints {
		lessons = append(lessons, hints[i].Lesson)
	}

	cmd := exec.CommandContext(ctx, f.argv[0], f.argv[1:]...)
	cmd.Env = append(os.Environ(),
		"CONDUCTOR_HEAL_PROJECT="+failure.ProjectID,
		"CONDUCTOR_HEAL_PHASE="+string(failure.Phase),
		"CONDUCTOR_HEAL_TIER="+tier.String(),
		"CONDUCTOR_HEAL_ERROR="+failure.ErrText,
		"CONDUCTOR_HEAL_LESSONS="+strings.Join(lessons, "\n"),
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("fix at tier %s: %w", tier, err)
	}
	return nil
}
