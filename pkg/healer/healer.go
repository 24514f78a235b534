package healer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conductor/pkg/breaker"
	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/memory"
	"conductor/pkg/metrics"
	"conductor/pkg/proto"
)

// Sentinel errors.
var (
	// ErrBreakerTripped means automatic remediation is halted for the project.
	ErrBreakerTripped = errors.New("circuit breaker tripped, healing halted")
	// ErrExhausted means every eligible tier was tried and failed, and the
	// final rollback failed too.
	ErrExhausted = errors.New("all healing tiers exhausted")
	// ErrCouldNotHeal is the terminal outcome when remediation collapsed to a
	// checkpoint rollback: the state is restored, but the failure was not
	// fixed and the caller must not blindly re-run the failing phase.
	ErrCouldNotHeal = errors.New("could not self-heal, rolled back to checkpoint")
)

// Failure describes one error to be healed.
type Failure struct {
	ProjectID string
	Phase     proto.Phase
	ErrText   string
}

// Fixer applies one remediation attempt at a given tier. A nil return means
// the fix verified clean; any error counts as a failed attempt at that tier.
// Hints carry relevant past successes retrieved from pattern memory.
type Fixer interface {
	Fix(ctx context.Context, failure Failure, tier proto.Tier, hints []proto.HealingAttempt) error
}

// Rollbacker restores a project to its last known-good checkpoint. Used as
// the final tier and for repeated-failure short-circuits.
type Rollbacker interface {
	Rollback(ctx context.Context, projectID string) error
}

// Healer walks the remediation ladder for failures, consulting pattern
// memory to skip tiers that already failed for the same signature.
type Healer struct {
	mem      *memory.Store
	breaker  *breaker.Breaker
	fixer    Fixer
	rollback Rollbacker
	cost     config.TierCost
	logger   *logx.Logger

	// Consecutive occurrences of the same signature per project. Three in a
	// row means incremental fixing is not working and we go straight to
	// rollback.
	mu       sync.Mutex
	lastSig  map[string]string
	sigCount map[string]int
}

const rollbackAfterRepeats = 3

// New creates a healer.
func New(mem *memory.Store, brk *breaker.Breaker, fixer Fixer, rollback Rollbacker, cost config.TierCost) *Healer {
	return &Healer{
		mem:      mem,
		breaker:  brk,
		fixer:    fixer,
		rollback: rollback,
		cost:     cost,
		logger:   logx.NewLogger("healer"),
		lastSig:  make(map[string]string),
		sigCount: make(map[string]int),
	}
}

// tierCost returns the USD charge for attempting a tier.
func (h *Healer) tierCost(tier proto.Tier) float64 {
	switch tier {
	case proto.TierPatternLookup:
		return 0
	case proto.TierMemoryLowFix, proto.TierPlainLowFix:
		return h.cost.LowUSD
	case proto.TierContextMidFix:
		return h.cost.MidUSD
	case proto.TierDeepAnalysis:
		return h.cost.HighUSD
	default:
		return 0
	}
}

// Heal attempts to remediate a failure, escalating tier by tier. Every
// attempt is logged to pattern memory whether it succeeds or fails, with the
// normalized failure text as the lesson so future keyword queries can find
// it.
func (h *Healer) Heal(ctx context.Context, failure Failure) error {
	normalized := Normalize(failure.ErrText)
	signature := Signature(failure.ErrText)

	h.mu.Lock()
	same := h.lastSig[failure.ProjectID] == signature
	h.lastSig[failure.ProjectID] = signature
	if same {
		h.sigCount[failure.ProjectID]++
	} else {
		h.sigCount[failure.ProjectID] = 1
	}
	occurrences := h.sigCount[failure.ProjectID]
	h.mu.Unlock()

	wasTripped := h.breaker.Check(failure.ProjectID).Tripped
	h.breaker.RecordError(failure.ProjectID, same)

	h.logger.Info("Healing %s failure in %s (signature %s, occurrence %d)",
		failure.Phase, failure.ProjectID, signature, occurrences)

	// The same signature three times in a row means incremental fixes are
	// churning; restore the last known-good state instead. This rollback is
	// owed to the operator even when the same-error streak trips the breaker
	// at this very occurrence.
	if occurrences >= rollbackAfterRepeats && !wasTripped {
		h.logger.Warn("Signature %s repeated %d times, rolling back %s",
			signature, occurrences, failure.ProjectID)
		return h.attemptRollback(ctx, failure, signature, normalized)
	}

	if st := h.breaker.Check(failure.ProjectID); st.Tripped {
		return fmt.Errorf("%w: %s", ErrBreakerTripped, st.Detail)
	}

	failed, err := h.mem.FailedTiers(signature)
	if err != nil {
		return fmt.Errorf("failed to consult pattern memory: %w", err)
	}

	known := h.knownFixes(signature)
	hints := h.lookupHints(normalized)

	for tier := proto.TierPatternLookup; tier <= proto.TierDeepAnalysis; tier++ {
		if failed[tier] {
			h.logger.Debug("Skipping tier %s: already failed for signature %s", tier, signature)
			continue
		}
		// Lookup-only application needs a fix that worked for this exact
		// signature before; memory-guided fixing needs retrieved hints.
		if tier == proto.TierPatternLookup && len(known) == 0 {
			continue
		}
		if tier == proto.TierMemoryLowFix && len(hints) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		tierHints := hints
		if tier == proto.TierPatternLookup {
			tierHints = known
		}

		h.breaker.AddCost(failure.ProjectID, h.tierCost(tier))
		fixErr := h.fixer.Fix(ctx, failure, tier, tierHints)
		h.record(failure.ProjectID, signature, tier, fixErr, normalized)

		if fixErr == nil {
			h.breaker.RecordHealSuccess(failure.ProjectID)
			h.mu.Lock()
			h.sigCount[failure.ProjectID] = 0
			h.lastSig[failure.ProjectID] = ""
			h.mu.Unlock()
			h.logger.Info("Healed %s at tier %s", failure.ProjectID, tier)
			return nil
		}

		h.breaker.RecordHealFailure(failure.ProjectID)
		h.logger.Warn("Tier %s failed for %s: %v", tier, failure.ProjectID, fixErr)
		if st := h.breaker.Check(failure.ProjectID); st.Tripped {
			return fmt.Errorf("%w: %s", ErrBreakerTripped, st.Detail)
		}
	}

	return h.attemptRollback(ctx, failure, signature, normalized)
}

// knownFixes retrieves successful attempts recorded for this exact signature,
// feeding the lookup-only tier.
func (h *Healer) knownFixes(signature string) []proto.HealingAttempt {
	attempts, err := h.mem.BySignature(signature)
	if err != nil {
		h.logger.Warn("Signature lookup failed: %v", err)
		return nil
	}
	var known []proto.HealingAttempt
	for i := range attempts {
		// A rollback restores state rather than fixing anything, so it is
		// never a reusable pattern.
		if attempts[i].Outcome == proto.OutcomeSuccess && attempts[i].Tier != proto.TierRollback {
			known = append(known, attempts[i])
		}
	}
	return known
}

// lookupHints retrieves past successful fixes whose lessons match the
// failure text.
func (h *Healer) lookupHints(normalized string) []proto.HealingAttempt {
	hits, err := h.mem.Query(normalized, memory.QueryOptions{MaxResults: 5, MinScore: 0.2})
	if err != nil {
		h.logger.Warn("Pattern memory query failed: %v", err)
		return nil
	}
	var hints []proto.HealingAttempt
	for i := range hits {
		if hits[i].Attempt.Outcome == proto.OutcomeSuccess {
			hints = append(hints, hits[i].Attempt)
		}
	}
	return hints
}

// attemptRollback is the terminal rung. A successful rollback restores the
// checkpoint but does not fix the failure: the consecutive-signature count
// stays, and the caller gets the structured ErrCouldNotHeal outcome instead
// of a clean heal.
func (h *Healer) attemptRollback(ctx context.Context, failure Failure, signature, normalized string) error {
	rbErr := h.rollback.Rollback(ctx, failure.ProjectID)
	h.record(failure.ProjectID, signature, proto.TierRollback, rbErr, normalized)
	if rbErr != nil {
		h.breaker.RecordHealFailure(failure.ProjectID)
		return fmt.Errorf("%w: rollback failed: %v", ErrExhausted, rbErr)
	}
	h.logger.Warn("Rolled back %s to last checkpoint, failure %s not remediated", failure.ProjectID, signature)
	return fmt.Errorf("%w: signature %s", ErrCouldNotHeal, signature)
}

// record logs one attempt to pattern memory and metrics.
func (h *Healer) record(projectID, signature string, tier proto.Tier, fixErr error, normalized string) {
	outcome := proto.OutcomeSuccess
	lesson := normalized
	if fixErr != nil {
		outcome = proto.OutcomeFailure
		lesson = fmt.Sprintf("%s | tier %s failed: %v", normalized, tier, fixErr)
	}
	attempt := &proto.HealingAttempt{
		Signature: signature,
		Tier:      tier,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
		Lesson:    lesson,
	}
	if err := h.mem.Log(projectID, attempt); err != nil {
		h.logger.Error("Failed to record healing attempt: %v", err)
	}
	metrics.HealingAttempts.WithLabelValues(tier.String(), outcome).Inc()
}
