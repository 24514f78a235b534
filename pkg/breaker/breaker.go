// Package breaker implements the per-project circuit breaker: monotonic
// resource counters with independent thresholds that halt automatic progress
// when crossed.
package breaker

import (
	"fmt"
	"sync"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/proto"
)

// Reason identifies which counter tripped the breaker.
type Reason string

// Trip reasons, in deterministic priority order: when several counters cross
// their thresholds in the same tick, the highest-priority reason is reported
// (orphans > cost > tokens > same-error > heal failures).
const (
	ReasonNone        Reason = ""
	ReasonOrphans     Reason = "orphans"
	ReasonCost        Reason = "cost"
	ReasonTokens      Reason = "tokens"
	ReasonSameError   Reason = "same_error"
	ReasonHealFailure Reason = "heal_failures"
	// ReasonValidation is a forced trip after the VALIDATE retry budget is
	// exhausted.
	ReasonValidation Reason = "validate_retries"
)

// Status reports the breaker state for one project.
type Status struct {
	Tripped  bool           `json:"tripped"`
	Reason   Reason         `json:"reason,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Counters proto.Counters `json:"counters"`
}

// SignalWriter posts control directives. The breaker writes PAUSE when the
// orphan counter trips, forcing operator intervention.
type SignalWriter interface {
	WriteSignal(projectID string, signal proto.Signal) error
}

type projectState struct {
	counters proto.Counters
	tripped  bool
	reason   Reason
	detail   string
}

// Breaker tracks cumulative counters per project. All updates are
// lock-guarded increments; there are no read-then-write races across
// components.
type Breaker struct {
	cfg      config.BreakerConfig
	signals  SignalWriter
	logger   *logx.Logger
	mu       sync.Mutex
	projects map[string]*projectState
}

// New creates a breaker with the given thresholds. signals may be nil, in
// which case orphan trips do not post PAUSE (used in tests).
func New(cfg config.BreakerConfig, signals SignalWriter) *Breaker {
	return &Breaker{
		cfg:      cfg,
		signals:  signals,
		logger:   logx.NewLogger("breaker"),
		projects: make(map[string]*projectState),
	}
}

func (b *Breaker) state(projectID string) *projectState {
	st, ok := b.projects[projectID]
	if !ok {
		st = &projectState{}
		b.projects[projectID] = st
	}
	return st
}

// Seed restores a project's counters from a checkpoint.
func (b *Breaker) Seed(projectID string, counters proto.Counters) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(projectID)
	st.counters = counters
	b.evaluate(projectID, st)
}

// AddTokens records token consumption.
func (b *Breaker) AddTokens(projectID string, tokens int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(projectID)
	st.counters.Tokens += tokens
	metrics.TokensTotal.WithLabelValues(projectID).Add(float64(tokens))
	b.evaluate(projectID, st)
}

// AddCost records accrued USD cost.
func (b *Breaker) AddCost(projectID string, usd float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(projectID)
	st.counters.CostUSD += usd
	metrics.CostTotal.WithLabelValues(projectID).Add(usd)
	b.evaluate(projectID, st)
}

// RecordError updates the consecutive-identical-error streak. same reports
// whether this error's signature matches the previous one.
func (b *Breaker) RecordError(projectID string, same bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(projectID)
	if same {
		st.counters.SameErrorStreak++
	} else {
		st.counters.SameErrorStreak = 1
	}
	b.evaluate(projectID, st)
}

// RecordHealFailure increments the heal-failure streak.
func (b *Breaker) RecordHealFailure(projectID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(projectID)
	st.counters.HealFailures++
	b.evaluate(projectID, st)
}

// RecordHealSuccess resets the heal-failure streak.
func (b *Breaker) RecordHealSuccess(projectID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state(projectID).counters.HealFailures = 0
}

// AddOrphans adjusts the live-orphan count by delta (negative when orphans
// are confirmed killed).
func (b *Breaker) AddOrphans(projectID string, delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(projectID)
	st.counters.LiveOrphans += delta
	if st.counters.LiveOrphans < 0 {
		st.counters.LiveOrphans = 0
	}
	b.evaluate(projectID, st)
}

// evaluate checks thresholds in priority order. Caller holds b.mu.
func (b *Breaker) evaluate(projectID string, st *projectState) {
	if st.tripped {
		return
	}

	c := st.counters
	var reason Reason
	var detail string

	// Totals are monotonic; an operator clearance moves the waived baseline
	// instead, so thresholds apply to the excess accrued since.
	switch {
	case c.LiveOrphans >= b.cfg.OrphanThreshold:
		reason = ReasonOrphans
		detail = fmt.Sprintf("%d live orphaned processes (threshold %d)", c.LiveOrphans, b.cfg.OrphanThreshold)
	case c.CostUSD-c.CostClearedUSD >= b.cfg.CostThresholdUSD:
		reason = ReasonCost
		detail = fmt.Sprintf("$%.2f accrued since clearance (threshold $%.2f)", c.CostUSD-c.CostClearedUSD, b.cfg.CostThresholdUSD)
	case c.Tokens-c.TokensCleared >= b.cfg.TokenThreshold:
		reason = ReasonTokens
		detail = fmt.Sprintf("%d tokens consumed since clearance (threshold %d)", c.Tokens-c.TokensCleared, b.cfg.TokenThreshold)
	case c.SameErrorStreak >= b.cfg.SameErrorThreshold:
		reason = ReasonSameError
		detail = fmt.Sprintf("%d consecutive identical errors (threshold %d)", c.SameErrorStreak, b.cfg.SameErrorThreshold)
	case c.HealFailures >= b.cfg.HealFailThreshold:
		reason = ReasonHealFailure
		detail = fmt.Sprintf("%d heal failures (threshold %d)", c.HealFailures, b.cfg.HealFailThreshold)
	default:
		return
	}

	st.tripped = true
	st.reason = reason
	st.detail = detail
	metrics.BreakerTrips.WithLabelValues(string(reason)).Inc()
	b.logger.Error("Circuit breaker TRIPPED for %s: %s", projectID, detail)

	// An orphan trip forces operator intervention via PAUSE.
	if reason == ReasonOrphans && b.signals != nil {
		if err := b.signals.WriteSignal(projectID, proto.SignalPause); err != nil {
			b.logger.Error("Failed to post PAUSE for %s: %v", projectID, err)
		}
	}
}

// Trip forces the breaker open, used when a retry budget outside the counter
// set is exhausted. A breaker already tripped keeps its original reason.
func (b *Breaker) Trip(projectID string, reason Reason, detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(projectID)
	if st.tripped {
		return
	}
	st.tripped = true
	st.reason = reason
	st.detail = detail
	metrics.BreakerTrips.WithLabelValues(string(reason)).Inc()
	b.logger.Error("Circuit breaker TRIPPED for %s: %s", projectID, detail)
}

// Check returns the breaker status for a project.
func (b *Breaker) Check(projectID string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(projectID)
	return Status{
		Tripped:  st.tripped,
		Reason:   st.reason,
		Detail:   st.detail,
		Counters: st.counters,
	}
}

// Counters returns a copy of the project's counters for checkpointing.
func (b *Breaker) Counters(projectID string) proto.Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(projectID).counters
}

// Clear resets a tripped breaker. This is an explicit operator action and is
// never invoked automatically. Resource totals (tokens, cost) are preserved
// for reporting, but the cleared baselines advance to them so a later Seed of
// the same counters does not re-trip; streak counters reset so work can
// resume. Callers persist the returned counters in the next checkpoint.
func (b *Breaker) Clear(projectID string) proto.Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(projectID)
	st.tripped = false
	st.reason = ReasonNone
	st.detail = ""
	st.counters.SameErrorStreak = 0
	st.counters.HealFailures = 0
	st.counters.LiveOrphans = 0
	st.counters.TokensCleared = st.counters.Tokens
	st.counters.CostClearedUSD = st.counters.CostUSD
	b.logger.Warn("Circuit breaker cleared for %s by operator", projectID)
	return st.counters
}
