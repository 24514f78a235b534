package memory

import (
	"fmt"
	"math"
	"sort"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
)

// Store is the pattern memory: an append-only log of healing attempts with
// fuzzy, recency-weighted retrieval. Safe for concurrent writers across
// unrelated projects.
type Store struct {
	db       *persistence.Store
	halfLife time.Duration
	logger   *logx.Logger
	now      func() time.Time // injected for tests
}

// NewStore creates a pattern memory over the persistence layer.
func NewStore(db *persistence.Store, halfLife time.Duration) *Store {
	if halfLife <= 0 {
		halfLife = 14 * 24 * time.Hour
	}
	return &Store{
		db:       db,
		halfLife: halfLife,
		logger:   logx.NewLogger("memory"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Log appends one attempt. Entries are never updated or deleted.
func (s *Store) Log(projectID string, attempt *proto.HealingAttempt) error {
	if err := s.db.AppendHealingPattern(projectID, attempt); err != nil {
		return fmt.Errorf("failed to log healing attempt: %w", err)
	}
	s.logger.Debug("Logged %s attempt at tier %s for signature %s",
		attempt.Outcome, attempt.Tier, attempt.Signature)
	return nil
}

// BySignature returns all attempts recorded against the exact signature,
// oldest first. Used for failed-fix avoidance before any new remediation.
func (s *Store) BySignature(signature string) ([]proto.HealingAttempt, error) {
	return s.db.PatternsBySignature(signature)
}

// FailedTiers returns the set of tiers already recorded as failures for the
// signature. These tiers must never be retried for the same signature.
func (s *Store) FailedTiers(signature string) (map[proto.Tier]bool, error) {
	attempts, err := s.BySignature(signature)
	if err != nil {
		return nil, err
	}
	failed := make(map[proto.Tier]bool)
	for i := range attempts {
		if attempts[i].Outcome == proto.OutcomeFailure {
			failed[attempts[i].Tier] = true
		}
	}
	return failed, nil
}

// QueryOptions bounds a fuzzy query.
type QueryOptions struct {
	MaxResults int     // default 10
	MinScore   float64 // entries scoring below are dropped
}

// ScoredEntry is one ranked retrieval hit.
type ScoredEntry struct {
	Attempt proto.HealingAttempt
	Score   float64
}

// Query ranks stored attempts against free text. Score is term overlap
// (stemmed, fuzzy) multiplied by a recency weight that halves every
// half-life, so the most relevant and most recent experience surfaces first.
func (s *Store) Query(text string, opts QueryOptions) ([]ScoredEntry, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}

	queryTerms := Tokenize(text)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	attempts, err := s.db.AllPatterns(0)
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns: %w", err)
	}

	now := s.now()
	scored := make([]ScoredEntry, 0, len(attempts))
	for i := range attempts {
		entryTerms := termSet(Tokenize(attempts[i].Signature + " " + attempts[i].Lesson))
		relevance := overlapScore(queryTerms, entryTerms)
		if relevance == 0 {
			continue
		}

		age := now.Sub(attempts[i].Timestamp)
		if age < 0 {
			age = 0
		}
		recency := math.Pow(0.5, float64(age)/float64(s.halfLife))

		score := relevance * recency
		if score < opts.MinScore {
			continue
		}
		scored = append(scored, ScoredEntry{Attempt: attempts[i], Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > opts.MaxResults {
		scored = scored[:opts.MaxResults]
	}
	return scored, nil
}
