package persistence

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/proto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath, "session-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testProject(id string) *proto.Project {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &proto.Project{
		ID:           id,
		Name:         "demo",
		Mode:         proto.ModeFull,
		Phase:        proto.PhaseExecute,
		Request:      "build the thing",
		ExecRetries:  1,
		Counters:     proto.Counters{Tokens: 1234, CostUSD: 0.56, SameErrorStreak: 1},
		CreatedAt:    now,
		LastActivity: now,
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)
	project := testProject("p1")

	id, err := store.SaveCheckpoint(project)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	restored, err := store.RestoreCheckpoint(id)
	require.NoError(t, err)
	assert.Equal(t, project, restored)
}

func TestLatestCheckpointPicksNewest(t *testing.T) {
	store := newTestStore(t)

	first := testProject("p1")
	first.Phase = proto.PhaseDiscover
	_, err := store.SaveCheckpoint(first)
	require.NoError(t, err)

	second := testProject("p1")
	second.Phase = proto.PhaseReview
	_, err = store.SaveCheckpoint(second)
	require.NoError(t, err)

	restored, err := store.LatestCheckpoint("p1")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseReview, restored.Phase)
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	store := newTestStore(t)
	_, err := store.RestoreCheckpoint("nope")
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))
}

func TestSaveRejectsInvalidProject(t *testing.T) {
	store := newTestStore(t)
	bad := testProject("p1")
	bad.Mode = "bogus"
	_, err := store.SaveCheckpoint(bad)
	assert.Error(t, err)
}

func TestPhaseResultRoundTrip(t *testing.T) {
	store := newTestStore(t)

	result := &proto.PhaseResult{
		Status:          proto.StatusPartial,
		Phase:           proto.PhaseExecute,
		TeamID:          "abcd1234",
		AgentsCompleted: []string{"coder"},
		AgentsFailed:    []string{"tester"},
		OutputFiles:     []string{"artifacts/coder.md"},
		Summary:         "one worker failed",
		CompletedAt:     time.Now().UTC().Truncate(time.Millisecond),
		WorkRemaining:   []string{"2 tests failing"},
		NextTeamContext: map[string]any{"completed_roles": []any{"coder"}},
	}
	require.NoError(t, store.SavePhaseResult("p1", result))

	loaded, err := store.LatestPhaseResult("p1", proto.PhaseExecute)
	require.NoError(t, err)
	assert.Equal(t, result.Status, loaded.Status)
	assert.Equal(t, result.WorkRemaining, loaded.WorkRemaining)
	assert.Equal(t, []any{"coder"}, loaded.NextTeamContext["completed_roles"])

	_, err = store.LatestPhaseResult("p1", proto.PhaseReview)
	assert.True(t, errors.Is(err, ErrResultNotFound))
}

func TestHealingPatternsAppendOnly(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i, outcome := range []string{proto.OutcomeFailure, proto.OutcomeSuccess} {
		require.NoError(t, store.AppendHealingPattern("p1", &proto.HealingAttempt{
			Signature: "sig-1",
			Tier:      proto.Tier(i + 1),
			Outcome:   outcome,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Lesson:    "note",
		}))
	}

	attempts, err := store.PatternsBySignature("sig-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, proto.OutcomeFailure, attempts[0].Outcome)
	assert.Equal(t, proto.OutcomeSuccess, attempts[1].Outcome)

	all, err := store.AllPatterns(0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestProcessRegistry(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &proto.ProcessRecord{
		PID:           4321,
		Kind:          "test-runner",
		ProjectID:     "p1",
		SpawnedAt:     now,
		LastHeartbeat: now,
	}
	require.NoError(t, store.UpsertProcess(rec))

	later := now.Add(time.Minute)
	require.NoError(t, store.TouchHeartbeat(4321, later))

	records, err := store.ListProcesses()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, later, records[0].LastHeartbeat)

	require.NoError(t, store.DeleteProcess(4321))
	records, err = store.ListProcesses()
	require.NoError(t, err)
	assert.Empty(t, records)

	assert.Error(t, store.TouchHeartbeat(4321, later))
}

func TestControlSignalConsumeClears(t *testing.T) {
	store := newTestStore(t)

	sig, err := store.ConsumeSignal("p1")
	require.NoError(t, err)
	assert.Equal(t, proto.SignalNone, sig)

	require.NoError(t, store.WriteSignal("p1", proto.SignalPause))
	require.NoError(t, store.WriteSignal("p1", proto.SignalAbort)) // replaces

	sig, err = store.ConsumeSignal("p1")
	require.NoError(t, err)
	assert.Equal(t, proto.SignalAbort, sig)

	sig, err = store.ConsumeSignal("p1")
	require.NoError(t, err)
	assert.Equal(t, proto.SignalNone, sig)
}
