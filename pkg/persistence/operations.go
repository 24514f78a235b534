package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/proto"
)

// ErrResultNotFound indicates no phase result exists for the query.
var ErrResultNotFound = errors.New("phase result not found")

// SavePhaseResult persists a structured phase result document. Callers must
// invoke this before tearing down the sub-team that produced it.
func (s *Store) SavePhaseResult(projectID string, result *proto.PhaseResult) error {
	document, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to serialize phase result for %s: %w", projectID, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO phase_results (id, session_id, project_id, phase, team_id, status, document, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), s.sessionID, projectID, string(result.Phase),
		result.TeamID, string(result.Status), string(document), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert phase result for %s/%s: %w", projectID, result.Phase, err)
	}
	return nil
}

// LatestPhaseResult returns the most recent result for a project phase.
func (s *Store) LatestPhaseResult(projectID string, phase proto.Phase) (*proto.PhaseResult, error) {
	var document string
	err := s.db.QueryRow(`
		SELECT document FROM phase_results
		WHERE project_id = ? AND phase = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, projectID, string(phase)).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrResultNotFound, projectID, phase)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query phase result %s/%s: %w", projectID, phase, err)
	}

	var result proto.PhaseResult
	if err := json.Unmarshal([]byte(document), &result); err != nil {
		return nil, fmt.Errorf("failed to parse phase result %s/%s: %w", projectID, phase, err)
	}
	return &result, nil
}

// AppendHealingPattern appends one attempt to the pattern memory. Entries
// are never updated or deleted.
func (s *Store) AppendHealingPattern(projectID string, attempt *proto.HealingAttempt) error {
	ts := attempt.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO healing_patterns (session_id, project_id, signature, tier, outcome, lesson, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.sessionID, projectID, attempt.Signature, int(attempt.Tier), attempt.Outcome, attempt.Lesson, ts)
	if err != nil {
		return fmt.Errorf("failed to append healing pattern: %w", err)
	}
	return nil
}

// PatternsBySignature returns all attempts recorded against the exact
// signature, oldest first.
func (s *Store) PatternsBySignature(signature string) ([]proto.HealingAttempt, error) {
	rows, err := s.db.Query(`
		SELECT signature, tier, outcome, lesson, created_at
		FROM healing_patterns
		WHERE signature = ?
		ORDER BY created_at ASC, id ASC
	`, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns for signature: %w", err)
	}
	defer rows.Close() //nolint:errcheck // close in defer is safe

	return scanAttempts(rows)
}

// AllPatterns returns every pattern memory entry, newest first, bounded by
// limit (0 means no limit).
func (s *Store) AllPatterns(limit int) ([]proto.HealingAttempt, error) {
	query := `
		SELECT signature, tier, outcome, lesson, created_at
		FROM healing_patterns
		ORDER BY created_at DESC, id DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close() //nolint:errcheck // close in defer is safe

	return scanAttempts(rows)
}

func scanAttempts(rows *sql.Rows) ([]proto.HealingAttempt, error) {
	var attempts []proto.HealingAttempt
	for rows.Next() {
		var a proto.HealingAttempt
		var tier int
		var lesson sql.NullString
		if err := rows.Scan(&a.Signature, &tier, &a.Outcome, &lesson, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan healing pattern: %w", err)
		}
		a.Tier = proto.Tier(tier)
		if lesson.Valid {
			a.Lesson = lesson.String
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return attempts, nil
}

// UpsertProcess registers or refreshes a process registry row.
func (s *Store) UpsertProcess(rec *proto.ProcessRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO process_registry (pid, session_id, kind, project_id, spawned_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pid) DO UPDATE SET
			kind = excluded.kind,
			project_id = excluded.project_id,
			last_heartbeat = excluded.last_heartbeat
	`, rec.PID, s.sessionID, rec.Kind, rec.ProjectID, rec.SpawnedAt, rec.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("failed to upsert process %d: %w", rec.PID, err)
	}
	return nil
}

// TouchHeartbeat updates the last-seen-alive timestamp for a pid.
func (s *Store) TouchHeartbeat(pid int, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE process_registry SET last_heartbeat = ? WHERE pid = ?
	`, at, pid)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat for %d: %w", pid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("process %d not registered", pid)
	}
	return nil
}

// ListProcesses returns every registered process in this session.
func (s *Store) ListProcesses() ([]proto.ProcessRecord, error) {
	rows, err := s.db.Query(`
		SELECT pid, kind, project_id, spawned_at, last_heartbeat
		FROM process_registry
		WHERE session_id = ?
	`, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	defer rows.Close() //nolint:errcheck // close in defer is safe

	var records []proto.ProcessRecord
	for rows.Next() {
		var rec proto.ProcessRecord
		if err := rows.Scan(&rec.PID, &rec.Kind, &rec.ProjectID, &rec.SpawnedAt, &rec.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("failed to scan process record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return records, nil
}

// DeleteProcess removes a registry row after confirmed exit or kill.
func (s *Store) DeleteProcess(pid int) error {
	if _, err := s.db.Exec(`DELETE FROM process_registry WHERE pid = ?`, pid); err != nil {
		return fmt.Errorf("failed to delete process %d: %w", pid, err)
	}
	return nil
}

// WriteSignal sets the single-valued control directive for a project,
// replacing any unconsumed one.
func (s *Store) WriteSignal(projectID string, signal proto.Signal) error {
	if signal == proto.SignalNone {
		return fmt.Errorf("cannot write empty signal for %s", projectID)
	}
	_, err := s.db.Exec(`
		INSERT INTO control_signals (project_id, signal, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			signal = excluded.signal,
			created_at = excluded.created_at
	`, projectID, string(signal), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write signal for %s: %w", projectID, err)
	}
	return nil
}

// ConsumeSignal reads and clears the control directive for a project in one
// transaction. Returns SignalNone when no directive is pending.
func (s *Store) ConsumeSignal(projectID string) (proto.Signal, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return proto.SignalNone, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var raw string
	err = tx.QueryRow(`SELECT signal FROM control_signals WHERE project_id = ?`, projectID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.SignalNone, nil
	}
	if err != nil {
		return proto.SignalNone, fmt.Errorf("failed to read signal for %s: %w", projectID, err)
	}

	if _, err := tx.Exec(`DELETE FROM control_signals WHERE project_id = ?`, projectID); err != nil {
		return proto.SignalNone, fmt.Errorf("failed to clear signal for %s: %w", projectID, err)
	}
	if err := tx.Commit(); err != nil {
		return proto.SignalNone, fmt.Errorf("failed to commit signal consume: %w", err)
	}
	return proto.Signal(raw), nil
}
