package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

// Sentinel errors for checkpoint operations.
var (
	// ErrCheckpointNotFound indicates no checkpoint exists for the id or project.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrCheckpointCorrupt indicates a stored snapshot failed structural
	// validation. This is fatal and never auto-repaired.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
)

// SaveCheckpoint atomically persists a full project snapshot and returns the
// checkpoint id. A partially written checkpoint is never visible to restore:
// the snapshot is serialized first and inserted in a single transaction.
func (s *Store) SaveCheckpoint(project *proto.Project) (string, error) {
	if err := project.Validate(); err != nil {
		return "", fmt.Errorf("refusing to checkpoint invalid project: %w", err)
	}

	snapshot, err := json.Marshal(project)
	if err != nil {
		return "", fmt.Errorf("failed to serialize project %s: %w", project.ID, err)
	}

	checkpointID := utils.NewCheckpointID()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.Exec(`
		INSERT INTO checkpoints (id, session_id, project_id, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, checkpointID, s.sessionID, project.ID, string(snapshot), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert checkpoint for %s: %w", project.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return checkpointID, nil
}

// RestoreCheckpoint loads the snapshot with the given id. A snapshot that
// cannot be parsed or fails structural validation returns
// ErrCheckpointCorrupt.
func (s *Store) RestoreCheckpoint(checkpointID string) (*proto.Project, error) {
	var snapshot string
	err := s.db.QueryRow(`
		SELECT snapshot FROM checkpoints WHERE id = ?
	`, checkpointID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint %s: %w", checkpointID, err)
	}

	return decodeSnapshot(checkpointID, snapshot)
}

// LatestCheckpoint loads the most recent valid snapshot for a project.
func (s *Store) LatestCheckpoint(projectID string) (*proto.Project, error) {
	var checkpointID, snapshot string
	err := s.db.QueryRow(`
		SELECT id, snapshot FROM checkpoints
		WHERE project_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, projectID).Scan(&checkpointID, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s", ErrCheckpointNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest checkpoint for %s: %w", projectID, err)
	}

	return decodeSnapshot(checkpointID, snapshot)
}

func decodeSnapshot(checkpointID, snapshot string) (*proto.Project, error) {
	var project proto.Project
	if err := json.Unmarshal([]byte(snapshot), &project); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointCorrupt, checkpointID, err)
	}
	if err := project.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointCorrupt, checkpointID, err)
	}
	return &project, nil
}

// ListProjects returns the distinct project ids with at least one checkpoint
// in this session.
func (s *Store) ListProjects() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT project_id FROM checkpoints WHERE session_id = ?
	`, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close() //nolint:errcheck // close in defer is safe

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return ids, nil
}
