package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration
// support.
const CurrentSchemaVersion = 1

func initializeSchema(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return fmt.Errorf("database schema version %d is newer than supported version %d",
		currentVersion, CurrentSchemaVersion)
}

func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Full project snapshots; one row per save, never updated in place.
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Structured per-phase result documents.
		`CREATE TABLE IF NOT EXISTS phase_results (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			team_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('running','complete','partial','failed')),
			document TEXT NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Append-only pattern memory.
		`CREATE TABLE IF NOT EXISTS healing_patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			signature TEXT NOT NULL,
			tier INTEGER NOT NULL,
			outcome TEXT NOT NULL CHECK (outcome IN ('success','failure')),
			lesson TEXT,
			created_at DATETIME NOT NULL
		)`,

		// Registry of spawned OS processes.
		`CREATE TABLE IF NOT EXISTS process_registry (
			pid INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			project_id TEXT NOT NULL,
			spawned_at DATETIME NOT NULL,
			last_heartbeat DATETIME NOT NULL
		)`,

		// Single-valued operator directive per project.
		`CREATE TABLE IF NOT EXISTS control_signals (
			project_id TEXT PRIMARY KEY,
			signal TEXT NOT NULL CHECK (signal IN ('PAUSE','SKIP','ABORT','STATUS','ESCALATE')),
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_project ON checkpoints(project_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_phase_results_project ON phase_results(project_id, phase, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_phase_results_session ON phase_results(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_patterns_signature ON healing_patterns(signature)",
		"CREATE INDEX IF NOT EXISTS idx_patterns_session ON healing_patterns(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_registry_project ON process_registry(project_id)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
