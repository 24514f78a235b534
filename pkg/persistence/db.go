// Package persistence provides SQLite-based storage for project checkpoints,
// phase results, healing patterns, the process registry, and control signals.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"conductor/pkg/logx"
)

// Store wraps the database connection and scopes all operations to one
// engine session. Multiple sessions can share a database file.
type Store struct {
	db        *sql.DB
	sessionID string
	logger    *logx.Logger
}

// Open opens (creating if necessary) the database at dbPath and ensures the
// schema is at the current version.
func Open(dbPath, sessionID string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("Database initialized: %s (session: %s)", dbPath, sessionID)

	return &Store{db: db, sessionID: sessionID, logger: logger}, nil
}

// SessionID returns the session this store is scoped to.
func (s *Store) SessionID() string {
	return s.sessionID
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
