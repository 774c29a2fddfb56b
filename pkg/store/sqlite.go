package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store manages the SQLite connection and schema.
type Store struct {
	db *sql.DB
}

// NewStore initializes the SQLite database connection.
// It enables WAL mode for concurrency and durability.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	// Enable WAL mode (Write-Ahead Logging)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the necessary tables if they don't exist.
func (s *Store) migrate() error {
	// Every row carries sandbox_id: all reads and writes are scoped to
	// a partition, and whole-partition teardown is the only delete path.
	query := `
	CREATE TABLE IF NOT EXISTS scenario_events (
		event_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		sandbox_id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		sim_time INTEGER NOT NULL,
		metadata JSON NOT NULL,
		ts_ingest DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Overlay queries read a run's events in step order.
	CREATE INDEX IF NOT EXISTS idx_events_run_step ON scenario_events(run_id, step_index, seq);
	CREATE INDEX IF NOT EXISTS idx_events_sandbox ON scenario_events(sandbox_id);

	CREATE TABLE IF NOT EXISTS fuzz_runs (
		run_id TEXT PRIMARY KEY,
		sandbox_id TEXT NOT NULL,
		attack_type TEXT NOT NULL,
		seed INTEGER NOT NULL,
		mode TEXT NOT NULL,
		scenario_doc JSON,
		actor_resolution JSON,
		result_summary JSON,
		created_by TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_sandbox ON fuzz_runs(sandbox_id);

	CREATE TABLE IF NOT EXISTS run_snapshots (
		run_id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		sandbox_id TEXT NOT NULL,
		state JSON NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, step_index)
	);

	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS webhooks (
		webhook_id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		secret TEXT,
		events JSON NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		active INTEGER NOT NULL DEFAULT 1
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}
