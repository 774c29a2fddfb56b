package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveFuzzRun persists a run record. The scenario document and actor
// resolution are stored verbatim; once written they are never updated.
func (s *Store) SaveFuzzRun(ctx context.Context, run *FuzzRun) error {
	if run.SandboxID == "" {
		return fmt.Errorf("refusing to save run without sandbox tag")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fuzz_runs
			(run_id, sandbox_id, attack_type, seed, mode, scenario_doc, actor_resolution, result_summary, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.SandboxID, string(run.AttackType), run.Seed, run.Mode,
		nullableJSON(run.ScenarioDoc), nullableJSON(run.ActorResolution), nullableJSON(run.ResultSummary),
		run.CreatedBy, run.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to save fuzz run %s: %w", run.RunID, err)
	}
	return nil
}

// GetFuzzRun loads a run record, or returns nil if it doesn't exist.
func (s *Store) GetFuzzRun(ctx context.Context, runID string) (*FuzzRun, error) {
	var run FuzzRun
	var attackType string
	var doc, resolution, summary sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, sandbox_id, attack_type, seed, mode, scenario_doc, actor_resolution, result_summary, created_by, created_at
		FROM fuzz_runs WHERE run_id = ?
	`, runID).Scan(&run.RunID, &run.SandboxID, &attackType, &run.Seed, &run.Mode,
		&doc, &resolution, &summary, &run.CreatedBy, &run.CreatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get fuzz run %s: %w", runID, err)
	}

	run.AttackType = AttackType(attackType)
	if doc.Valid {
		run.ScenarioDoc = []byte(doc.String)
	}
	if resolution.Valid {
		run.ActorResolution = []byte(resolution.String)
	}
	if summary.Valid {
		run.ResultSummary = []byte(summary.String)
	}
	return &run, nil
}

// ListFuzzRuns returns runs for a partition, newest first.
func (s *Store) ListFuzzRuns(ctx context.Context, sandboxID string, limit int) ([]*FuzzRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, sandbox_id, attack_type, seed, mode, result_summary, created_by, created_at
		FROM fuzz_runs WHERE sandbox_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, sandboxID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list fuzz runs: %w", err)
	}
	defer rows.Close()

	var runs []*FuzzRun
	for rows.Next() {
		var run FuzzRun
		var attackType string
		var summary sql.NullString
		if err := rows.Scan(&run.RunID, &run.SandboxID, &attackType, &run.Seed, &run.Mode,
			&summary, &run.CreatedBy, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		run.AttackType = AttackType(attackType)
		if summary.Valid {
			run.ResultSummary = []byte(summary.String)
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run row iteration failed: %w", err)
	}
	return runs, nil
}

// TeardownPartition deletes every row tagged with the partition. This
// is the only deletion path for runs, events, and snapshots; there is
// deliberately no per-run delete, to preserve replay integrity.
func (s *Store) TeardownPartition(ctx context.Context, sandboxID string) error {
	if sandboxID == "" {
		return fmt.Errorf("refusing teardown without sandbox tag")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin teardown: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM scenario_events WHERE sandbox_id = ?",
		"DELETE FROM run_snapshots WHERE sandbox_id = ?",
		"DELETE FROM fuzz_runs WHERE sandbox_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, sandboxID); err != nil {
			return fmt.Errorf("teardown failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit teardown: %w", err)
	}
	return nil
}

// nullableJSON maps empty blobs to NULL so "no stored document" is
// distinguishable from an empty one.
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
