package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveSnapshot persists the full-state capture for (run, step). Replays
// rewrite identical bytes, so REPLACE semantics are safe.
func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap.SandboxID == "" {
		return fmt.Errorf("refusing to save snapshot without sandbox tag")
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_snapshots (run_id, step_index, sandbox_id, state, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, snap.RunID, snap.StepIndex, snap.SandboxID, string(snap.State), snap.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to save snapshot %s/%d: %w", snap.RunID, snap.StepIndex, err)
	}
	return nil
}

// GetSnapshot loads the snapshot at (run, step), or nil if absent.
func (s *Store) GetSnapshot(ctx context.Context, runID string, stepIndex int) (*Snapshot, error) {
	var snap Snapshot
	var state string

	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, step_index, sandbox_id, state, created_at
		FROM run_snapshots WHERE run_id = ? AND step_index = ?
	`, runID, stepIndex).Scan(&snap.RunID, &snap.StepIndex, &snap.SandboxID, &state, &snap.CreatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot %s/%d: %w", runID, stepIndex, err)
	}

	snap.State = []byte(state)
	return &snap, nil
}
