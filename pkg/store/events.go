package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AppendEvent inserts one event into the append-only log. Event IDs are
// deterministic, so re-appending an identical event (as a replay does)
// is a no-op rather than a duplicate. The event table's primary key
// provides that structural idempotency.
func (s *Store) AppendEvent(ctx context.Context, event *Event) error {
	if event.SandboxID == "" {
		return fmt.Errorf("refusing to append event without sandbox tag")
	}
	if event.TsIngest.IsZero() {
		event.TsIngest = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO scenario_events
			(event_id, run_id, sandbox_id, step_index, seq, event_type, sim_time, metadata, ts_ingest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.EventID, event.RunID, event.SandboxID, event.StepIndex, event.Seq,
		event.EventType, event.SimTime, string(event.Metadata), event.TsIngest)

	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", event.EventID, err)
	}
	return nil
}

// QueryEvents returns events matching the filter, ordered by step index
// then intra-step sequence. The log is never updated or deleted here;
// TeardownPartition is the only removal path.
func (s *Store) QueryEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	query := `
		SELECT event_id, run_id, sandbox_id, step_index, seq, event_type, sim_time, metadata, ts_ingest
		FROM scenario_events WHERE 1=1`
	var args []interface{}

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.SandboxID != "" {
		query += " AND sandbox_id = ?"
		args = append(args, filter.SandboxID)
	}
	if len(filter.EventTypes) > 0 {
		placeholders := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += " AND event_type IN (" + strings.Join(placeholders, ",") + ")"
	}

	query += " ORDER BY step_index ASC, seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var metadata string
		if err := rows.Scan(&e.EventID, &e.RunID, &e.SandboxID, &e.StepIndex, &e.Seq,
			&e.EventType, &e.SimTime, &metadata, &e.TsIngest); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Metadata = []byte(metadata)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event row iteration failed: %w", err)
	}

	return events, nil
}
