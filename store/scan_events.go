package store

import (
	"context"
	"fmt"

	"matflow/material"
)

func (db *DB) InsertScanEvent(ctx context.Context, ev *material.ScanEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = timeNow()
	}
	_, err := db.ExecContext(ctx, db.Q(`INSERT INTO scan_events (id, run_id, item_code, batch_id, qty, raw_code, outcome, reason, operator, movement_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.RunID, ev.Item, ev.BatchID, ev.Qty, ev.RawCode, string(ev.Outcome), ev.Reason, ev.Operator, ev.MovementID, db.ts(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert scan event %s: %w", ev.ID, err)
	}
	return nil
}

// ListScanEvents returns the latest scan attempts of a run, newest first.
func (db *DB) ListScanEvents(runID string, limit int) ([]*material.ScanEvent, error) {
	rows, err := db.Query(db.Q(`SELECT id, run_id, item_code, batch_id, qty, raw_code, outcome, reason, operator, movement_id, created_at
		FROM scan_events WHERE run_id=? ORDER BY seq DESC LIMIT ?`), runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*material.ScanEvent
	for rows.Next() {
		var ev material.ScanEvent
		var outcome string
		var createdAt any
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Item, &ev.BatchID, &ev.Qty, &ev.RawCode, &outcome, &ev.Reason, &ev.Operator, &ev.MovementID, &createdAt); err != nil {
			return nil, err
		}
		ev.Outcome = material.ScanOutcome(outcome)
		ev.CreatedAt = parseTime(createdAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
