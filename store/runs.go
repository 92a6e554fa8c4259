package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"matflow/material"
)

const runColumns = `id, item_code, planned_qty, planned_start, line, status, production_ended, good_qty, reject_qty, stage_version, closure_id, created_at, updated_at`

func scanRun(row rowScanner) (*material.Run, error) {
	var r material.Run
	var status string
	var plannedStart, createdAt, updatedAt any
	if err := row.Scan(&r.ID, &r.Item, &r.PlannedQty, &plannedStart, &r.Line, &status, &r.ProductionEnded,
		&r.GoodQty, &r.RejectQty, &r.StageVersion, &r.ClosureID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Status = material.RunStatus(status)
	r.PlannedStart = parseTime(plannedStart)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// UpsertRun schedules a run with its exploded requirements. A run that has
// already started cannot be rescheduled.
func (db *DB) UpsertRun(ctx context.Context, run *material.Run, reqs []material.Requirement) error {
	if run.ID == "" || run.Item == "" {
		return material.Validationf("run id and item are required")
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRun(ctx, db, tx, run.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			now := db.ts(timeNow())
			_, err = tx.ExecContext(ctx, db.Q(`INSERT INTO production_runs (id, item_code, planned_qty, planned_start, line, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
				run.ID, run.Item, run.PlannedQty, db.ts(run.PlannedStart), run.Line, string(material.StatusNotStarted), now, now)
			if err != nil {
				return fmt.Errorf("insert run %s: %w", run.ID, err)
			}
		case err != nil:
			return err
		default:
			if existing.Status != material.StatusNotStarted {
				return material.Statef("run %s is %s and can no longer be rescheduled", run.ID, existing.Status)
			}
			_, err = tx.ExecContext(ctx, db.Q(`UPDATE production_runs SET item_code=?, planned_qty=?, planned_start=?, line=?, updated_at=? WHERE id=?`),
				run.Item, run.PlannedQty, db.ts(run.PlannedStart), run.Line, db.ts(timeNow()), run.ID)
			if err != nil {
				return fmt.Errorf("update run %s: %w", run.ID, err)
			}
		}

		if _, err := tx.ExecContext(ctx, db.Q(`DELETE FROM component_requirements WHERE run_id=?`), run.ID); err != nil {
			return err
		}
		merged, err := mergeRequirements(run.ID, reqs)
		if err != nil {
			return err
		}
		for _, rq := range merged {
			_, err := tx.ExecContext(ctx, db.Q(`INSERT INTO component_requirements (run_id, item_code, uom, required_qty) VALUES (?, ?, ?, ?)`),
				run.ID, rq.Item, rq.UOM, rq.RequiredQty)
			if err != nil {
				return fmt.Errorf("insert requirement %s: %w", rq.Item, err)
			}
		}
		return nil
	})
}

// mergeRequirements sums repeated items, as a BOM may list a component on
// several lines.
func mergeRequirements(runID string, reqs []material.Requirement) ([]material.Requirement, error) {
	idx := make(map[string]int, len(reqs))
	var out []material.Requirement
	for _, rq := range reqs {
		if rq.Item == "" || rq.RequiredQty.IsNegative() {
			return nil, material.Validationf("invalid requirement %q for run %s", rq.Item, runID)
		}
		if i, ok := idx[rq.Item]; ok {
			out[i].RequiredQty = out[i].RequiredQty.Add(rq.RequiredQty)
			continue
		}
		idx[rq.Item] = len(out)
		rq.RunID = runID
		out = append(out, rq)
	}
	return out, nil
}

func getRun(ctx context.Context, db *DB, q querier, id string) (*material.Run, error) {
	r, err := scanRun(q.QueryRowContext(ctx, db.Q(`SELECT `+runColumns+` FROM production_runs WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", id)
	}
	return r, err
}

func (db *DB) GetRun(id string) (*material.Run, error) {
	return getRun(context.Background(), db, db.DB, id)
}

func (db *DB) listRuns(query string, args ...any) ([]*material.Run, error) {
	rows, err := db.Query(db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []*material.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListOpenRunsByLine returns the runs of a line that no closure has taken yet.
func (db *DB) ListOpenRunsByLine(line string) ([]*material.Run, error) {
	return db.listRuns(`SELECT `+runColumns+` FROM production_runs WHERE line=? AND closure_id='' ORDER BY planned_start, id`, line)
}

// ListQueuedRuns returns the runs of a line that are not yet completed.
func (db *DB) ListQueuedRuns(line string) ([]*material.Run, error) {
	return db.listRuns(`SELECT `+runColumns+` FROM production_runs WHERE line=? AND status<>? ORDER BY planned_start, id`,
		line, string(material.StatusCompleted))
}

func (db *DB) ListRuns(limit int) ([]*material.Run, error) {
	return db.listRuns(`SELECT `+runColumns+` FROM production_runs ORDER BY planned_start DESC, id LIMIT ?`, limit)
}

func listRequirements(ctx context.Context, db *DB, q querier, runID string) ([]material.Requirement, error) {
	rows, err := q.QueryContext(ctx, db.Q(`SELECT run_id, item_code, uom, required_qty FROM component_requirements WHERE run_id=? ORDER BY item_code`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reqs []material.Requirement
	for rows.Next() {
		var rq material.Requirement
		if err := rows.Scan(&rq.RunID, &rq.Item, &rq.UOM, &rq.RequiredQty); err != nil {
			return nil, err
		}
		reqs = append(reqs, rq)
	}
	return reqs, rows.Err()
}

// ListRequirements returns the component requirements of a run.
func (db *DB) ListRequirements(runID string) ([]material.Requirement, error) {
	return listRequirements(context.Background(), db, db.DB, runID)
}

// RecordOutput adds good and reject quantities to a running run.
func (db *DB) RecordOutput(ctx context.Context, runID string, good, reject decimal.Decimal) (*material.Run, error) {
	var out *material.Run
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		r, err := getRun(ctx, db, tx, runID)
		if err != nil {
			return err
		}
		if !r.Active() {
			return material.Statef("run %s has ended", runID)
		}
		r.GoodQty = r.GoodQty.Add(good)
		r.RejectQty = r.RejectQty.Add(reject)
		if _, err := tx.ExecContext(ctx, db.Q(`UPDATE production_runs SET good_qty=?, reject_qty=?, updated_at=? WHERE id=?`),
			r.GoodQty, r.RejectQty, db.ts(timeNow()), runID); err != nil {
			return fmt.Errorf("record output %s: %w", runID, err)
		}
		out = r
		return nil
	})
	return out, err
}
