package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"matflow/material"
)

// ClaimRun registers operator on a run. Claiming twice is a no-op. max
// bounds concurrent claimants; zero means unlimited.
func (db *DB) ClaimRun(ctx context.Context, runID, operator string, max int, at time.Time) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, db.Q(`UPDATE production_runs SET updated_at=updated_at WHERE id=?`), runID); err != nil {
			return fmt.Errorf("lock run %s: %w", runID, err)
		}
		run, err := getRun(ctx, db, tx, runID)
		if err != nil {
			return err
		}
		if !run.Active() {
			return material.Statef("run %s has ended", runID)
		}
		active, err := activeOperators(ctx, db, tx, runID)
		if err != nil {
			return err
		}
		for _, op := range active {
			if op == operator {
				return nil
			}
		}
		if max > 0 && len(active) >= max {
			return material.Validationf("run %s already has %d active operators", runID, len(active))
		}
		_, err = tx.ExecContext(ctx, db.Q(`INSERT INTO run_operators (run_id, operator, claimed_at) VALUES (?, ?, ?)`), runID, operator, db.ts(at))
		return err
	})
}

// LeaveRun ends the operator's active claim on a run.
func (db *DB) LeaveRun(ctx context.Context, runID, operator string, at time.Time) error {
	res, err := db.ExecContext(ctx, db.Q(`UPDATE run_operators SET left_at=? WHERE run_id=? AND operator=? AND left_at IS NULL`),
		db.ts(at), runID, operator)
	if err != nil {
		return fmt.Errorf("leave run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return material.Validationf("%s has no active claim on run %s", operator, runID)
	}
	return nil
}

func activeOperators(ctx context.Context, db *DB, q querier, runID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, db.Q(`SELECT operator FROM run_operators WHERE run_id=? AND left_at IS NULL ORDER BY seq`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var op string
		if err := rows.Scan(&op); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// ActiveOperators lists the operators currently claiming a run.
func (db *DB) ActiveOperators(runID string) ([]string, error) {
	return activeOperators(context.Background(), db, db.DB, runID)
}
