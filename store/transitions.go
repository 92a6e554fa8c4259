package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"matflow/material"
)

// Transition is one recorded lifecycle change of a run.
type Transition struct {
	ID        int64              `json:"id"`
	RunID     string             `json:"run_id"`
	From      material.RunStatus `json:"from"`
	To        material.RunStatus `json:"to"`
	Action    string             `json:"action"`
	Operator  string             `json:"operator"`
	Detail    string             `json:"detail"`
	CreatedAt time.Time          `json:"created_at"`
}

// lockRunAt re-reads a run inside tx and checks it is still in the status
// the caller planned against.
func (db *DB) lockRunAt(ctx context.Context, tx *sql.Tx, runID string, from material.RunStatus) (*material.Run, error) {
	if _, err := tx.ExecContext(ctx, db.Q(`UPDATE production_runs SET updated_at=updated_at WHERE id=?`), runID); err != nil {
		return nil, fmt.Errorf("lock run %s: %w", runID, err)
	}
	run, err := getRun(ctx, db, tx, runID)
	if err != nil {
		return nil, err
	}
	if run.ProductionEnded {
		return nil, material.Statef("run %s has ended", runID)
	}
	if run.Status != from {
		return nil, material.Conflictf("run %s is now %s, expected %s", runID, run.Status, from)
	}
	return run, nil
}

func (db *DB) insertTransition(ctx context.Context, tx *sql.Tx, t *Transition) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = timeNow()
	}
	_, err := tx.ExecContext(ctx, db.Q(`INSERT INTO run_transitions (run_id, from_status, to_status, action, operator, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		t.RunID, string(t.From), string(t.To), t.Action, t.Operator, t.Detail, db.ts(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert transition %s: %w", t.RunID, err)
	}
	return nil
}

// TransitionRun moves a run from t.From to t.To and logs the change.
func (db *DB) TransitionRun(ctx context.Context, t *Transition) (*material.Run, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = timeNow()
	}
	var out *material.Run
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		run, err := db.lockRunAt(ctx, tx, t.RunID, t.From)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, db.Q(`UPDATE production_runs SET status=?, updated_at=? WHERE id=?`),
			string(t.To), db.ts(t.CreatedAt), t.RunID); err != nil {
			return fmt.Errorf("update run status %s: %w", t.RunID, err)
		}
		if err := db.insertTransition(ctx, tx, t); err != nil {
			return err
		}
		run.Status = t.To
		out = run
		return nil
	})
	return out, err
}

// EndRun completes a run: it commits the closing movements (semi-finished
// consumption, finished-goods receipt), adds the output quantities, sets
// production_ended and logs the transition, all in one transaction.
func (db *DB) EndRun(ctx context.Context, t *Transition, good, reject decimal.Decimal, mvs []*material.Movement) (*material.Run, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = timeNow()
	}
	var out *material.Run
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		run, err := db.lockRunAt(ctx, tx, t.RunID, t.From)
		if err != nil {
			return err
		}
		for _, mv := range mvs {
			if err := db.commitMovementTx(ctx, tx, mv, Guard{}); err != nil {
				return err
			}
		}
		run.GoodQty = run.GoodQty.Add(good)
		run.RejectQty = run.RejectQty.Add(reject)
		run.Status = material.StatusCompleted
		run.ProductionEnded = true
		if _, err := tx.ExecContext(ctx, db.Q(`UPDATE production_runs SET status=?, production_ended=?, good_qty=?, reject_qty=?, updated_at=? WHERE id=?`),
			string(run.Status), true, run.GoodQty, run.RejectQty, db.ts(t.CreatedAt), t.RunID); err != nil {
			return fmt.Errorf("end run %s: %w", t.RunID, err)
		}
		if err := db.insertTransition(ctx, tx, t); err != nil {
			return err
		}
		out = run
		return nil
	})
	return out, err
}

func (db *DB) ListTransitions(runID string) ([]*Transition, error) {
	rows, err := db.Query(db.Q(`SELECT seq, run_id, from_status, to_status, action, operator, detail, created_at FROM run_transitions WHERE run_id=? ORDER BY seq`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Transition
	for rows.Next() {
		var t Transition
		var from, to string
		var createdAt any
		if err := rows.Scan(&t.ID, &t.RunID, &from, &to, &t.Action, &t.Operator, &t.Detail, &createdAt); err != nil {
			return nil, err
		}
		t.From = material.RunStatus(from)
		t.To = material.RunStatus(to)
		t.CreatedAt = parseTime(createdAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}
