package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"matflow/material"
)

// Closure is one Close Production of a line.
type Closure struct {
	ID        string          `json:"id"`
	Line      string          `json:"line"`
	Mode      string          `json:"mode"`
	GoodQty   decimal.Decimal `json:"good_qty"`
	RejectQty decimal.Decimal `json:"reject_qty"`
	Operator  string          `json:"operator"`
	RunIDs    []string        `json:"run_ids"`
	CreatedAt time.Time       `json:"created_at"`
}

// CloseLine records a closure, stamps its runs and commits the packaging
// consumption in one transaction. A run already taken by another closure
// aborts with Conflict.
func (db *DB) CloseLine(ctx context.Context, c *Closure, mvs []*material.Movement) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = timeNow()
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, db.Q(`INSERT INTO line_closures (id, line, mode, good_qty, reject_qty, operator, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			c.ID, c.Line, c.Mode, c.GoodQty, c.RejectQty, c.Operator, db.ts(c.CreatedAt)); err != nil {
			return fmt.Errorf("insert closure %s: %w", c.ID, err)
		}
		for _, id := range c.RunIDs {
			res, err := tx.ExecContext(ctx, db.Q(`UPDATE production_runs SET closure_id=?, updated_at=? WHERE id=? AND closure_id=''`),
				c.ID, db.ts(c.CreatedAt), id)
			if err != nil {
				return fmt.Errorf("stamp run %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return material.Conflictf("run %s was closed concurrently", id)
			}
		}
		for _, mv := range mvs {
			if err := db.commitMovementTx(ctx, tx, mv, Guard{}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) GetClosure(id string) (*Closure, error) {
	var c Closure
	var createdAt any
	err := db.QueryRow(db.Q(`SELECT id, line, mode, good_qty, reject_qty, operator, created_at FROM line_closures WHERE id=?`), id).
		Scan(&c.ID, &c.Line, &c.Mode, &c.GoodQty, &c.RejectQty, &c.Operator, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("closure", id)
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(createdAt)
	rows, err := db.Query(db.Q(`SELECT id FROM production_runs WHERE closure_id=? ORDER BY planned_start, id`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, err
		}
		c.RunIDs = append(c.RunIDs, runID)
	}
	return &c, rows.Err()
}
