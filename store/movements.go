package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"matflow/ledger"
	"matflow/material"
)

// Guard lists what CommitMovement re-validates inside its transaction.
type Guard struct {
	// RunActive rejects movements for runs that have ended or completed.
	RunActive bool
	// CapToNeed rejects a transfer that would move more of an item than the
	// run still needs at commit time.
	CapToNeed bool
	// StrictSource requires every source balance to cover its line.
	// Consumption records what was physically used and leaves it off.
	StrictSource bool
	// ConsumeCeiling bounds the consumed total per item after the movement.
	ConsumeCeiling map[string]decimal.Decimal
}

func (g Guard) readsRun() bool {
	return g.RunActive || g.CapToNeed || len(g.ConsumeCeiling) > 0
}

// CommitMovement persists mv and applies it to the balance mirror in one
// transaction. A guard that no longer holds against live state rolls the
// whole movement back with a Conflict (or State) error.
func (db *DB) CommitMovement(ctx context.Context, mv *material.Movement, g Guard) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		return db.commitMovementTx(ctx, tx, mv, g)
	})
}

func validateMovement(mv *material.Movement) error {
	if mv.ID == "" {
		return material.Validationf("movement id is required")
	}
	if _, err := material.ParsePurpose(mv.Purpose.String()); err != nil {
		return err
	}
	if len(mv.Lines) == 0 {
		return material.Validationf("movement %s has no lines", mv.ID)
	}
	if mv.Purpose.NeedsSource() && mv.SourceLocation == "" {
		return material.Validationf("%s movement requires a source location", mv.Purpose)
	}
	if mv.Purpose.NeedsTarget() && mv.TargetLocation == "" {
		return material.Validationf("%s movement requires a target location", mv.Purpose)
	}
	for _, l := range mv.Lines {
		if l.Item == "" || !material.Positive(l.Qty) {
			return material.Validationf("movement %s line %q needs an item and a positive quantity", mv.ID, l.Item)
		}
	}
	return nil
}

func (db *DB) commitMovementTx(ctx context.Context, tx *sql.Tx, mv *material.Movement, g Guard) error {
	if err := validateMovement(mv); err != nil {
		return err
	}
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = timeNow()
	}

	if mv.RunID != "" {
		// Touching the run row first takes its row lock, so commits against
		// the same run queue up behind each other.
		res, err := tx.ExecContext(ctx, db.Q(`UPDATE production_runs SET updated_at=? WHERE id=?`), db.ts(mv.CreatedAt), mv.RunID)
		if err != nil {
			return fmt.Errorf("lock run %s: %w", mv.RunID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return material.Validationf("unknown run %s", mv.RunID)
		}
		if g.readsRun() {
			if err := db.checkRunGuard(ctx, tx, mv, g); err != nil {
				return err
			}
		}
	} else if g.readsRun() {
		return material.Validationf("%s movement needs a run", mv.Purpose)
	}

	for _, l := range mv.Lines {
		var expiry any
		if mv.Purpose.NeedsSource() {
			var err error
			expiry, err = db.drawBalance(ctx, tx, l, mv.SourceLocation, g.StrictSource, mv.CreatedAt)
			if err != nil {
				return err
			}
		}
		if mv.Purpose.NeedsTarget() {
			if err := db.addBalance(ctx, tx, l, mv.TargetLocation, expiry, mv.CreatedAt); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, db.Q(`INSERT INTO movements (id, purpose, run_id, source_location, target_location, pallet_tag, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		mv.ID, mv.Purpose.String(), mv.RunID, mv.SourceLocation, mv.TargetLocation, mv.PalletTag, mv.Actor, db.ts(mv.CreatedAt)); err != nil {
		return fmt.Errorf("insert movement %s: %w", mv.ID, err)
	}
	for i, l := range mv.Lines {
		if _, err := tx.ExecContext(ctx, db.Q(`INSERT INTO movement_lines (movement_id, line_no, item_code, batch_id, qty, uom) VALUES (?, ?, ?, ?, ?, ?)`),
			mv.ID, i+1, l.Item, l.BatchID, l.Qty, l.UOM); err != nil {
			return fmt.Errorf("insert movement line %s/%d: %w", mv.ID, i+1, err)
		}
	}

	if mv.Purpose == material.PurposeTransfer && mv.RunID != "" {
		if _, err := tx.ExecContext(ctx, db.Q(`UPDATE production_runs SET stage_version=stage_version+1 WHERE id=?`), mv.RunID); err != nil {
			return fmt.Errorf("bump stage version %s: %w", mv.RunID, err)
		}
	}
	return nil
}

func (db *DB) checkRunGuard(ctx context.Context, tx *sql.Tx, mv *material.Movement, g Guard) error {
	run, err := getRun(ctx, db, tx, mv.RunID)
	if err != nil {
		return err
	}
	if g.RunActive && !run.Active() {
		return material.Statef("run %s has ended; no further %s allowed", run.ID, mv.Purpose)
	}
	if !g.CapToNeed && len(g.ConsumeCeiling) == 0 {
		return nil
	}

	reqs, err := listRequirements(ctx, db, tx, mv.RunID)
	if err != nil {
		return err
	}
	history, err := listMovements(ctx, db, tx, `m.run_id=?`, mv.RunID)
	if err != nil {
		return err
	}
	rows := ledger.Fold(mv.RunID, reqs, history, decimal.NewFromInt(1))

	moving := make(map[string]decimal.Decimal)
	for _, l := range mv.Lines {
		moving[l.Item] = moving[l.Item].Add(l.Qty)
	}
	for item, qty := range moving {
		row, _ := ledger.Find(rows, item)
		if g.CapToNeed && mv.Purpose == material.PurposeTransfer {
			need := row.Outstanding()
			if qty.GreaterThan(need.Add(material.Tolerance)) {
				return material.Conflictf("run %s now needs %s of %s, plan moves %s", mv.RunID, need, item, qty)
			}
		}
		if ceiling, ok := g.ConsumeCeiling[item]; ok && mv.Purpose == material.PurposeConsumption {
			if row.Consumed.Add(qty).GreaterThan(ceiling.Add(material.Tolerance)) {
				return material.Validationf("consuming %s of %s exceeds the limit of %s on run %s", qty, item, ceiling, mv.RunID)
			}
		}
	}
	return nil
}

// drawBalance lowers one balance by the line quantity and returns the
// balance's expiry so the target position can carry it.
func (db *DB) drawBalance(ctx context.Context, tx *sql.Tx, l material.MovementLine, location string, strict bool, at time.Time) (any, error) {
	var qty decimal.Decimal
	var version int64
	var expiry any
	err := tx.QueryRowContext(ctx, db.Q(`SELECT qty, version, expiry FROM stock_balances WHERE item_code=? AND batch_id=? AND location=?`),
		l.Item, l.BatchID, location).Scan(&qty, &version, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		if strict {
			return nil, material.Conflictf("no stock of %s batch %q at %s", l.Item, l.BatchID, location)
		}
		_, err := tx.ExecContext(ctx, db.Q(`INSERT INTO stock_balances (item_code, batch_id, location, qty, version, updated_at) VALUES (?, ?, ?, ?, 1, ?)`),
			l.Item, l.BatchID, location, l.Qty.Neg(), db.ts(at))
		if err != nil {
			return nil, fmt.Errorf("insert balance %s/%s@%s: %w", l.Item, l.BatchID, location, err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read balance %s/%s@%s: %w", l.Item, l.BatchID, location, err)
	}

	left := qty.Sub(l.Qty)
	if strict {
		if left.Add(material.Tolerance).IsNegative() {
			return nil, material.Conflictf("batch %q of %s at %s now holds %s, plan needs %s", l.BatchID, l.Item, location, qty, l.Qty)
		}
		left = material.NonNegative(left)
	}
	res, err := tx.ExecContext(ctx, db.Q(`UPDATE stock_balances SET qty=?, version=version+1, updated_at=? WHERE item_code=? AND batch_id=? AND location=? AND version=?`),
		left, db.ts(at), l.Item, l.BatchID, location, version)
	if err != nil {
		return nil, fmt.Errorf("update balance %s/%s@%s: %w", l.Item, l.BatchID, location, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, material.Conflictf("batch %q of %s at %s changed during commit", l.BatchID, l.Item, location)
	}
	return expiry, nil
}

func (db *DB) addBalance(ctx context.Context, tx *sql.Tx, l material.MovementLine, location string, expiry any, at time.Time) error {
	var qty decimal.Decimal
	var version int64
	err := tx.QueryRowContext(ctx, db.Q(`SELECT qty, version FROM stock_balances WHERE item_code=? AND batch_id=? AND location=?`),
		l.Item, l.BatchID, location).Scan(&qty, &version)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := tx.ExecContext(ctx, db.Q(`INSERT INTO stock_balances (item_code, batch_id, location, qty, expiry, version, updated_at) VALUES (?, ?, ?, ?, ?, 1, ?)`),
			l.Item, l.BatchID, location, l.Qty, expiry, db.ts(at))
		if err != nil {
			return fmt.Errorf("insert balance %s/%s@%s: %w", l.Item, l.BatchID, location, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read balance %s/%s@%s: %w", l.Item, l.BatchID, location, err)
	}
	res, err := tx.ExecContext(ctx, db.Q(`UPDATE stock_balances SET qty=?, version=version+1, updated_at=? WHERE item_code=? AND batch_id=? AND location=? AND version=?`),
		qty.Add(l.Qty), db.ts(at), l.Item, l.BatchID, location, version)
	if err != nil {
		return fmt.Errorf("update balance %s/%s@%s: %w", l.Item, l.BatchID, location, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return material.Conflictf("balance %s/%s at %s changed during commit", l.Item, l.BatchID, location)
	}
	return nil
}

const movementSelect = `SELECT m.id, m.purpose, m.run_id, m.source_location, m.target_location, m.pallet_tag, m.actor, m.created_at,
	l.item_code, l.batch_id, l.qty, l.uom
	FROM movements m JOIN movement_lines l ON l.movement_id = m.id`

// listMovements loads movements matching where, oldest first, with their lines.
func listMovements(ctx context.Context, db *DB, q querier, where string, args ...any) ([]*material.Movement, error) {
	rows, err := q.QueryContext(ctx, db.Q(movementSelect+` WHERE `+where+` ORDER BY m.seq, l.line_no`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*material.Movement
	var cur *material.Movement
	for rows.Next() {
		var m material.Movement
		var purpose string
		var createdAt any
		var l material.MovementLine
		if err := rows.Scan(&m.ID, &purpose, &m.RunID, &m.SourceLocation, &m.TargetLocation, &m.PalletTag, &m.Actor, &createdAt,
			&l.Item, &l.BatchID, &l.Qty, &l.UOM); err != nil {
			return nil, err
		}
		if cur == nil || cur.ID != m.ID {
			p, err := material.ParsePurpose(purpose)
			if err != nil {
				return nil, fmt.Errorf("movement %s: %w", m.ID, err)
			}
			m.Purpose = p
			m.CreatedAt = parseTime(createdAt)
			cur = &m
			out = append(out, cur)
		}
		cur.Lines = append(cur.Lines, l)
	}
	return out, rows.Err()
}

// ListMovements returns every movement of a run in commit order.
func (db *DB) ListMovements(runID string) ([]*material.Movement, error) {
	return listMovements(context.Background(), db, db.DB, `m.run_id=?`, runID)
}

func (db *DB) GetMovement(id string) (*material.Movement, error) {
	mvs, err := listMovements(context.Background(), db, db.DB, `m.id=?`, id)
	if err != nil {
		return nil, err
	}
	if len(mvs) == 0 {
		return nil, notFound("movement", id)
	}
	return mvs[0], nil
}

// ListRecentMovements returns the newest movements across all runs, newest first.
func (db *DB) ListRecentMovements(limit int) ([]*material.Movement, error) {
	mvs, err := listMovements(context.Background(), db, db.DB,
		`m.seq IN (SELECT seq FROM movements ORDER BY seq DESC LIMIT ?)`, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(mvs)-1; i < j; i, j = i+1, j-1 {
		mvs[i], mvs[j] = mvs[j], mvs[i]
	}
	return mvs, nil
}
