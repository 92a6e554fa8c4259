package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"matflow/material"
)

const balanceColumns = `item_code, batch_id, location, qty, expiry, version`

func scanBalance(row rowScanner) (material.Batch, error) {
	var b material.Batch
	var expiry any
	if err := row.Scan(&b.Item, &b.BatchID, &b.Location, &b.AvailableQty, &expiry, &b.Version); err != nil {
		return b, err
	}
	b.Expiry = parseTimePtr(expiry)
	return b, nil
}

// SetBalance overwrites one balance with the quantity reported by the stock
// service. The version moves on so in-flight plans against the old figure
// fail their guard.
func (db *DB) SetBalance(ctx context.Context, b material.Batch) error {
	if b.Item == "" || b.Location == "" {
		return material.Validationf("balance needs an item and a location")
	}
	if b.AvailableQty.IsNegative() {
		return material.Validationf("balance of %s at %s must not be negative", b.Item, b.Location)
	}
	var expiry any
	if b.Expiry != nil {
		expiry = db.ts(*b.Expiry)
	}
	_, err := db.ExecContext(ctx, db.Q(`INSERT INTO stock_balances (item_code, batch_id, location, qty, expiry, version, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (item_code, batch_id, location) DO UPDATE SET qty=excluded.qty, expiry=excluded.expiry,
			version=stock_balances.version+1, updated_at=excluded.updated_at`),
		b.Item, b.BatchID, b.Location, b.AvailableQty, expiry, db.ts(timeNow()))
	if err != nil {
		return fmt.Errorf("set balance %s/%s@%s: %w", b.Item, b.BatchID, b.Location, err)
	}
	return nil
}

func (db *DB) GetBalance(item, batchID, location string) (material.Batch, error) {
	b, err := scanBalance(db.QueryRow(db.Q(`SELECT `+balanceColumns+` FROM stock_balances WHERE item_code=? AND batch_id=? AND location=?`),
		item, batchID, location))
	if errors.Is(err, sql.ErrNoRows) {
		return b, notFound("balance", item+"/"+batchID+"@"+location)
	}
	return b, err
}

func (db *DB) listBalances(query string, args ...any) ([]material.Batch, error) {
	rows, err := db.Query(db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []material.Batch
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AvailableBatches returns the positive balances of item at location.
func (db *DB) AvailableBatches(item, location string) ([]material.Batch, error) {
	all, err := db.listBalances(`SELECT `+balanceColumns+` FROM stock_balances WHERE item_code=? AND location=? ORDER BY batch_id`, item, location)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, b := range all {
		if material.Positive(b.AvailableQty) {
			out = append(out, b)
		}
	}
	return out, nil
}

// ListBalancesAt returns every balance held at a location, including
// negative positions left by unreconciled consumption.
func (db *DB) ListBalancesAt(location string) ([]material.Batch, error) {
	return db.listBalances(`SELECT `+balanceColumns+` FROM stock_balances WHERE location=? ORDER BY item_code, batch_id`, location)
}

func (db *DB) ListBalances(limit int) ([]material.Batch, error) {
	return db.listBalances(`SELECT `+balanceColumns+` FROM stock_balances ORDER BY location, item_code, batch_id LIMIT ?`, limit)
}

// BatchIDsWithPrefix returns the distinct batch IDs starting with prefix
// across balances and movement lines.
func (db *DB) BatchIDsWithPrefix(prefix string) ([]string, error) {
	pattern := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix) + "%"
	rows, err := db.Query(db.Q(`SELECT batch_id FROM stock_balances WHERE batch_id LIKE ? ESCAPE '\'
		UNION SELECT batch_id FROM movement_lines WHERE batch_id LIKE ? ESCAPE '\'`), pattern, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
