package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"matflow/material"
)

// UpsertItem writes an item master entry and replaces its barcodes and
// UOM factors.
func (db *DB) UpsertItem(ctx context.Context, it *material.Item) error {
	if it.Code == "" {
		return material.Validationf("item code is required")
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, db.Q(`INSERT INTO items (code, name, stock_uom, item_group, batch_tracked, scan_unit_qty, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (code) DO UPDATE SET name=excluded.name, stock_uom=excluded.stock_uom, item_group=excluded.item_group,
				batch_tracked=excluded.batch_tracked, scan_unit_qty=excluded.scan_unit_qty, updated_at=excluded.updated_at`),
			it.Code, it.Name, it.StockUOM, it.Group, it.BatchTracked, it.ScanUnitQty, db.ts(timeNow()))
		if err != nil {
			return fmt.Errorf("upsert item %s: %w", it.Code, err)
		}
		if _, err := tx.ExecContext(ctx, db.Q(`DELETE FROM item_barcodes WHERE item_code=?`), it.Code); err != nil {
			return err
		}
		for _, bc := range it.Barcodes {
			if bc == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, db.Q(`INSERT INTO item_barcodes (barcode, item_code) VALUES (?, ?)
				ON CONFLICT (barcode) DO UPDATE SET item_code=excluded.item_code`), bc, it.Code); err != nil {
				return fmt.Errorf("barcode %s: %w", bc, err)
			}
		}
		if _, err := tx.ExecContext(ctx, db.Q(`DELETE FROM item_uoms WHERE item_code=?`), it.Code); err != nil {
			return err
		}
		for uom, f := range it.UOMFactors {
			if _, err := tx.ExecContext(ctx, db.Q(`INSERT INTO item_uoms (item_code, uom, factor) VALUES (?, ?, ?)`), it.Code, uom, f); err != nil {
				return fmt.Errorf("uom %s: %w", uom, err)
			}
		}
		return nil
	})
}

func (db *DB) GetItem(code string) (*material.Item, error) {
	it, err := db.scanItem(db.QueryRow(db.Q(`SELECT code, name, stock_uom, item_group, batch_tracked, scan_unit_qty FROM items WHERE code=?`), code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("item", code)
	}
	if err != nil {
		return nil, err
	}
	if err := db.loadItemDetail(it); err != nil {
		return nil, err
	}
	return it, nil
}

// ItemByBarcode resolves a barcode (EAN, GTIN) to its item.
func (db *DB) ItemByBarcode(barcode string) (*material.Item, error) {
	var code string
	err := db.QueryRow(db.Q(`SELECT item_code FROM item_barcodes WHERE barcode=?`), barcode).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("barcode", barcode)
	}
	if err != nil {
		return nil, err
	}
	return db.GetItem(code)
}

// GetItems loads the given item codes. Unknown codes are left out of the map.
func (db *DB) GetItems(codes []string) (map[string]*material.Item, error) {
	out := make(map[string]*material.Item, len(codes))
	for _, c := range codes {
		if _, ok := out[c]; ok {
			continue
		}
		it, err := db.GetItem(c)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[c] = it
	}
	return out, nil
}

func (db *DB) ListItems() ([]*material.Item, error) {
	rows, err := db.Query(`SELECT code, name, stock_uom, item_group, batch_tracked, scan_unit_qty FROM items ORDER BY code`)
	if err != nil {
		return nil, err
	}
	var items []*material.Item
	for rows.Next() {
		it, err := db.scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, it := range items {
		if err := db.loadItemDetail(it); err != nil {
			return nil, err
		}
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanItem(row rowScanner) (*material.Item, error) {
	var it material.Item
	if err := row.Scan(&it.Code, &it.Name, &it.StockUOM, &it.Group, &it.BatchTracked, &it.ScanUnitQty); err != nil {
		return nil, err
	}
	return &it, nil
}

func (db *DB) loadItemDetail(it *material.Item) error {
	rows, err := db.Query(db.Q(`SELECT barcode FROM item_barcodes WHERE item_code=?`), it.Code)
	if err != nil {
		return err
	}
	for rows.Next() {
		var bc string
		if err := rows.Scan(&bc); err != nil {
			rows.Close()
			return err
		}
		it.Barcodes = append(it.Barcodes, bc)
	}
	rows.Close()
	sort.Strings(it.Barcodes)

	rows, err = db.Query(db.Q(`SELECT uom, factor FROM item_uoms WHERE item_code=?`), it.Code)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var uom string
		var f decimal.Decimal
		if err := rows.Scan(&uom, &f); err != nil {
			return err
		}
		if it.UOMFactors == nil {
			it.UOMFactors = make(map[string]decimal.Decimal)
		}
		it.UOMFactors[uom] = f
	}
	return rows.Err()
}
