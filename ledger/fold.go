// Package ledger derives the required/transferred/consumed view of a run
// from its requirements and movement log.
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"matflow/material"
)

// Fold computes one LedgerRow per requirement of the run, followed by rows
// for items that only appear in movements (sorted by item). Movements for
// other runs are ignored. ratio sets the over-consumption flag.
func Fold(runID string, reqs []material.Requirement, mvs []*material.Movement, ratio decimal.Decimal) []material.LedgerRow {
	idx := make(map[string]int, len(reqs))
	rows := make([]material.LedgerRow, 0, len(reqs))
	for _, rq := range reqs {
		if rq.RunID != "" && rq.RunID != runID {
			continue
		}
		if i, ok := idx[rq.Item]; ok {
			rows[i].Required = rows[i].Required.Add(rq.RequiredQty)
			continue
		}
		idx[rq.Item] = len(rows)
		rows = append(rows, material.LedgerRow{
			RunID:    runID,
			Item:     rq.Item,
			UOM:      rq.UOM,
			Required: rq.RequiredQty,
			InBOM:    true,
		})
	}
	bomCount := len(rows)

	row := func(item, uom string) *material.LedgerRow {
		if i, ok := idx[item]; ok {
			return &rows[i]
		}
		idx[item] = len(rows)
		rows = append(rows, material.LedgerRow{RunID: runID, Item: item, UOM: uom})
		return &rows[len(rows)-1]
	}

	for _, mv := range mvs {
		if mv.RunID != runID {
			continue
		}
		for _, l := range mv.Lines {
			switch mv.Purpose {
			case material.PurposeTransfer:
				r := row(l.Item, l.UOM)
				r.Transferred = r.Transferred.Add(l.Qty)
			case material.PurposeConsumption:
				r := row(l.Item, l.UOM)
				r.Consumed = r.Consumed.Add(l.Qty)
			case material.PurposeReturn:
				r := row(l.Item, l.UOM)
				r.Consumed = r.Consumed.Sub(l.Qty)
			case material.PurposeIssue, material.PurposeReceipt:
				// Run-scoped issues and receipts (finished goods) move stock
				// without touching the component ledger.
			}
		}
	}

	extra := rows[bomCount:]
	sort.SliceStable(extra, func(i, j int) bool { return extra[i].Item < extra[j].Item })
	for i := range rows {
		rows[i].Remaining = rows[i].Required.Sub(rows[i].Consumed)
	}
	ApplyThreshold(rows, ratio)
	return rows
}

// ApplyThreshold recomputes the over-consumption flag of each row. Only
// bill-of-material rows can be over-consumed.
func ApplyThreshold(rows []material.LedgerRow, ratio decimal.Decimal) {
	for i := range rows {
		r := &rows[i]
		r.OverConsumed = r.InBOM && r.Consumed.GreaterThan(r.Required.Mul(ratio))
	}
}

// Stage derives the staging status from ledger rows. A run without
// requirements has nothing to stage and counts as staged.
func Stage(rows []material.LedgerRow) material.StageStatus {
	allMet, anyMoved := true, false
	for _, r := range rows {
		if !r.InBOM {
			continue
		}
		if r.Transferred.Sign() > 0 {
			anyMoved = true
		}
		if r.Transferred.Add(material.StageEpsilon).LessThan(r.Required) {
			allMet = false
		}
	}
	switch {
	case allMet:
		return material.StageStaged
	case anyMoved:
		return material.StagePartial
	default:
		return material.StageNotAllocated
	}
}

// Outstanding returns required minus transferred per bill-of-material item,
// clamped at zero.
func Outstanding(rows []material.LedgerRow) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		if r.InBOM {
			out[r.Item] = r.Outstanding()
		}
	}
	return out
}

// Find returns the row for item.
func Find(rows []material.LedgerRow, item string) (material.LedgerRow, bool) {
	for _, r := range rows {
		if r.Item == item {
			return r, true
		}
	}
	return material.LedgerRow{}, false
}

// Ceiling is the most that may be consumed of a row under a hard limit.
func Ceiling(r material.LedgerRow, ratio decimal.Decimal) decimal.Decimal {
	return r.Required.Mul(ratio)
}
