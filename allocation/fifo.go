package allocation

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"matflow/material"
)

// RunNeed is a selected run with its outstanding need per item
// (required minus transferred, clamped at zero).
type RunNeed struct {
	RunID        string
	PlannedStart time.Time
	Line         string
	Outstanding  map[string]decimal.Decimal
}

// Request is the input to Distribute. Stock holds the batch positions per
// item at the source location.
type Request struct {
	Lines []material.CartLine
	Runs  []RunNeed
	Items map[string]*material.Item
	Stock map[string][]material.Batch
}

// Assignment is the quantity of one item given to one run, split by batch.
type Assignment struct {
	RunID  string          `json:"run_id"`
	Item   string          `json:"item"`
	UOM    string          `json:"uom"`
	Qty    decimal.Decimal `json:"qty"`
	Splits []Split         `json:"splits"`
}

// Result is the outcome of one distribution.
type Result struct {
	// Runs lists the selected runs in priority order.
	Runs        []RunNeed
	Assignments []Assignment
	Unallocated []material.CartLine
}

// ForRun returns the assignments for one run in cart-line order.
func (r *Result) ForRun(runID string) []Assignment {
	var out []Assignment
	for _, a := range r.Assignments {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out
}

// AssignedTotal sums the quantity of item assigned across runs.
func (r *Result) AssignedTotal(item string) decimal.Decimal {
	total := decimal.Zero
	for _, a := range r.Assignments {
		if a.Item == item {
			total = total.Add(a.Qty)
		}
	}
	return total
}

// SortRuns orders runs by planned start, then run ID.
func SortRuns(runs []RunNeed) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].PlannedStart.Equal(runs[j].PlannedStart) {
			return runs[i].PlannedStart.Before(runs[j].PlannedStart)
		}
		return runs[i].RunID < runs[j].RunID
	})
}

// Distribute assigns pooled cart quantities to runs, filling earlier runs
// completely before later runs receive any of an item. Leftover quantity is
// returned as unallocated. Any failure aborts the whole distribution.
func Distribute(req Request) (*Result, error) {
	if len(req.Lines) == 0 {
		return nil, material.Validationf("cart is empty")
	}
	if len(req.Runs) == 0 {
		return nil, material.Validationf("no runs selected")
	}

	runs := make([]RunNeed, len(req.Runs))
	copy(runs, req.Runs)
	seenRun := make(map[string]struct{}, len(runs))
	for _, r := range runs {
		if r.RunID == "" {
			return nil, material.Validationf("run id is required")
		}
		if _, dup := seenRun[r.RunID]; dup {
			return nil, material.Validationf("run %s selected twice", r.RunID)
		}
		seenRun[r.RunID] = struct{}{}
	}
	SortRuns(runs)

	lines, err := aggregate(req.Lines, req.Items)
	if err != nil {
		return nil, err
	}

	pool := make(map[string][]material.Batch, len(req.Stock))
	for item, bs := range req.Stock {
		pool[item] = append([]material.Batch(nil), bs...)
	}

	res := &Result{Runs: runs}
	for _, line := range lines {
		item := req.Items[line.Item]
		remaining := line.RequestedQty
		picks := append([]material.BatchPick(nil), line.Batches...)
		manual := len(picks) > 0

		for _, run := range runs {
			if !material.Positive(remaining) {
				break
			}
			need := material.NonNegative(run.Outstanding[line.Item])
			if !material.Positive(need) {
				continue
			}
			take := material.Min(remaining, need)

			if manual && len(picks) == 0 {
				return nil, fmt.Errorf("run %s: %w", run.RunID, material.BatchRequired(line.Item))
			}
			splits, err := AllocateBatches(item, take, pool[line.Item], picks)
			if err != nil {
				return nil, fmt.Errorf("run %s: %w", run.RunID, err)
			}
			pool[line.Item] = drain(pool[line.Item], splits)
			picks = consumePicks(picks, splits)

			res.Assignments = append(res.Assignments, Assignment{
				RunID:  run.RunID,
				Item:   line.Item,
				UOM:    item.StockUOM,
				Qty:    take,
				Splits: splits,
			})
			remaining = remaining.Sub(take)
		}

		if material.Positive(remaining) {
			left := line
			left.RequestedQty = remaining
			left.Batches = picks
			res.Unallocated = append(res.Unallocated, left)
		}
	}
	return res, nil
}

// aggregate merges cart lines per item, converting each line and its
// batch picks into the item's stock UOM. Line order follows the first
// occurrence of each item.
func aggregate(in []material.CartLine, items map[string]*material.Item) ([]material.CartLine, error) {
	idx := make(map[string]int, len(in))
	var out []material.CartLine
	for _, l := range in {
		if l.Item == "" {
			return nil, material.Validationf("cart line without item")
		}
		item, ok := items[l.Item]
		if !ok {
			return nil, material.Validationf("unknown item %s", l.Item)
		}
		if !material.Positive(l.RequestedQty) {
			return nil, material.Validationf("quantity for %s must be positive", l.Item)
		}
		qty := item.ToStock(l.RequestedQty, l.UOM)
		picks := make([]material.BatchPick, len(l.Batches))
		for j, p := range l.Batches {
			p.Qty = item.ToStock(p.Qty, l.UOM)
			picks[j] = p
		}
		if i, ok := idx[l.Item]; ok {
			out[i].RequestedQty = out[i].RequestedQty.Add(qty)
			out[i].Batches = append(out[i].Batches, picks...)
			if l.Note != "" {
				if out[i].Note != "" {
					out[i].Note += "; "
				}
				out[i].Note += l.Note
			}
			continue
		}
		idx[l.Item] = len(out)
		l.RequestedQty = qty
		l.UOM = item.StockUOM
		l.Batches = picks
		out = append(out, l)
	}
	return out, nil
}

// drain subtracts planned splits from the working pool.
func drain(pool []material.Batch, splits []Split) []material.Batch {
	for _, s := range splits {
		for i := range pool {
			if pool[i].BatchID == s.BatchID && pool[i].Location == s.Location {
				pool[i].AvailableQty = pool[i].AvailableQty.Sub(s.Qty)
				break
			}
		}
	}
	return pool
}

// consumePicks lowers capped picks by what earlier runs already drew and
// drops the ones that are used up. Uncapped picks stay until their batch
// runs dry in the pool.
func consumePicks(picks []material.BatchPick, splits []Split) []material.BatchPick {
	drawn := make(map[string]decimal.Decimal, len(splits))
	for _, s := range splits {
		drawn[s.BatchID] = drawn[s.BatchID].Add(s.Qty)
	}
	out := picks[:0]
	for _, p := range picks {
		if q, ok := drawn[p.BatchID]; ok && material.Positive(p.Qty) {
			p.Qty = p.Qty.Sub(q)
			if !material.Positive(p.Qty) {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}
