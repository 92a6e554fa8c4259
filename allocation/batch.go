package allocation

import (
	"sort"

	"github.com/shopspring/decimal"

	"matflow/material"
)

// Split is the quantity drawn from one batch position.
type Split struct {
	BatchID  string          `json:"batch_id"`
	Location string          `json:"location"`
	Qty      decimal.Decimal `json:"qty"`
	// Version is the balance version the split was planned against.
	Version int64 `json:"version"`
}

// SortFEFO orders batches first-expiry-first-out: ascending expiry with
// undated batches last, then batch ID, then location.
func SortFEFO(batches []material.Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		switch {
		case a.Expiry != nil && b.Expiry == nil:
			return true
		case a.Expiry == nil && b.Expiry != nil:
			return false
		case a.Expiry != nil && b.Expiry != nil && !a.Expiry.Equal(*b.Expiry):
			return a.Expiry.Before(*b.Expiry)
		}
		if a.BatchID != b.BatchID {
			return a.BatchID < b.BatchID
		}
		return a.Location < b.Location
	})
}

// AllocateBatches splits qty of item across the available batches.
//
// Without picks the batches are taken in FEFO order. With picks the caller's
// batch order is kept and only sufficiency is checked; a pick with a zero
// Qty may supply as much as its batch holds. The input slice is not modified.
func AllocateBatches(item *material.Item, qty decimal.Decimal, available []material.Batch, picks []material.BatchPick) ([]Split, error) {
	if !material.Positive(qty) {
		return nil, material.Validationf("requested quantity for %s must be positive", item.Code)
	}
	if len(picks) > 0 {
		return allocatePicked(item, qty, available, picks)
	}

	var candidates []material.Batch
	untracked := decimal.Zero
	for _, b := range available {
		if !material.Positive(b.AvailableQty) {
			continue
		}
		if item.BatchTracked && b.BatchID == "" {
			untracked = untracked.Add(b.AvailableQty)
			continue
		}
		candidates = append(candidates, b)
	}
	SortFEFO(candidates)

	total := decimal.Zero
	for _, b := range candidates {
		total = total.Add(b.AvailableQty)
	}
	if total.Add(material.Tolerance).LessThan(qty) {
		if total.Add(untracked).Add(material.Tolerance).GreaterThanOrEqual(qty) {
			// Enough stock exists, but not under batch numbers we can name.
			return nil, material.BatchRequired(item.Code)
		}
		return nil, material.InsufficientStock(item.Code, qty.Sub(total))
	}
	return walk(qty, candidates, nil), nil
}

func allocatePicked(item *material.Item, qty decimal.Decimal, available []material.Batch, picks []material.BatchPick) ([]Split, error) {
	byID := make(map[string]material.Batch, len(available))
	for _, b := range available {
		if _, dup := byID[b.BatchID]; !dup {
			byID[b.BatchID] = b
		}
	}

	ordered := make([]material.Batch, 0, len(picks))
	caps := make([]decimal.Decimal, 0, len(picks))
	seen := make(map[string]struct{}, len(picks))
	availSum := decimal.Zero
	for _, p := range picks {
		if p.BatchID == "" && item.BatchTracked {
			return nil, material.BatchRequired(item.Code)
		}
		if _, dup := seen[p.BatchID]; dup {
			return nil, material.Validationf("batch %s picked twice for %s", p.BatchID, item.Code)
		}
		seen[p.BatchID] = struct{}{}
		if p.Qty.IsNegative() {
			return nil, material.Validationf("picked quantity for batch %s must not be negative", p.BatchID)
		}
		b, ok := byID[p.BatchID]
		if !ok {
			b = material.Batch{Item: item.Code, BatchID: p.BatchID}
		}
		ordered = append(ordered, b)
		caps = append(caps, p.Qty)
		availSum = availSum.Add(material.NonNegative(b.AvailableQty))
	}
	if availSum.Add(material.Tolerance).LessThan(qty) {
		return nil, material.InsufficientStock(item.Code, qty.Sub(availSum))
	}

	splits := walk(qty, ordered, caps)
	got := decimal.Zero
	for _, s := range splits {
		got = got.Add(s.Qty)
	}
	if !material.WithinTolerance(got, qty) {
		// The picks hold enough stock but their caps do not cover the request.
		return nil, material.BatchRequired(item.Code)
	}
	return splits, nil
}

// walk draws qty from batches in order. caps, when non-nil, limits each
// batch; a zero cap means unlimited.
func walk(qty decimal.Decimal, batches []material.Batch, caps []decimal.Decimal) []Split {
	remaining := qty
	var out []Split
	for i, b := range batches {
		if !material.Positive(remaining) {
			break
		}
		take := material.Min(remaining, material.NonNegative(b.AvailableQty))
		if caps != nil && material.Positive(caps[i]) {
			take = material.Min(take, caps[i])
		}
		if !material.Positive(take) {
			continue
		}
		out = append(out, Split{BatchID: b.BatchID, Location: b.Location, Qty: take, Version: b.Version})
		remaining = remaining.Sub(take)
	}
	return out
}
