package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"matflow/allocation"
	"matflow/ledger"
	"matflow/material"
	"matflow/movement"
	"matflow/store"
)

// AllocateRequest pools a staging cart over the selected runs.
type AllocateRequest struct {
	Lines          []material.CartLine `json:"cart_lines" validate:"required,min=1"`
	RunIDs         []string            `json:"selected_run_ids" validate:"required,min=1"`
	SourceLocation string              `json:"source_location"`
	PalletTag      string              `json:"pallet_tag"`
	Actor          string              `json:"actor"`
}

// RunOutcome reports what happened to one run's transfer.
type RunOutcome struct {
	RunID      string `json:"run_id"`
	MovementID string `json:"movement_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
}

// AllocateResult lists the committed transfers and one outcome per run.
// Unallocated holds cart quantity no run took, plus the lines of any run
// whose transfer failed to commit, in stock UOM.
type AllocateResult struct {
	Movements   []*material.Movement `json:"movements"`
	Outcomes    []RunOutcome         `json:"outcomes"`
	Unallocated []material.CartLine  `json:"unallocated_lines"`
}

// Allocate distributes the cart over the selected runs in planned-start
// order and commits one transfer per run that received stock. Each run
// commits on its own; when every run fails the first failure is returned.
func (e *Engine) Allocate(ctx context.Context, req AllocateRequest) (*AllocateResult, error) {
	cfg := e.Factory()
	if len(req.Lines) == 0 {
		return nil, material.Validationf("cart is empty")
	}
	if len(req.RunIDs) == 0 {
		return nil, material.Validationf("no runs selected")
	}

	ratio := cfg.OverConsumptionRatio()
	needs := make([]allocation.RunNeed, 0, len(req.RunIDs))
	targets := make(map[string]string, len(req.RunIDs))
	var firstLine string
	for _, id := range req.RunIDs {
		id = strings.TrimSpace(id)
		run, err := e.db.GetRun(id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, material.Validationf("run %s does not exist", id)
		}
		if err != nil {
			return nil, err
		}
		if !run.Active() {
			return nil, material.Statef("production ended for run %s", run.ID)
		}
		snap, err := e.ledger.Snapshot(run.ID, ratio)
		if err != nil {
			return nil, err
		}
		needs = append(needs, allocation.RunNeed{
			RunID:        run.ID,
			PlannedStart: run.PlannedStart,
			Line:         run.Line,
			Outstanding:  ledger.Outstanding(snap.Rows),
		})
		targets[run.ID] = cfg.Line(run.Line).WIP
		if firstLine == "" {
			firstLine = run.Line
		}
	}

	source := strings.TrimSpace(req.SourceLocation)
	if source == "" {
		source = cfg.Line(firstLine).Staging
	}
	if source == "" {
		return nil, material.Configurationf("no source location given and no staging location for line %s", firstLine)
	}

	codes := make([]string, 0, len(req.Lines))
	for _, l := range req.Lines {
		codes = append(codes, l.Item)
	}
	items, err := e.db.GetItems(codes)
	if err != nil {
		return nil, err
	}
	stock := make(map[string][]material.Batch, len(items))
	for code := range items {
		bs, err := e.db.AvailableBatches(code, source)
		if err != nil {
			return nil, err
		}
		stock[code] = bs
	}

	res, err := allocation.Distribute(allocation.Request{
		Lines: req.Lines,
		Runs:  needs,
		Items: items,
		Stock: stock,
	})
	if err != nil {
		return nil, err
	}

	mvs, err := e.gen.FromAllocation(res, movement.TransferOptions{
		Source:    source,
		Targets:   targets,
		PalletTag: strings.TrimSpace(req.PalletTag),
		Actor:     req.Actor,
	})
	if err != nil {
		return nil, err
	}

	out := &AllocateResult{Unallocated: res.Unallocated}
	if len(mvs) == 0 {
		return out, nil
	}
	var firstErr error
	for i, o := range e.gen.CommitEach(ctx, mvs, store.Guard{RunActive: true, CapToNeed: true, StrictSource: true}) {
		ro := RunOutcome{RunID: o.RunID}
		if o.Err != nil {
			out.Unallocated = returnToCart(out.Unallocated, mvs[i])
			if firstErr == nil {
				firstErr = o.Err
			}
			ro.Error = o.Err.Error()
			if k := material.KindOf(o.Err); k != 0 {
				ro.Code = k.String()
			}
		} else {
			ro.MovementID = o.Movement.ID
			out.Movements = append(out.Movements, o.Movement)
		}
		out.Outcomes = append(out.Outcomes, ro)
	}
	if len(out.Movements) == 0 {
		return nil, firstErr
	}
	e.logFn("engine: allocated cart to %d of %d runs from %s", len(out.Movements), len(mvs), source)
	return out, nil
}

// returnToCart merges the lines of an uncommitted transfer back into the
// unallocated cart lines, keyed by item. Batch picks are kept unless the
// item already has a leftover line without picks.
func returnToCart(lines []material.CartLine, mv *material.Movement) []material.CartLine {
	fresh := make(map[string]bool)
	for _, ml := range mv.Lines {
		i := -1
		for j := range lines {
			if lines[j].Item == ml.Item {
				i = j
				break
			}
		}
		if i < 0 {
			lines = append(lines, material.CartLine{Item: ml.Item, RequestedQty: decimal.Zero, UOM: ml.UOM})
			i = len(lines) - 1
			fresh[ml.Item] = true
		}
		lines[i].RequestedQty = lines[i].RequestedQty.Add(ml.Qty)
		if ml.BatchID != "" && (fresh[ml.Item] || len(lines[i].Batches) > 0) {
			lines[i].Batches = append(lines[i].Batches, material.BatchPick{BatchID: ml.BatchID, Qty: ml.Qty})
		}
	}
	return lines
}
