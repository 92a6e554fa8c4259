package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"matflow/material"
	"matflow/messaging"
	"matflow/protocol"
	"matflow/scan"
	"matflow/store"
)

var _ messaging.Planner = (*Engine)(nil)

// ScheduleRun creates or reschedules a run that has not started.
// Requirement quantities are converted into each component's stock UOM.
func (e *Engine) ScheduleRun(ctx context.Context, p *protocol.RunSchedule) error {
	return e.scheduleRun(ctx, p, "planner")
}

// ScheduleRunAs is ScheduleRun for a named actor, used by the admin API.
func (e *Engine) ScheduleRunAs(ctx context.Context, p *protocol.RunSchedule, actor string) error {
	return e.scheduleRun(ctx, p, actor)
}

func (e *Engine) scheduleRun(ctx context.Context, p *protocol.RunSchedule, actor string) error {
	if strings.TrimSpace(p.RunID) == "" || strings.TrimSpace(p.Item) == "" {
		return material.Validationf("run id and item are required")
	}
	if !material.Positive(p.PlannedQty) {
		return material.Validationf("planned quantity of run %s must be positive", p.RunID)
	}
	codes := make([]string, 0, len(p.Requirements))
	for _, r := range p.Requirements {
		codes = append(codes, r.Item)
	}
	items, err := e.db.GetItems(codes)
	if err != nil {
		return err
	}

	reqs := make([]material.Requirement, 0, len(p.Requirements))
	for _, r := range p.Requirements {
		it, ok := items[r.Item]
		if !ok {
			return material.Validationf("run %s requires unknown item %s", p.RunID, r.Item)
		}
		if r.Qty.IsNegative() {
			return material.Validationf("requirement of %s on run %s must not be negative", r.Item, p.RunID)
		}
		reqs = append(reqs, material.Requirement{
			RunID:       p.RunID,
			Item:        it.Code,
			UOM:         it.StockUOM,
			RequiredQty: it.ToStock(r.Qty, r.UOM),
		})
	}

	run := &material.Run{
		ID:           p.RunID,
		Item:         p.Item,
		PlannedQty:   p.PlannedQty,
		PlannedStart: p.PlannedStart,
		Line:         p.Line,
	}
	if err := e.db.UpsertRun(ctx, run, reqs); err != nil {
		return err
	}
	e.ledger.Invalidate(run.ID)
	e.Events.Emit(Event{Type: EventRunScheduled, Payload: RunScheduledEvent{
		RunID:        run.ID,
		Line:         run.Line,
		Requirements: len(reqs),
		Actor:        actor,
	}})
	return nil
}

// ApplyStockSnapshot overwrites the mirrored balances it lists. Batch IDs go
// through the whitespace policy first. Bad balances are skipped and
// reported together once the rest are applied.
func (e *Engine) ApplyStockSnapshot(ctx context.Context, p *protocol.StockSnapshot) error {
	return e.applyBalances(ctx, p.Balances, "stock-service")
}

// SetStock overwrites one balance, used by the admin API.
func (e *Engine) SetStock(ctx context.Context, b protocol.StockBalance, actor string) error {
	return e.applyBalances(ctx, []protocol.StockBalance{b}, actor)
}

func (e *Engine) applyBalances(ctx context.Context, balances []protocol.StockBalance, actor string) error {
	cfg := e.Factory()
	var errs []error
	applied := 0
	for _, b := range balances {
		batch, err := scan.NormalizeBatch(b.BatchID, cfg.CodeNormalizationPolicy, cfg.BatchSpaceReplacement)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s@%s: %w", b.Item, b.Location, err))
			continue
		}
		err = e.db.SetBalance(ctx, material.Batch{
			Item:         strings.TrimSpace(b.Item),
			BatchID:      batch,
			Location:     strings.TrimSpace(b.Location),
			AvailableQty: b.Qty,
			Expiry:       b.Expiry,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}
	if applied > 0 {
		e.Events.Emit(Event{Type: EventStockUpdated, Payload: StockUpdatedEvent{Balances: applied, Actor: actor}})
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

// SyncItems upserts item master records.
func (e *Engine) SyncItems(ctx context.Context, p *protocol.ItemsSync) error {
	var errs []error
	synced := 0
	for _, r := range p.Items {
		it := &material.Item{
			Code:         strings.TrimSpace(r.Code),
			Name:         r.Name,
			StockUOM:     r.StockUOM,
			Group:        r.Group,
			BatchTracked: r.BatchTracked,
			ScanUnitQty:  r.ScanUnitQty,
			Barcodes:     r.Barcodes,
			UOMFactors:   r.UOMFactors,
		}
		if err := e.db.UpsertItem(ctx, it); err != nil {
			errs = append(errs, fmt.Errorf("item %s: %w", r.Code, err))
			continue
		}
		synced++
	}
	if synced > 0 {
		e.Events.Emit(Event{Type: EventItemsSynced, Payload: ItemsSyncedEvent{Items: synced}})
	}
	return errors.Join(errs...)
}

// ManualMovementRequest is an ad-hoc issue, receipt, transfer, return or
// consumption entered by a storekeeper.
type ManualMovementRequest struct {
	Purpose        material.Purpose        `json:"purpose"`
	RunID          string                  `json:"run_id"`
	SourceLocation string                  `json:"source_location"`
	TargetLocation string                  `json:"target_location"`
	PalletTag      string                  `json:"pallet_tag"`
	Lines          []material.MovementLine `json:"lines" validate:"required,min=1"`
	Actor          string                  `json:"actor"`
}

// ManualMovement commits a single movement. Run-bound movements require an
// active run, and draws from a source must be covered by stock except for
// consumption, which records what was physically used.
func (e *Engine) ManualMovement(ctx context.Context, req ManualMovementRequest) (*material.Movement, error) {
	if len(req.Lines) == 0 {
		return nil, material.Validationf("movement has no lines")
	}
	if req.RunID != "" {
		if _, err := e.db.GetRun(req.RunID); errors.Is(err, store.ErrNotFound) {
			return nil, material.Validationf("run %s does not exist", req.RunID)
		} else if err != nil {
			return nil, err
		}
	}
	lines := make([]material.MovementLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		it, err := e.db.GetItem(l.Item)
		if errors.Is(err, store.ErrNotFound) {
			return nil, material.Validationf("unknown item %s", l.Item)
		}
		if err != nil {
			return nil, err
		}
		if it.BatchTracked && strings.TrimSpace(l.BatchID) == "" {
			return nil, material.BatchRequired(it.Code)
		}
		l.Qty = it.ToStock(l.Qty, l.UOM)
		l.UOM = it.StockUOM
		lines = append(lines, l)
	}

	mv := e.gen.New(req.Purpose, req.RunID, strings.TrimSpace(req.SourceLocation), strings.TrimSpace(req.TargetLocation), lines, req.Actor)
	mv.PalletTag = strings.TrimSpace(req.PalletTag)
	guard := store.Guard{
		RunActive:    req.RunID != "",
		StrictSource: req.Purpose != material.PurposeConsumption,
	}
	if err := e.gen.Commit(ctx, mv, guard); err != nil {
		return nil, err
	}
	return mv, nil
}
