// Package lifecycle drives production runs through their states and
// closes production on a line.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"matflow/allocation"
	"matflow/batchcode"
	"matflow/config"
	"matflow/ledger"
	"matflow/material"
	"matflow/movement"
	"matflow/store"
)

// Machine applies lifecycle actions to runs. State lives in the store;
// every transition re-checks the run's status inside its transaction.
type Machine struct {
	db      *store.DB
	ledger  *ledger.Service
	gen     *movement.Generator
	emitter EventEmitter

	newID func() string
	now   func() time.Time
}

func NewMachine(db *store.DB, l *ledger.Service, gen *movement.Generator, emitter EventEmitter) *Machine {
	return &Machine{
		db:      db,
		ledger:  l,
		gen:     gen,
		emitter: emitter,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// TransitionRequest is one action against a run. GoodQty and RejectQty are
// only read by End.
type TransitionRequest struct {
	RunID     string          `json:"run_id"`
	Action    Action          `json:"action" validate:"required"`
	Operator  string          `json:"operator"`
	Detail    string          `json:"detail"`
	GoodQty   decimal.Decimal `json:"good_qty"`
	RejectQty decimal.Decimal `json:"reject_qty"`
	// BatchID labels the finished goods received at End.
	BatchID string `json:"batch_id"`
}

// Transition applies req and returns the run in its new state.
func (m *Machine) Transition(ctx context.Context, req TransitionRequest, cfg config.FactoryConfig) (*material.Run, error) {
	run, err := m.db.GetRun(req.RunID)
	if err != nil {
		return nil, err
	}
	if run.ProductionEnded {
		return nil, material.Statef("production ended for run %s", run.ID)
	}
	to, ok := Next(run.Status, req.Action)
	if !ok {
		return nil, material.Statef("cannot %s run %s while %s", req.Action, run.ID, run.Status)
	}

	t := &store.Transition{
		RunID:     run.ID,
		From:      run.Status,
		To:        to,
		Action:    string(req.Action),
		Operator:  req.Operator,
		Detail:    req.Detail,
		CreatedAt: m.now(),
	}

	switch req.Action {
	case ActionStart:
		snap, err := m.ledger.Snapshot(run.ID, cfg.OverConsumptionRatio())
		if err != nil {
			return nil, err
		}
		if snap.Stage != material.StageStaged {
			return nil, material.Statef("run %s is %s; start requires all materials staged", run.ID, snap.Stage)
		}
	case ActionPause, ActionResume:
		if err := m.checkOperator(run.ID, req.Operator); err != nil {
			return nil, err
		}
	case ActionEnd:
		return m.end(ctx, run, t, req, cfg)
	}

	updated, err := m.db.TransitionRun(ctx, t)
	if err != nil {
		return nil, err
	}
	m.logTransition(updated, t)
	return updated, nil
}

// checkOperator requires an operator and, when the run has claimants,
// that the operator is one of them.
func (m *Machine) checkOperator(runID, operator string) error {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return material.Validationf("operator is required")
	}
	active, err := m.db.ActiveOperators(runID)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}
	for _, op := range active {
		if op == operator {
			return nil
		}
	}
	return material.Validationf("%s has not claimed run %s", operator, runID)
}

func (m *Machine) end(ctx context.Context, run *material.Run, t *store.Transition, req TransitionRequest, cfg config.FactoryConfig) (*material.Run, error) {
	if req.GoodQty.IsNegative() || req.RejectQty.IsNegative() {
		return nil, material.Validationf("output quantities cannot be negative")
	}
	if req.BatchID != "" {
		if err := batchcode.Validate(req.BatchID); err != nil {
			return nil, err
		}
		req.BatchID = strings.ToUpper(strings.TrimSpace(req.BatchID))
	}
	mvs, err := m.endMovements(run, req, cfg)
	if err != nil {
		return nil, err
	}
	updated, err := m.db.EndRun(ctx, t, req.GoodQty, req.RejectQty, mvs)
	if err != nil {
		return nil, err
	}
	for _, mv := range mvs {
		m.emitter.EmitMovementCommitted(mv)
	}
	m.logTransition(updated, t)
	return updated, nil
}

// endMovements consumes what is left of each semi-finished component at
// the line WIP and receives the good output into finished goods.
func (m *Machine) endMovements(run *material.Run, req TransitionRequest, cfg config.FactoryConfig) ([]*material.Movement, error) {
	lc := cfg.Line(run.Line)
	snap, err := m.ledger.Snapshot(run.ID, cfg.OverConsumptionRatio())
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(snap.Rows)+1)
	for _, r := range snap.Rows {
		codes = append(codes, r.Item)
	}
	codes = append(codes, run.Item)
	items, err := m.db.GetItems(codes)
	if err != nil {
		return nil, err
	}

	var lines []material.MovementLine
	for _, r := range snap.Rows {
		it := items[r.Item]
		if !r.InBOM || it == nil || !cfg.IsSemiFinishedGroup(it.Group) || !material.Positive(r.Remaining) {
			continue
		}
		sfg, err := m.sfgLines(it, r.Remaining, lc.WIP)
		if err != nil {
			return nil, err
		}
		lines = append(lines, sfg...)
	}

	var mvs []*material.Movement
	if len(lines) > 0 {
		if lc.WIP == "" {
			return nil, material.Configurationf("no work-in-progress location for line %q", run.Line)
		}
		mvs = append(mvs, m.gen.Consumption(run.ID, lc.WIP, req.Operator, lines...))
	}
	if material.Positive(req.GoodQty) {
		if lc.FinishedGoods == "" {
			return nil, material.Configurationf("no finished goods location for line %q", run.Line)
		}
		uom := ""
		if it := items[run.Item]; it != nil {
			uom = it.StockUOM
		}
		fg := material.MovementLine{Item: run.Item, BatchID: req.BatchID, Qty: req.GoodQty, UOM: uom}
		mvs = append(mvs, m.gen.New(material.PurposeReceipt, run.ID, "", lc.FinishedGoods, []material.MovementLine{fg}, req.Operator))
	}
	return mvs, nil
}

// sfgLines splits the remaining quantity of a semi-finished item across
// its WIP batches. Tracked items are limited to what WIP holds.
func (m *Machine) sfgLines(it *material.Item, remaining decimal.Decimal, wip string) ([]material.MovementLine, error) {
	if !it.BatchTracked {
		return []material.MovementLine{{Item: it.Code, Qty: remaining, UOM: it.StockUOM}}, nil
	}
	avail, err := m.db.AvailableBatches(it.Code, wip)
	if err != nil {
		return nil, err
	}
	held := decimal.Zero
	for _, b := range avail {
		if b.BatchID != "" {
			held = held.Add(b.AvailableQty)
		}
	}
	qty := material.Min(remaining, held)
	if !material.Positive(qty) {
		log.Printf("lifecycle: no batched stock of %s at %s to consume at end", it.Code, wip)
		return nil, nil
	}
	splits, err := allocation.AllocateBatches(it, qty, avail, nil)
	if err != nil {
		return nil, err
	}
	out := make([]material.MovementLine, 0, len(splits))
	for _, s := range splits {
		out = append(out, material.MovementLine{Item: it.Code, BatchID: s.BatchID, Qty: s.Qty, UOM: it.StockUOM})
	}
	return out, nil
}

// Claim registers an operator on a run, bounded by max_active_operators.
func (m *Machine) Claim(ctx context.Context, runID, operator string, cfg config.FactoryConfig) error {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return material.Validationf("operator is required")
	}
	if err := m.db.ClaimRun(ctx, runID, operator, cfg.MaxActiveOperators, m.now()); err != nil {
		return fmt.Errorf("claim run %s: %w", runID, err)
	}
	m.emitter.EmitOperatorChanged(runID, operator, true)
	return nil
}

func (m *Machine) Leave(ctx context.Context, runID, operator string) error {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return material.Validationf("operator is required")
	}
	if err := m.db.LeaveRun(ctx, runID, operator, m.now()); err != nil {
		return fmt.Errorf("leave run %s: %w", runID, err)
	}
	m.emitter.EmitOperatorChanged(runID, operator, false)
	return nil
}

// RecordOutput adds good and reject quantities to a running run without
// ending it.
func (m *Machine) RecordOutput(ctx context.Context, runID string, good, reject decimal.Decimal) (*material.Run, error) {
	if good.IsNegative() || reject.IsNegative() {
		return nil, material.Validationf("output quantities cannot be negative")
	}
	return m.db.RecordOutput(ctx, runID, good, reject)
}

func (m *Machine) logTransition(run *material.Run, t *store.Transition) {
	log.Printf("lifecycle: run %s %s -> %s (%s)", run.ID, t.From, t.To, t.Action)
	m.emitter.EmitRunTransitioned(run, t)
}
