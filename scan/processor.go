// Package scan validates barcode scans against a run and turns accepted
// scans into consumption or staging movements.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"matflow/config"
	"matflow/ledger"
	"matflow/material"
	"matflow/movement"
	"matflow/store"
)

// Catalog is the read and audit surface the processor needs from storage.
type Catalog interface {
	GetRun(id string) (*material.Run, error)
	GetItem(code string) (*material.Item, error)
	ItemByBarcode(barcode string) (*material.Item, error)
	ListRequirements(runID string) ([]material.Requirement, error)
	InsertScanEvent(ctx context.Context, ev *material.ScanEvent) error
}

// EventEmitter is notified of every recorded scan attempt.
type EventEmitter interface {
	EmitScanRecorded(ev *material.ScanEvent)
}

// Request is one scan from a line terminal.
type Request struct {
	RunID    string `json:"run_id" validate:"required"`
	Code     string `json:"code" validate:"required"`
	Operator string `json:"operator"`
}

// Result is returned for every scan attempt. Rejections are reported here
// with Accepted=false rather than as an error.
type Result struct {
	Accepted bool                 `json:"accepted"`
	Outcome  material.ScanOutcome `json:"outcome"`
	Reason   string               `json:"reason,omitempty"`
	Code     string               `json:"code,omitempty"`
	Event    *material.ScanEvent  `json:"event"`
	Movement *material.Movement   `json:"movement,omitempty"`
	Snapshot *ledger.Snapshot     `json:"snapshot,omitempty"`
}

type Processor struct {
	catalog Catalog
	gen     *movement.Generator
	ledger  *ledger.Service
	dedupe  Deduper
	emitter EventEmitter

	newID func() string
	now   func() time.Time
}

func NewProcessor(c Catalog, gen *movement.Generator, l *ledger.Service, d Deduper, emitter EventEmitter) *Processor {
	if d == nil {
		d = NewMemoryDeduper()
	}
	return &Processor{
		catalog: c,
		gen:     gen,
		ledger:  l,
		dedupe:  d,
		emitter: emitter,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// SetClock replaces the time source, for tests. An in-memory deduper
// follows the same clock.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
	if m, ok := p.dedupe.(*MemoryDeduper); ok {
		m.SetClock(now)
	}
}

// scanned is the resolved content of a code.
type scanned struct {
	item  *material.Item
	batch string
	qty   decimal.Decimal
}

// Process validates one scan and, when accepted, commits its movement.
// The returned error is non-nil only for failures the operator cannot fix
// by scanning again: storage errors and configuration errors.
func (p *Processor) Process(ctx context.Context, req Request, cfg config.FactoryConfig) (*Result, error) {
	ev := &material.ScanEvent{
		ID:       p.newID(),
		RunID:    req.RunID,
		RawCode:  req.Code,
		Operator: req.Operator,
	}

	run, err := p.catalog.GetRun(req.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return p.reject(ctx, ev, material.Validationf("unknown run %s", req.RunID)), nil
		}
		return nil, err
	}
	if !run.Active() {
		return p.reject(ctx, ev, material.Statef("production ended for run %s", run.ID)), nil
	}

	s, err := p.resolve(req.Code, cfg)
	if s.item != nil {
		ev.Item = s.item.Code
		ev.BatchID = s.batch
		ev.Qty = s.qty
	}
	if err != nil {
		return p.fail(ctx, ev, err)
	}

	packaging := cfg.IsPackagingGroup(s.item.Group)
	row, err := p.check(run, s, packaging, cfg)
	if err != nil {
		return p.fail(ctx, ev, err)
	}

	lc := cfg.Line(run.Line)
	line := material.MovementLine{Item: s.item.Code, BatchID: s.batch, Qty: s.qty, UOM: s.item.StockUOM}
	var mv *material.Movement
	switch {
	case cfg.ConsumeOnScan && packaging:
		mv = p.gen.Consumption(run.ID, lc.PackagingStaging, req.Operator, line)
	case cfg.ConsumeOnScan:
		mv = p.gen.Consumption(run.ID, lc.WIP, req.Operator, line)
	case packaging:
		mv = p.gen.New(material.PurposeTransfer, run.ID, lc.PackagingStaging, lc.WIP, []material.MovementLine{line}, req.Operator)
	default:
		mv = p.gen.New(material.PurposeTransfer, run.ID, lc.Staging, lc.WIP, []material.MovementLine{line}, req.Operator)
	}
	if mv.SourceLocation == "" || (mv.Purpose == material.PurposeTransfer && mv.TargetLocation == "") {
		return p.fail(ctx, ev, material.Configurationf("no stock locations configured for line %q", run.Line))
	}

	guard := store.Guard{RunActive: true}
	if cfg.OverConsumptionHardLimit && row != nil && mv.Purpose == material.PurposeConsumption {
		guard.ConsumeCeiling = map[string]decimal.Decimal{
			s.item.Code: ledger.Ceiling(*row, cfg.OverConsumptionRatio()),
		}
	}

	// Claim last so rejected scans never hold the window.
	key := DedupeKey(run.ID, s.item.Code, s.batch)
	if cfg.DuplicateScanTTL > 0 {
		ok, err := p.dedupe.Claim(ctx, key, cfg.DuplicateScanTTL)
		if err != nil {
			return nil, fmt.Errorf("claim scan %s: %w", key, err)
		}
		if !ok {
			ev.Outcome = material.ScanDuplicate
			ev.Reason = "duplicate scan ignored"
			p.record(ctx, ev)
			return &Result{Outcome: ev.Outcome, Reason: ev.Reason, Event: ev}, nil
		}
	}

	if err := p.gen.Commit(ctx, mv, guard); err != nil {
		if cfg.DuplicateScanTTL > 0 {
			if rerr := p.dedupe.Release(ctx, key); rerr != nil {
				log.Printf("scan: release %s: %v", key, rerr)
			}
		}
		return p.fail(ctx, ev, err)
	}

	ev.Outcome = material.ScanAccepted
	ev.MovementID = mv.ID
	p.record(ctx, ev)
	res := &Result{Accepted: true, Outcome: ev.Outcome, Event: ev, Movement: mv}
	if snap, err := p.ledger.Snapshot(run.ID, cfg.OverConsumptionRatio()); err != nil {
		log.Printf("scan: snapshot %s: %v", run.ID, err)
	} else {
		res.Snapshot = snap
	}
	return res, nil
}

// resolve parses code and finds its item. A GTIN is looked up by barcode
// first; otherwise the code is read as ITEM|BATCH|QTY, with the item part
// tried as an item code and then as a barcode.
func (p *Processor) resolve(code string, cfg config.FactoryConfig) (scanned, error) {
	var s scanned
	parsed := Parse(code)

	var it *material.Item
	var err error
	if parsed.GTIN != "" {
		it, err = p.lookup(p.catalog.ItemByBarcode, parsed.GTIN)
		if err != nil {
			return s, err
		}
		if it == nil {
			parsed.UsePipe()
		}
	}
	if it == nil && parsed.Item != "" {
		it, err = p.lookup(p.catalog.GetItem, parsed.Item)
		if err != nil {
			return s, err
		}
		if it == nil {
			it, err = p.lookup(p.catalog.ItemByBarcode, parsed.Item)
			if err != nil {
				return s, err
			}
		}
	}
	if it == nil {
		return s, material.Unresolvedf("no item matches code %q", code)
	}
	s.item = it

	batch, err := NormalizeBatch(parsed.Batch, cfg.CodeNormalizationPolicy, cfg.BatchSpaceReplacement)
	if err != nil {
		return s, err
	}
	s.batch = batch

	if parsed.QtyErr != nil {
		return s, parsed.QtyErr
	}
	switch {
	case parsed.HasQty():
		s.qty = parsed.Qty
	case it.ScanUnitQty.Sign() > 0:
		s.qty = it.ScanUnitQty
	default:
		s.qty = decimal.NewFromInt(1)
	}
	return s, nil
}

func (p *Processor) lookup(fn func(string) (*material.Item, error), key string) (*material.Item, error) {
	it, err := fn(key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return it, err
}

// check applies the batch, line and bill-of-material rules. It returns the
// item's ledger row when the item is a component of the run.
func (p *Processor) check(run *material.Run, s scanned, packaging bool, cfg config.FactoryConfig) (*material.LedgerRow, error) {
	if s.item.BatchTracked && s.batch == "" {
		return nil, material.BatchRequired(s.item.Code)
	}
	if allowed := cfg.AllowedGroups(run.Line); allowed != nil {
		if _, ok := allowed[strings.ToLower(strings.TrimSpace(s.item.Group))]; !ok {
			return nil, material.Validationf("item group %q is not allowed on line %s", s.item.Group, run.Line)
		}
	}

	snap, err := p.ledger.Snapshot(run.ID, cfg.OverConsumptionRatio())
	if err != nil {
		return nil, err
	}
	row, ok := ledger.Find(snap.Rows, s.item.Code)
	if !ok || !row.InBOM {
		if packaging && !cfg.RequirePackagingInBOM {
			return nil, nil
		}
		return nil, material.NotInBOM(s.item.Code, run.ID)
	}
	if cfg.OverConsumptionHardLimit && cfg.ConsumeOnScan {
		if limit := ledger.Ceiling(row, cfg.OverConsumptionRatio()); row.Consumed.Add(s.qty).GreaterThan(limit.Add(material.Tolerance)) {
			return nil, material.Validationf("scan of %s %s would exceed the consumption limit %s for run %s",
				s.qty, s.item.Code, limit, run.ID)
		}
	}
	return &row, nil
}

// fail records a rejection. Domain errors become a rejected Result;
// configuration and storage errors are returned.
func (p *Processor) fail(ctx context.Context, ev *material.ScanEvent, err error) (*Result, error) {
	res := p.reject(ctx, ev, err)
	switch material.KindOf(err) {
	case 0, material.KindConfiguration:
		return res, err
	}
	return res, nil
}

func (p *Processor) reject(ctx context.Context, ev *material.ScanEvent, err error) *Result {
	ev.Outcome = material.ScanRejected
	ev.Reason = err.Error()
	p.record(ctx, ev)
	res := &Result{Outcome: ev.Outcome, Reason: ev.Reason, Event: ev}
	if k := material.KindOf(err); k != 0 {
		res.Code = k.String()
	}
	return res
}

func (p *Processor) record(ctx context.Context, ev *material.ScanEvent) {
	ev.CreatedAt = p.now()
	if err := p.catalog.InsertScanEvent(ctx, ev); err != nil {
		log.Printf("scan: record event %s: %v", ev.ID, err)
		return
	}
	if p.emitter != nil {
		p.emitter.EmitScanRecorded(ev)
	}
}
