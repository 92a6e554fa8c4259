package material

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus is the lifecycle state of a production run.
type RunStatus string

const (
	StatusNotStarted RunStatus = "NotStarted"
	StatusInProcess  RunStatus = "InProcess"
	StatusStopped    RunStatus = "Stopped"
	StatusCompleted  RunStatus = "Completed"
)

// StageStatus is derived from the movement log, never stored.
type StageStatus string

const (
	StageNotAllocated StageStatus = "NotAllocated"
	StagePartial      StageStatus = "Partial"
	StageStaged       StageStatus = "Staged"
)

// Item is an entry in the item master.
type Item struct {
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	StockUOM     string          `json:"stock_uom"`
	Group        string          `json:"item_group"`
	BatchTracked bool            `json:"batch_tracked"`
	ScanUnitQty  decimal.Decimal `json:"scan_unit_qty"`
	Barcodes     []string        `json:"barcodes,omitempty"`

	// UOMFactors maps a UOM to how many stock units it holds.
	UOMFactors map[string]decimal.Decimal `json:"uom_factors,omitempty"`
}

// Run is a scheduled production run (work order).
type Run struct {
	ID              string          `json:"id"`
	Item            string          `json:"item"`
	PlannedQty      decimal.Decimal `json:"planned_qty"`
	PlannedStart    time.Time       `json:"planned_start"`
	Line            string          `json:"line"`
	Status          RunStatus       `json:"status"`
	ProductionEnded bool            `json:"production_ended"`
	GoodQty         decimal.Decimal `json:"good_qty"`
	RejectQty       decimal.Decimal `json:"reject_qty"`
	ClosureID       string          `json:"closure_id,omitempty"`

	// StageVersion increments with every committed transfer for the run.
	StageVersion int64     `json:"stage_version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Active reports whether the run can still be transitioned or consumed against.
func (r *Run) Active() bool {
	return !r.ProductionEnded && r.Status != StatusCompleted
}

// Requirement is one exploded bill-of-material line of a run.
type Requirement struct {
	RunID       string          `json:"run_id"`
	Item        string          `json:"item"`
	UOM         string          `json:"uom"`
	RequiredQty decimal.Decimal `json:"required_qty"`
}

// Batch is a stock position of one item at one location. BatchID is empty
// for items that are not batch-tracked.
type Batch struct {
	Item         string          `json:"item"`
	BatchID      string          `json:"batch_id"`
	Location     string          `json:"location"`
	AvailableQty decimal.Decimal `json:"available_qty"`
	Expiry       *time.Time      `json:"expiry,omitempty"`
	Version      int64           `json:"version"`
}

// BatchPick is a caller-chosen batch for a cart line. A zero Qty means
// "as much as needed from this batch".
type BatchPick struct {
	BatchID string          `json:"batch_id"`
	Qty     decimal.Decimal `json:"qty"`
}

// CartLine is one pooled item in a staging cart.
type CartLine struct {
	Item         string          `json:"item"`
	RequestedQty decimal.Decimal `json:"requested_qty"`
	UOM          string          `json:"uom"`
	Batches      []BatchPick     `json:"batches,omitempty"`
	Note         string          `json:"note,omitempty"`
}

// MovementLine is one item/batch quantity inside a movement.
type MovementLine struct {
	Item    string          `json:"item"`
	BatchID string          `json:"batch_id,omitempty"`
	Qty     decimal.Decimal `json:"qty"`
	UOM     string          `json:"uom,omitempty"`
}

// Movement is an immutable record of material moving between locations
// or being consumed. Corrections are new compensating movements.
type Movement struct {
	ID             string         `json:"id"`
	Purpose        Purpose        `json:"purpose"`
	RunID          string         `json:"run_id,omitempty"`
	SourceLocation string         `json:"source_location,omitempty"`
	TargetLocation string         `json:"target_location,omitempty"`
	PalletTag      string         `json:"pallet_tag,omitempty"`
	Actor          string         `json:"actor,omitempty"`
	Lines          []MovementLine `json:"lines"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Items returns the distinct item codes touched by the movement.
func (m *Movement) Items() []string {
	seen := make(map[string]struct{}, len(m.Lines))
	var out []string
	for _, l := range m.Lines {
		if _, ok := seen[l.Item]; ok {
			continue
		}
		seen[l.Item] = struct{}{}
		out = append(out, l.Item)
	}
	return out
}

// ScanOutcome records what happened to a scan attempt.
type ScanOutcome string

const (
	ScanAccepted  ScanOutcome = "Accepted"
	ScanDuplicate ScanOutcome = "Duplicate"
	ScanRejected  ScanOutcome = "Rejected"
)

// ScanEvent is the audit record of one scan attempt.
type ScanEvent struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	Item       string          `json:"item,omitempty"`
	BatchID    string          `json:"batch_id,omitempty"`
	Qty        decimal.Decimal `json:"qty"`
	RawCode    string          `json:"raw_code"`
	Outcome    ScanOutcome     `json:"outcome"`
	Reason     string          `json:"reason,omitempty"`
	Operator   string          `json:"operator,omitempty"`
	MovementID string          `json:"movement_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// LedgerRow is the live required/transferred/consumed view of one item
// on one run.
type LedgerRow struct {
	RunID        string          `json:"run_id"`
	Item         string          `json:"item"`
	UOM          string          `json:"uom"`
	Required     decimal.Decimal `json:"required"`
	Transferred  decimal.Decimal `json:"transferred"`
	Consumed     decimal.Decimal `json:"consumed"`
	Remaining    decimal.Decimal `json:"remaining"`
	OverConsumed bool            `json:"over_consumed"`

	// InBOM is false for rows created only by movements, such as
	// packaging consumed without a bill-of-material line.
	InBOM bool `json:"in_bom"`
}

// Outstanding is the quantity still to be transferred, clamped at zero.
func (r LedgerRow) Outstanding() decimal.Decimal {
	return NonNegative(r.Required.Sub(r.Transferred))
}
