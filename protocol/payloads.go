package protocol

import (
	"time"

	"github.com/shopspring/decimal"
)

// --- Planning -> matflow ---

// ScheduleRequirement is one exploded bill-of-material line. UOM may differ
// from the item's stock UOM; it is converted on ingestion.
type ScheduleRequirement struct {
	Item string          `json:"item"`
	UOM  string          `json:"uom"`
	Qty  decimal.Decimal `json:"qty"`
}

// RunSchedule creates or reschedules a run that has not started.
type RunSchedule struct {
	RunID        string                `json:"run_id"`
	Item         string                `json:"item"`
	PlannedQty   decimal.Decimal       `json:"planned_qty"`
	PlannedStart time.Time             `json:"planned_start"`
	Line         string                `json:"line"`
	Requirements []ScheduleRequirement `json:"requirements"`
}

type StockBalance struct {
	Item     string          `json:"item"`
	BatchID  string          `json:"batch_id,omitempty"`
	Location string          `json:"location"`
	Qty      decimal.Decimal `json:"qty"`
	Expiry   *time.Time      `json:"expiry,omitempty"`
}

// StockSnapshot replaces the listed balances with absolute quantities.
type StockSnapshot struct {
	TakenAt  time.Time      `json:"taken_at"`
	Balances []StockBalance `json:"balances"`
}

type ItemRecord struct {
	Code         string                     `json:"code"`
	Name         string                     `json:"name"`
	StockUOM     string                     `json:"stock_uom"`
	Group        string                     `json:"item_group"`
	BatchTracked bool                       `json:"batch_tracked"`
	ScanUnitQty  decimal.Decimal            `json:"scan_unit_qty"`
	Barcodes     []string                   `json:"barcodes,omitempty"`
	UOMFactors   map[string]decimal.Decimal `json:"uom_factors,omitempty"`
}

// ItemsSync upserts item master records.
type ItemsSync struct {
	Items []ItemRecord `json:"items"`
}

// --- matflow -> downstream ---

type MovementLine struct {
	Item    string          `json:"item"`
	BatchID string          `json:"batch_id,omitempty"`
	Qty     decimal.Decimal `json:"qty"`
	UOM     string          `json:"uom,omitempty"`
}

// MovementCommitted tells the stock service to book a movement.
type MovementCommitted struct {
	MovementID     string         `json:"movement_id"`
	Purpose        string         `json:"purpose"`
	RunID          string         `json:"run_id,omitempty"`
	SourceLocation string         `json:"source_location,omitempty"`
	TargetLocation string         `json:"target_location,omitempty"`
	PalletTag      string         `json:"pallet_tag,omitempty"`
	Actor          string         `json:"actor,omitempty"`
	Lines          []MovementLine `json:"lines"`
	CommittedAt    time.Time      `json:"committed_at"`
}

// LabelRequest asks the printing subsystem for a pallet label.
type LabelRequest struct {
	MovementID string         `json:"movement_id"`
	RunID      string         `json:"run_id"`
	PalletTag  string         `json:"pallet_tag"`
	Location   string         `json:"location"`
	Lines      []MovementLine `json:"lines"`
}

type RunStatus struct {
	RunID           string          `json:"run_id"`
	Line            string          `json:"line"`
	From            string          `json:"from"`
	To              string          `json:"to"`
	Action          string          `json:"action"`
	Operator        string          `json:"operator,omitempty"`
	ProductionEnded bool            `json:"production_ended"`
	GoodQty         decimal.Decimal `json:"good_qty"`
	RejectQty       decimal.Decimal `json:"reject_qty"`
	At              time.Time       `json:"at"`
}

type LineClosed struct {
	ClosureID string          `json:"closure_id"`
	Line      string          `json:"line"`
	Mode      string          `json:"mode"`
	RunIDs    []string        `json:"run_ids"`
	GoodQty   decimal.Decimal `json:"good_qty"`
	RejectQty decimal.Decimal `json:"reject_qty"`
	Operator  string          `json:"operator,omitempty"`
	At        time.Time       `json:"at"`
}
