package engine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"matflow/lifecycle"
	"matflow/material"
	"matflow/scan"
	"matflow/store"
)

const recentScanLimit = 20

// Scan processes one consumption scan. Rejections come back as a result
// with Accepted false; only configuration and storage failures are errors.
func (e *Engine) Scan(ctx context.Context, req scan.Request) (*scan.Result, error) {
	return e.scans.Process(ctx, req, e.Factory())
}

// RunSnapshot is the live view of one run for the line terminal.
type RunSnapshot struct {
	Run             *material.Run         `json:"run"`
	Rows            []material.LedgerRow  `json:"rows"`
	Stage           material.StageStatus  `json:"stage_status"`
	RecentScans     []*material.ScanEvent `json:"recent_scans"`
	Operators       []string              `json:"operators"`
	OutputRemaining decimal.Decimal       `json:"output_remaining"`
}

func (e *Engine) Snapshot(runID string) (*RunSnapshot, error) {
	run, err := e.db.GetRun(runID)
	if err != nil {
		return nil, err
	}
	snap, err := e.ledger.Snapshot(run.ID, e.Factory().OverConsumptionRatio())
	if err != nil {
		return nil, err
	}
	scans, err := e.db.ListScanEvents(run.ID, recentScanLimit)
	if err != nil {
		return nil, err
	}
	ops, err := e.db.ActiveOperators(run.ID)
	if err != nil {
		return nil, err
	}
	return &RunSnapshot{
		Run:             run,
		Rows:            snap.Rows,
		Stage:           snap.Stage,
		RecentScans:     scans,
		Operators:       ops,
		OutputRemaining: material.NonNegative(run.PlannedQty.Sub(run.GoodQty)),
	}, nil
}

func (e *Engine) Transition(ctx context.Context, req lifecycle.TransitionRequest) (*material.Run, error) {
	return e.machine.Transition(ctx, req, e.Factory())
}

func (e *Engine) CloseProduction(ctx context.Context, req lifecycle.CloseRequest) (*lifecycle.CloseResult, error) {
	return e.machine.CloseProduction(ctx, req, e.Factory())
}

func (e *Engine) Claim(ctx context.Context, runID, operator string) error {
	return e.machine.Claim(ctx, runID, operator, e.Factory())
}

func (e *Engine) Leave(ctx context.Context, runID, operator string) error {
	return e.machine.Leave(ctx, runID, operator)
}

// RecordOutput books good and reject quantities without ending the run.
func (e *Engine) RecordOutput(ctx context.Context, runID string, good, reject decimal.Decimal) (*material.Run, error) {
	run, err := e.machine.RecordOutput(ctx, runID, good, reject)
	if err != nil {
		return nil, err
	}
	e.db.AppendAudit("run", runID, "output", "", "good="+good.String()+" reject="+reject.String(), "")
	return run, nil
}

// QueueEntry is one run waiting on or running on a line.
type QueueEntry struct {
	Run   *material.Run        `json:"run"`
	Stage material.StageStatus `json:"stage_status"`
}

// Queue lists the runs of a line that are not completed, by planned start,
// each with its derived stage status.
func (e *Engine) Queue(line string) ([]QueueEntry, error) {
	runs, err := e.db.ListQueuedRuns(line)
	if err != nil {
		return nil, err
	}
	ratio := e.Factory().OverConsumptionRatio()
	out := make([]QueueEntry, 0, len(runs))
	for _, r := range runs {
		snap, err := e.ledger.Snapshot(r.ID, ratio)
		if err != nil {
			return nil, err
		}
		out = append(out, QueueEntry{Run: r, Stage: snap.Stage})
	}
	return out, nil
}

func (e *Engine) Movements(runID string) ([]*material.Movement, error) {
	if _, err := e.db.GetRun(runID); err != nil {
		return nil, err
	}
	return e.db.ListMovements(runID)
}

func (e *Engine) Transitions(runID string) ([]*store.Transition, error) {
	return e.db.ListTransitions(runID)
}

// IsNotFound reports a missing run, item or balance.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// RecentMovements lists the newest movements across all runs.
func (e *Engine) RecentMovements(limit int) ([]*material.Movement, error) {
	return e.db.ListRecentMovements(limit)
}

func (e *Engine) Movement(id string) (*material.Movement, error) {
	return e.db.GetMovement(id)
}

func (e *Engine) Items() ([]*material.Item, error) {
	return e.db.ListItems()
}

// Balances lists the mirrored stock at location, or everything up to limit
// when location is empty.
func (e *Engine) Balances(location string, limit int) ([]material.Batch, error) {
	if location != "" {
		return e.db.ListBalancesAt(location)
	}
	return e.db.ListBalances(limit)
}
