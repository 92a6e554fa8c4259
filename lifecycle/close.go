package lifecycle

import (
	"context"
	"log"
	"strings"

	"github.com/shopspring/decimal"

	"matflow/config"
	"matflow/material"
	"matflow/store"
)

// PackagingUsage is packaging consumed during the session. RunID is
// optional; usage without one is booked to the most recently ended run.
type PackagingUsage struct {
	Item    string          `json:"item" validate:"required"`
	BatchID string          `json:"batch_id"`
	Qty     decimal.Decimal `json:"qty"`
	UOM     string          `json:"uom"`
	RunID   string          `json:"run_id"`
}

type CloseRequest struct {
	Line string `json:"line"`
	// Mode and MinEnded override the factory setting when set.
	Mode      config.CloseMode `json:"validation_mode"`
	MinEnded  int              `json:"min_ended_count"`
	GoodQty   decimal.Decimal  `json:"good_qty"`
	RejectQty decimal.Decimal  `json:"reject_qty"`
	Operator  string           `json:"operator"`
	Packaging []PackagingUsage `json:"packaging_usage"`
}

type CloseResult struct {
	ClosureID    string               `json:"closure_id"`
	ClosedRunIDs []string             `json:"closed_run_ids"`
	Movements    []*material.Movement `json:"movements"`
}

// CloseProduction finalizes the open session of a line: it checks the
// validation gate, consumes the reported packaging at the line's packaging
// location and stamps the line's runs with the closure. Run states are
// left as they are.
func (m *Machine) CloseProduction(ctx context.Context, req CloseRequest, cfg config.FactoryConfig) (*CloseResult, error) {
	if strings.TrimSpace(req.Line) == "" {
		return nil, material.Validationf("line is required")
	}
	if req.GoodQty.IsNegative() || req.RejectQty.IsNegative() {
		return nil, material.Validationf("output quantities cannot be negative")
	}
	runs, err := m.db.ListOpenRunsByLine(req.Line)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, material.Validationf("no open runs on line %s", req.Line)
	}

	mode := req.Mode
	if mode == "" {
		mode = cfg.CloseValidationMode
	}
	minEnded := req.MinEnded
	if minEnded == 0 {
		minEnded = cfg.MinEndedCount
	}
	if err := checkCloseGate(req.Line, runs, mode, minEnded); err != nil {
		return nil, err
	}

	mvs, err := m.packagingMovements(runs, req, cfg)
	if err != nil {
		return nil, err
	}

	c := &store.Closure{
		ID:        m.newID(),
		Line:      req.Line,
		Mode:      string(mode),
		GoodQty:   req.GoodQty,
		RejectQty: req.RejectQty,
		Operator:  req.Operator,
		CreatedAt: m.now(),
	}
	for _, r := range runs {
		c.RunIDs = append(c.RunIDs, r.ID)
	}
	if err := m.db.CloseLine(ctx, c, mvs); err != nil {
		return nil, err
	}
	for _, mv := range mvs {
		m.emitter.EmitMovementCommitted(mv)
	}
	m.emitter.EmitLineClosed(c, mvs)
	log.Printf("lifecycle: line %s closed (%s), %d runs", req.Line, mode, len(c.RunIDs))
	return &CloseResult{ClosureID: c.ID, ClosedRunIDs: c.RunIDs, Movements: mvs}, nil
}

func checkCloseGate(line string, runs []*material.Run, mode config.CloseMode, minEnded int) error {
	ended := 0
	for _, r := range runs {
		if r.ProductionEnded {
			ended++
		}
	}
	switch mode {
	case config.CloseNoValidation:
		return nil
	case config.CloseAllRunsEnded:
		if ended < len(runs) {
			return material.Statef("line %s has %d of %d runs ended; all must end before closing", line, ended, len(runs))
		}
		return nil
	case config.CloseMinimumEndedCount:
		if minEnded < 1 {
			return material.Configurationf("min_ended_count must be at least 1, got %d", minEnded)
		}
		if ended < minEnded {
			return material.Statef("line %s has %d runs ended; closing requires %d", line, ended, minEnded)
		}
		return nil
	default:
		return material.Configurationf("unknown close validation mode %q", mode)
	}
}

// packagingMovements books each usage to its run, one consumption movement
// per run.
func (m *Machine) packagingMovements(runs []*material.Run, req CloseRequest, cfg config.FactoryConfig) ([]*material.Movement, error) {
	if len(req.Packaging) == 0 {
		return nil, nil
	}
	byID := make(map[string]*material.Run, len(runs))
	for _, r := range runs {
		byID[r.ID] = r
	}
	fallback := lastEnded(runs)

	codes := make([]string, 0, len(req.Packaging))
	for _, u := range req.Packaging {
		codes = append(codes, u.Item)
	}
	items, err := m.db.GetItems(codes)
	if err != nil {
		return nil, err
	}

	lc := cfg.Line(req.Line)
	if lc.PackagingStaging == "" {
		return nil, material.Configurationf("no packaging location for line %q", req.Line)
	}

	perRun := make(map[string]*material.Movement)
	var out []*material.Movement
	for _, u := range req.Packaging {
		it := items[u.Item]
		if it == nil {
			return nil, material.Validationf("unknown packaging item %s", u.Item)
		}
		if !cfg.IsPackagingGroup(it.Group) {
			return nil, material.Validationf("item %s (%s) is not packaging", it.Code, it.Group)
		}
		if !material.Positive(u.Qty) {
			return nil, material.Validationf("packaging quantity for %s must be positive", it.Code)
		}
		if it.BatchTracked && u.BatchID == "" {
			return nil, material.BatchRequired(it.Code)
		}
		run := fallback
		if u.RunID != "" {
			run = byID[u.RunID]
			if run == nil {
				return nil, material.Validationf("run %s is not open on line %s", u.RunID, req.Line)
			}
		}
		mv, ok := perRun[run.ID]
		if !ok {
			mv = m.gen.Consumption(run.ID, lc.PackagingStaging, req.Operator)
			perRun[run.ID] = mv
			out = append(out, mv)
		}
		mv.Lines = append(mv.Lines, material.MovementLine{
			Item:    it.Code,
			BatchID: u.BatchID,
			Qty:     it.ToStock(u.Qty, u.UOM),
			UOM:     it.StockUOM,
		})
	}
	return out, nil
}

// lastEnded picks the most recently ended run, or the latest planned run
// when none has ended.
func lastEnded(runs []*material.Run) *material.Run {
	var best *material.Run
	for _, r := range runs {
		if r.ProductionEnded && (best == nil || r.UpdatedAt.After(best.UpdatedAt)) {
			best = r
		}
	}
	if best == nil {
		best = runs[len(runs)-1]
	}
	return best
}
