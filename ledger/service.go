package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"matflow/material"
)

// Source supplies a run's requirements and movement history.
type Source interface {
	ListRequirements(runID string) ([]material.Requirement, error)
	ListMovements(runID string) ([]*material.Movement, error)
}

// Cache holds folded rows between movements. Implementations may drop
// entries at any time.
//
// Every run has a generation that InvalidateLedger advances. PutLedger
// stores rows only while the run is still at the generation the caller
// read before folding, so a fold that raced a commit is discarded.
type Cache interface {
	GetLedger(runID string) ([]material.LedgerRow, bool)
	LedgerGeneration(runID string) (uint64, bool)
	PutLedger(runID string, gen uint64, rows []material.LedgerRow) bool
	InvalidateLedger(runID string)
}

// Snapshot is the live ledger of one run.
type Snapshot struct {
	RunID string               `json:"run_id"`
	Rows  []material.LedgerRow `json:"rows"`
	Stage material.StageStatus `json:"stage_status"`
}

// Service recomputes ledgers on demand, optionally through a cache.
type Service struct {
	src   Source
	cache Cache
}

// NewService returns a ledger service. cache may be nil.
func NewService(src Source, cache Cache) *Service {
	return &Service{src: src, cache: cache}
}

// Snapshot returns the ledger rows of runID with over-consumption flagged
// against ratio.
func (s *Service) Snapshot(runID string, ratio decimal.Decimal) (*Snapshot, error) {
	rows, err := s.rows(runID, ratio)
	if err != nil {
		return nil, err
	}
	return &Snapshot{RunID: runID, Rows: rows, Stage: Stage(rows)}, nil
}

// Remaining returns required minus consumed for one item of a run.
func (s *Service) Remaining(runID, item string) (decimal.Decimal, error) {
	rows, err := s.rows(runID, decimal.NewFromInt(1))
	if err != nil {
		return decimal.Zero, err
	}
	r, ok := Find(rows, item)
	if !ok {
		return decimal.Zero, material.NotInBOM(item, runID)
	}
	return r.Remaining, nil
}

// Invalidate drops any cached rows for runID. Call after every committed
// movement touching the run.
func (s *Service) Invalidate(runID string) {
	if s.cache != nil {
		s.cache.InvalidateLedger(runID)
	}
}

// Refresh recomputes and caches the rows of runID. It never serves the
// rows from the cache.
func (s *Service) Refresh(runID string) error {
	s.Invalidate(runID)
	_, err := s.fold(runID, decimal.NewFromInt(1))
	return err
}

func (s *Service) rows(runID string, ratio decimal.Decimal) ([]material.LedgerRow, error) {
	if s.cache != nil {
		if rows, ok := s.cache.GetLedger(runID); ok {
			ApplyThreshold(rows, ratio)
			return rows, nil
		}
	}
	return s.fold(runID, ratio)
}

// fold reads the generation before touching SQL; a put under an older
// generation is refused by the cache.
func (s *Service) fold(runID string, ratio decimal.Decimal) ([]material.LedgerRow, error) {
	var gen uint64
	cacheable := false
	if s.cache != nil {
		gen, cacheable = s.cache.LedgerGeneration(runID)
	}
	reqs, err := s.src.ListRequirements(runID)
	if err != nil {
		return nil, fmt.Errorf("ledger requirements %s: %w", runID, err)
	}
	mvs, err := s.src.ListMovements(runID)
	if err != nil {
		return nil, fmt.Errorf("ledger movements %s: %w", runID, err)
	}
	rows := Fold(runID, reqs, mvs, ratio)
	if cacheable {
		s.cache.PutLedger(runID, gen, rows)
	}
	return rows, nil
}
