// Package movement turns allocation results and ad-hoc instructions into
// movement records and commits them.
package movement

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"matflow/allocation"
	"matflow/material"
	"matflow/store"
)

// Committer persists one movement atomically with its guard.
type Committer interface {
	CommitMovement(ctx context.Context, mv *material.Movement, g store.Guard) error
}

// Generator builds movements and commits them through a Committer, holding
// the source-position locks for the duration of each commit.
type Generator struct {
	committer Committer
	locker    Locker
	emitter   EventEmitter

	newID func() string
	now   func() time.Time
}

func NewGenerator(c Committer, l Locker, emitter EventEmitter) *Generator {
	if l == nil {
		l = NewLocalLocker()
	}
	return &Generator{
		committer: c,
		locker:    l,
		emitter:   emitter,
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (g *Generator) SetClock(now func() time.Time) { g.now = now }

// TransferOptions describes where allocated stock moves.
type TransferOptions struct {
	Source string
	// Targets maps each run to its line's work-in-progress location.
	Targets   map[string]string
	PalletTag string
	Actor     string
}

// FromAllocation emits exactly one Transfer per run that received stock,
// bundling every item and batch line for that run. Runs are kept in the
// priority order of the result.
func (g *Generator) FromAllocation(res *allocation.Result, opt TransferOptions) ([]*material.Movement, error) {
	if opt.Source == "" {
		return nil, material.Validationf("source location is required")
	}
	byRun := make(map[string]*material.Movement)
	var out []*material.Movement
	for _, a := range res.Assignments {
		mv, ok := byRun[a.RunID]
		if !ok {
			target := opt.Targets[a.RunID]
			if target == "" {
				return nil, material.Configurationf("no work-in-progress location for run %s", a.RunID)
			}
			mv = g.New(material.PurposeTransfer, a.RunID, opt.Source, target, nil, opt.Actor)
			mv.PalletTag = opt.PalletTag
			byRun[a.RunID] = mv
			out = append(out, mv)
		}
		for _, s := range a.Splits {
			mv.Lines = append(mv.Lines, material.MovementLine{Item: a.Item, BatchID: s.BatchID, Qty: s.Qty, UOM: a.UOM})
		}
	}
	// Keep run priority rather than first-assignment order.
	ordered := make([]*material.Movement, 0, len(out))
	for _, r := range res.Runs {
		if mv, ok := byRun[r.RunID]; ok {
			ordered = append(ordered, mv)
		}
	}
	return ordered, nil
}

// New builds an unsaved movement with a fresh ID and timestamp.
func (g *Generator) New(p material.Purpose, runID, source, target string, lines []material.MovementLine, actor string) *material.Movement {
	return &material.Movement{
		ID:             g.newID(),
		Purpose:        p,
		RunID:          runID,
		SourceLocation: source,
		TargetLocation: target,
		Actor:          actor,
		Lines:          lines,
		CreatedAt:      g.now(),
	}
}

// Consumption builds one consumption movement for a run.
func (g *Generator) Consumption(runID, location, actor string, lines ...material.MovementLine) *material.Movement {
	return g.New(material.PurposeConsumption, runID, location, "", lines, actor)
}

// Commit locks the movement's source positions and commits it.
func (g *Generator) Commit(ctx context.Context, mv *material.Movement, guard store.Guard) error {
	unlock, err := g.locker.Lock(ctx, SourceKeys(mv))
	if err != nil {
		g.emitter.EmitMovementFailed(mv.RunID, mv.Purpose, err)
		return err
	}
	defer unlock()

	if err := g.committer.CommitMovement(ctx, mv, guard); err != nil {
		g.emitter.EmitMovementFailed(mv.RunID, mv.Purpose, err)
		return fmt.Errorf("commit %s movement for run %q: %w", mv.Purpose, mv.RunID, err)
	}
	g.emitter.EmitMovementCommitted(mv)
	return nil
}

// Outcome is the result of committing one run's movement.
type Outcome struct {
	RunID    string             `json:"run_id"`
	Movement *material.Movement `json:"movement,omitempty"`
	Err      error              `json:"-"`
}

// CommitEach commits every movement independently: a failure on one run
// leaves the others untouched and is reported in its Outcome.
func (g *Generator) CommitEach(ctx context.Context, mvs []*material.Movement, guard store.Guard) []Outcome {
	out := make([]Outcome, 0, len(mvs))
	for _, mv := range mvs {
		if err := g.Commit(ctx, mv, guard); err != nil {
			log.Printf("movement: run %s: %v", mv.RunID, err)
			out = append(out, Outcome{RunID: mv.RunID, Err: err})
			continue
		}
		out = append(out, Outcome{RunID: mv.RunID, Movement: mv})
	}
	return out
}
