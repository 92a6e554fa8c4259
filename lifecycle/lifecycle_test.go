package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"matflow/config"
	"matflow/ledger"
	"matflow/material"
	"matflow/movement"
	"matflow/store"
)

type mockEmitter struct {
	transitions []string
	operators   []string
	movements   []*material.Movement
	closures    []*store.Closure
}

func (m *mockEmitter) EmitRunTransitioned(run *material.Run, t *store.Transition) {
	m.transitions = append(m.transitions, run.ID+":"+t.Action)
}
func (m *mockEmitter) EmitOperatorChanged(runID, operator string, joined bool) {
	m.operators = append(m.operators, runID+":"+operator)
}
func (m *mockEmitter) EmitMovementCommitted(mv *material.Movement)         { m.movements = append(m.movements, mv) }
func (m *mockEmitter) EmitMovementFailed(string, material.Purpose, error) {}
func (m *mockEmitter) EmitLineClosed(c *store.Closure, _ []*material.Movement) {
	m.closures = append(m.closures, c)
}

var ctx = context.Background()

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	db   *store.DB
	m    *Machine
	gen  *movement.Generator
	em   *mockEmitter
	cfg  config.FactoryConfig
	tick time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	for _, it := range []*material.Item{
		{Code: "FG-1", StockUOM: "pcs", Group: "Finished Goods"},
		{Code: "FLOUR", StockUOM: "kg", Group: "Raw Material"},
		{Code: "DOUGH", StockUOM: "kg", Group: "Semi-Finished", BatchTracked: true},
		{Code: "FILM", StockUOM: "m", Group: "Packaging - Films", UOMFactors: map[string]decimal.Decimal{"roll": d("500")}},
	} {
		if err := db.UpsertItem(ctx, it); err != nil {
			t.Fatalf("upsert item: %v", err)
		}
	}

	f := &fixture{db: db, em: &mockEmitter{}, tick: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	f.gen = movement.NewGenerator(db, nil, f.em)
	f.gen.SetClock(f.now)
	f.m = NewMachine(db, ledger.NewService(db, nil), f.gen, f.em)
	f.m.SetClock(f.now)
	f.cfg = config.DefaultFactory()
	f.cfg.Lines = map[string]config.LineConfig{
		"L1": {Staging: "Stores", PackagingStaging: "PKG-L1", WIP: "WIP-L1", FinishedGoods: "FG-STORE"},
	}
	return f
}

// now advances one second per call so UpdatedAt orders events.
func (f *fixture) now() time.Time {
	f.tick = f.tick.Add(time.Second)
	return f.tick
}

func (f *fixture) seedRun(t *testing.T, id string, hour int, reqs ...material.Requirement) {
	t.Helper()
	run := &material.Run{
		ID: id, Item: "FG-1", PlannedQty: d("100"), Line: "L1",
		PlannedStart: time.Date(2026, 3, 2, hour, 0, 0, 0, time.UTC),
	}
	if err := f.db.UpsertRun(ctx, run, reqs); err != nil {
		t.Fatalf("upsert run %s: %v", id, err)
	}
}

func (f *fixture) stage(t *testing.T, runID string, lines ...material.MovementLine) {
	t.Helper()
	mv := f.gen.New(material.PurposeTransfer, runID, "Stores", "WIP-L1", lines, "store1")
	if err := f.gen.Commit(ctx, mv, store.Guard{RunActive: true}); err != nil {
		t.Fatalf("stage %s: %v", runID, err)
	}
}

func (f *fixture) act(runID string, a Action, op string) (*material.Run, error) {
	return f.m.Transition(ctx, TransitionRequest{RunID: runID, Action: a, Operator: op}, f.cfg)
}

func (f *fixture) startAndEnd(t *testing.T, runID string) {
	t.Helper()
	if _, err := f.act(runID, ActionStart, "op1"); err != nil {
		t.Fatalf("start %s: %v", runID, err)
	}
	if _, err := f.m.Transition(ctx, TransitionRequest{RunID: runID, Action: ActionEnd, Operator: "op1", GoodQty: d("10")}, f.cfg); err != nil {
		t.Fatalf("end %s: %v", runID, err)
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		from material.RunStatus
		a    Action
		to   material.RunStatus
		ok   bool
	}{
		{material.StatusNotStarted, ActionStart, material.StatusInProcess, true},
		{material.StatusNotStarted, ActionEnd, "", false},
		{material.StatusInProcess, ActionPause, material.StatusStopped, true},
		{material.StatusInProcess, ActionResume, "", false},
		{material.StatusStopped, ActionResume, material.StatusInProcess, true},
		{material.StatusStopped, ActionEnd, material.StatusCompleted, true},
		{material.StatusCompleted, ActionStart, "", false},
	}
	for _, tt := range tests {
		to, ok := Next(tt.from, tt.a)
		if to != tt.to || ok != tt.ok {
			t.Errorf("Next(%s, %s) = %s, %v, want %s, %v", tt.from, tt.a, to, ok, tt.to, tt.ok)
		}
	}
	if !IsTerminal(material.StatusCompleted) || IsTerminal(material.StatusStopped) {
		t.Error("only Completed should be terminal")
	}
	if a, err := ParseAction(" pause "); err != nil || a != ActionPause {
		t.Errorf("ParseAction = %s, %v", a, err)
	}
	if _, err := ParseAction("explode"); material.KindOf(err) != material.KindValidation {
		t.Errorf("ParseAction(explode) err = %v, want validation", err)
	}
}

// Start is refused until every component has been transferred.
func TestStartRequiresStaged(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, "WO-1", 8, material.Requirement{Item: "FLOUR", UOM: "kg", RequiredQty: d("60")})

	_, err := f.act("WO-1", ActionStart, "op1")
	if !errors.Is(err, material.ErrState) {
		t.Fatalf("start unstaged: err = %v, want state error", err)
	}
	f.stage(t, "WO-1", material.MovementLine{Item: "FLOUR", Qty: d("40"), UOM: "kg"})
	if _, err := f.act("WO-1", ActionStart, "op1"); !errors.Is(err, material.ErrState) {
		t.Fatalf("start partial: err = %v, want state error", err)
	}
	f.stage(t, "WO-1", material.MovementLine{Item: "FLOUR", Qty: d("20"), UOM: "kg"})
	run, err := f.act("WO-1", ActionStart, "op1")
	if err != nil {
		t.Fatalf("start staged: %v", err)
	}
	if run.Status != material.StatusInProcess {
		t.Errorf("status = %s, want InProcess", run.Status)
	}
	trs, _ := f.db.ListTransitions("WO-1")
	if len(trs) != 1 || trs[0].To != material.StatusInProcess {
		t.Errorf("transitions = %+v, want one to InProcess", trs)
	}
}

func TestPauseResumeOperators(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, "WO-1", 8)
	if _, err := f.act("WO-1", ActionStart, "op1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.act("WO-1", ActionPause, ""); material.KindOf(err) != material.KindValidation {
		t.Errorf("pause without operator: err = %v, want validation", err)
	}
	if err := f.m.Claim(ctx, "WO-1", "op1", f.cfg); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.act("WO-1", ActionPause, "op2"); material.KindOf(err) != material.KindValidation {
		t.Errorf("pause by non-claimant: err = %v, want validation", err)
	}
	if run, err := f.act("WO-1", ActionPause, "op1"); err != nil || run.Status != material.StatusStopped {
		t.Fatalf("pause = %v, %v", run, err)
	}
	if _, err := f.act("WO-1", ActionPause, "op1"); !errors.Is(err, material.ErrState) {
		t.Errorf("double pause: err = %v, want state error", err)
	}
	if run, err := f.act("WO-1", ActionResume, "op1"); err != nil || run.Status != material.StatusInProcess {
		t.Fatalf("resume = %v, %v", run, err)
	}
}

func TestClaimLimit(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, "WO-1", 8)
	for _, op := range []string{"op1", "op2", "op1"} {
		if err := f.m.Claim(ctx, "WO-1", op, f.cfg); err != nil {
			t.Fatalf("claim %s: %v", op, err)
		}
	}
	if err := f.m.Claim(ctx, "WO-1", "op3", f.cfg); material.KindOf(err) != material.KindValidation {
		t.Errorf("third operator: err = %v, want validation", err)
	}
	if err := f.m.Leave(ctx, "WO-1", "op2"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := f.m.Claim(ctx, "WO-1", "op3", f.cfg); err != nil {
		t.Errorf("claim after leave: %v", err)
	}
	if len(f.em.operators) != 4 {
		t.Errorf("operator events = %d, want 4", len(f.em.operators))
	}
}

func TestEndConsumesSemiFinishedAndReceivesOutput(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, "WO-1", 8,
		material.Requirement{Item: "FLOUR", UOM: "kg", RequiredQty: d("10")},
		material.Requirement{Item: "DOUGH", UOM: "kg", RequiredQty: d("30")},
	)
	f.stage(t, "WO-1",
		material.MovementLine{Item: "FLOUR", Qty: d("10"), UOM: "kg"},
		material.MovementLine{Item: "DOUGH", BatchID: "D1", Qty: d("30"), UOM: "kg"},
	)
	if _, err := f.act("WO-1", ActionStart, "op1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	scan := f.gen.Consumption("WO-1", "WIP-L1", "op1", material.MovementLine{Item: "DOUGH", BatchID: "D1", Qty: d("12"), UOM: "kg"})
	if err := f.gen.Commit(ctx, scan, store.Guard{RunActive: true}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if _, err := f.m.Transition(ctx, TransitionRequest{RunID: "WO-1", Action: ActionEnd, GoodQty: d("-1")}, f.cfg); material.KindOf(err) != material.KindValidation {
		t.Errorf("negative output: err = %v, want validation", err)
	}
	run, err := f.m.Transition(ctx, TransitionRequest{RunID: "WO-1", Action: ActionEnd, Operator: "op1", GoodQty: d("95"), RejectQty: d("3")}, f.cfg)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if !run.ProductionEnded || run.Status != material.StatusCompleted {
		t.Errorf("run = %s ended=%v, want Completed ended", run.Status, run.ProductionEnded)
	}
	if !run.GoodQty.Equal(d("95")) || !run.RejectQty.Equal(d("3")) {
		t.Errorf("output = %s/%s, want 95/3", run.GoodQty, run.RejectQty)
	}

	snap, err := ledger.NewService(f.db, nil).Snapshot("WO-1", f.cfg.OverConsumptionRatio())
	if err != nil {
		t.Fatal(err)
	}
	dough, _ := ledger.Find(snap.Rows, "DOUGH")
	if !dough.Consumed.Equal(d("30")) || !dough.Remaining.IsZero() {
		t.Errorf("DOUGH consumed/remaining = %s/%s, want 30/0", dough.Consumed, dough.Remaining)
	}
	flour, _ := ledger.Find(snap.Rows, "FLOUR")
	if !flour.Consumed.IsZero() {
		t.Errorf("FLOUR consumed = %s, raw materials are not auto-consumed", flour.Consumed)
	}
	fg, err := f.db.GetBalance("FG-1", "", "FG-STORE")
	if err != nil || !fg.AvailableQty.Equal(d("95")) {
		t.Errorf("finished goods = %v, %v, want 95", fg.AvailableQty, err)
	}

	if _, err := f.act("WO-1", ActionPause, "op1"); !errors.Is(err, material.ErrState) {
		t.Errorf("pause after end: err = %v, want state error", err)
	}
	if _, err := f.m.RecordOutput(ctx, "WO-1", d("1"), d("0")); !errors.Is(err, material.ErrState) {
		t.Errorf("output after end: err = %v, want state error", err)
	}
}

// A minimum-ended gate of two refuses a line with one ended run, and
// accepts once a second run has ended.
func TestCloseMinimumEndedCount(t *testing.T) {
	f := newFixture(t)
	for i, id := range []string{"WO-1", "WO-2", "WO-3"} {
		f.seedRun(t, id, 8+i)
	}
	f.startAndEnd(t, "WO-1")

	req := CloseRequest{Line: "L1", Mode: config.CloseMinimumEndedCount, MinEnded: 2, GoodQty: d("20"), Operator: "lead"}
	if _, err := f.m.CloseProduction(ctx, req, f.cfg); !errors.Is(err, material.ErrState) {
		t.Fatalf("close with one ended: err = %v, want state error", err)
	}
	f.startAndEnd(t, "WO-2")
	res, err := f.m.CloseProduction(ctx, req, f.cfg)
	if err != nil {
		t.Fatalf("close with two ended: %v", err)
	}
	if len(res.ClosedRunIDs) != 3 {
		t.Errorf("closed runs = %v, want all three", res.ClosedRunIDs)
	}
	run, _ := f.db.GetRun("WO-3")
	if run.Status != material.StatusNotStarted {
		t.Errorf("WO-3 status = %s, close must not change run states", run.Status)
	}
	if _, err := f.m.CloseProduction(ctx, req, f.cfg); material.KindOf(err) != material.KindValidation {
		t.Errorf("close again: err = %v, want validation (no open runs)", err)
	}
}

func TestCloseGateModes(t *testing.T) {
	runs := []*material.Run{{ID: "A", ProductionEnded: true}, {ID: "B"}}
	tests := []struct {
		mode config.CloseMode
		n    int
		kind material.Kind
	}{
		{config.CloseNoValidation, 0, 0},
		{config.CloseAllRunsEnded, 0, material.KindState},
		{config.CloseMinimumEndedCount, 1, 0},
		{config.CloseMinimumEndedCount, 2, material.KindState},
		{config.CloseMinimumEndedCount, 0, material.KindConfiguration},
		{"sometimes", 0, material.KindConfiguration},
	}
	for _, tt := range tests {
		if k := material.KindOf(checkCloseGate("L1", runs, tt.mode, tt.n)); k != tt.kind {
			t.Errorf("checkCloseGate(%s, %d) kind = %v, want %v", tt.mode, tt.n, k, tt.kind)
		}
	}
}

func TestClosePackagingUsage(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, "WO-1", 8)
	f.seedRun(t, "WO-2", 9)
	f.startAndEnd(t, "WO-2")
	f.startAndEnd(t, "WO-1")
	f.em.movements = nil

	bad := CloseRequest{Line: "L1", Packaging: []PackagingUsage{{Item: "FLOUR", Qty: d("1")}}}
	if _, err := f.m.CloseProduction(ctx, bad, f.cfg); material.KindOf(err) != material.KindValidation {
		t.Errorf("non-packaging usage: err = %v, want validation", err)
	}

	req := CloseRequest{
		Line: "L1", GoodQty: d("20"), RejectQty: d("1"),
		Packaging: []PackagingUsage{
			{Item: "FILM", Qty: d("2"), UOM: "roll"},
			{Item: "FILM", Qty: d("40"), RunID: "WO-2"},
		},
	}
	res, err := f.m.CloseProduction(ctx, req, f.cfg)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(res.Movements) != 2 {
		t.Fatalf("movements = %d, want one per run", len(res.Movements))
	}
	// WO-1 ended last, so unassigned usage lands there.
	if mv := res.Movements[0]; mv.RunID != "WO-1" || !mv.Lines[0].Qty.Equal(d("1000")) || mv.SourceLocation != "PKG-L1" {
		t.Errorf("first movement = %s %s from %s, want WO-1 1000 from PKG-L1", mv.RunID, mv.Lines[0].Qty, mv.SourceLocation)
	}
	bal, _ := f.db.GetBalance("FILM", "", "PKG-L1")
	if !bal.AvailableQty.Equal(d("-1040")) {
		t.Errorf("packaging balance = %s, want -1040", bal.AvailableQty)
	}
	c, err := f.db.GetClosure(res.ClosureID)
	if err != nil {
		t.Fatal(err)
	}
	if !c.GoodQty.Equal(d("20")) || len(c.RunIDs) != 2 || c.Mode != string(config.CloseAllRunsEnded) {
		t.Errorf("closure = %+v", c)
	}
	if len(f.em.closures) != 1 || len(f.em.movements) != 2 {
		t.Errorf("events = %d closures, %d movements, want 1, 2", len(f.em.closures), len(f.em.movements))
	}
}
