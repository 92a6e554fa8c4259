package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"matflow/config"
	"matflow/lifecycle"
	"matflow/material"
	"matflow/protocol"
	"matflow/scan"
	"matflow/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var ctx = context.Background()

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(dur time.Duration) { c.t = c.t.Add(dur) }

type fixture struct {
	eng   *Engine
	db    *store.DB
	clock *testClock

	mu   sync.Mutex
	logs []string
}

func (f *fixture) logf(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, fmt.Sprintf(format, args...))
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

	cfg := config.Defaults()
	cfg.Factory.Lines = map[string]config.LineConfig{
		"L1": {Staging: "Stores", PackagingStaging: "PKG-L1", WIP: "WIP-L1", FinishedGoods: "FG-STORE"},
		"L2": {Staging: "Stores", WIP: "WIP-L2", FinishedGoods: "FG-STORE"},
	}

	f := &fixture{db: db, clock: &testClock{t: time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)}}
	f.eng = New(Config{
		AppConfig: cfg,
		DB:        db,
		LogFunc:   f.logf,
	})
	f.eng.SetClock(f.clock.now)
	f.eng.Start()
	t.Cleanup(f.eng.Stop)

	err = f.eng.SyncItems(ctx, &protocol.ItemsSync{Items: []protocol.ItemRecord{
		{Code: "FG-1", StockUOM: "ea", Group: "Finished Goods"},
		{Code: "X", StockUOM: "kg", Group: "Raw Material", UOMFactors: map[string]decimal.Decimal{"bag": d("25")}},
		{Code: "Y", StockUOM: "kg", Group: "Raw Material", ScanUnitQty: d("10")},
		{Code: "LOT", StockUOM: "kg", Group: "Raw Material", BatchTracked: true},
	}})
	if err != nil {
		t.Fatalf("sync items: %v", err)
	}
	return f
}

func (f *fixture) schedule(t *testing.T, id, line string, hour int, reqs ...protocol.ScheduleRequirement) {
	t.Helper()
	err := f.eng.ScheduleRun(ctx, &protocol.RunSchedule{
		RunID:        id,
		Item:         "FG-1",
		PlannedQty:   d("100"),
		PlannedStart: time.Date(2026, 3, 2, hour, 0, 0, 0, time.UTC),
		Line:         line,
		Requirements: reqs,
	})
	if err != nil {
		t.Fatalf("schedule %s: %v", id, err)
	}
}

func (f *fixture) outboxTypes(t *testing.T) map[string]int {
	t.Helper()
	msgs, err := f.db.ListPendingOutbox(500)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	out := make(map[string]int)
	for _, m := range msgs {
		var env protocol.Envelope
		if err := json.Unmarshal(m.Payload, &env); err != nil {
			t.Fatalf("decode outbox %d: %v", m.ID, err)
		}
		if env.Type != m.MsgType {
			t.Errorf("outbox %d type %s, envelope says %s", m.ID, m.MsgType, env.Type)
		}
		out[m.MsgType]++
	}
	return out
}

func req(item, qty, uom string) protocol.ScheduleRequirement {
	return protocol.ScheduleRequirement{Item: item, Qty: d(qty), UOM: uom}
}

func TestAllocatePriorityOrdering(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "A", "L1", 8, req("X", "60", "kg"))
	f.schedule(t, "B", "L1", 9, req("X", "80", "kg"))
	if err := f.eng.ApplyStockSnapshot(ctx, &protocol.StockSnapshot{Balances: []protocol.StockBalance{
		{Item: "X", Location: "Stores", Qty: d("500")},
	}}); err != nil {
		t.Fatalf("stock: %v", err)
	}

	// Selected out of priority order on purpose.
	res, err := f.eng.Allocate(ctx, AllocateRequest{
		Lines:     []material.CartLine{{Item: "X", RequestedQty: d("4"), UOM: "bag"}},
		RunIDs:    []string{"B", "A"},
		PalletTag: "PAL-9",
		Actor:     "store1",
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(res.Movements) != 2 || res.Movements[0].RunID != "A" {
		t.Fatalf("movements = %+v, want A then B", res.Outcomes)
	}
	if got := res.Movements[0].Lines[0].Qty; !got.Equal(d("60")) {
		t.Errorf("A got %s, want 60", got)
	}
	if got := res.Movements[1].Lines[0].Qty; !got.Equal(d("40")) {
		t.Errorf("B got %s, want 40", got)
	}
	if res.Movements[0].TargetLocation != "WIP-L1" || res.Movements[0].SourceLocation != "Stores" {
		t.Errorf("route = %s -> %s", res.Movements[0].SourceLocation, res.Movements[0].TargetLocation)
	}

	a, _ := f.eng.Snapshot("A")
	b, _ := f.eng.Snapshot("B")
	if a.Stage != material.StageStaged || b.Stage != material.StagePartial {
		t.Errorf("stages = %s/%s, want Staged/Partial", a.Stage, b.Stage)
	}
	bal, err := f.db.GetBalance("X", "", "Stores")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.AvailableQty.Equal(d("400")) {
		t.Errorf("Stores balance = %s, want 400", bal.AvailableQty)
	}

	types := f.outboxTypes(t)
	if types[protocol.TypeMovementCommitted] != 2 || types[protocol.TypeLabelRequest] != 2 {
		t.Errorf("outbox = %v, want 2 movement.committed and 2 label.request", types)
	}
}

func TestAllocateConcurrentCartsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	const runs = 8
	for i := 0; i < runs; i++ {
		f.schedule(t, fmt.Sprintf("R%d", i), "L1", 8+i, req("X", "50", "kg"))
	}
	if err := f.eng.ApplyStockSnapshot(ctx, &protocol.StockSnapshot{Balances: []protocol.StockBalance{
		{Item: "X", Location: "Stores", Qty: d("100")},
	}}); err != nil {
		t.Fatalf("stock: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := f.eng.Allocate(ctx, AllocateRequest{
				Lines:  []material.CartLine{{Item: "X", RequestedQty: d("50"), UOM: "kg"}},
				RunIDs: []string{id},
				Actor:  "store1",
			})
			if err != nil {
				return
			}
			mu.Lock()
			committed += len(res.Movements)
			mu.Unlock()
		}(fmt.Sprintf("R%d", i))
	}
	wg.Wait()

	transferred := decimal.Zero
	for i := 0; i < runs; i++ {
		snap, err := f.eng.Snapshot(fmt.Sprintf("R%d", i))
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		for _, r := range snap.Rows {
			transferred = transferred.Add(r.Transferred)
		}
	}
	bal, err := f.db.GetBalance("X", "", "Stores")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.AvailableQty.IsNegative() {
		t.Errorf("Stores balance = %s, went negative", bal.AvailableQty)
	}
	if transferred.GreaterThan(d("100")) {
		t.Errorf("transferred %s, more than the 100 available", transferred)
	}
	if !transferred.Add(bal.AvailableQty).Equal(d("100")) {
		t.Errorf("transferred %s + balance %s != 100", transferred, bal.AvailableQty)
	}
	if committed < 1 || committed > 2 {
		t.Errorf("committed transfers = %d, want 1 or 2", committed)
	}
}

func TestAllocateFailedRunReturnsToCart(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "A", "L1", 8, req("X", "60", "kg"))
	f.schedule(t, "B", "L1", 9, req("X", "80", "kg"))
	if err := f.eng.ApplyStockSnapshot(ctx, &protocol.StockSnapshot{Balances: []protocol.StockBalance{
		{Item: "X", Location: "Stores", Qty: d("500")},
	}}); err != nil {
		t.Fatalf("stock: %v", err)
	}
	// Stock drains at Stores once A's transfer lands, so B's commit fails.
	f.eng.Events.SubscribeTypes(func(evt Event) {
		mv := evt.Payload.(MovementCommittedEvent).Movement
		if mv.RunID != "A" {
			return
		}
		if err := f.eng.SetStock(ctx, protocol.StockBalance{Item: "X", Location: "Stores", Qty: d("10")}, "test"); err != nil {
			t.Errorf("set stock: %v", err)
		}
	}, EventMovementCommitted)

	res, err := f.eng.Allocate(ctx, AllocateRequest{
		Lines:  []material.CartLine{{Item: "X", RequestedQty: d("4"), UOM: "bag"}},
		RunIDs: []string{"A", "B"},
		Actor:  "store1",
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(res.Movements) != 1 || res.Movements[0].RunID != "A" {
		t.Fatalf("movements = %+v, want only A", res.Outcomes)
	}
	if len(res.Outcomes) != 2 || res.Outcomes[1].Code != material.KindConflict.String() {
		t.Errorf("outcomes = %+v, want B conflict", res.Outcomes)
	}
	if len(res.Unallocated) != 1 || res.Unallocated[0].Item != "X" || !res.Unallocated[0].RequestedQty.Equal(d("40")) {
		t.Fatalf("unallocated = %+v, want 40 kg of X", res.Unallocated)
	}
	if res.Unallocated[0].UOM != "kg" {
		t.Errorf("unallocated UOM = %s, want kg", res.Unallocated[0].UOM)
	}
}

func TestReturnToCartMergesByItem(t *testing.T) {
	left := []material.CartLine{{Item: "X", RequestedQty: d("5"), UOM: "kg"}}
	mv := &material.Movement{RunID: "B", Lines: []material.MovementLine{
		{Item: "X", Qty: d("40"), UOM: "kg"},
		{Item: "LOT", BatchID: "CGB-01", Qty: d("3"), UOM: "kg"},
		{Item: "LOT", BatchID: "CGB-02", Qty: d("2"), UOM: "kg"},
	}}
	got := returnToCart(left, mv)
	if len(got) != 2 {
		t.Fatalf("lines = %+v, want 2", got)
	}
	if !got[0].RequestedQty.Equal(d("45")) || len(got[0].Batches) != 0 {
		t.Errorf("X = %+v, want 45 without picks", got[0])
	}
	if got[1].Item != "LOT" || !got[1].RequestedQty.Equal(d("5")) || len(got[1].Batches) != 2 {
		t.Errorf("LOT = %+v, want 5 over two picks", got[1])
	}
}

func TestAllocateUnknownRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Allocate(ctx, AllocateRequest{
		Lines:  []material.CartLine{{Item: "X", RequestedQty: d("1")}},
		RunIDs: []string{"NOPE"},
	})
	if material.KindOf(err) != material.KindValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestAllocateInsufficientStock(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "A", "L1", 8, req("X", "60", "kg"))
	f.eng.ApplyStockSnapshot(ctx, &protocol.StockSnapshot{Balances: []protocol.StockBalance{
		{Item: "X", Location: "Stores", Qty: d("10")},
	}})
	_, err := f.eng.Allocate(ctx, AllocateRequest{
		Lines:  []material.CartLine{{Item: "X", RequestedQty: d("30")}},
		RunIDs: []string{"A"},
	})
	if material.KindOf(err) != material.KindInsufficientStock {
		t.Fatalf("err = %v, want insufficient stock", err)
	}
	mvs, _ := f.eng.Movements("A")
	if len(mvs) != 0 {
		t.Errorf("movements = %d after failed allocation", len(mvs))
	}
}

func TestStartAfterFullAllocation(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "A", "L1", 8, req("X", "60", "kg"))
	f.eng.ApplyStockSnapshot(ctx, &protocol.StockSnapshot{Balances: []protocol.StockBalance{
		{Item: "X", Location: "Stores", Qty: d("100")},
	}})

	_, err := f.eng.Transition(ctx, lifecycle.TransitionRequest{RunID: "A", Action: lifecycle.ActionStart})
	if !errors.Is(err, material.ErrState) {
		t.Fatalf("start before staging: err = %v, want state error", err)
	}
	if _, err := f.eng.Allocate(ctx, AllocateRequest{
		Lines:  []material.CartLine{{Item: "X", RequestedQty: d("60")}},
		RunIDs: []string{"A"},
	}); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	run, err := f.eng.Transition(ctx, lifecycle.TransitionRequest{RunID: "A", Action: lifecycle.ActionStart, Operator: "op1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Status != material.StatusInProcess {
		t.Errorf("status = %s", run.Status)
	}
	if f.outboxTypes(t)[protocol.TypeRunStatus] != 1 {
		t.Errorf("no run.status queued")
	}
	q, err := f.eng.Queue("L1")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(q) != 1 || q[0].Stage != material.StageStaged {
		t.Errorf("queue = %+v", q)
	}
}

func TestScanWindowExample(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "R", "L1", 8, req("Y", "50", "kg"))

	scanY := func() *scan.Result {
		t.Helper()
		res, err := f.eng.Scan(ctx, scan.Request{RunID: "R", Code: "Y", Operator: "op1"})
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		return res
	}

	if r := scanY(); !r.Accepted {
		t.Fatalf("first scan rejected: %s", r.Reason)
	}
	f.clock.advance(45 * time.Second)
	if r := scanY(); !r.Accepted {
		t.Fatalf("second scan rejected: %s", r.Reason)
	}
	f.clock.advance(5 * time.Second)
	if r := scanY(); r.Accepted || r.Outcome != material.ScanDuplicate {
		t.Fatalf("third scan = %+v, want duplicate", r)
	}

	snap, err := f.eng.Snapshot("R")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	row := snap.Rows[0]
	if !row.Consumed.Equal(d("20")) || !row.Remaining.Equal(d("30")) {
		t.Errorf("consumed/remaining = %s/%s, want 20/30", row.Consumed, row.Remaining)
	}
	if len(snap.RecentScans) != 3 || snap.RecentScans[0].Outcome != material.ScanDuplicate {
		t.Errorf("recent scans = %d, newest %v", len(snap.RecentScans), snap.RecentScans[0].Outcome)
	}
	if !snap.OutputRemaining.Equal(d("100")) {
		t.Errorf("output remaining = %s", snap.OutputRemaining)
	}
}

func TestScheduleConvertsRequirementUOM(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "A", "L1", 8, req("X", "2", "bag"))
	reqs, err := f.db.ListRequirements("A")
	if err != nil {
		t.Fatalf("requirements: %v", err)
	}
	if len(reqs) != 1 || !reqs[0].RequiredQty.Equal(d("50")) || reqs[0].UOM != "kg" {
		t.Errorf("requirements = %+v, want 50 kg", reqs)
	}

	err = f.eng.ScheduleRun(ctx, &protocol.RunSchedule{RunID: "B", Item: "FG-1", PlannedQty: d("1"),
		Requirements: []protocol.ScheduleRequirement{req("GHOST", "1", "kg")}})
	if material.KindOf(err) != material.KindValidation {
		t.Errorf("unknown component: err = %v", err)
	}
}

func TestStockSnapshotNormalizesBatches(t *testing.T) {
	f := newFixture(t)
	err := f.eng.ApplyStockSnapshot(ctx, &protocol.StockSnapshot{Balances: []protocol.StockBalance{
		{Item: "LOT", BatchID: "B 01", Location: "Stores", Qty: d("5")},
		{Item: "LOT", BatchID: "B02", Location: "", Qty: d("5")},
	}})
	if err == nil {
		t.Fatal("expected the balance without location to be reported")
	}
	if _, err := f.db.GetBalance("LOT", "B_01", "Stores"); err != nil {
		t.Errorf("converted batch not stored: %v", err)
	}
}

func TestCloseProductionFlow(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "P1", "L2", 8)
	f.schedule(t, "P2", "L2", 9)

	end := func(id string) {
		t.Helper()
		if _, err := f.eng.Transition(ctx, lifecycle.TransitionRequest{RunID: id, Action: lifecycle.ActionStart}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
		f.clock.advance(time.Minute)
		if _, err := f.eng.Transition(ctx, lifecycle.TransitionRequest{RunID: id, Action: lifecycle.ActionEnd, GoodQty: d("10")}); err != nil {
			t.Fatalf("end %s: %v", id, err)
		}
	}
	closeReq := lifecycle.CloseRequest{Line: "L2", Mode: config.CloseMinimumEndedCount, MinEnded: 2, Operator: "sup"}

	end("P1")
	if _, err := f.eng.CloseProduction(ctx, closeReq); !errors.Is(err, material.ErrState) {
		t.Fatalf("close with one ended run: err = %v", err)
	}
	end("P2")
	res, err := f.eng.CloseProduction(ctx, closeReq)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(res.ClosedRunIDs) != 2 {
		t.Errorf("closed = %v", res.ClosedRunIDs)
	}
	types := f.outboxTypes(t)
	if types[protocol.TypeLineClosed] != 1 || types[protocol.TypeRunStatus] != 4 {
		t.Errorf("outbox = %v", types)
	}

	audit, err := f.db.ListAuditLog(100)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	found := false
	for _, a := range audit {
		if a.EntityType == "line" && a.EntityID == "L2" && a.Action == "closed" {
			found = true
		}
	}
	if !found {
		t.Error("line closure not audited")
	}
}

func TestBatchCodes(t *testing.T) {
	f := newFixture(t)
	date := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	code, err := f.eng.NextBatchCode(date)
	if err != nil || code != "CGB-151" {
		t.Fatalf("next = %q, %v; want CGB-151", code, err)
	}
	f.eng.SetStock(ctx, protocol.StockBalance{Item: "LOT", BatchID: "CGB-151", Location: "FG-STORE", Qty: d("1")}, "admin")
	if code, _ := f.eng.NextBatchCode(date); code != "CGB-152" {
		t.Errorf("next after use = %q, want CGB-152", code)
	}
	inUse, err := f.eng.ValidateBatchCode("cgb-151")
	if err != nil || !inUse {
		t.Errorf("validate = %v, %v; want in use", inUse, err)
	}
	if _, err := f.eng.ValidateBatchCode("CGB151"); material.KindOf(err) != material.KindValidation {
		t.Errorf("malformed code: err = %v", err)
	}
}

func TestConversionFactor(t *testing.T) {
	f := newFixture(t)
	got, ok, err := f.eng.ConversionFactor("X", "kg", "bag")
	if err != nil || !ok || !got.Equal(d("25")) {
		t.Errorf("kg->bag = %s, %v, %v; want 25", got, ok, err)
	}
	if _, ok, _ := f.eng.ConversionFactor("X", "kg", "pallet"); ok {
		t.Error("unknown uom reported as found")
	}
	if _, ok, _ := f.eng.ConversionFactor("GHOST", "kg", "kg"); ok {
		t.Error("unknown item reported as found")
	}
}

func TestManualMovement(t *testing.T) {
	f := newFixture(t)
	mv, err := f.eng.ManualMovement(ctx, ManualMovementRequest{
		Purpose:        material.PurposeReceipt,
		TargetLocation: "Stores",
		Lines:          []material.MovementLine{{Item: "X", Qty: d("2"), UOM: "bag"}},
		Actor:          "store1",
	})
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if !mv.Lines[0].Qty.Equal(d("50")) {
		t.Errorf("receipt qty = %s, want 50 kg", mv.Lines[0].Qty)
	}
	_, err = f.eng.ManualMovement(ctx, ManualMovementRequest{
		Purpose:        material.PurposeIssue,
		SourceLocation: "Stores",
		Lines:          []material.MovementLine{{Item: "X", Qty: d("60")}},
	})
	if err == nil {
		t.Error("issue beyond stock should fail")
	}
	_, err = f.eng.ManualMovement(ctx, ManualMovementRequest{
		Purpose:        material.PurposeReceipt,
		TargetLocation: "Stores",
		Lines:          []material.MovementLine{{Item: "LOT", Qty: d("1")}},
	})
	if material.KindOf(err) != material.KindBatchRequired {
		t.Errorf("untagged batch: err = %v", err)
	}
}

func TestSetFactory(t *testing.T) {
	f := newFixture(t)
	fc := f.eng.Factory()
	fc.DuplicateScanTTL = 10 * time.Second
	if err := f.eng.SetFactory(fc, "admin"); err != nil {
		t.Fatalf("set factory: %v", err)
	}
	if f.eng.Factory().DuplicateScanTTL != 10*time.Second {
		t.Error("factory not replaced")
	}
	fc.CloseValidationMode = "sometimes"
	if err := f.eng.SetFactory(fc, "admin"); material.KindOf(err) != material.KindConfiguration {
		t.Errorf("bad mode: err = %v", err)
	}
}

func TestEventBusFilters(t *testing.T) {
	bus := NewEventBus()
	var all, scans int
	bus.Subscribe(func(Event) { all++ })
	id := bus.SubscribeTypes(func(Event) { scans++ }, EventScanRecorded)
	bus.Emit(Event{Type: EventScanRecorded})
	bus.Emit(Event{Type: EventLineClosed})
	bus.Unsubscribe(id)
	bus.Emit(Event{Type: EventScanRecorded})
	if all != 3 || scans != 1 {
		t.Errorf("all=%d scans=%d, want 3 and 1", all, scans)
	}
}

func TestEventBusSurvivesPanickingSubscriber(t *testing.T) {
	bus := NewEventBus()
	bus.SubscribeTypes(func(Event) { panic("boom") }, EventMovementCommitted)
	got := 0
	bus.SubscribeTypes(func(Event) { got++ }, EventMovementCommitted, EventMovementCommitted)
	bus.Emit(Event{Type: EventMovementCommitted})
	if got != 1 {
		t.Errorf("second subscriber ran %d times, want 1", got)
	}
}
