package scan

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"matflow/config"
	"matflow/ledger"
	"matflow/material"
	"matflow/movement"
	"matflow/store"
)

type nopEmitter struct{}

func (nopEmitter) EmitMovementCommitted(*material.Movement)            {}
func (nopEmitter) EmitMovementFailed(string, material.Purpose, error) {}

type scanRecorder struct {
	mu     sync.Mutex
	events []*material.ScanEvent
}

func (r *scanRecorder) EmitScanRecorded(ev *material.ScanEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type fixture struct {
	db    *store.DB
	proc  *Processor
	clock *fakeClock
	rec   *scanRecorder
	cfg   config.FactoryConfig
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

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

	ctx := context.Background()
	items := []*material.Item{
		{Code: "FLOUR", StockUOM: "kg", Group: "Raw Material", BatchTracked: true, Barcodes: []string{"05012345678900"}},
		{Code: "SUGAR", StockUOM: "kg", Group: "Raw Material", ScanUnitQty: d("25")},
		{Code: "FILM", StockUOM: "m", Group: "Packaging - Films"},
		{Code: "SALT", StockUOM: "kg", Group: "Raw Material"},
	}
	for _, it := range items {
		if err := db.UpsertItem(ctx, it); err != nil {
			t.Fatalf("upsert item %s: %v", it.Code, err)
		}
	}
	run := &material.Run{
		ID: "WO-1", Item: "FG-1", PlannedQty: d("100"), Line: "L1",
		PlannedStart: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
	reqs := []material.Requirement{
		{Item: "FLOUR", UOM: "kg", RequiredQty: d("20")},
		{Item: "SUGAR", UOM: "kg", RequiredQty: d("50")},
	}
	if err := db.UpsertRun(ctx, run, reqs); err != nil {
		t.Fatalf("upsert run: %v", err)
	}

	clk := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	gen := movement.NewGenerator(db, nil, nopEmitter{})
	gen.SetClock(clk.now)
	dd := NewMemoryDeduper()
	dd.SetClock(clk.now)
	rec := &scanRecorder{}
	proc := NewProcessor(db, gen, ledger.NewService(db, nil), dd, rec)
	proc.SetClock(clk.now)

	cfg := config.DefaultFactory()
	cfg.Lines = map[string]config.LineConfig{
		"L1": {Staging: "Stores", PackagingStaging: "PKG-L1", WIP: "WIP-L1"},
	}
	return &fixture{db: db, proc: proc, clock: clk, rec: rec, cfg: cfg}
}

func (f *fixture) scan(t *testing.T, code string) *Result {
	t.Helper()
	res, err := f.proc.Process(context.Background(), Request{RunID: "WO-1", Code: code, Operator: "op1"}, f.cfg)
	if err != nil {
		t.Fatalf("Process(%q): %v", code, err)
	}
	return res
}

func TestScanConsumesFromWIP(t *testing.T) {
	f := newFixture(t)
	res := f.scan(t, "(01)05012345678900(10)B1(30)4")
	if !res.Accepted {
		t.Fatalf("not accepted: %s", res.Reason)
	}
	if res.Movement.Purpose != material.PurposeConsumption || res.Movement.SourceLocation != "WIP-L1" {
		t.Errorf("movement = %s from %s, want consumption from WIP-L1", res.Movement.Purpose, res.Movement.SourceLocation)
	}
	row, _ := ledger.Find(res.Snapshot.Rows, "FLOUR")
	if !row.Consumed.Equal(d("4")) {
		t.Errorf("consumed = %s, want 4", row.Consumed)
	}
	b, err := f.db.GetBalance("FLOUR", "B1", "WIP-L1")
	if err != nil {
		t.Fatal(err)
	}
	if !b.AvailableQty.Equal(d("-4")) {
		t.Errorf("WIP balance = %s, want -4", b.AvailableQty)
	}
}

func TestScanQuantityFallbacks(t *testing.T) {
	f := newFixture(t)
	res := f.scan(t, "SUGAR")
	if !res.Accepted || !res.Event.Qty.Equal(d("25")) {
		t.Errorf("SUGAR qty = %s accepted=%v, want scan unit 25", res.Event.Qty, res.Accepted)
	}
	f.cfg.RequirePackagingInBOM = false
	res = f.scan(t, "FILM")
	if !res.Accepted || !res.Event.Qty.Equal(d("1")) {
		t.Errorf("FILM qty = %s accepted=%v, want 1", res.Event.Qty, res.Accepted)
	}
	if res.Movement.SourceLocation != "PKG-L1" {
		t.Errorf("packaging source = %s, want PKG-L1", res.Movement.SourceLocation)
	}
}

func TestScanRejections(t *testing.T) {
	tests := []struct {
		name string
		code string
		tune func(*config.FactoryConfig)
		kind material.Kind
	}{
		{"unresolved", "NOPE|X|1", nil, material.KindUnresolvedCode},
		{"unknown gtin", "(01)09999999999999(10)B1", nil, material.KindUnresolvedCode},
		{"batch required", "FLOUR||2", nil, material.KindBatchRequired},
		{"not in bom", "SALT", nil, material.KindNotInBOM},
		{"packaging must be in bom", "FILM", func(c *config.FactoryConfig) { c.RequirePackagingInBOM = true }, material.KindNotInBOM},
		{"group not allowed", "SUGAR", func(c *config.FactoryConfig) {
			l := c.Lines["L1"]
			l.AllowedItemGroups = []string{"packaging - films"}
			c.Lines["L1"] = l
		}, material.KindValidation},
		{"whitespace rejected", "FLOUR|B 1|2", func(c *config.FactoryConfig) { c.CodeNormalizationPolicy = config.NormalizeReject }, material.KindValidation},
		{"hard limit", "FLOUR|B1|31", func(c *config.FactoryConfig) { c.OverConsumptionHardLimit = true }, material.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.tune != nil {
				tt.tune(&f.cfg)
			}
			res := f.scan(t, tt.code)
			if res.Accepted || res.Outcome != material.ScanRejected {
				t.Fatalf("outcome = %s, want Rejected", res.Outcome)
			}
			if res.Code != tt.kind.String() {
				t.Errorf("code = %s, want %s", res.Code, tt.kind)
			}
			mvs, _ := f.db.ListMovements("WO-1")
			if len(mvs) != 0 {
				t.Errorf("movements = %d, want 0", len(mvs))
			}
			evs, _ := f.db.ListScanEvents("WO-1", 10)
			if len(evs) != 1 || evs[0].Outcome != material.ScanRejected {
				t.Errorf("scan events = %+v, want one rejected", evs)
			}
		})
	}
}

func TestScanConvertsBatchWhitespace(t *testing.T) {
	f := newFixture(t)
	res := f.scan(t, "FLOUR|LOT 7|2")
	if !res.Accepted || res.Event.BatchID != "LOT_7" {
		t.Errorf("batch = %q accepted=%v, want LOT_7", res.Event.BatchID, res.Accepted)
	}
}

// A scan within the window of the last accepted scan for the same run,
// item and batch is recorded as a duplicate and moves nothing.
func TestScanDuplicateWindow(t *testing.T) {
	f := newFixture(t)
	if res := f.scan(t, "FLOUR|B1|1"); !res.Accepted {
		t.Fatalf("first scan rejected: %s", res.Reason)
	}
	f.clock.advance(10 * time.Second)
	if res := f.scan(t, "FLOUR|B1|1"); res.Outcome != material.ScanDuplicate {
		t.Errorf("second scan = %s, want Duplicate", res.Outcome)
	}
	if res := f.scan(t, "FLOUR|B2|1"); !res.Accepted {
		t.Errorf("other batch = %s, want Accepted", res.Outcome)
	}
	f.clock.advance(36 * time.Second)
	if res := f.scan(t, "FLOUR|B1|1"); !res.Accepted {
		t.Errorf("scan after window = %s, want Accepted", res.Outcome)
	}
	f.clock.advance(5 * time.Second)
	if res := f.scan(t, "FLOUR|B1|1"); res.Outcome != material.ScanDuplicate {
		t.Errorf("scan 5s later = %s, want Duplicate", res.Outcome)
	}

	mvs, _ := f.db.ListMovements("WO-1")
	if len(mvs) != 3 {
		t.Errorf("movements = %d, want 3", len(mvs))
	}
	if len(f.rec.events) != 5 {
		t.Errorf("recorded events = %d, want 5", len(f.rec.events))
	}
}

func TestScanZeroPipeQtyRejected(t *testing.T) {
	f := newFixture(t)
	res := f.scan(t, "SUGAR||0")
	if res.Accepted || res.Code != material.KindValidation.String() {
		t.Fatalf("result = %s/%s, want validation rejection", res.Outcome, res.Code)
	}
	if mvs, _ := f.db.ListMovements("WO-1"); len(mvs) != 0 {
		t.Errorf("movements = %d, want 0", len(mvs))
	}
	// The rejection leaves no duplicate window behind.
	if res := f.scan(t, "SUGAR||5"); !res.Accepted {
		t.Errorf("follow-up = %s (%s), want Accepted", res.Outcome, res.Reason)
	}
}

func TestConcurrentIdenticalScansSingleAccept(t *testing.T) {
	f := newFixture(t)
	results := make([]*Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.proc.Process(context.Background(), Request{RunID: "WO-1", Code: "FLOUR|B1|2", Operator: "op1"}, f.cfg)
		}(i)
	}
	wg.Wait()

	outcomes := map[material.ScanOutcome]int{}
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("scan %d: %v", i, errs[i])
		}
		outcomes[res.Outcome]++
	}
	if outcomes[material.ScanAccepted] != 1 || outcomes[material.ScanDuplicate] != 1 {
		t.Errorf("outcomes = %v, want one Accepted and one Duplicate", outcomes)
	}

	evs, err := f.db.ListScanEvents("WO-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	logged := map[material.ScanOutcome]int{}
	for _, ev := range evs {
		logged[ev.Outcome]++
	}
	if len(evs) != 2 || logged[material.ScanAccepted] != 1 || logged[material.ScanDuplicate] != 1 {
		t.Errorf("scan events = %v, want one Accepted and one Duplicate", logged)
	}
	mvs, _ := f.db.ListMovements("WO-1")
	if len(mvs) != 1 {
		t.Errorf("movements = %d, want 1", len(mvs))
	}
}

// Rejected scans do not start a duplicate window.
func TestScanRejectionDoesNotClaim(t *testing.T) {
	f := newFixture(t)
	f.cfg.OverConsumptionHardLimit = true
	if res := f.scan(t, "FLOUR|B1|40"); res.Accepted {
		t.Fatal("over-limit scan accepted")
	}
	if res := f.scan(t, "FLOUR|B1|5"); !res.Accepted {
		t.Errorf("follow-up scan = %s (%s), want Accepted", res.Outcome, res.Reason)
	}
}

// Once production has ended no scan may consume against the run.
func TestScanAfterEndRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.db.TransitionRun(ctx, &store.Transition{RunID: "WO-1", From: material.StatusNotStarted, To: material.StatusInProcess, Action: "start"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.EndRun(ctx, &store.Transition{RunID: "WO-1", From: material.StatusInProcess, To: material.StatusCompleted, Action: "end"}, d("90"), d("0"), nil); err != nil {
		t.Fatal(err)
	}
	res := f.scan(t, "FLOUR|B1|1")
	if res.Accepted || res.Code != material.KindState.String() {
		t.Errorf("outcome = %s code = %s, want Rejected state_error", res.Outcome, res.Code)
	}
	mvs, _ := f.db.ListMovements("WO-1")
	if len(mvs) != 0 {
		t.Errorf("movements = %d, want 0", len(mvs))
	}
}

func TestScanTransferMode(t *testing.T) {
	f := newFixture(t)
	f.cfg.ConsumeOnScan = false
	res := f.scan(t, "SUGAR|")
	if !res.Accepted {
		t.Fatalf("rejected: %s", res.Reason)
	}
	if res.Movement.Purpose != material.PurposeTransfer || res.Movement.SourceLocation != "Stores" || res.Movement.TargetLocation != "WIP-L1" {
		t.Errorf("movement = %s %s->%s, want transfer Stores->WIP-L1", res.Movement.Purpose, res.Movement.SourceLocation, res.Movement.TargetLocation)
	}
	row, _ := ledger.Find(res.Snapshot.Rows, "SUGAR")
	if !row.Transferred.Equal(d("25")) {
		t.Errorf("transferred = %s, want 25", row.Transferred)
	}
}

func TestScanMissingLocations(t *testing.T) {
	f := newFixture(t)
	f.cfg.Lines = nil
	f.cfg.DefaultWarehouse = ""
	_, err := f.proc.Process(context.Background(), Request{RunID: "WO-1", Code: "SUGAR"}, f.cfg)
	if material.KindOf(err) != material.KindConfiguration {
		t.Errorf("err = %v, want configuration error", err)
	}
}
