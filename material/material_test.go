package material

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("commit run R1: %w", Conflictf("batch %s changed", "B1"))
	if !errors.Is(err, ErrConflict) {
		t.Error("wrapped conflict should match ErrConflict")
	}
	if errors.Is(err, ErrState) {
		t.Error("conflict should not match ErrState")
	}
	if KindOf(err) != KindConflict {
		t.Errorf("KindOf = %v, want conflict", KindOf(err))
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Error("plain error should have no kind")
	}

	short := InsufficientStock("FLOUR", d("2.5"))
	var e *Error
	if !errors.As(short, &e) {
		t.Fatal("expected *Error")
	}
	if e.Item != "FLOUR" || !e.Shortfall.Equal(d("2.5")) {
		t.Errorf("item=%q shortfall=%s", e.Item, e.Shortfall)
	}
	if KindInsufficientStock.String() != "insufficient_stock" {
		t.Errorf("kind string = %q", KindInsufficientStock.String())
	}
}

func TestPurposeText(t *testing.T) {
	for p := range purposeNames {
		b, err := p.MarshalText()
		if err != nil {
			t.Fatalf("marshal %v: %v", p, err)
		}
		var back Purpose
		if err := back.UnmarshalText(b); err != nil {
			t.Fatalf("unmarshal %q: %v", b, err)
		}
		if back != p {
			t.Errorf("round trip %v -> %v", p, back)
		}
	}
	if _, err := ParsePurpose("teleport"); KindOf(err) != KindValidation {
		t.Errorf("unknown purpose err = %v, want validation", err)
	}
	if !PurposeTransfer.NeedsSource() || !PurposeTransfer.NeedsTarget() {
		t.Error("transfer needs source and target")
	}
	if PurposeConsumption.NeedsTarget() || PurposeReceipt.NeedsSource() {
		t.Error("consumption has no target, receipt has no source")
	}
}

func TestConversionFactor(t *testing.T) {
	it := &Item{Code: "FG10015", StockUOM: "Nos", UOMFactors: map[string]decimal.Decimal{
		"Carton":       d("24"),
		"EUR 1 Pallet": d("96"),
	}}
	tests := []struct {
		from, to string
		want     string
		found    bool
	}{
		{"Carton", "Carton", "1", true},
		{"Carton", "EUR 1 Pallet", "4", true},
		{"Nos", "Carton", "24", true},
		{"", "Carton", "0", false},
		{"Carton", "", "0", false},
		{"Carton", "Crate", "0", false},
	}
	for _, tt := range tests {
		got, found := ConversionFactor(it, tt.from, tt.to)
		if found != tt.found {
			t.Errorf("%s->%s found = %v, want %v", tt.from, tt.to, found, tt.found)
			continue
		}
		if found && !got.Equal(d(tt.want)) {
			t.Errorf("%s->%s = %s, want %s", tt.from, tt.to, got, tt.want)
		}
	}
	if _, found := ConversionFactor(&Item{}, "Carton", "Pallet"); found {
		t.Error("item without code should not be found")
	}

	stockCarton := &Item{Code: "FG10015", StockUOM: "Carton", UOMFactors: map[string]decimal.Decimal{"EUR 1 Pallet": d("4")}}
	if got, _ := ConversionFactor(stockCarton, "Carton", "EUR 1 Pallet"); !got.Equal(d("4")) {
		t.Errorf("stock-uom conversion = %s, want 4", got)
	}
}

func TestQuantityHelpers(t *testing.T) {
	if !WithinTolerance(d("10"), d("10.0009")) {
		t.Error("0.0009 should be within tolerance")
	}
	if WithinTolerance(d("10"), d("10.002")) {
		t.Error("0.002 should exceed tolerance")
	}
	if !NonNegative(d("-3")).IsZero() {
		t.Error("NonNegative should clamp")
	}
	if !Min(d("2"), d("5")).Equal(d("2")) {
		t.Error("Min")
	}
	row := LedgerRow{Required: d("50"), Transferred: d("60")}
	if !row.Outstanding().IsZero() {
		t.Errorf("outstanding = %s, want 0", row.Outstanding())
	}
}
