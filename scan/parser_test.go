package scan

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"matflow/config"
	"matflow/material"
)

func TestParseGS1(t *testing.T) {
	p := Parse("]d2(01)05012345678900(17)261130(10)LOT A1(30)24")
	if p.GTIN != "05012345678900" {
		t.Errorf("GTIN = %q, want 05012345678900", p.GTIN)
	}
	if p.Batch != "LOT A1" {
		t.Errorf("Batch = %q, want %q", p.Batch, "LOT A1")
	}
	if !p.Qty.Equal(decimal.NewFromInt(24)) {
		t.Errorf("Qty = %s, want 24", p.Qty)
	}
	want := time.Date(2026, 11, 30, 0, 0, 0, 0, time.UTC)
	if p.Expiry == nil || !p.Expiry.Equal(want) {
		t.Errorf("Expiry = %v, want %v", p.Expiry, want)
	}
}

func TestParseExpiryDayZero(t *testing.T) {
	p := Parse("(01)05012345678900(17)260200")
	want := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	if p.Expiry == nil || !p.Expiry.Equal(want) {
		t.Errorf("Expiry = %v, want %v", p.Expiry, want)
	}
}

func TestParseCountAI37(t *testing.T) {
	p := Parse("(01)05012345678900(37)6")
	if !p.Qty.Equal(decimal.NewFromInt(6)) {
		t.Errorf("Qty = %s, want 6", p.Qty)
	}
	if !p.HasQty() {
		t.Error("HasQty = false, want true")
	}
}

func TestParsePipe(t *testing.T) {
	tests := []struct {
		code  string
		item  string
		batch string
		qty   string
	}{
		{"FLOUR|B1|12.5", "FLOUR", "B1", "12.5"},
		{"FLOUR|B1", "FLOUR", "B1", "0"},
		{"SUGAR", "SUGAR", "", "0"},
		{" SUGAR||x ", "SUGAR", "", "0"},
	}
	for _, tt := range tests {
		p := Parse(tt.code)
		if p.Item != tt.item || p.Batch != tt.batch || !p.Qty.Equal(decimal.RequireFromString(tt.qty)) {
			t.Errorf("Parse(%q) = %q/%q/%s, want %q/%q/%s", tt.code, p.Item, p.Batch, p.Qty, tt.item, tt.batch, tt.qty)
		}
	}
}

func TestParseRejectsNonPositiveQty(t *testing.T) {
	for _, code := range []string{"FLOUR|B1|0", "FLOUR|B1|-3", "(01)05012345678900(10)B1(30)0"} {
		p := Parse(code)
		if material.KindOf(p.QtyErr) != material.KindValidation {
			t.Errorf("Parse(%q).QtyErr = %v, want validation error", code, p.QtyErr)
		}
		if p.HasQty() {
			t.Errorf("Parse(%q).HasQty() = true", code)
		}
	}
	for _, code := range []string{"FLOUR|B1|2", "FLOUR|B1", " SUGAR||x "} {
		if err := Parse(code).QtyErr; err != nil {
			t.Errorf("Parse(%q).QtyErr = %v, want nil", code, err)
		}
	}
}

func TestUsePipeAfterUnknownGTIN(t *testing.T) {
	p := Parse("(01)09999999999999(10)B7")
	p.UsePipe()
	if p.Batch != "B7" {
		t.Errorf("Batch = %q, want B7", p.Batch)
	}
	if p.Item != "(01)09999999999999(10)B7" {
		t.Errorf("Item = %q, want the whole code", p.Item)
	}
}

func TestNormalizeBatch(t *testing.T) {
	tests := []struct {
		policy config.NormalizationPolicy
		in     string
		want   string
		kind   material.Kind
	}{
		{config.NormalizeConvert, " LOT  A\t1 ", "LOT_A_1", 0},
		{config.NormalizeAllow, "LOT A", "LOT A", 0},
		{config.NormalizeReject, "LOT A", "", material.KindValidation},
		{config.NormalizeReject, " LOTA ", "LOTA", 0},
		{"bogus", "LOT A", "", material.KindConfiguration},
	}
	for _, tt := range tests {
		got, err := NormalizeBatch(tt.in, tt.policy, "_")
		if k := material.KindOf(err); k != tt.kind {
			t.Errorf("NormalizeBatch(%q, %s) kind = %v, want %v", tt.in, tt.policy, k, tt.kind)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeBatch(%q, %s) = %q, want %q", tt.in, tt.policy, got, tt.want)
		}
	}
}
