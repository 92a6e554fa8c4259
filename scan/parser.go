package scan

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"matflow/material"
)

// aimPrefixes are symbology identifiers some scanners prepend
// (]d2 DataMatrix, ]C1 GS1-128, ]Q3 QR).
var aimPrefixes = []string{"]d2", "]C1", "]Q3"}

// Parsed is what could be read from a scanned code. Empty fields were not
// present.
type Parsed struct {
	GTIN   string
	Item   string
	Batch  string
	Expiry *time.Time
	Qty    decimal.Decimal
	// QtyErr is set when the code spelled out a quantity that is zero or
	// negative.
	QtyErr error

	// Pipe holds the raw fields of an ITEM|BATCH|QTY code, used when the
	// GTIN does not resolve.
	Pipe []string
}

// HasQty reports whether the code carried a usable quantity.
func (p Parsed) HasQty() bool { return p.Qty.Sign() > 0 }

// Parse reads GS1 application identifiers in parenthesised form, (01) GTIN,
// (10) batch, (17) expiry YYMMDD and (30)/(37) count, and falls back to
// ITEM|BATCH|QTY for plain codes.
func Parse(code string) Parsed {
	s := strings.TrimSpace(code)
	for _, p := range aimPrefixes {
		if strings.HasPrefix(s, p) {
			s = s[len(p):]
			break
		}
	}

	var out Parsed
	if v, ok := grab(s, "(01)", 14); ok {
		out.GTIN = v
	}
	if v, ok := grab(s, "(10)", 0); ok {
		out.Batch = v
	}
	if v, ok := grab(s, "(17)", 6); ok {
		out.Expiry = parseExpiry(v)
	}
	qty, ok := grab(s, "(30)", 0)
	if !ok {
		qty, ok = grab(s, "(37)", 0)
	}
	if ok {
		if q, err := decimal.NewFromString(qty); err == nil {
			out.QtyErr = checkQty(q, qty)
			out.Qty = q
		}
	}
	if out.GTIN != "" {
		out.Pipe = []string{s}
		return out
	}

	parts := strings.Split(s, "|")
	out.Pipe = parts
	applyPipe(&out, parts)
	return out
}

// UsePipe switches p to its ITEM|BATCH|QTY reading. GS1 batch and quantity
// stay unless the pipe fields supply their own.
func (p *Parsed) UsePipe() {
	applyPipe(p, p.Pipe)
}

func applyPipe(p *Parsed, parts []string) {
	if len(parts) >= 1 {
		p.Item = strings.TrimSpace(parts[0])
	}
	if len(parts) >= 2 {
		p.Batch = parts[1]
	}
	if len(parts) >= 3 {
		raw := strings.TrimSpace(parts[2])
		if q, err := decimal.NewFromString(raw); err == nil {
			p.Qty = q
			p.QtyErr = checkQty(q, raw)
		}
	}
}

func checkQty(q decimal.Decimal, raw string) error {
	if q.Sign() > 0 {
		return nil
	}
	return material.Validationf("scanned quantity %s must be positive", raw)
}

// grab returns the value after ai: n characters when n > 0, otherwise up
// to the next "(".
func grab(s, ai string, n int) (string, bool) {
	i := strings.Index(s, ai)
	if i < 0 {
		return "", false
	}
	v := s[i+len(ai):]
	if n > 0 {
		if len(v) > n {
			v = v[:n]
		}
		return v, v != ""
	}
	if end := strings.IndexByte(v, '('); end >= 0 {
		v = v[:end]
	}
	return v, v != ""
}

// parseExpiry reads YYMMDD. Day 00 means the last day of the month.
func parseExpiry(v string) *time.Time {
	if len(v) != 6 {
		return nil
	}
	if strings.HasSuffix(v, "00") {
		t, err := time.Parse("060102", v[:4]+"01")
		if err != nil {
			return nil
		}
		t = t.AddDate(0, 1, -1)
		return &t
	}
	t, err := time.Parse("060102", v)
	if err != nil {
		return nil
	}
	return &t
}
