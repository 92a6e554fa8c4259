package material

import "github.com/shopspring/decimal"

var (
	// Tolerance is the absolute slack allowed when matching split sums.
	Tolerance = decimal.New(1, -3)
	// StageEpsilon absorbs rounding when comparing transferred to required.
	StageEpsilon = decimal.New(1, -9)
)

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// NonNegative clamps d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Positive reports whether d is greater than zero.
func Positive(d decimal.Decimal) bool { return d.Sign() > 0 }

// WithinTolerance reports |a-b| <= Tolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}
