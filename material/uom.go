package material

import (
	"strings"

	"github.com/shopspring/decimal"
)

// factor returns how many stock units one unit of uom holds.
func (it *Item) factor(uom string) (decimal.Decimal, bool) {
	if strings.EqualFold(uom, it.StockUOM) {
		return decimal.NewFromInt(1), true
	}
	for k, f := range it.UOMFactors {
		if strings.EqualFold(k, uom) && f.Sign() > 0 {
			return f, true
		}
	}
	return decimal.Zero, false
}

// ConversionFactor returns how many from-units make one to-unit, e.g.
// Carton -> Pallet is 4 when a pallet holds 96 stock units and a carton 24.
// found is false when either UOM is blank or unknown for the item.
func ConversionFactor(it *Item, from, to string) (factor decimal.Decimal, found bool) {
	if it == nil || it.Code == "" || strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
		return decimal.Zero, false
	}
	if strings.EqualFold(from, to) {
		return decimal.NewFromInt(1), true
	}
	ff, ok := it.factor(from)
	if !ok {
		return decimal.Zero, false
	}
	tf, ok := it.factor(to)
	if !ok {
		return decimal.Zero, false
	}
	return tf.Div(ff), true
}

// ToStock converts qty in uom into stock units. Unknown UOMs are treated
// as the stock UOM.
func (it *Item) ToStock(qty decimal.Decimal, uom string) decimal.Decimal {
	if uom == "" {
		return qty
	}
	f, ok := it.factor(uom)
	if !ok {
		return qty
	}
	return qty.Mul(f)
}
