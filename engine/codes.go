package engine

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"matflow/batchcode"
	"matflow/material"
	"matflow/store"
)

// NextBatchCode returns the next free production batch code for date,
// counting codes already seen in stock or in the movement log.
func (e *Engine) NextBatchCode(date time.Time) (string, error) {
	existing, err := e.db.BatchIDsWithPrefix(batchcode.Prefix(date))
	if err != nil {
		return "", err
	}
	return batchcode.Generate(date, batchcode.NextSequence(date, existing))
}

// ValidateBatchCode checks the shape of a code and whether it is in use.
func (e *Engine) ValidateBatchCode(code string) (inUse bool, err error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if err := batchcode.Validate(code); err != nil {
		return false, err
	}
	existing, err := e.db.BatchIDsWithPrefix(code)
	if err != nil {
		return false, err
	}
	for _, c := range existing {
		if strings.EqualFold(c, code) {
			return true, nil
		}
	}
	return false, nil
}

// ConversionFactor returns how many from-units make one to-unit of item.
func (e *Engine) ConversionFactor(item, from, to string) (decimal.Decimal, bool, error) {
	it, err := e.db.GetItem(item)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	f, ok := material.ConversionFactor(it, from, to)
	return f, ok, nil
}
