package material

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind classifies engine failures so callers can decide whether to
// adjust input, refresh state, or escalate to an administrator.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindInsufficientStock
	KindBatchRequired
	KindConflict
	KindState
	KindUnresolvedCode
	KindNotInBOM
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindInsufficientStock:
		return "insufficient_stock"
	case KindBatchRequired:
		return "batch_required"
	case KindConflict:
		return "conflict"
	case KindState:
		return "state_error"
	case KindUnresolvedCode:
		return "unresolved_code"
	case KindNotInBOM:
		return "item_not_in_bom"
	case KindConfiguration:
		return "configuration_error"
	default:
		return "unknown"
	}
}

// Error is the engine's domain error.
type Error struct {
	Kind Kind
	Msg  string
	// Item and Shortfall are set for stock and batch errors.
	Item      string
	Shortfall decimal.Decimal
}

func (e *Error) Error() string { return e.Msg }

// Is matches any *Error of the same kind, so errors.Is(err, ErrConflict)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrValidation        = &Error{Kind: KindValidation, Msg: "validation error"}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock, Msg: "insufficient stock"}
	ErrBatchRequired     = &Error{Kind: KindBatchRequired, Msg: "batch required but unspecified"}
	ErrConflict          = &Error{Kind: KindConflict, Msg: "conflict"}
	ErrState             = &Error{Kind: KindState, Msg: "invalid state"}
	ErrUnresolvedCode    = &Error{Kind: KindUnresolvedCode, Msg: "unresolved code"}
	ErrNotInBOM          = &Error{Kind: KindNotInBOM, Msg: "item not in bill of materials"}
	ErrConfiguration     = &Error{Kind: KindConfiguration, Msg: "configuration error"}
)

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) error { return newf(KindValidation, format, args...) }
func Conflictf(format string, args ...any) error   { return newf(KindConflict, format, args...) }
func Statef(format string, args ...any) error      { return newf(KindState, format, args...) }
func Unresolvedf(format string, args ...any) error { return newf(KindUnresolvedCode, format, args...) }
func Configurationf(format string, args ...any) error {
	return newf(KindConfiguration, format, args...)
}

// NotInBOM reports a scanned item that is not a component of the run.
func NotInBOM(item, runID string) error {
	e := newf(KindNotInBOM, "item %s not in bill of materials for run %s", item, runID)
	e.Item = item
	return e
}

// BatchRequired reports a batch-tracked item without a determinate split.
func BatchRequired(item string) error {
	e := newf(KindBatchRequired, "batch required for %s", item)
	e.Item = item
	return e
}

// InsufficientStock reports the quantity missing to satisfy a request.
func InsufficientStock(item string, shortfall decimal.Decimal) error {
	e := newf(KindInsufficientStock, "insufficient stock for %s: short by %s", item, shortfall.String())
	e.Item = item
	e.Shortfall = shortfall
	return e
}
