package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrDoubleParent rejects a lot referencing both a parent lot and a
	// parent stock.
	ErrDoubleParent = errors.New("lot cannot reference both a parent lot and a parent stock")

	// ErrStockParent rejects a stock without exactly one originating parent.
	ErrStockParent = errors.New("stock requires exactly one of parent lot or parent transformation")

	ErrNotFound = errors.New("record not found")
)

// InvalidTransitionError reports an illegal lifecycle transition. It names
// both the current and the requested state and is never silently swallowed.
type InvalidTransitionError struct {
	From LotStatus
	To   LotStatus
	Why  string
}

func (e *InvalidTransitionError) Error() string {
	if e.Why != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Why)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
