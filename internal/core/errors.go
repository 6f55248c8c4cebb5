package core

import "errors"

var (
	// ErrInsufficientStock is returned when available quantity cannot cover a reservation or outbound move.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrNegativeQuantity signals a level update that would drive available or reserved below zero.
	ErrNegativeQuantity = errors.New("inventory: quantity would become negative")
	// ErrInsufficientCostBasis signals that cost records cannot cover an outbound quantity that
	// the level said was on hand. It is a consistency fault.
	ErrInsufficientCostBasis = errors.New("inventory: insufficient cost basis")
	// ErrLockTimeout is transient; callers retry with the same idempotency key.
	ErrLockTimeout = errors.New("inventory: lock timeout")
	// ErrValuationMethodMismatch is returned when a layer-specific operation hits a non-FIFO product.
	ErrValuationMethodMismatch = errors.New("inventory: valuation method mismatch")
	ErrValuationMethodLocked   = errors.New("inventory: valuation method already set for product")
	ErrUnknownValuationMethod  = errors.New("inventory: unknown valuation method")
	ErrInvalidInput            = errors.New("inventory: invalid input")
	ErrNotFound                = errors.New("inventory: not found")
)

// IsConsistencyFault reports whether err indicates the ledger and its derived records disagree.
func IsConsistencyFault(err error) bool {
	return errors.Is(err, ErrNegativeQuantity) || errors.Is(err, ErrInsufficientCostBasis)
}
