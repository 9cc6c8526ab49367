package models

import "errors"

// Engine error taxonomy. Validation errors reject a request before any state
// change; ErrVersionConflict is the optimistic-concurrency loss and is
// expected under load.
var (
	ErrInvalidLeverage        = errors.New("invalid leverage")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInvalidSize            = errors.New("invalid position size")
	ErrPairUnavailable        = errors.New("trading pair unavailable")
	ErrInsufficientFunds      = errors.New("insufficient funds")

	ErrVersionConflict  = errors.New("version conflict")
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionNotOpen  = errors.New("position is not open")

	ErrAccountNotFound = errors.New("account not found")
)
