package backtester

import "errors"

var (
	// ErrUnknownPrice is returned when an order is executed for a symbol with no observed price.
	ErrUnknownPrice = errors.New("no market price observed for symbol")
	// ErrUnfundedOrder is returned when a fill would overdraw cash under the reject funding policy.
	ErrUnfundedOrder = errors.New("insufficient cash for fill")
	// ErrInvalidState is returned when an engine operation is called in the wrong state.
	ErrInvalidState = errors.New("operation not allowed in current engine state")
	// ErrEngineFailed is returned by every operation on an engine that has failed.
	ErrEngineFailed = errors.New("engine has failed")
	// ErrEventLimitExceeded is returned when a run processes more events than MaxEvents.
	ErrEventLimitExceeded = errors.New("event limit exceeded")
	// ErrInvalidConfig is returned when a backtest configuration cannot be used.
	ErrInvalidConfig = errors.New("invalid backtest configuration")
)
