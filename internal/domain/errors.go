package domain

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidAmount          = errors.New("amount must be greater than zero")
	ErrInvalidCurrency        = errors.New("invalid currency")
	ErrInvalidMethod          = errors.New("invalid payment method")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrPaymentTerminal        = errors.New("payment already in terminal state")
	ErrReferenceMismatch      = errors.New("external reference mismatch")
	ErrConcurrentModification = errors.New("payment modified concurrently")
	ErrExternalRefAssigned    = errors.New("external reference already assigned")
	ErrManualPayment          = errors.New("manual payments only accept local sources")
	ErrGatewayUnavailable     = errors.New("gateway unavailable")
	ErrGatewayRejected        = errors.New("gateway rejected request")
	ErrDuplicateEvent         = errors.New("gateway event already received")
	ErrInvalidRequest         = errors.New("invalid request")
)
