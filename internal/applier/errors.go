package applier

import "github.com/pkg/errors"

// Error taxonomy of Apply. Validation and conflict errors surface
// immediately and are never retried; transient storage failures are retried
// with bounded backoff and escalate to a fatal error after exhaustion.
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("vault not found")
	ErrIntegrity           = errors.New("balance invariant violated")
	ErrFatal               = errors.New("operation failed")
)
