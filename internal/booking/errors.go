package booking

import "errors"

// Error taxonomy shared across the booking core. Callers branch on these
// with errors.Is; validation and transition errors are never retried,
// gateway errors may be retried by sweepers.
var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSlotConflict      = errors.New("slot already reserved")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("actor does not own resource")
	ErrPaymentDeclined   = errors.New("payment declined")
)
