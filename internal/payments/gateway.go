// Package payments sequences calls to the external payment gateway and
// reconciles the outcomes onto the booking aggregate's payment sub-state.
// It never persists bookings itself; the booking service owns all writes.
package payments

import (
	"context"
	"errors"
	"fmt"
)

// Gateway is the opaque payment capability: unreliable I/O with
// structured error codes. Implementations: StripeGateway, FakeGateway.
type Gateway interface {
	// AuthorizeAndCapture charges the amount against a stored payment
	// method. Declines surface as *DeclineError, transport faults as
	// *GatewayError.
	AuthorizeAndCapture(ctx context.Context, req ChargeRequest) (*ChargeOutcome, error)
	// Cancel voids an uncaptured intent (releases a hold without a refund).
	Cancel(ctx context.Context, intentID string) error
	// Refund returns money against a captured intent.
	Refund(ctx context.Context, intentID string, amountCents int64, reason string) (string, error)
	// Transfer moves funds to a provider's connected payout account.
	Transfer(ctx context.Context, amountCents int64, destinationAccount, transferGroup string) (string, error)
}

// ChargeRequest describes one charge attempt.
type ChargeRequest struct {
	AmountCents         int64
	CustomerID          string
	PaymentMethodID     string
	Description         string
	StatementDescriptor string
	OffSession          bool
	IdempotencyKey      string
	Metadata            map[string]string
}

// ChargeOutcome is a successful gateway charge.
type ChargeOutcome struct {
	IntentID string
	Status   string
}

var (
	// ErrAdjustmentCap rejects price adjustments above 15% of the
	// original booking total.
	ErrAdjustmentCap = errors.New("payments: adjustment cap exceeded")
	// ErrPayoutNotOnboarded rejects transfers to providers whose payout
	// account onboarding is incomplete.
	ErrPayoutNotOnboarded = errors.New("payments: provider payout account not onboarded")
)

// Gateway decline sub-codes the retry policy branches on.
const (
	DeclineCodeCardDeclined      = "card_declined"
	DeclineCodeExpiredCard       = "expired_card"
	DeclineCodeInsufficientFunds = "insufficient_funds"
)

// DeclineError is a gateway-reported decline: terminal for this attempt,
// surfaced to the user with actionable messaging, never auto-retried
// inline.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}

// Retryable reports whether a later off-session retry can plausibly
// succeed (new card on file, funds cleared).
func (e *DeclineError) Retryable() bool {
	switch e.Code {
	case DeclineCodeCardDeclined, DeclineCodeExpiredCard, DeclineCodeInsufficientFunds:
		return true
	}
	return false
}

// GatewayError is a transient transport or gateway-side failure; sweepers
// may retry it on schedule.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// AsDecline extracts a decline from an error chain.
func AsDecline(err error) (*DeclineError, bool) {
	var decline *DeclineError
	if errors.As(err, &decline) {
		return decline, true
	}
	return nil, false
}

// IsGatewayError reports whether the failure is transient gateway I/O.
func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}
