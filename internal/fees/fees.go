// Package fees computes the platform fee, the 80/20 deposit split, and
// cancellation fees. All amounts are integer USD cents. Every function is
// pure; callers supply the clock where time matters.
package fees

import (
	"errors"
	"fmt"
	"time"
)

// Platform fee: 10% + $1.50, capped at $35.00.
const (
	PlatformFeePercent   = 10
	PlatformFeeFlatCents = 150
	PlatformFeeCapCents  = 3500
	DepositPercent       = 80
)

// ErrInvalidAmount is returned for negative monetary inputs.
var ErrInvalidAmount = errors.New("fees: amount must not be negative")

// Split is the deposit/final division of a booking total.
type Split struct {
	DepositCents int64
	FinalCents   int64
}

// PlatformFee returns min(total*10% + $1.50, $35.00) in cents.
func PlatformFee(totalCents int64) (int64, error) {
	if totalCents < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, totalCents)
	}
	fee := roundedPercent(totalCents, PlatformFeePercent) + PlatformFeeFlatCents
	if fee > PlatformFeeCapCents {
		fee = PlatformFeeCapCents
	}
	return fee, nil
}

// SplitAmount divides a total into an 80% deposit and 20% final charge.
// Any rounding remainder lands in the final charge so the parts always
// sum back to the total.
func SplitAmount(totalCents int64) (Split, error) {
	if totalCents < 0 {
		return Split{}, fmt.Errorf("%w: %d", ErrInvalidAmount, totalCents)
	}
	deposit := roundedPercent(totalCents, DepositPercent)
	return Split{
		DepositCents: deposit,
		FinalCents:   totalCents - deposit,
	}, nil
}

// BinaryRefundEligible is the 48-hour all-or-nothing rule the payment path
// applies to patient-initiated cancellations: at or beyond 48 hours notice
// the full deposit is refunded, under it nothing is.
func BinaryRefundEligible(appointmentAt, now time.Time) bool {
	return HoursUntil(appointmentAt, now) >= 48
}

// HoursUntil returns the fractional hours between now and the appointment.
// Negative once the appointment has started.
func HoursUntil(appointmentAt, now time.Time) float64 {
	return appointmentAt.Sub(now).Hours()
}

// roundedPercent computes pct% of cents with half-up rounding.
func roundedPercent(cents int64, pct int64) int64 {
	return (cents*pct + 50) / 100
}
