package fees

import (
	"fmt"
	"time"
)

// PolicyTier selects a provider's display/quote cancellation policy. The
// tiered schedules and the payment path's binary 48-hour refund rule are
// two distinct policies; a provider carries exactly one tier and the two
// are never merged.
type PolicyTier string

const (
	PolicyStandard PolicyTier = "standard" // free >=24h, 25% 12-24h, 50% <12h
	PolicyModerate PolicyTier = "moderate" // free >=48h, 25% 24-48h, 50% <24h
)

// NoShowPercent applies regardless of tier.
const NoShowPercent = 100

// CancelledBy identifies the cancelling party for fee purposes.
type CancelledBy string

const (
	CancelledByPatient  CancelledBy = "patient"
	CancelledByProvider CancelledBy = "provider"
	CancelledByAdmin    CancelledBy = "admin"
	CancelledBySystem   CancelledBy = "system"
)

type tierRule struct {
	minHours   float64
	feePercent int64
	label      string
}

// Rules are ordered most-restrictive first; the first rule whose minimum
// threshold is met wins.
var policyRules = map[PolicyTier][]tierRule{
	PolicyStandard: {
		{minHours: 24, feePercent: 0, label: "Free cancellation"},
		{minHours: 12, feePercent: 25, label: "25% cancellation fee"},
		{minHours: 0, feePercent: 50, label: "50% cancellation fee"},
	},
	PolicyModerate: {
		{minHours: 48, feePercent: 0, label: "Free cancellation"},
		{minHours: 24, feePercent: 25, label: "25% cancellation fee"},
		{minHours: 0, feePercent: 50, label: "50% cancellation fee"},
	},
}

// Quote is the outcome of a cancellation fee computation.
type Quote struct {
	HoursBeforeAppointment float64
	FeePercent             int64
	FeeCents               int64
	RefundCents            int64
	Label                  string
	IsNoShow               bool
	Tier                   PolicyTier
}

// CancellationQuote prices a cancellation under the provider's tiered
// policy. Provider-initiated cancellations are always free for the
// patient. An appointment already started is priced as a no-show.
func CancellationQuote(appointmentAt time.Time, totalCents int64, tier PolicyTier, by CancelledBy, now time.Time) (Quote, error) {
	if totalCents < 0 {
		return Quote{}, fmt.Errorf("%w: %d", ErrInvalidAmount, totalCents)
	}
	rules, ok := policyRules[tier]
	if !ok {
		tier = PolicyStandard
		rules = policyRules[PolicyStandard]
	}

	hoursUntil := HoursUntil(appointmentAt, now)

	if by == CancelledByProvider {
		return Quote{
			HoursBeforeAppointment: hoursUntil,
			FeePercent:             0,
			FeeCents:               0,
			RefundCents:            totalCents,
			Label:                  "Provider cancellation - full refund",
			Tier:                   tier,
		}, nil
	}

	if hoursUntil <= 0 {
		return Quote{
			HoursBeforeAppointment: 0,
			FeePercent:             NoShowPercent,
			FeeCents:               totalCents,
			RefundCents:            0,
			Label:                  "No-show - full charge",
			IsNoShow:               true,
			Tier:                   tier,
		}, nil
	}

	for _, rule := range rules {
		if hoursUntil >= rule.minHours {
			fee := roundedPercent(totalCents, rule.feePercent)
			return Quote{
				HoursBeforeAppointment: hoursUntil,
				FeePercent:             rule.feePercent,
				FeeCents:               fee,
				RefundCents:            totalCents - fee,
				Label:                  rule.label,
				Tier:                   tier,
			}, nil
		}
	}

	// Unreachable: the 0-hour rule always matches.
	fee := roundedPercent(totalCents, 50)
	return Quote{
		HoursBeforeAppointment: hoursUntil,
		FeePercent:             50,
		FeeCents:               fee,
		RefundCents:            totalCents - fee,
		Label:                  "50% cancellation fee",
		Tier:                   tier,
	}, nil
}
