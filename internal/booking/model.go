package booking

import (
	"time"

	"github.com/google/uuid"
)

// Status is the single active lifecycle state of a booking.
type Status string

const (
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusConfirmed           Status = "confirmed"
	StatusDeclined            Status = "declined"
	StatusExpired             Status = "expired"
	StatusRescheduleProposed  Status = "reschedule_proposed"
	StatusCheckedIn           Status = "checked_in"
	StatusCompleted           Status = "completed"
	StatusCancelledPatient    Status = "cancelled_patient"
	StatusCancelledProvider   Status = "cancelled_provider"
	StatusNoShow              Status = "no_show"
)

// PaymentStatus tracks the overall payment sub-state.
type PaymentStatus string

const (
	PaymentPending            PaymentStatus = "pending"
	PaymentDepositCharged     PaymentStatus = "deposit_charged"
	PaymentCompleted          PaymentStatus = "completed"
	PaymentRefunded           PaymentStatus = "refunded"
	PaymentPartiallyRefunded  PaymentStatus = "partially_refunded"
	PaymentFailed             PaymentStatus = "payment_failed"
	PaymentFinalFailed        PaymentStatus = "final_payment_failed"
	PaymentSentToCollections  PaymentStatus = "sent_to_collections"
	PaymentDisputed           PaymentStatus = "disputed"
)

// ActorType identifies who performed an action.
type ActorType string

const (
	ActorPatient  ActorType = "patient"
	ActorProvider ActorType = "provider"
	ActorAdmin    ActorType = "admin"
	ActorSystem   ActorType = "system"
)

// Actor is the identity behind a mutation.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id,omitempty"`
}

// ServiceSnapshot freezes the service terms at booking time. Live price
// changes never flow into an existing booking.
type ServiceSnapshot struct {
	ServiceID       string `json:"service_id"`
	Name            string `json:"name"`
	Category        string `json:"category,omitempty"`
	DurationMinutes int    `json:"duration_minutes"`
	PriceCents      int64  `json:"price_cents"`
}

// Adjustment is a provider-added charge applied to the final payment.
type Adjustment struct {
	Name        string    `json:"name"`
	AmountCents int64     `json:"amount_cents"`
	Reason      string    `json:"reason,omitempty"`
	AddedAt     time.Time `json:"added_at"`
}

// Payment is the two-phase payment sub-state.
type Payment struct {
	TotalCents         int64         `json:"total_cents"`
	OriginalTotalCents int64         `json:"original_total_cents"`
	DepositCents       int64         `json:"deposit_cents"`
	FinalCents         int64         `json:"final_cents"`
	PlatformFeeCents   int64         `json:"platform_fee_cents"`
	Status             PaymentStatus `json:"status"`

	CustomerID      string `json:"customer_id,omitempty"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`

	DepositIntentID  string     `json:"deposit_intent_id,omitempty"`
	DepositChargedAt *time.Time `json:"deposit_charged_at,omitempty"`

	FinalIntentID  string     `json:"final_intent_id,omitempty"`
	FinalChargedAt *time.Time `json:"final_charged_at,omitempty"`
	FinalFailedAt  *time.Time `json:"final_failed_at,omitempty"`
	FinalAttempts  int        `json:"final_attempts,omitempty"`

	RefundID    string     `json:"refund_id,omitempty"`
	RefundCents int64      `json:"refund_cents,omitempty"`
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`

	Adjustments          []Adjustment `json:"adjustments,omitempty"`
	AdjustmentTotalCents int64        `json:"adjustment_total_cents,omitempty"`

	PayoutID    string     `json:"payout_id,omitempty"`
	PayoutCents int64      `json:"payout_cents,omitempty"`
	PayoutAt    *time.Time `json:"payout_at,omitempty"`
}

// FinalDueCents is the final charge including adjustments.
func (p Payment) FinalDueCents() int64 {
	return p.FinalCents + p.AdjustmentTotalCents
}

// Confirmation is the provider-response sub-state. ExpiresAt is set once
// at creation and never mutated; extending it requires a reschedule.
type Confirmation struct {
	RequestedAt    time.Time  `json:"requested_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
	ConfirmedBy    string     `json:"confirmed_by,omitempty"`
	DeclinedBy     string     `json:"declined_by,omitempty"`
	DeclineReason  string     `json:"decline_reason,omitempty"`
	RemindersSent  int        `json:"reminders_sent"`
	WarningSent    bool       `json:"warning_sent"`
	Source         string     `json:"source,omitempty"` // app, web, admin
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

// Cancellation records who cancelled and the fee outcome.
type Cancellation struct {
	CancelledBy            Actor      `json:"cancelled_by"`
	CancelledAt            time.Time  `json:"cancelled_at"`
	Reason                 string     `json:"reason,omitempty"`
	HoursBeforeAppointment float64    `json:"hours_before_appointment"`
	FeePercent             int64      `json:"fee_percent"`
	FeeCents               int64      `json:"fee_cents"`
	RefundCents            int64      `json:"refund_cents"`
	Waived                 bool       `json:"waived,omitempty"`
	WaivedBy               string     `json:"waived_by,omitempty"`
	WaiveReason            string     `json:"waive_reason,omitempty"`
}

// ProposedSlot is one alternate time offered by the provider.
type ProposedSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Reschedule tracks provider-proposed alternate times.
type Reschedule struct {
	Count       int            `json:"count"`
	MaxAttempts int            `json:"max_attempts"`
	Proposed    []ProposedSlot `json:"proposed,omitempty"`
	Message     string         `json:"message,omitempty"`
	ProposedAt  *time.Time     `json:"proposed_at,omitempty"`
}

// Booking is the durable appointment aggregate. The repository persists
// it with a status-guarded conditional update; all writers go through
// Service methods so invariants hold on every mutation.
type Booking struct {
	ID     uuid.UUID `json:"id"`
	Number string    `json:"number"`

	PatientID    uuid.UUID `json:"patient_id"`
	ProviderID   uuid.UUID `json:"provider_id"`
	TeamMemberID string    `json:"team_member_id,omitempty"`

	Service ServiceSnapshot `json:"service"`

	RequestedStart   time.Time  `json:"requested_start"`
	RequestedEnd     time.Time  `json:"requested_end"`
	ConfirmedStart   *time.Time `json:"confirmed_start,omitempty"`
	ConfirmedEnd     *time.Time `json:"confirmed_end,omitempty"`
	ProviderTimezone string     `json:"provider_timezone"`
	PatientTimezone  string     `json:"patient_timezone"`

	Status       Status        `json:"status"`
	Confirmation Confirmation  `json:"confirmation"`
	Payment      Payment       `json:"payment"`
	Cancellation *Cancellation `json:"cancellation,omitempty"`
	Reschedule   Reschedule    `json:"reschedule"`

	SlotReservationID string `json:"slot_reservation_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AppointmentStart is the effective start: the confirmed time when a
// reschedule was accepted, otherwise the originally requested time.
func (b *Booking) AppointmentStart() time.Time {
	if b.ConfirmedStart != nil {
		return *b.ConfirmedStart
	}
	return b.RequestedStart
}

// AppointmentEnd mirrors AppointmentStart for the end time.
func (b *Booking) AppointmentEnd() time.Time {
	if b.ConfirmedEnd != nil {
		return *b.ConfirmedEnd
	}
	return b.RequestedEnd
}
