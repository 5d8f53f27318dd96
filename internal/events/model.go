// Package events is the append-only audit trail for the booking
// lifecycle. Events are never updated or deleted; they are the system of
// record for disputes.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type is one of a closed vocabulary of event kinds.
type Type string

const (
	// Lifecycle
	TypeCreated       Type = "created"
	TypeSlotReserved  Type = "slot_reserved"
	TypeSlotReleased  Type = "slot_released"
	TypeSlotConverted Type = "slot_converted"

	// Payment
	TypePaymentInitiated     Type = "payment_initiated"
	TypePaymentCaptured      Type = "payment_captured"
	TypePaymentFailed        Type = "payment_failed"
	TypePaymentRefunded      Type = "payment_refunded"
	TypePaymentHoldCancelled Type = "payment_hold_cancelled"
	TypePayoutTransferred    Type = "payout_transferred"
	TypeSentToCollections    Type = "sent_to_collections"
	TypeCreditIssued         Type = "credit_issued"

	// Status changes
	TypeStatusChanged Type = "status_changed"
	TypeConfirmed     Type = "confirmed"
	TypeDeclined      Type = "declined"
	TypeExpired       Type = "expired"
	TypeCancelled     Type = "cancelled"
	TypeCompleted     Type = "completed"
	TypeNoShow        Type = "no_show"
	TypeCheckedIn     Type = "checked_in"

	// Reschedule
	TypeRescheduleProposed Type = "reschedule_proposed"
	TypeRescheduleAccepted Type = "reschedule_accepted"
	TypeRescheduleDeclined Type = "reschedule_declined"

	// Calendar
	TypeCalendarEventCreated Type = "calendar_event_created"
	TypeCalendarEventDeleted Type = "calendar_event_deleted"
	TypeCalendarSyncFailed   Type = "calendar_sync_failed"

	// Notifications
	TypeNotificationSent   Type = "notification_sent"
	TypeNotificationFailed Type = "notification_failed"

	// Admin
	TypeAdminOverride       Type = "admin_override"
	TypeAdminRefundIssued   Type = "admin_refund_issued"
	TypeManualCancellation  Type = "manual_cancellation"
	TypePriceAdjusted       Type = "price_adjusted"
	TypeProviderEscalation  Type = "provider_escalation"
)

// Actor identifies who triggered the event.
type Actor struct {
	Type string `json:"type"` // patient, provider, admin, system
	ID   string `json:"id,omitempty"`
}

// Context carries request metadata for dispute reconstruction.
type Context struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Source         string `json:"source,omitempty"` // app, web, admin, cron
}

// Event is one immutable audit record.
type Event struct {
	ID             uuid.UUID      `json:"id"`
	BookingID      uuid.UUID      `json:"booking_id"`
	BookingNumber  string         `json:"booking_number,omitempty"`
	Type           Type           `json:"type"`
	PreviousStatus string         `json:"previous_status,omitempty"`
	NewStatus      string         `json:"new_status,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Actor          Actor          `json:"actor"`
	Context        Context        `json:"context"`
	Timestamp      time.Time      `json:"timestamp"`
}
