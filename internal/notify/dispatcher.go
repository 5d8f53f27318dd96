package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/findrhealth/booking-platform/internal/booking"
	"github.com/findrhealth/booking-platform/pkg/logging"
)

// subjects maps template keys to email subjects. The booking number is
// appended so threads group per booking in the recipient's inbox.
var subjects = map[string]string{
	"booking_requested":      "New booking request",
	"booking_pending":        "Your booking request was sent",
	"booking_confirmed":      "Your booking is confirmed",
	"booking_declined":       "Your booking request was declined",
	"booking_expired":        "Booking request expired",
	"confirmation_expiring":  "Action needed: booking request expiring soon",
	"reschedule_proposed":    "New times proposed for your booking",
	"reschedule_accepted":    "Reschedule accepted",
	"reschedule_declined":    "Reschedule declined",
	"cancelled_by_patient":   "Booking cancelled by patient",
	"cancelled_by_provider":  "Your booking was cancelled",
	"booking_completed":      "Thanks for your visit",
	"final_payment_failed":   "Action needed: payment problem with your booking",
	"final_payment_recovered": "Payment received",
	"no_show_charged":        "Missed appointment charge",
	"refund_failed":          "Manual review: refund failed",
	"payout_failed":          "Manual review: provider payout failed",
	"provider_escalation":    "Provider cancellation escalation",
	"sent_to_collections":    "Unpaid balance sent to collections",
}

// ContactResolver turns booking parties into email addresses.
type ContactResolver interface {
	PatientEmail(ctx context.Context, patientID uuid.UUID) (string, error)
	ProviderEmail(ctx context.Context, providerID uuid.UUID) (string, error)
}

// Dispatcher implements the booking service's notifier on top of an
// email sender.
type Dispatcher struct {
	sender       EmailSender
	resolver     ContactResolver
	supportEmail string
	logger       *logging.Logger
}

// NewDispatcher wires a dispatcher. A nil sender falls back to logging.
func NewDispatcher(sender EmailSender, resolver ContactResolver, supportEmail string, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	if sender == nil {
		sender = NewLogSender(logger)
	}
	return &Dispatcher{
		sender:       sender,
		resolver:     resolver,
		supportEmail: supportEmail,
		logger:       logger,
	}
}

// NotifyPatient emails the booking's patient.
func (d *Dispatcher) NotifyPatient(ctx context.Context, b *booking.Booking, template string, data map[string]any) {
	if d.resolver == nil {
		return
	}
	email, err := d.resolver.PatientEmail(ctx, b.PatientID)
	if err != nil {
		d.logger.Error("patient email lookup failed", "booking_number", b.Number, "error", err)
		return
	}
	d.deliver(ctx, email, b, template, data)
}

// NotifyProvider emails the booking's provider.
func (d *Dispatcher) NotifyProvider(ctx context.Context, b *booking.Booking, template string, data map[string]any) {
	if d.resolver == nil {
		return
	}
	email, err := d.resolver.ProviderEmail(ctx, b.ProviderID)
	if err != nil {
		d.logger.Error("provider email lookup failed", "booking_number", b.Number, "error", err)
		return
	}
	d.deliver(ctx, email, b, template, data)
}

// NotifySupport emails the operations inbox.
func (d *Dispatcher) NotifySupport(ctx context.Context, b *booking.Booking, template string, data map[string]any) {
	if d.supportEmail == "" {
		return
	}
	d.deliver(ctx, d.supportEmail, b, template, data)
}

func (d *Dispatcher) deliver(ctx context.Context, to string, b *booking.Booking, template string, data map[string]any) {
	if to == "" {
		return
	}
	subject, ok := subjects[template]
	if !ok {
		subject = strings.ReplaceAll(template, "_", " ")
	}
	subject = fmt.Sprintf("%s - %s", subject, b.Number)

	if err := d.sender.Send(ctx, to, subject, renderBody(b, data)); err != nil {
		d.logger.Error("notification delivery failed",
			"booking_number", b.Number,
			"template", template,
			"error", err,
		)
		return
	}
	d.logger.Info("notification sent", "booking_number", b.Number, "template", template)
}

func renderBody(b *booking.Booking, data map[string]any) string {
	var sb strings.Builder
	sb.WriteString("<p>Booking <strong>")
	sb.WriteString(html.EscapeString(b.Number))
	sb.WriteString("</strong>: ")
	sb.WriteString(html.EscapeString(b.Service.Name))
	sb.WriteString(" on ")
	sb.WriteString(b.AppointmentStart().Format("Mon, Jan 2 2006 at 3:04 PM MST"))
	sb.WriteString("</p>")
	for k, v := range data {
		sb.WriteString("<p>")
		sb.WriteString(html.EscapeString(strings.ReplaceAll(k, "_", " ")))
		sb.WriteString(": ")
		sb.WriteString(html.EscapeString(fmt.Sprint(v)))
		sb.WriteString("</p>")
	}
	return sb.String()
}

// PGResolver looks contact emails up in Postgres.
type PGResolver struct {
	db interface {
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
		Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	}
}

// NewPGResolver creates a resolver backed by a pgx pool.
func NewPGResolver(pool *pgxpool.Pool) *PGResolver {
	if pool == nil {
		panic("notify: pgx pool required")
	}
	return &PGResolver{db: pool}
}

// PatientEmail resolves a patient's contact address.
func (r *PGResolver) PatientEmail(ctx context.Context, patientID uuid.UUID) (string, error) {
	var email string
	err := r.db.QueryRow(ctx,
		`SELECT email FROM patients WHERE id = $1`, patientID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("notify: patient %s has no contact record", patientID)
	}
	if err != nil {
		return "", fmt.Errorf("notify: patient email: %w", err)
	}
	return email, nil
}

// ProviderEmail resolves a provider's booking inbox.
func (r *PGResolver) ProviderEmail(ctx context.Context, providerID uuid.UUID) (string, error) {
	var email string
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(booking_email, email) FROM providers WHERE id = $1`, providerID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("notify: provider %s has no contact record", providerID)
	}
	if err != nil {
		return "", fmt.Errorf("notify: provider email: %w", err)
	}
	return email, nil
}
