package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/findrhealth/booking-platform/internal/booking"
	"github.com/findrhealth/booking-platform/pkg/logging"
)

type capturingSender struct {
	mu   sync.Mutex
	sent []sentMail
	fail bool
}

type sentMail struct {
	to      string
	subject string
	body    string
}

func (c *capturingSender) Send(_ context.Context, to, subject, htmlBody string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return fmt.Errorf("smtp down")
	}
	c.sent = append(c.sent, sentMail{to: to, subject: subject, body: htmlBody})
	return nil
}

type staticResolver struct {
	patient  string
	provider string
	err      error
}

func (r *staticResolver) PatientEmail(context.Context, uuid.UUID) (string, error) {
	return r.patient, r.err
}

func (r *staticResolver) ProviderEmail(context.Context, uuid.UUID) (string, error) {
	return r.provider, r.err
}

func testBooking() *booking.Booking {
	return &booking.Booking{
		ID:             uuid.New(),
		Number:         "FH-2026-0042",
		PatientID:      uuid.New(),
		ProviderID:     uuid.New(),
		Service:        booking.ServiceSnapshot{Name: "Botox", PriceCents: 10000},
		RequestedStart: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
		RequestedEnd:   time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC),
	}
}

func TestDispatcherRoutesByAudience(t *testing.T) {
	sender := &capturingSender{}
	d := NewDispatcher(sender,
		&staticResolver{patient: "pat@example.com", provider: "prov@example.com"},
		"support@findrhealth.com", logging.Default())
	b := testBooking()

	d.NotifyPatient(context.Background(), b, "booking_confirmed", nil)
	d.NotifyProvider(context.Background(), b, "booking_requested", map[string]any{"deposit_cents": 8000})
	d.NotifySupport(context.Background(), b, "refund_failed", nil)

	require.Len(t, sender.sent, 3)
	assert.Equal(t, "pat@example.com", sender.sent[0].to)
	assert.Equal(t, "Your booking is confirmed - FH-2026-0042", sender.sent[0].subject)
	assert.Equal(t, "prov@example.com", sender.sent[1].to)
	assert.Contains(t, sender.sent[1].body, "FH-2026-0042")
	assert.Contains(t, sender.sent[1].body, "8000")
	assert.Equal(t, "support@findrhealth.com", sender.sent[2].to)
}

func TestDispatcherSwallowsFailures(t *testing.T) {
	sender := &capturingSender{fail: true}
	d := NewDispatcher(sender,
		&staticResolver{patient: "pat@example.com"}, "", logging.Default())

	// Must not panic or propagate.
	d.NotifyPatient(context.Background(), testBooking(), "booking_confirmed", nil)
	assert.Empty(t, sender.sent)
}

func TestDispatcherSkipsUnresolvableRecipients(t *testing.T) {
	sender := &capturingSender{}
	d := NewDispatcher(sender,
		&staticResolver{err: fmt.Errorf("no record")}, "", logging.Default())
	b := testBooking()

	d.NotifyPatient(context.Background(), b, "booking_confirmed", nil)
	d.NotifyProvider(context.Background(), b, "booking_requested", nil)
	d.NotifySupport(context.Background(), b, "refund_failed", nil)
	assert.Empty(t, sender.sent)
}

func TestUnknownTemplateGetsReadableSubject(t *testing.T) {
	sender := &capturingSender{}
	d := NewDispatcher(sender,
		&staticResolver{patient: "pat@example.com"}, "", logging.Default())

	d.NotifyPatient(context.Background(), testBooking(), "something_new", nil)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "something new - FH-2026-0042", sender.sent[0].subject)
}
