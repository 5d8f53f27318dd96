package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v3"
)

func TestAppendSetsIdentityAndTimestamp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectExec("INSERT INTO booking_events").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewStoreWithDB(mock)
	evt := &Event{
		BookingID:     uuid.New(),
		BookingNumber: "FH-2026-0001",
		Type:          TypeCreated,
		NewStatus:     "pending_confirmation",
		Actor:         Actor{Type: "system"},
	}
	if err := store.Append(context.Background(), evt); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if evt.ID == uuid.Nil {
		t.Error("Append should assign an event id")
	}
	if evt.Timestamp.IsZero() {
		t.Error("Append should stamp the event")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestListForBooking(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	bookingID := uuid.New()
	ts := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"id", "booking_id", "booking_number", "event_type", "previous_status",
		"new_status", "data", "actor_type", "actor_id", "idempotency_key", "source", "created_at",
	}).AddRow(uuid.New(), bookingID, "FH-2026-0001", "confirmed", "pending_confirmation",
		"confirmed", []byte(`{"confirmed_by":"prov-1"}`), "provider", "prov-1", "key-1", "app", ts)

	mock.ExpectQuery("SELECT (.+) FROM booking_events").
		WithArgs(bookingID, 100).
		WillReturnRows(rows)

	store := NewStoreWithDB(mock)
	got, err := store.ListForBooking(context.Background(), bookingID, 0)
	if err != nil {
		t.Fatalf("ListForBooking: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Type != TypeConfirmed || got[0].Data["confirmed_by"] != "prov-1" {
		t.Errorf("unexpected event: %+v", got[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
