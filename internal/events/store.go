package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store appends booking events. There are intentionally no update or
// delete operations.
type Store struct {
	db DB
}

// NewStore creates an event store backed by a pgx pool.
func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &Store{db: pool}
}

// NewStoreWithDB allows injecting a mock database for tests.
func NewStoreWithDB(db DB) *Store {
	return &Store{db: db}
}

// Append inserts one event. The timestamp is set here if the caller left
// it zero, and is immutable once written.
func (s *Store) Append(ctx context.Context, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("events: marshal data: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO booking_events (id, booking_id, booking_number, event_type,
			previous_status, new_status, data, actor_type, actor_id,
			idempotency_key, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.BookingID, e.BookingNumber, string(e.Type),
		e.PreviousStatus, e.NewStatus, data, e.Actor.Type, e.Actor.ID,
		e.Context.IdempotencyKey, e.Context.Source, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("events: append: %w", err)
	}
	return nil
}

// ListForBooking returns a booking's events oldest-first, for audit and
// dispute tooling.
func (s *Store) ListForBooking(ctx context.Context, bookingID uuid.UUID, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, booking_id, booking_number, event_type, previous_status,
			new_status, data, actor_type, actor_id, idempotency_key, source, created_at
		FROM booking_events WHERE booking_id = $1
		ORDER BY created_at ASC LIMIT $2`, bookingID, limit)
	if err != nil {
		return nil, fmt.Errorf("events: list: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			evtType string
			dataRaw []byte
		)
		if err := rows.Scan(&e.ID, &e.BookingID, &e.BookingNumber, &evtType,
			&e.PreviousStatus, &e.NewStatus, &dataRaw, &e.Actor.Type, &e.Actor.ID,
			&e.Context.IdempotencyKey, &e.Context.Source, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		e.Type = Type(evtType)
		if len(dataRaw) > 0 {
			if err := json.Unmarshal(dataRaw, &e.Data); err != nil {
				return nil, fmt.Errorf("events: decode data: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: rows: %w", err)
	}
	return out, nil
}
