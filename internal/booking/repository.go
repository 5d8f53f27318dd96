package booking

import (
	"context"
	"encoding/json"
	"errors"
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

// errDuplicateNumber signals a confirmation-number collision on insert.
var errDuplicateNumber = errors.New("booking: confirmation number taken")

// Repository persists bookings. Sub-documents (service, confirmation,
// payment, cancellation, reschedule) are stored as JSONB; the columns a
// sweeper or index needs (status, expiry, payment status) are duplicated
// top-level and kept in sync on every write.
//
// Every status change is a single conditional UPDATE guarded by the
// expected current status: when two actors race, exactly one update
// matches and the loser sees ErrInvalidTransition.
type Repository struct {
	db DB
}

// NewRepository creates a repository backed by a pgx pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("booking: pgx pool required")
	}
	return &Repository{db: pool}
}

// NewRepositoryWithDB allows injecting a mock database for tests.
func NewRepositoryWithDB(db DB) *Repository {
	return &Repository{db: db}
}

const bookingColumns = `id, number, patient_id, provider_id, team_member_id,
	service, requested_start, requested_end, confirmed_start, confirmed_end,
	provider_timezone, patient_timezone, status, confirmation, payment,
	cancellation, reschedule, slot_reservation_id, idempotency_key,
	created_at, updated_at, completed_at`

// Create inserts a new booking row. A duplicate confirmation number is
// reported as errDuplicateNumber so the caller can regenerate and retry.
func (r *Repository) Create(ctx context.Context, b *Booking) error {
	service, confirmation, payment, cancellation, reschedule, err := marshalSubDocs(b)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO bookings (id, number, patient_id, provider_id, team_member_id,
			service, requested_start, requested_end, confirmed_start, confirmed_end,
			provider_timezone, patient_timezone, status, confirmation, payment,
			cancellation, reschedule, slot_reservation_id, idempotency_key,
			confirmation_expires_at, warning_sent, payment_status, final_failed_at,
			created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		b.ID, b.Number, b.PatientID, b.ProviderID, nullIfEmpty(b.TeamMemberID),
		service, b.RequestedStart, b.RequestedEnd, b.ConfirmedStart, b.ConfirmedEnd,
		b.ProviderTimezone, b.PatientTimezone, string(b.Status), confirmation, payment,
		cancellation, reschedule, nullIfEmpty(b.SlotReservationID),
		nullIfEmpty(b.Confirmation.IdempotencyKey),
		b.Confirmation.ExpiresAt, b.Confirmation.WarningSent, string(b.Payment.Status),
		b.Payment.FinalFailedAt, b.CreatedAt, b.UpdatedAt, b.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "bookings_number_key" {
				return errDuplicateNumber
			}
			return fmt.Errorf("booking: create: %w", ErrValidation)
		}
		return fmt.Errorf("booking: create: %w", err)
	}
	return nil
}

// Get loads a booking by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Booking, error) {
	row := r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

// GetByNumber loads a booking by its confirmation number.
func (r *Repository) GetByNumber(ctx context.Context, number string) (*Booking, error) {
	row := r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE number = $1`, number)
	return scanBooking(row)
}

// GetByIdempotencyKey looks up the booking created with the given checkout
// idempotency key, or nil when none exists.
func (r *Repository) GetByIdempotencyKey(ctx context.Context, key string) (*Booking, error) {
	row := r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE idempotency_key = $1`, key)
	b, err := scanBooking(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// Transition writes the booking guarded by the expected current status.
// When the precondition no longer holds (a concurrent actor won the race)
// it returns ErrInvalidTransition without mutating anything.
func (r *Repository) Transition(ctx context.Context, b *Booking, from Status) error {
	_, confirmation, payment, cancellation, reschedule, err := marshalSubDocs(b)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE bookings SET status = $1, confirmation = $2, payment = $3,
			cancellation = $4, reschedule = $5, confirmed_start = $6, confirmed_end = $7,
			warning_sent = $8, payment_status = $9, final_failed_at = $10,
			updated_at = $11, completed_at = $12
		WHERE id = $13 AND status = $14`,
		string(b.Status), confirmation, payment, cancellation, reschedule,
		b.ConfirmedStart, b.ConfirmedEnd, b.Confirmation.WarningSent,
		string(b.Payment.Status), b.Payment.FinalFailedAt,
		b.UpdatedAt, b.CompletedAt, b.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("booking: transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("booking: transition %s -> %s: %w", from, b.Status, ErrInvalidTransition)
	}
	return nil
}

// UpdatePayment writes the payment sub-state without touching status,
// carrying the cancellation record along since refund outcomes land on
// both. Used when a final charge fails: the booking stays confirmed
// while the payment sub-state records final_payment_failed.
func (r *Repository) UpdatePayment(ctx context.Context, b *Booking) error {
	payment, err := json.Marshal(b.Payment)
	if err != nil {
		return fmt.Errorf("booking: marshal payment: %w", err)
	}
	var cancellation []byte
	if b.Cancellation != nil {
		if cancellation, err = json.Marshal(b.Cancellation); err != nil {
			return fmt.Errorf("booking: marshal cancellation: %w", err)
		}
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE bookings SET payment = $1, payment_status = $2, final_failed_at = $3,
			cancellation = COALESCE($4, cancellation), updated_at = $5
		WHERE id = $6`,
		payment, string(b.Payment.Status), b.Payment.FinalFailedAt, cancellation, b.UpdatedAt, b.ID,
	)
	if err != nil {
		return fmt.Errorf("booking: update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("booking: update payment: %w", ErrNotFound)
	}
	return nil
}

// ClaimWarning atomically marks the expiring-soon warning as sent.
// Returns false when another sweeper run already claimed it, making the
// warning exactly-once per booking.
func (r *Repository) ClaimWarning(ctx context.Context, b *Booking) (bool, error) {
	confirmation, err := json.Marshal(b.Confirmation)
	if err != nil {
		return false, fmt.Errorf("booking: marshal confirmation: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE bookings SET confirmation = $1, warning_sent = TRUE, updated_at = $2
		WHERE id = $3 AND warning_sent = FALSE AND status = $4`,
		confirmation, b.UpdatedAt, b.ID, string(StatusPendingConfirmation),
	)
	if err != nil {
		return false, fmt.Errorf("booking: claim warning: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LatestNumberForYear returns the highest confirmation number issued in
// the given year, or empty when the year has none.
func (r *Repository) LatestNumberForYear(ctx context.Context, year int) (string, error) {
	var number string
	prefix := fmt.Sprintf("FH-%d-", year)
	err := r.db.QueryRow(ctx, `
		SELECT number FROM bookings WHERE number LIKE $1 || '%'
		ORDER BY length(number) DESC, number DESC LIMIT 1`, prefix).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("booking: latest number: %w", err)
	}
	return number, nil
}

// ListExpiredPending returns pending confirmations whose deadline passed.
func (r *Repository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Booking, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = $1 AND confirmation_expires_at < $2
		ORDER BY confirmation_expires_at ASC LIMIT $3`,
		string(StatusPendingConfirmation), now, boundedLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("booking: list expired pending: %w", err)
	}
	defer rows.Close()
	return scanBookings(rows)
}

// ListExpiringPending returns un-warned pending confirmations that expire
// within the window.
func (r *Repository) ListExpiringPending(ctx context.Context, now, until time.Time, limit int) ([]*Booking, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = $1 AND confirmation_expires_at > $2 AND confirmation_expires_at < $3
			AND warning_sent = FALSE
		ORDER BY confirmation_expires_at ASC LIMIT $4`,
		string(StatusPendingConfirmation), now, until, boundedLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("booking: list expiring pending: %w", err)
	}
	defer rows.Close()
	return scanBookings(rows)
}

// ListAutoCompletable returns confirmed bookings whose appointment ended
// before the cutoff with the deposit charged.
func (r *Repository) ListAutoCompletable(ctx context.Context, cutoff time.Time, limit int) ([]*Booking, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = $1 AND COALESCE(confirmed_end, requested_end) < $2
			AND payment_status = $3
		ORDER BY requested_end ASC LIMIT $4`,
		string(StatusConfirmed), cutoff, string(PaymentDepositCharged), boundedLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("booking: list auto-completable: %w", err)
	}
	defer rows.Close()
	return scanBookings(rows)
}

// ListFinalPaymentFailed returns bookings awaiting a final-payment retry.
func (r *Repository) ListFinalPaymentFailed(ctx context.Context, limit int) ([]*Booking, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE payment_status = $1
		ORDER BY final_failed_at ASC LIMIT $2`,
		string(PaymentFinalFailed), boundedLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("booking: list final failed: %w", err)
	}
	defer rows.Close()
	return scanBookings(rows)
}

func boundedLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 200
	}
	return limit
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalSubDocs(b *Booking) (service, confirmation, payment, cancellation, reschedule []byte, err error) {
	if service, err = json.Marshal(b.Service); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("booking: marshal service: %w", err)
	}
	if confirmation, err = json.Marshal(b.Confirmation); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("booking: marshal confirmation: %w", err)
	}
	if payment, err = json.Marshal(b.Payment); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("booking: marshal payment: %w", err)
	}
	if b.Cancellation != nil {
		if cancellation, err = json.Marshal(b.Cancellation); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("booking: marshal cancellation: %w", err)
		}
	}
	if reschedule, err = json.Marshal(b.Reschedule); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("booking: marshal reschedule: %w", err)
	}
	return service, confirmation, payment, cancellation, reschedule, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var (
		b                 Booking
		teamMemberID      *string
		slotReservationID *string
		idempotencyKey    *string
		status            string
		serviceRaw        []byte
		confirmationRaw   []byte
		paymentRaw        []byte
		cancellationRaw   []byte
		rescheduleRaw     []byte
	)
	err := row.Scan(
		&b.ID, &b.Number, &b.PatientID, &b.ProviderID, &teamMemberID,
		&serviceRaw, &b.RequestedStart, &b.RequestedEnd, &b.ConfirmedStart, &b.ConfirmedEnd,
		&b.ProviderTimezone, &b.PatientTimezone, &status, &confirmationRaw, &paymentRaw,
		&cancellationRaw, &rescheduleRaw, &slotReservationID, &idempotencyKey,
		&b.CreatedAt, &b.UpdatedAt, &b.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("booking: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("booking: scan: %w", err)
	}
	b.Status = Status(status)
	if teamMemberID != nil {
		b.TeamMemberID = *teamMemberID
	}
	if slotReservationID != nil {
		b.SlotReservationID = *slotReservationID
	}
	if err := json.Unmarshal(serviceRaw, &b.Service); err != nil {
		return nil, fmt.Errorf("booking: decode service: %w", err)
	}
	if err := json.Unmarshal(confirmationRaw, &b.Confirmation); err != nil {
		return nil, fmt.Errorf("booking: decode confirmation: %w", err)
	}
	if err := json.Unmarshal(paymentRaw, &b.Payment); err != nil {
		return nil, fmt.Errorf("booking: decode payment: %w", err)
	}
	if len(cancellationRaw) > 0 {
		b.Cancellation = &Cancellation{}
		if err := json.Unmarshal(cancellationRaw, b.Cancellation); err != nil {
			return nil, fmt.Errorf("booking: decode cancellation: %w", err)
		}
	}
	if len(rescheduleRaw) > 0 {
		if err := json.Unmarshal(rescheduleRaw, &b.Reschedule); err != nil {
			return nil, fmt.Errorf("booking: decode reschedule: %w", err)
		}
	}
	return &b, nil
}

func scanBookings(rows pgx.Rows) ([]*Booking, error) {
	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("booking: rows: %w", err)
	}
	return out, nil
}
