// Package provider tracks the marketplace-side provider records the
// booking flow depends on: payout accounts, the cancellation escalation
// ladder, and aggregate performance stats.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/findrhealth/booking-platform/pkg/logging"
)

var providerTracer = otel.Tracer("findr.internal.provider")

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Escalation ladder actions, applied on provider-fault cancellations
// within the rolling window.
const (
	ActionWarning     = "warning"
	ActionUnderReview = "under_review"
	ActionSuspended   = "suspended"

	escalationWindow = 90 * 24 * time.Hour
)

// Directory reads and maintains provider records.
type Directory struct {
	db     DB
	logger *logging.Logger
	now    func() time.Time
}

// NewDirectory creates a directory backed by a pgx pool.
func NewDirectory(pool *pgxpool.Pool, logger *logging.Logger) *Directory {
	if pool == nil {
		panic("provider: pgx pool required")
	}
	return newDirectory(pool, logger)
}

// NewDirectoryWithDB allows injecting a mock database for tests.
func NewDirectoryWithDB(db DB, logger *logging.Logger) *Directory {
	return newDirectory(db, logger)
}

func newDirectory(db DB, logger *logging.Logger) *Directory {
	if logger == nil {
		logger = logging.Default()
	}
	return &Directory{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock, for tests.
func (d *Directory) WithClock(now func() time.Time) *Directory {
	d.now = now
	return d
}

// PayoutAccount returns the provider's payout destination. An unknown
// provider resolves to an un-onboarded account so transfers fail closed.
func (d *Directory) PayoutAccount(ctx context.Context, providerID uuid.UUID) (string, bool, error) {
	var accountID string
	var onboarded bool
	err := d.db.QueryRow(ctx, `
		SELECT COALESCE(stripe_account_id, ''), onboarding_complete
		FROM provider_accounts WHERE provider_id = $1`, providerID).
		Scan(&accountID, &onboarded)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("provider: payout account: %w", err)
	}
	return accountID, onboarded, nil
}

// RecordCancellation adds a provider-fault cancellation strike and
// returns the escalation action crossed, if any: two strikes in the
// window draw a warning, three put the account under review, four or
// more suspend it.
func (d *Directory) RecordCancellation(ctx context.Context, providerID uuid.UUID) (string, int, error) {
	ctx, span := providerTracer.Start(ctx, "provider.record_cancellation")
	defer span.End()

	now := d.now()
	_, err := d.db.Exec(ctx, `
		INSERT INTO provider_cancellations (id, provider_id, occurred_at)
		VALUES ($1, $2, $3)`, uuid.New(), providerID, now)
	if err != nil {
		return "", 0, fmt.Errorf("provider: record cancellation: %w", err)
	}

	var count int
	err = d.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM provider_cancellations
		WHERE provider_id = $1 AND occurred_at > $2`,
		providerID, now.Add(-escalationWindow)).Scan(&count)
	if err != nil {
		return "", 0, fmt.Errorf("provider: count cancellations: %w", err)
	}

	action := escalationAction(count)
	if action != "" {
		if _, err := d.db.Exec(ctx, `
			UPDATE provider_accounts SET standing = $1, updated_at = $2
			WHERE provider_id = $3`, action, now, providerID); err != nil {
			return "", 0, fmt.Errorf("provider: update standing: %w", err)
		}
		d.logger.Warn("provider escalation",
			"provider_id", providerID,
			"action", action,
			"cancellations_90d", count,
		)
	}
	return action, count, nil
}

func escalationAction(count int) string {
	switch {
	case count >= 4:
		return ActionSuspended
	case count == 3:
		return ActionUnderReview
	case count == 2:
		return ActionWarning
	}
	return ""
}

// RecomputeStats rebuilds the aggregate performance row for every
// provider with bookings: response rate over answered confirmation
// requests, completion rate over decided bookings, and lifetime revenue
// net of platform fees. Returns the number of provider rows written.
func (d *Directory) RecomputeStats(ctx context.Context) (int, error) {
	ctx, span := providerTracer.Start(ctx, "provider.recompute_stats")
	defer span.End()

	tag, err := d.db.Exec(ctx, `
		INSERT INTO provider_stats (provider_id, total_bookings, responded,
			expired, completed, cancelled_by_provider, response_rate,
			completion_rate, revenue_cents, updated_at)
		SELECT
			b.provider_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE b.confirmation->>'responded_at' IS NOT NULL),
			COUNT(*) FILTER (WHERE b.status = 'expired'),
			COUNT(*) FILTER (WHERE b.status = 'completed'),
			COUNT(*) FILTER (WHERE b.status = 'cancelled_provider'),
			COALESCE(
				COUNT(*) FILTER (WHERE b.confirmation->>'responded_at' IS NOT NULL)::float
				/ NULLIF(COUNT(*) FILTER (WHERE b.confirmation->>'responded_at' IS NOT NULL
					OR b.status = 'expired'), 0), 0),
			COALESCE(
				COUNT(*) FILTER (WHERE b.status = 'completed')::float
				/ NULLIF(COUNT(*) FILTER (WHERE b.status IN
					('completed', 'no_show', 'cancelled_patient', 'cancelled_provider')), 0), 0),
			COALESCE(SUM((b.payment->>'payout_cents')::bigint)
				FILTER (WHERE b.status = 'completed'), 0),
			NOW()
		FROM bookings b
		GROUP BY b.provider_id
		ON CONFLICT (provider_id) DO UPDATE SET
			total_bookings = EXCLUDED.total_bookings,
			responded = EXCLUDED.responded,
			expired = EXCLUDED.expired,
			completed = EXCLUDED.completed,
			cancelled_by_provider = EXCLUDED.cancelled_by_provider,
			response_rate = EXCLUDED.response_rate,
			completion_rate = EXCLUDED.completion_rate,
			revenue_cents = EXCLUDED.revenue_cents,
			updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return 0, fmt.Errorf("provider: recompute stats: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats is one provider's aggregate row.
type Stats struct {
	ProviderID          uuid.UUID
	TotalBookings       int
	Responded           int
	Expired             int
	Completed           int
	CancelledByProvider int
	ResponseRate        float64
	CompletionRate      float64
	RevenueCents        int64
	UpdatedAt           time.Time
}

// GetStats loads one provider's aggregate row.
func (d *Directory) GetStats(ctx context.Context, providerID uuid.UUID) (*Stats, error) {
	var s Stats
	err := d.db.QueryRow(ctx, `
		SELECT provider_id, total_bookings, responded, expired, completed,
			cancelled_by_provider, response_rate, completion_rate,
			revenue_cents, updated_at
		FROM provider_stats WHERE provider_id = $1`, providerID).
		Scan(&s.ProviderID, &s.TotalBookings, &s.Responded, &s.Expired,
			&s.Completed, &s.CancelledByProvider, &s.ResponseRate,
			&s.CompletionRate, &s.RevenueCents, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("provider: stats: not found")
	}
	if err != nil {
		return nil, fmt.Errorf("provider: stats: %w", err)
	}
	return &s, nil
}
