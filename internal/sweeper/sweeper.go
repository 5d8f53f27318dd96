// Package sweeper implements the idempotent background jobs that advance
// bookings no actor touched: expiring lapsed confirmations, warning
// providers, auto-completing finished appointments, retrying failed
// final payments, and reclaiming slot reservation indexes. Every job is
// safe to run concurrently with itself; the conditional writes underneath
// make duplicate work a no-op.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/findrhealth/booking-platform/internal/booking"
	"github.com/findrhealth/booking-platform/internal/payments"
	"github.com/findrhealth/booking-platform/pkg/logging"
)

// Lister is the read surface over pending work queues.
type Lister interface {
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*booking.Booking, error)
	ListExpiringPending(ctx context.Context, now, until time.Time, limit int) ([]*booking.Booking, error)
	ListAutoCompletable(ctx context.Context, cutoff time.Time, limit int) ([]*booking.Booking, error)
	ListFinalPaymentFailed(ctx context.Context, limit int) ([]*booking.Booking, error)
}

// Lifecycle is the slice of the booking service the sweeps drive.
type Lifecycle interface {
	Expire(ctx context.Context, b *booking.Booking) error
	SendExpiryWarning(ctx context.Context, b *booking.Booking) (bool, error)
	Complete(ctx context.Context, id uuid.UUID, actor booking.Actor, adjustments []payments.AdjustmentItem) (*booking.Booking, error)
	RetryFinalPayment(ctx context.Context, b *booking.Booking) error
}

// SlotSweeper reclaims expired reservation index entries.
type SlotSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// StatsRecomputer rebuilds provider aggregates.
type StatsRecomputer interface {
	RecomputeStats(ctx context.Context) (int, error)
}

// Metrics is the sweep counter surface.
type Metrics interface {
	RecordSweep(job string, processed, errs int)
}

// Config tunes batch sizes and windows.
type Config struct {
	BatchLimit        int
	WarnWindow        time.Duration // how far ahead the expiry warning looks
	AutoCompleteAfter time.Duration // grace period past appointment end
	RatePerSec        float64       // per-item pacing across a batch
}

// Jobs holds the wired sweep jobs.
type Jobs struct {
	lister  Lister
	svc     Lifecycle
	slots   SlotSweeper
	stats   StatsRecomputer
	metrics Metrics
	logger  *logging.Logger
	limiter *rate.Limiter
	cfg     Config
	now     func() time.Time
}

// BatchResult summarizes one sweep run.
type BatchResult struct {
	Processed int
	Errors    int
}

// New wires the sweep jobs. slots, stats and metrics may be nil.
func New(lister Lister, svc Lifecycle, slots SlotSweeper, stats StatsRecomputer, metrics Metrics, cfg Config, logger *logging.Logger) *Jobs {
	if lister == nil || svc == nil {
		panic("sweeper: lister and lifecycle service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 200
	}
	if cfg.WarnWindow <= 0 {
		cfg.WarnWindow = 4 * time.Hour
	}
	if cfg.AutoCompleteAfter <= 0 {
		cfg.AutoCompleteAfter = 24 * time.Hour
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	return &Jobs{
		lister:  lister,
		svc:     svc,
		slots:   slots,
		stats:   stats,
		metrics: metrics,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock, for tests.
func (j *Jobs) WithClock(now func() time.Time) *Jobs {
	j.now = now
	return j
}

// forEach paces the batch and isolates per-item failures so one bad
// booking never stalls the rest.
func (j *Jobs) forEach(ctx context.Context, job string, items []*booking.Booking, fn func(*booking.Booking) error) (BatchResult, error) {
	var res BatchResult
	for _, b := range items {
		if err := j.limiter.Wait(ctx); err != nil {
			return res, err
		}
		if err := fn(b); err != nil {
			res.Errors++
			j.logger.Error("sweep item failed",
				"job", job,
				"booking_number", b.Number,
				"error", err,
			)
			continue
		}
		res.Processed++
	}
	if j.metrics != nil {
		j.metrics.RecordSweep(job, res.Processed, res.Errors)
	}
	if res.Processed > 0 || res.Errors > 0 {
		j.logger.Info("sweep finished",
			"job", job, "processed", res.Processed, "errors", res.Errors)
	}
	return res, nil
}

// ExpirePending expires confirmations whose window lapsed.
func (j *Jobs) ExpirePending(ctx context.Context) (BatchResult, error) {
	items, err := j.lister.ListExpiredPending(ctx, j.now(), j.cfg.BatchLimit)
	if err != nil {
		return BatchResult{}, err
	}
	return j.forEach(ctx, "expire_pending", items, func(b *booking.Booking) error {
		err := j.svc.Expire(ctx, b)
		// A racing confirm or cancel got there first; nothing to expire.
		if errors.Is(err, booking.ErrInvalidTransition) {
			return nil
		}
		return err
	})
}

// WarnExpiring sends the expiring-soon warning to providers who have not
// responded. The warning claim makes this exactly-once per booking.
func (j *Jobs) WarnExpiring(ctx context.Context) (BatchResult, error) {
	now := j.now()
	items, err := j.lister.ListExpiringPending(ctx, now, now.Add(j.cfg.WarnWindow), j.cfg.BatchLimit)
	if err != nil {
		return BatchResult{}, err
	}
	return j.forEach(ctx, "warn_expiring", items, func(b *booking.Booking) error {
		_, err := j.svc.SendExpiryWarning(ctx, b)
		return err
	})
}

// AutoComplete completes confirmed bookings whose appointment ended past
// the grace period without the provider closing them out.
func (j *Jobs) AutoComplete(ctx context.Context) (BatchResult, error) {
	cutoff := j.now().Add(-j.cfg.AutoCompleteAfter)
	items, err := j.lister.ListAutoCompletable(ctx, cutoff, j.cfg.BatchLimit)
	if err != nil {
		return BatchResult{}, err
	}
	return j.forEach(ctx, "auto_complete", items, func(b *booking.Booking) error {
		_, err := j.svc.Complete(ctx, b.ID, booking.Actor{Type: booking.ActorSystem}, nil)
		// A declined final charge was recorded for the retry sweep;
		// that is this job doing its work, not a failure.
		if errors.Is(err, booking.ErrPaymentDeclined) {
			return nil
		}
		if errors.Is(err, booking.ErrInvalidTransition) {
			return nil
		}
		return err
	})
}

// RetryFinalPayments reattempts failed final charges and hands lapsed
// debts to collections.
func (j *Jobs) RetryFinalPayments(ctx context.Context) (BatchResult, error) {
	items, err := j.lister.ListFinalPaymentFailed(ctx, j.cfg.BatchLimit)
	if err != nil {
		return BatchResult{}, err
	}
	return j.forEach(ctx, "retry_final_payments", items, func(b *booking.Booking) error {
		return j.svc.RetryFinalPayment(ctx, b)
	})
}

// CleanReservations reclaims expired slot reservation index entries.
func (j *Jobs) CleanReservations(ctx context.Context) (BatchResult, error) {
	if j.slots == nil {
		return BatchResult{}, nil
	}
	removed, err := j.slots.SweepExpired(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	if j.metrics != nil {
		j.metrics.RecordSweep("clean_reservations", removed, 0)
	}
	return BatchResult{Processed: removed}, nil
}

// RecomputeProviderStats rebuilds provider aggregates.
func (j *Jobs) RecomputeProviderStats(ctx context.Context) (BatchResult, error) {
	if j.stats == nil {
		return BatchResult{}, nil
	}
	n, err := j.stats.RecomputeStats(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	if j.metrics != nil {
		j.metrics.RecordSweep("recompute_provider_stats", n, 0)
	}
	return BatchResult{Processed: n}, nil
}
