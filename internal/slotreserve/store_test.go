package slotreserve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/findrhealth/booking-platform/pkg/logging"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, 5*time.Minute, logging.Default()), mr
}

func slot(id, bookingID string, start time.Time, minutes int) *Reservation {
	return &Reservation{
		ID:         id,
		BookingID:  bookingID,
		ProviderID: "prov-1",
		Start:      start,
		End:        start.Add(time.Duration(minutes) * time.Minute),
	}
}

func TestReserveAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	r := slot("res-1", "bk-1", start, 60)
	require.NoError(t, store.Reserve(ctx, r))
	assert.Equal(t, "active", r.Status)
	assert.False(t, r.ExpiresAt.IsZero())

	got, err := store.Get(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, "bk-1", got.BookingID)
	assert.Equal(t, start.Unix(), got.Start.Unix())
}

func TestReserveRejectsOverlap(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	require.NoError(t, store.Reserve(ctx, slot("res-1", "bk-1", start, 60)))

	// Partial overlap from either side.
	err := store.Reserve(ctx, slot("res-2", "bk-2", start.Add(30*time.Minute), 60))
	assert.True(t, errors.Is(err, ErrConflict))
	err = store.Reserve(ctx, slot("res-3", "bk-3", start.Add(-30*time.Minute), 60))
	assert.True(t, errors.Is(err, ErrConflict))

	// Containment.
	err = store.Reserve(ctx, slot("res-4", "bk-4", start.Add(10*time.Minute), 20))
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestReserveAllowsAdjacentSlots(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	require.NoError(t, store.Reserve(ctx, slot("res-1", "bk-1", start, 60)))
	// Half-open intervals: back-to-back bookings do not collide.
	require.NoError(t, store.Reserve(ctx, slot("res-2", "bk-2", start.Add(60*time.Minute), 60)))
	require.NoError(t, store.Reserve(ctx, slot("res-3", "bk-3", start.Add(-60*time.Minute), 60)))
}

func TestReserveDifferentProvidersIndependent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	a := slot("res-1", "bk-1", start, 60)
	require.NoError(t, store.Reserve(ctx, a))

	b := slot("res-2", "bk-2", start, 60)
	b.ProviderID = "prov-2"
	require.NoError(t, store.Reserve(ctx, b))
}

func TestReserveIgnoresExpiredHolds(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return base })
	require.NoError(t, store.Reserve(ctx, slot("res-1", "bk-1", start, 60)))

	// Past the 5 minute TTL the hold no longer blocks the slot.
	store.WithClock(func() time.Time { return base.Add(6 * time.Minute) })
	require.NoError(t, store.Reserve(ctx, slot("res-2", "bk-2", start, 60)))
}

func TestConvertMakesHoldPermanent(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return base })
	require.NoError(t, store.Reserve(ctx, slot("res-1", "bk-1", start, 60)))
	require.NoError(t, store.Convert(ctx, "res-1", "bk-1"))

	got, err := store.Get(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, "converted", got.Status)
	assert.Equal(t, time.Duration(0), mr.TTL("slotres:res-1"))

	// Still blocks the slot well past the original TTL.
	store.WithClock(func() time.Time { return base.Add(time.Hour) })
	err = store.Reserve(ctx, slot("res-2", "bk-2", start, 60))
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestConvertIsIdempotentForSameBooking(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	require.NoError(t, store.Reserve(ctx, slot("res-1", "bk-1", start, 60)))
	require.NoError(t, store.Convert(ctx, "res-1", "bk-1"))
	require.NoError(t, store.Convert(ctx, "res-1", "bk-1"))
}

func TestConvertRejectsWrongBooking(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	require.NoError(t, store.Reserve(ctx, slot("res-1", "bk-1", start, 60)))
	err := store.Convert(ctx, "res-1", "bk-2")
	assert.True(t, errors.Is(err, ErrOwnershipMismatch))
}

func TestConvertExpiredReservation(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	require.NoError(t, store.Reserve(ctx, slot("res-1", "bk-1", start, 60)))
	mr.FastForward(6 * time.Minute)

	err := store.Convert(ctx, "res-1", "bk-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestReleaseFreesSlotAndIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	require.NoError(t, store.Reserve(ctx, slot("res-1", "bk-1", start, 60)))
	require.NoError(t, store.Release(ctx, "res-1"))

	_, err := store.Get(ctx, "res-1")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.Reserve(ctx, slot("res-2", "bk-2", start, 60)))
	require.NoError(t, store.Release(ctx, "res-1"))
	require.NoError(t, store.Release(ctx, "unknown"))
}

func TestSweepExpiredReclaimsIndex(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return base })
	require.NoError(t, store.Reserve(ctx, slot("res-1", "bk-1", start, 60)))
	require.NoError(t, store.Reserve(ctx, slot("res-2", "bk-2", start.Add(2*time.Hour), 60)))
	require.NoError(t, store.Convert(ctx, "res-2", "bk-2"))

	store.WithClock(func() time.Time { return base.Add(10 * time.Minute) })
	removed, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// Converted holds survive the sweep.
	store.WithClock(func() time.Time { return base.Add(11 * time.Minute) })
	err = store.Reserve(ctx, slot("res-3", "bk-3", start.Add(2*time.Hour), 60))
	assert.True(t, errors.Is(err, ErrConflict))

	removed, err = store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
