// Package slotreserve holds short-lived slot reservations in Redis. A
// reservation pins a provider time slot for the checkout window; it either
// converts when the provider confirms or evaporates via TTL. The reserve
// path runs as a single Lua script so the overlap check and the write are
// atomic against concurrent checkouts for the same provider.
package slotreserve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/findrhealth/booking-platform/pkg/logging"
)

var slotTracer = otel.Tracer("findr.internal.slotreserve")

var (
	// ErrConflict means another active reservation or confirmed booking
	// overlaps the requested slot.
	ErrConflict = errors.New("slotreserve: slot already held")
	// ErrNotFound means the reservation does not exist or has expired.
	ErrNotFound = errors.New("slotreserve: reservation not found or expired")
	// ErrOwnershipMismatch means a different booking holds the reservation.
	ErrOwnershipMismatch = errors.New("slotreserve: reservation held by another booking")
)

// Reservation statuses stored in the Redis doc.
const (
	statusActive    = "active"
	statusConverted = "converted"
)

// convertedScore parks converted reservations far in the future so the
// prune step never drops them while the appointment still blocks the slot.
const convertedScore = float64(1 << 35)

// Reservation is one held slot.
type Reservation struct {
	ID         string    `json:"id"`
	BookingID  string    `json:"booking_id"`
	ProviderID string    `json:"provider_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Status     string    `json:"status"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Store manages reservations in Redis.
type Store struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *logging.Logger
	now    func() time.Time
}

// NewStore creates a reservation store. ttl bounds how long an
// unconverted hold survives.
func NewStore(rdb redis.UniversalClient, ttl time.Duration, logger *logging.Logger) *Store {
	if rdb == nil {
		panic("slotreserve: redis client required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{rdb: rdb, ttl: ttl, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func docKey(id string) string            { return "slotres:" + id }
func indexKey(providerID string) string  { return "slotres:idx:" + providerID }
func providersKey() string               { return "slotres:providers" }
func member(id string, start, end int64) string {
	return fmt.Sprintf("%s|%d|%d", id, start, end)
}

// reserveScript prunes expired holds, scans the provider's index for an
// overlap (half-open intervals), and writes the reservation only when the
// slot is clear. Returns the conflicting member, or '' on success.
var reserveScript = redis.NewScript(`
local idx = KEYS[1]
local doc = KEYS[2]
local providers = KEYS[3]
local now = tonumber(ARGV[1])
local expiresAt = tonumber(ARGV[2])
local newMember = ARGV[3]
local newStart = tonumber(ARGV[4])
local newEnd = tonumber(ARGV[5])
local payload = ARGV[6]
local ttl = tonumber(ARGV[7])
local providerID = ARGV[8]

redis.call('ZREMRANGEBYSCORE', idx, '-inf', '(' .. now)

local members = redis.call('ZRANGE', idx, 0, -1)
for i = 1, #members do
    local s, e = string.match(members[i], '^[^|]+|(%d+)|(%d+)$')
    if s and tonumber(s) < newEnd and newStart < tonumber(e) then
        return members[i]
    end
end

redis.call('ZADD', idx, expiresAt, newMember)
redis.call('SET', doc, payload, 'EX', ttl)
redis.call('SADD', providers, providerID)
return ''
`)

// Reserve atomically holds the slot for r.BookingID. The reservation's
// Status and ExpiresAt are assigned here.
func (s *Store) Reserve(ctx context.Context, r *Reservation) error {
	ctx, span := slotTracer.Start(ctx, "slotreserve.reserve")
	defer span.End()
	span.SetAttributes(attribute.String("findr.provider_id", r.ProviderID))

	if r.ID == "" || r.BookingID == "" || r.ProviderID == "" {
		return fmt.Errorf("slotreserve: reserve: missing identifiers")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("slotreserve: reserve: slot end must follow start")
	}

	now := s.now()
	r.Status = statusActive
	r.ExpiresAt = now.Add(s.ttl)

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("slotreserve: reserve: marshal: %w", err)
	}

	res, err := reserveScript.Run(ctx, s.rdb,
		[]string{indexKey(r.ProviderID), docKey(r.ID), providersKey()},
		now.Unix(),
		r.ExpiresAt.Unix(),
		member(r.ID, r.Start.Unix(), r.End.Unix()),
		r.Start.Unix(),
		r.End.Unix(),
		string(payload),
		int64(s.ttl.Seconds()),
		r.ProviderID,
	).Text()
	if err != nil {
		return fmt.Errorf("slotreserve: reserve: %w", err)
	}
	if res != "" {
		conflictID := res
		if i := strings.IndexByte(res, '|'); i > 0 {
			conflictID = res[:i]
		}
		s.logger.Info("slot reservation conflict",
			"provider_id", r.ProviderID, "held_by", conflictID)
		return fmt.Errorf("slotreserve: held by reservation %s: %w", conflictID, ErrConflict)
	}
	return nil
}

// Get fetches a reservation; ErrNotFound once it has expired.
func (s *Store) Get(ctx context.Context, reservationID string) (*Reservation, error) {
	raw, err := s.rdb.Get(ctx, docKey(reservationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("slotreserve: get: %w", err)
	}
	var r Reservation
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("slotreserve: get: unmarshal: %w", err)
	}
	return &r, nil
}

// Convert turns an active reservation permanent when the booking
// confirms. Converting twice for the same booking is a no-op; a different
// booking gets ErrOwnershipMismatch. Runs under optimistic locking so a
// racing expiry sweep cannot slip between the read and the write.
func (s *Store) Convert(ctx context.Context, reservationID, bookingID string) error {
	ctx, span := slotTracer.Start(ctx, "slotreserve.convert")
	defer span.End()

	key := docKey(reservationID)
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var r Reservation
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if r.BookingID != bookingID {
			return fmt.Errorf("%w: held by %s", ErrOwnershipMismatch, r.BookingID)
		}
		if r.Status == statusConverted {
			return nil
		}

		r.Status = statusConverted
		payload, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		m := member(r.ID, r.Start.Unix(), r.End.Unix())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, indexKey(r.ProviderID), redis.Z{Score: convertedScore, Member: m})
			return nil
		})
		return err
	}

	err := s.rdb.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("slotreserve: convert: %w", ErrNotFound)
	}
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrOwnershipMismatch) {
		return fmt.Errorf("slotreserve: convert: %w", err)
	}
	return err
}

// Release drops a reservation and frees the slot. Releasing an unknown or
// expired reservation is a no-op so terminal transitions stay idempotent.
func (s *Store) Release(ctx context.Context, reservationID string) error {
	r, err := s.Get(ctx, reservationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m := member(r.ID, r.Start.Unix(), r.End.Unix())
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, docKey(reservationID))
	pipe.ZRem(ctx, indexKey(r.ProviderID), m)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("slotreserve: release: %w", err)
	}
	return nil
}

// SweepExpired removes index entries whose TTL has lapsed. The docs
// expire on their own; this reclaims the per-provider indexes so overlap
// scans stay small. Returns the number of entries removed.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := slotTracer.Start(ctx, "slotreserve.sweep_expired")
	defer span.End()

	providers, err := s.rdb.SMembers(ctx, providersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("slotreserve: sweep: %w", err)
	}

	now := strconv.FormatInt(s.now().Unix(), 10)
	removed := 0
	for _, providerID := range providers {
		idx := indexKey(providerID)
		n, err := s.rdb.ZRemRangeByScore(ctx, idx, "-inf", "("+now).Result()
		if err != nil {
			s.logger.Error("reservation sweep failed", "provider_id", providerID, "error", err)
			continue
		}
		removed += int(n)

		remaining, err := s.rdb.ZCard(ctx, idx).Result()
		if err == nil && remaining == 0 {
			s.rdb.SRem(ctx, providersKey(), providerID)
		}
	}
	return removed, nil
}
