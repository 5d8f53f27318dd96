package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/findrhealth/booking-platform/internal/events"
	"github.com/findrhealth/booking-platform/internal/fees"
	"github.com/findrhealth/booking-platform/internal/payments"
	"github.com/findrhealth/booking-platform/internal/slotreserve"
	"github.com/findrhealth/booking-platform/pkg/logging"
)

var bookingTracer = otel.Tracer("findr.internal.booking")

const (
	defaultConfirmationWindow = 24 * time.Hour
	defaultMaxReschedules     = 2
	maxNumberAttempts         = 5
	maxProposedSlots          = 3
)

// Store is the persistence surface the service writes through.
// *Repository satisfies it; tests substitute an in-memory fake.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id uuid.UUID) (*Booking, error)
	GetByNumber(ctx context.Context, number string) (*Booking, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Booking, error)
	Transition(ctx context.Context, b *Booking, from Status) error
	UpdatePayment(ctx context.Context, b *Booking) error
	ClaimWarning(ctx context.Context, b *Booking) (bool, error)
	LatestNumberForYear(ctx context.Context, year int) (string, error)
}

// SlotReserver is the slot-hold capability the service depends on.
type SlotReserver interface {
	Reserve(ctx context.Context, r *slotreserve.Reservation) error
	Convert(ctx context.Context, reservationID, bookingID string) error
	Release(ctx context.Context, reservationID string) error
}

// PaymentOrchestrator is the payment capability. *payments.Orchestrator
// satisfies it.
type PaymentOrchestrator interface {
	ChargeDeposit(ctx context.Context, req payments.DepositRequest) (*payments.DepositResult, error)
	ChargeFinal(ctx context.Context, req payments.FinalChargeRequest) (*payments.FinalResult, error)
	CancelHold(ctx context.Context, intentID string) error
	RefundDeposit(ctx context.Context, intentID string, amountCents int64, reason string) (string, error)
	ProcessCancellation(ctx context.Context, in payments.CancellationInput) (*payments.CancellationResult, error)
	AdjustPrice(originalTotalCents, currentAdjustmentCents int64, items []payments.AdjustmentItem) (*payments.AdjustResult, error)
	TransferToProvider(ctx context.Context, req payments.TransferRequest) (*payments.TransferResult, error)
}

// Notifier fans booking notifications out to the parties. Implementations
// must never fail the calling operation.
type Notifier interface {
	NotifyPatient(ctx context.Context, b *Booking, template string, data map[string]any)
	NotifyProvider(ctx context.Context, b *Booking, template string, data map[string]any)
	NotifySupport(ctx context.Context, b *Booking, template string, data map[string]any)
}

// Broadcaster pushes live status changes to connected clients.
type Broadcaster interface {
	BroadcastStatus(b *Booking, previous Status)
}

// PayoutAccounts resolves a provider's payout destination.
type PayoutAccounts interface {
	PayoutAccount(ctx context.Context, providerID uuid.UUID) (accountID string, onboarded bool, err error)
}

// ProviderDiscipline records provider-fault cancellations for the
// escalation ladder. The returned action is empty when no threshold was
// crossed.
type ProviderDiscipline interface {
	RecordCancellation(ctx context.Context, providerID uuid.UUID) (action string, count int, err error)
}

// MetricsRecorder is the counter surface the service reports into.
type MetricsRecorder interface {
	RecordTransition(from, to string)
	RecordCharge(chargeType, outcome string)
}

// Service owns every booking mutation. All writes go through the
// repository's status-guarded update, so of two racing actors exactly one
// wins and the loser sees ErrInvalidTransition.
type Service struct {
	repo       Store
	slots      SlotReserver
	payments   PaymentOrchestrator
	recorder   *events.Recorder
	notifier   Notifier
	broadcast  Broadcaster
	accounts   PayoutAccounts
	discipline ProviderDiscipline
	metrics    MetricsRecorder
	logger     *logging.Logger

	confirmationWindow time.Duration
	maxReschedules     int
	finalRetryWindow   time.Duration
	now                func() time.Time
}

// ServiceOpts carries the optional collaborators and tuning knobs.
type ServiceOpts struct {
	Notifier           Notifier
	Broadcaster        Broadcaster
	Accounts           PayoutAccounts
	Discipline         ProviderDiscipline
	Metrics            MetricsRecorder
	Logger             *logging.Logger
	ConfirmationWindow time.Duration
	MaxReschedules     int
	FinalRetryWindow   time.Duration
}

// NewService wires the booking core. repo, slots, orchestrator and
// recorder are required.
func NewService(repo Store, slots SlotReserver, orchestrator PaymentOrchestrator, recorder *events.Recorder, opts ServiceOpts) *Service {
	if repo == nil || slots == nil || orchestrator == nil || recorder == nil {
		panic("booking: repo, slots, payments and recorder are required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.ConfirmationWindow <= 0 {
		opts.ConfirmationWindow = defaultConfirmationWindow
	}
	if opts.MaxReschedules <= 0 {
		opts.MaxReschedules = defaultMaxReschedules
	}
	if opts.FinalRetryWindow <= 0 {
		opts.FinalRetryWindow = 7 * 24 * time.Hour
	}
	return &Service{
		repo:               repo,
		slots:              slots,
		payments:           orchestrator,
		recorder:           recorder,
		notifier:           opts.Notifier,
		broadcast:          opts.Broadcaster,
		accounts:           opts.Accounts,
		discipline:         opts.Discipline,
		metrics:            opts.Metrics,
		logger:             opts.Logger,
		confirmationWindow: opts.ConfirmationWindow,
		maxReschedules:     opts.MaxReschedules,
		finalRetryWindow:   opts.FinalRetryWindow,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get loads a booking by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.repo.Get(ctx, id)
}

// GetByNumber loads a booking by confirmation number.
func (s *Service) GetByNumber(ctx context.Context, number string) (*Booking, error) {
	if !IsValidNumber(number) {
		return nil, fmt.Errorf("booking: number %q: %w", number, ErrValidation)
	}
	return s.repo.GetByNumber(ctx, number)
}

// CheckoutRequest is the patient's booking request.
type CheckoutRequest struct {
	PatientID    uuid.UUID
	ProviderID   uuid.UUID
	ProviderName string
	TeamMemberID string

	Service ServiceSnapshot
	Start   time.Time
	End     time.Time

	ProviderTimezone string
	PatientTimezone  string

	CustomerID      string
	PaymentMethodID string

	IdempotencyKey string
	Source         string
}

// CheckoutResult reports a created (or replayed) booking.
type CheckoutResult struct {
	Booking  *Booking
	Replayed bool
}

func (r CheckoutRequest) validate(now time.Time) error {
	switch {
	case r.PatientID == uuid.Nil:
		return fmt.Errorf("booking: patient id required: %w", ErrValidation)
	case r.ProviderID == uuid.Nil:
		return fmt.Errorf("booking: provider id required: %w", ErrValidation)
	case r.Service.PriceCents <= 0:
		return fmt.Errorf("booking: service price required: %w", ErrValidation)
	case !r.End.After(r.Start):
		return fmt.Errorf("booking: slot end must follow start: %w", ErrValidation)
	case r.Start.Before(now):
		return fmt.Errorf("booking: slot is in the past: %w", ErrValidation)
	case r.PaymentMethodID == "":
		return fmt.Errorf("booking: payment method required: %w", ErrValidation)
	}
	return nil
}

// Checkout reserves the slot, charges the deposit, and creates the
// booking as one atomic unit: any failure rolls the earlier steps back
// and leaves no partial booking behind. Replays with a previously seen
// idempotency key return the original booking without re-charging.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.checkout")
	defer span.End()
	span.SetAttributes(attribute.String("findr.provider_id", req.ProviderID.String()))

	now := s.now()
	if err := req.validate(now); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.logger.Info("checkout replayed", "booking_number", existing.Number)
			return &CheckoutResult{Booking: existing, Replayed: true}, nil
		}
	}

	bookingID := uuid.New()
	reservation := &slotreserve.Reservation{
		ID:         uuid.New().String(),
		BookingID:  bookingID.String(),
		ProviderID: req.ProviderID.String(),
		Start:      req.Start,
		End:        req.End,
	}
	if err := s.slots.Reserve(ctx, reservation); err != nil {
		if errors.Is(err, slotreserve.ErrConflict) {
			return nil, fmt.Errorf("booking: checkout: %w", ErrSlotConflict)
		}
		return nil, fmt.Errorf("booking: checkout: %w", err)
	}

	deposit, err := s.payments.ChargeDeposit(ctx, payments.DepositRequest{
		TotalCents:      req.Service.PriceCents,
		CustomerID:      req.CustomerID,
		PaymentMethodID: req.PaymentMethodID,
		ServiceName:     req.Service.Name,
		ProviderName:    req.ProviderName,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		s.releaseSlot(ctx, reservation.ID)
		s.observeCharge("deposit", "error")
		return nil, fmt.Errorf("booking: checkout: %w", err)
	}
	if !deposit.Succeeded {
		s.releaseSlot(ctx, reservation.ID)
		s.observeCharge("deposit", "declined")
		return nil, fmt.Errorf("booking: checkout: %s: %w", deposit.Message, ErrPaymentDeclined)
	}
	s.observeCharge("deposit", "succeeded")

	b := &Booking{
		ID:           bookingID,
		PatientID:    req.PatientID,
		ProviderID:   req.ProviderID,
		TeamMemberID: req.TeamMemberID,
		Service:      req.Service,

		RequestedStart:   req.Start,
		RequestedEnd:     req.End,
		ProviderTimezone: req.ProviderTimezone,
		PatientTimezone:  req.PatientTimezone,

		Status: StatusPendingConfirmation,
		Confirmation: Confirmation{
			RequestedAt:    now,
			ExpiresAt:      now.Add(s.confirmationWindow),
			Source:         checkoutSource(req.Source),
			IdempotencyKey: req.IdempotencyKey,
		},
		Payment: Payment{
			TotalCents:         req.Service.PriceCents,
			OriginalTotalCents: req.Service.PriceCents,
			DepositCents:       deposit.DepositCents,
			FinalCents:         deposit.FinalCents,
			PlatformFeeCents:   deposit.PlatformFeeCents,
			Status:             PaymentDepositCharged,
			CustomerID:         req.CustomerID,
			PaymentMethodID:    req.PaymentMethodID,
			DepositIntentID:    deposit.IntentID,
			DepositChargedAt:   &deposit.ChargedAt,
		},
		Reschedule: Reschedule{MaxAttempts: s.maxReschedules},

		SlotReservationID: reservation.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.createWithNumber(ctx, b, now); err != nil {
		s.releaseSlot(ctx, reservation.ID)
		if _, refundErr := s.payments.RefundDeposit(ctx, deposit.IntentID, deposit.DepositCents, "booking creation failed"); refundErr != nil {
			s.logger.Error("rollback refund failed",
				"intent_id", deposit.IntentID, "error", refundErr)
		}
		return nil, err
	}

	s.record(ctx, b, events.TypeCreated, "", b.Status, Actor{Type: ActorPatient, ID: req.PatientID.String()}, map[string]any{
		"service":            b.Service.Name,
		"total_cents":        b.Payment.TotalCents,
		"deposit_cents":      b.Payment.DepositCents,
		"platform_fee_cents": b.Payment.PlatformFeeCents,
	})
	s.record(ctx, b, events.TypePaymentCaptured, "", "", Actor{Type: ActorSystem}, map[string]any{
		"payment_type": "deposit",
		"amount_cents": b.Payment.DepositCents,
		"intent_id":    deposit.IntentID,
	})

	s.notifyProvider(ctx, b, "booking_requested", nil)
	s.notifyPatient(ctx, b, "booking_pending", nil)
	s.broadcastStatus(b, "")
	s.logger.Info("booking created",
		"booking_number", b.Number,
		"provider_id", b.ProviderID,
		"deposit_cents", b.Payment.DepositCents,
	)
	return &CheckoutResult{Booking: b}, nil
}

// createWithNumber assigns a sequential confirmation number, retrying on
// collision and falling back to a timestamp-derived number.
func (s *Service) createWithNumber(ctx context.Context, b *Booking, now time.Time) error {
	year := now.Year()
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		latest, err := s.repo.LatestNumberForYear(ctx, year)
		if err != nil {
			return err
		}
		b.Number = NextNumber(latest, year)
		err = s.repo.Create(ctx, b)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errDuplicateNumber) {
			return err
		}
	}

	b.Number = FallbackNumber(now)
	if err := s.repo.Create(ctx, b); err != nil {
		return fmt.Errorf("booking: create with fallback number: %w", err)
	}
	return nil
}

// Confirm accepts the booking on behalf of the provider. A retry with
// the idempotency key of an already-applied confirm replays the original
// result instead of failing on the transition.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, providerActorID, idempotencyKey string) (*Booking, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.confirm")
	defer span.End()

	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusConfirmed {
		if idempotencyKey != "" && b.Confirmation.IdempotencyKey == idempotencyKey {
			return b, nil
		}
		if b.Confirmation.ConfirmedBy == providerActorID {
			return b, nil
		}
	}
	if err := checkTransition(b.Status, StatusConfirmed); err != nil {
		return nil, fmt.Errorf("booking: confirm: %w", err)
	}
	now := s.now()
	if now.After(b.Confirmation.ExpiresAt) {
		return nil, fmt.Errorf("booking: confirm: window elapsed: %w", ErrInvalidTransition)
	}

	from := b.Status
	b.Status = StatusConfirmed
	b.Confirmation.RespondedAt = &now
	b.Confirmation.ConfirmedBy = providerActorID
	if idempotencyKey != "" {
		b.Confirmation.IdempotencyKey = idempotencyKey
	}
	b.UpdatedAt = now
	if err := s.repo.Transition(ctx, b, from); err != nil {
		return nil, err
	}

	if err := s.slots.Convert(ctx, b.SlotReservationID, b.ID.String()); err != nil {
		// The hold may have lapsed; the confirmed booking itself blocks
		// the slot from here on.
		s.logger.Warn("slot convert failed", "booking_number", b.Number, "error", err)
	} else {
		s.record(ctx, b, events.TypeSlotConverted, "", "", Actor{Type: ActorSystem}, nil)
	}

	s.record(ctx, b, events.TypeConfirmed, from, b.Status,
		Actor{Type: ActorProvider, ID: providerActorID}, nil)
	s.observeTransition(from, b.Status)
	s.notifyPatient(ctx, b, "booking_confirmed", nil)
	s.broadcastStatus(b, from)
	return b, nil
}

// Decline rejects the booking. The deposit is refunded in full; the
// refund is attempted after the status write so a racing confirm cannot
// double-spend it. A retry with the idempotency key of an already-applied
// decline replays the original result.
func (s *Service) Decline(ctx context.Context, id uuid.UUID, providerActorID, reason, idempotencyKey string) (*Booking, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.decline")
	defer span.End()

	if reason == "" {
		return nil, fmt.Errorf("booking: decline reason required: %w", ErrValidation)
	}
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusDeclined && idempotencyKey != "" && b.Confirmation.IdempotencyKey == idempotencyKey {
		return b, nil
	}
	if err := checkTransition(b.Status, StatusDeclined); err != nil {
		return nil, fmt.Errorf("booking: decline: %w", err)
	}

	now := s.now()
	from := b.Status
	b.Status = StatusDeclined
	b.Confirmation.RespondedAt = &now
	b.Confirmation.DeclinedBy = providerActorID
	b.Confirmation.DeclineReason = reason
	if idempotencyKey != "" {
		b.Confirmation.IdempotencyKey = idempotencyKey
	}
	b.UpdatedAt = now
	if err := s.repo.Transition(ctx, b, from); err != nil {
		return nil, err
	}
	s.releaseSlot(ctx, b.SlotReservationID)

	s.record(ctx, b, events.TypeDeclined, from, b.Status,
		Actor{Type: ActorProvider, ID: providerActorID}, map[string]any{"reason": reason})
	s.observeTransition(from, b.Status)

	s.refundDeposit(ctx, b, "provider declined")

	s.notifyPatient(ctx, b, "booking_declined", map[string]any{"reason": reason})
	s.broadcastStatus(b, from)
	return b, nil
}

// refundDeposit refunds the full deposit and persists the payment
// sub-state. Failures alert support rather than unwinding the status
// change that already happened.
func (s *Service) refundDeposit(ctx context.Context, b *Booking, reason string) {
	refundID, err := s.payments.RefundDeposit(ctx, b.Payment.DepositIntentID, b.Payment.DepositCents, reason)
	if err != nil {
		s.logger.Error("deposit refund failed",
			"booking_number", b.Number, "error", err)
		s.record(ctx, b, events.TypePaymentFailed, "", "", Actor{Type: ActorSystem},
			map[string]any{"op": "refund", "error": err.Error()})
		s.notifySupport(ctx, b, "refund_failed", map[string]any{"reason": reason})
		return
	}
	now := s.now()
	b.Payment.Status = PaymentRefunded
	b.Payment.RefundID = refundID
	b.Payment.RefundCents = b.Payment.DepositCents
	b.Payment.RefundedAt = &now
	if b.Cancellation != nil {
		// The cancellation record carries only amounts the gateway
		// actually returned.
		b.Cancellation.RefundCents = b.Payment.RefundCents
	}
	b.UpdatedAt = now
	if err := s.repo.UpdatePayment(ctx, b); err != nil {
		s.logger.Error("refund bookkeeping failed", "booking_number", b.Number, "error", err)
	}
	s.record(ctx, b, events.TypePaymentRefunded, "", "", Actor{Type: ActorSystem}, map[string]any{
		"amount_cents": b.Payment.RefundCents,
		"refund_id":    refundID,
		"reason":       reason,
	})
}

// Cancel ends the booking at the patient's or provider's request. Patient
// cancellations follow the binary 48-hour deposit rule; provider
// cancellations always refund in full and accrue a $20 patient credit
// plus an escalation strike.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor Actor, reason string) (*Booking, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.cancel")
	defer span.End()

	var target Status
	var by fees.CancelledBy
	switch actor.Type {
	case ActorPatient:
		target, by = StatusCancelledPatient, fees.CancelledByPatient
	case ActorProvider:
		target, by = StatusCancelledProvider, fees.CancelledByProvider
	default:
		return nil, fmt.Errorf("booking: cancel: actor %s: %w", actor.Type, ErrUnauthorized)
	}

	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(b.Status, target); err != nil {
		return nil, fmt.Errorf("booking: cancel: %w", err)
	}

	now := s.now()
	from := b.Status
	b.Status = target
	b.Cancellation = &Cancellation{
		CancelledBy:            actor,
		CancelledAt:            now,
		Reason:                 reason,
		HoursBeforeAppointment: fees.HoursUntil(b.AppointmentStart(), now),
	}
	b.UpdatedAt = now
	if err := s.repo.Transition(ctx, b, from); err != nil {
		return nil, err
	}
	s.releaseSlot(ctx, b.SlotReservationID)
	s.observeTransition(from, b.Status)

	outcome, err := s.payments.ProcessCancellation(ctx, payments.CancellationInput{
		AppointmentAt:   b.AppointmentStart(),
		DepositCents:    b.Payment.DepositCents,
		DepositIntentID: b.Payment.DepositIntentID,
		CancelledBy:     by,
		Reason:          reason,
	})
	if err != nil {
		return nil, fmt.Errorf("booking: cancel: %w", err)
	}

	b.Cancellation.RefundCents = outcome.RefundedCents
	b.Cancellation.FeeCents = outcome.KeptCents
	if outcome.Succeeded && outcome.RefundedCents > 0 {
		b.Payment.Status = PaymentRefunded
		b.Payment.RefundID = outcome.RefundID
		b.Payment.RefundCents = outcome.RefundedCents
		b.Payment.RefundedAt = &outcome.RefundedAt
	}
	b.UpdatedAt = s.now()
	if err := s.repo.UpdatePayment(ctx, b); err != nil {
		s.logger.Error("cancellation bookkeeping failed", "booking_number", b.Number, "error", err)
	}

	s.record(ctx, b, events.TypeCancelled, from, b.Status, Actor{Type: actor.Type, ID: actor.ID}, map[string]any{
		"reason":          reason,
		"hours_before":    b.Cancellation.HoursBeforeAppointment,
		"refunded_cents":  outcome.RefundedCents,
		"kept_cents":      outcome.KeptCents,
		"refund_eligible": outcome.RefundEligible,
	})
	if outcome.Succeeded && outcome.RefundedCents > 0 {
		s.record(ctx, b, events.TypePaymentRefunded, "", "", Actor{Type: ActorSystem}, map[string]any{
			"amount_cents": outcome.RefundedCents,
			"refund_id":    outcome.RefundID,
		})
	}
	if !outcome.Succeeded {
		s.notifySupport(ctx, b, "refund_failed", map[string]any{"reason": reason})
	}

	if actor.Type == ActorProvider {
		s.record(ctx, b, events.TypeCreditIssued, "", "", Actor{Type: ActorSystem}, map[string]any{
			"credit_cents": outcome.CreditCents,
			"patient_id":   b.PatientID.String(),
		})
		s.escalateProvider(ctx, b)
		s.notifyPatient(ctx, b, "cancelled_by_provider", map[string]any{
			"credit_cents": outcome.CreditCents,
		})
	} else {
		s.notifyProvider(ctx, b, "cancelled_by_patient", map[string]any{"reason": reason})
	}
	s.broadcastStatus(b, from)
	return b, nil
}

func (s *Service) escalateProvider(ctx context.Context, b *Booking) {
	if s.discipline == nil {
		return
	}
	action, count, err := s.discipline.RecordCancellation(ctx, b.ProviderID)
	if err != nil {
		s.logger.Error("provider escalation failed", "provider_id", b.ProviderID, "error", err)
		return
	}
	if action == "" {
		return
	}
	s.record(ctx, b, events.TypeProviderEscalation, "", "", Actor{Type: ActorSystem}, map[string]any{
		"action":             action,
		"cancellation_count": count,
	})
	s.notifySupport(ctx, b, "provider_escalation", map[string]any{"action": action, "count": count})
}

// Expire moves a lapsed pending confirmation to expired. Sweeper-only:
// the payment hold is voided, falling back to a refund when the intent
// was already captured.
func (s *Service) Expire(ctx context.Context, b *Booking) error {
	ctx, span := bookingTracer.Start(ctx, "booking.expire")
	defer span.End()

	if err := checkTransition(b.Status, StatusExpired); err != nil {
		return fmt.Errorf("booking: expire: %w", err)
	}
	now := s.now()
	from := b.Status
	b.Status = StatusExpired
	b.UpdatedAt = now
	if err := s.repo.Transition(ctx, b, from); err != nil {
		return err
	}
	s.releaseSlot(ctx, b.SlotReservationID)
	s.observeTransition(from, b.Status)

	if err := s.payments.CancelHold(ctx, b.Payment.DepositIntentID); err != nil {
		s.refundDeposit(ctx, b, "confirmation expired")
	} else {
		b.Payment.Status = PaymentRefunded
		b.Payment.RefundCents = b.Payment.DepositCents
		b.UpdatedAt = s.now()
		if err := s.repo.UpdatePayment(ctx, b); err != nil {
			s.logger.Error("expiry bookkeeping failed", "booking_number", b.Number, "error", err)
		}
		s.record(ctx, b, events.TypePaymentHoldCancelled, "", "", Actor{Type: ActorSystem}, map[string]any{
			"intent_id": b.Payment.DepositIntentID,
		})
	}

	s.record(ctx, b, events.TypeExpired, from, b.Status, Actor{Type: ActorSystem}, map[string]any{
		"expired_at": b.Confirmation.ExpiresAt,
	})
	s.notifyPatient(ctx, b, "booking_expired", map[string]any{"charged": false})
	s.notifyProvider(ctx, b, "booking_expired", nil)
	s.broadcastStatus(b, from)
	return nil
}

// SendExpiryWarning notifies the provider that the confirmation window is
// closing. The warning claim is a conditional write, so concurrent
// sweeper runs send it at most once.
func (s *Service) SendExpiryWarning(ctx context.Context, b *Booking) (bool, error) {
	now := s.now()
	b.Confirmation.WarningSent = true
	b.Confirmation.RemindersSent++
	b.UpdatedAt = now
	claimed, err := s.repo.ClaimWarning(ctx, b)
	if err != nil || !claimed {
		return false, err
	}
	s.notifyProvider(ctx, b, "confirmation_expiring", map[string]any{
		"expires_at": b.Confirmation.ExpiresAt,
	})
	s.record(ctx, b, events.TypeNotificationSent, "", "", Actor{Type: ActorSystem}, map[string]any{
		"template": "confirmation_expiring",
	})
	return true, nil
}

// ProposeReschedule offers the patient up to three alternate slots
// instead of an outright decline.
func (s *Service) ProposeReschedule(ctx context.Context, id uuid.UUID, providerActorID string, proposed []ProposedSlot, message string) (*Booking, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.propose_reschedule")
	defer span.End()

	if len(proposed) == 0 || len(proposed) > maxProposedSlots {
		return nil, fmt.Errorf("booking: between 1 and %d slots required: %w", maxProposedSlots, ErrValidation)
	}
	now := s.now()
	for _, slot := range proposed {
		if !slot.End.After(slot.Start) || slot.Start.Before(now) {
			return nil, fmt.Errorf("booking: proposed slot invalid: %w", ErrValidation)
		}
	}

	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(b.Status, StatusRescheduleProposed); err != nil {
		return nil, fmt.Errorf("booking: propose reschedule: %w", err)
	}
	if b.Reschedule.Count >= b.Reschedule.MaxAttempts {
		return nil, fmt.Errorf("booking: reschedule limit reached: %w", ErrValidation)
	}

	from := b.Status
	b.Status = StatusRescheduleProposed
	b.Reschedule.Count++
	b.Reschedule.Proposed = proposed
	b.Reschedule.Message = message
	b.Reschedule.ProposedAt = &now
	b.UpdatedAt = now
	if err := s.repo.Transition(ctx, b, from); err != nil {
		return nil, err
	}

	s.record(ctx, b, events.TypeRescheduleProposed, from, b.Status,
		Actor{Type: ActorProvider, ID: providerActorID}, map[string]any{
			"proposed_count": len(proposed),
			"attempt":        b.Reschedule.Count,
		})
	s.observeTransition(from, b.Status)
	s.notifyPatient(ctx, b, "reschedule_proposed", map[string]any{"message": message})
	s.broadcastStatus(b, from)
	return b, nil
}

// AcceptReschedule confirms the booking at one of the proposed slots.
func (s *Service) AcceptReschedule(ctx context.Context, id uuid.UUID, patientActorID string, slotIndex int) (*Booking, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.accept_reschedule")
	defer span.End()

	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(b.Status, StatusConfirmed); err != nil {
		return nil, fmt.Errorf("booking: accept reschedule: %w", err)
	}
	if b.Status != StatusRescheduleProposed {
		return nil, fmt.Errorf("booking: no reschedule pending: %w", ErrInvalidTransition)
	}
	if slotIndex < 0 || slotIndex >= len(b.Reschedule.Proposed) {
		return nil, fmt.Errorf("booking: slot index %d out of range: %w", slotIndex, ErrValidation)
	}

	now := s.now()
	chosen := b.Reschedule.Proposed[slotIndex]
	from := b.Status
	b.Status = StatusConfirmed
	b.ConfirmedStart = &chosen.Start
	b.ConfirmedEnd = &chosen.End
	b.Confirmation.RespondedAt = &now
	b.Confirmation.ConfirmedBy = patientActorID
	b.Reschedule.Proposed = nil
	b.UpdatedAt = now
	if err := s.repo.Transition(ctx, b, from); err != nil {
		return nil, err
	}

	// The original hold covered the old time; the confirmed booking
	// blocks the new slot from here on.
	s.releaseSlot(ctx, b.SlotReservationID)

	s.record(ctx, b, events.TypeRescheduleAccepted, from, b.Status,
		Actor{Type: ActorPatient, ID: patientActorID}, map[string]any{
			"confirmed_start": chosen.Start,
			"confirmed_end":   chosen.End,
		})
	s.observeTransition(from, b.Status)
	s.notifyProvider(ctx, b, "reschedule_accepted", nil)
	s.broadcastStatus(b, from)
	return b, nil
}

// DeclineReschedule cancels the booking with a full refund: the patient
// is not penalized for rejecting a time they never asked for.
func (s *Service) DeclineReschedule(ctx context.Context, id uuid.UUID, patientActorID, reason string) (*Booking, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.decline_reschedule")
	defer span.End()

	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusRescheduleProposed {
		return nil, fmt.Errorf("booking: no reschedule pending: %w", ErrInvalidTransition)
	}

	now := s.now()
	from := b.Status
	b.Status = StatusCancelledPatient
	b.Cancellation = &Cancellation{
		CancelledBy:            Actor{Type: ActorPatient, ID: patientActorID},
		CancelledAt:            now,
		Reason:                 reason,
		HoursBeforeAppointment: fees.HoursUntil(b.AppointmentStart(), now),
	}
	b.UpdatedAt = now
	if err := s.repo.Transition(ctx, b, from); err != nil {
		return nil, err
	}
	s.releaseSlot(ctx, b.SlotReservationID)
	s.observeTransition(from, b.Status)

	s.record(ctx, b, events.TypeRescheduleDeclined, from, b.Status,
		Actor{Type: ActorPatient, ID: patientActorID}, map[string]any{"reason": reason})
	s.refundDeposit(ctx, b, "reschedule declined")
	s.notifyProvider(ctx, b, "reschedule_declined", map[string]any{"reason": reason})
	s.broadcastStatus(b, from)
	return b, nil
}

// CheckIn marks the patient as arrived.
func (s *Service) CheckIn(ctx context.Context, id uuid.UUID, actor Actor) (*Booking, error) {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(b.Status, StatusCheckedIn); err != nil {
		return nil, fmt.Errorf("booking: check in: %w", err)
	}

	now := s.now()
	from := b.Status
	b.Status = StatusCheckedIn
	b.UpdatedAt = now
	if err := s.repo.Transition(ctx, b, from); err != nil {
		return nil, err
	}
	s.record(ctx, b, events.TypeCheckedIn, from, b.Status, Actor{Type: actor.Type, ID: actor.ID}, nil)
	s.observeTransition(from, b.Status)
	s.broadcastStatus(b, from)
	return b, nil
}

// Complete charges the final 20% plus adjustments, marks the booking
// completed, and pays the provider out. A failed final charge leaves the
// booking in its current status with payment sub-state
// final_payment_failed; the retry sweeper picks it up from there.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, actor Actor, adjustments []payments.AdjustmentItem) (*Booking, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.complete")
	defer span.End()

	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.complete(ctx, b, actor, adjustments)
}

func (s *Service) complete(ctx context.Context, b *Booking, actor Actor, adjustments []payments.AdjustmentItem) (*Booking, error) {
	if err := checkTransition(b.Status, StatusCompleted); err != nil {
		return nil, fmt.Errorf("booking: complete: %w", err)
	}

	now := s.now()
	if len(adjustments) > 0 {
		adjusted, err := s.payments.AdjustPrice(b.Payment.OriginalTotalCents, b.Payment.AdjustmentTotalCents, adjustments)
		if err != nil {
			if errors.Is(err, payments.ErrAdjustmentCap) {
				return nil, fmt.Errorf("booking: complete: %v: %w", err, ErrValidation)
			}
			return nil, fmt.Errorf("booking: complete: %w", err)
		}
		for _, item := range adjustments {
			b.Payment.Adjustments = append(b.Payment.Adjustments, Adjustment{
				Name:        item.Name,
				AmountCents: item.AmountCents,
				AddedAt:     now,
			})
		}
		b.Payment.AdjustmentTotalCents = adjusted.AdjustmentTotalCents
		b.Payment.TotalCents = adjusted.NewTotalCents
		s.record(ctx, b, events.TypePriceAdjusted, "", "", Actor{Type: actor.Type, ID: actor.ID}, map[string]any{
			"adjustment_total_cents": adjusted.AdjustmentTotalCents,
			"new_total_cents":        adjusted.NewTotalCents,
		})
	}

	final, err := s.payments.ChargeFinal(ctx, payments.FinalChargeRequest{
		AmountCents:     b.Payment.FinalDueCents(),
		CustomerID:      b.Payment.CustomerID,
		PaymentMethodID: b.Payment.PaymentMethodID,
		ServiceName:     b.Service.Name,
		BookingNumber:   b.Number,
		IdempotencyKey:  finalChargeKey(b),
	})
	if err != nil {
		return nil, fmt.Errorf("booking: complete: %w", err)
	}
	if !final.Succeeded {
		s.recordFinalFailure(ctx, b, final)
		return nil, fmt.Errorf("booking: complete: %s: %w", final.Message, ErrPaymentDeclined)
	}
	s.observeCharge("final", "succeeded")

	from := b.Status
	b.Status = StatusCompleted
	b.Payment.Status = PaymentCompleted
	b.Payment.FinalIntentID = final.IntentID
	b.Payment.FinalChargedAt = &final.ChargedAt
	b.Payment.FinalFailedAt = nil
	b.CompletedAt = &now
	b.UpdatedAt = now
	if err := s.repo.Transition(ctx, b, from); err != nil {
		// The charge landed but a racing actor changed status. Persist
		// the payment outcome before surfacing the conflict.
		if payErr := s.repo.UpdatePayment(ctx, b); payErr != nil {
			s.logger.Error("final payment bookkeeping failed", "booking_number", b.Number, "error", payErr)
		}
		return nil, err
	}

	s.record(ctx, b, events.TypePaymentCaptured, "", "", Actor{Type: ActorSystem}, map[string]any{
		"payment_type": "final",
		"amount_cents": final.AmountCents,
		"intent_id":    final.IntentID,
	})
	s.record(ctx, b, events.TypeCompleted, from, b.Status, Actor{Type: actor.Type, ID: actor.ID}, nil)
	s.observeTransition(from, b.Status)

	s.payOutProvider(ctx, b)

	s.notifyPatient(ctx, b, "booking_completed", map[string]any{
		"final_cents": final.AmountCents,
	})
	s.broadcastStatus(b, from)
	return b, nil
}

// finalChargeKey is stable per booking and attempt: two actors racing to
// charge the same balance send the same key and the gateway collapses
// them into one charge. Every recorded failure bumps FinalAttempts, so
// the next retry issues a fresh key.
func finalChargeKey(b *Booking) string {
	return fmt.Sprintf("final-%s-%d", b.ID, b.Payment.FinalAttempts)
}

func (s *Service) recordFinalFailure(ctx context.Context, b *Booking, final *payments.FinalResult) {
	now := s.now()
	b.Payment.Status = PaymentFinalFailed
	if b.Payment.FinalFailedAt == nil {
		b.Payment.FinalFailedAt = &now
	}
	b.Payment.FinalAttempts++
	b.UpdatedAt = now
	if err := s.repo.UpdatePayment(ctx, b); err != nil {
		s.logger.Error("final failure bookkeeping failed", "booking_number", b.Number, "error", err)
	}
	s.observeCharge("final", "failed")
	s.record(ctx, b, events.TypePaymentFailed, "", "", Actor{Type: ActorSystem}, map[string]any{
		"payment_type": "final",
		"decline_code": final.DeclineCode,
		"attempt":      b.Payment.FinalAttempts,
	})
	s.notifyPatient(ctx, b, "final_payment_failed", map[string]any{
		"message": final.Message,
	})
}

// payOutProvider transfers total minus platform fee. Failure never
// unwinds completion; support follows up manually.
func (s *Service) payOutProvider(ctx context.Context, b *Booking) {
	if s.accounts == nil {
		return
	}
	accountID, onboarded, err := s.accounts.PayoutAccount(ctx, b.ProviderID)
	if err != nil {
		s.logger.Error("payout account lookup failed", "provider_id", b.ProviderID, "error", err)
		s.notifySupport(ctx, b, "payout_failed", nil)
		return
	}
	transfer, err := s.payments.TransferToProvider(ctx, payments.TransferRequest{
		TotalCents:         b.Payment.TotalCents,
		PlatformFeeCents:   b.Payment.PlatformFeeCents,
		DestinationAccount: accountID,
		OnboardingComplete: onboarded,
		BookingNumber:      b.Number,
	})
	if err != nil {
		s.logger.Error("provider payout failed", "booking_number", b.Number, "error", err)
		s.notifySupport(ctx, b, "payout_failed", nil)
		return
	}
	b.Payment.PayoutID = transfer.TransferID
	b.Payment.PayoutCents = transfer.PayoutCents
	b.Payment.PayoutAt = &transfer.PaidAt
	b.UpdatedAt = s.now()
	if err := s.repo.UpdatePayment(ctx, b); err != nil {
		s.logger.Error("payout bookkeeping failed", "booking_number", b.Number, "error", err)
	}
	s.record(ctx, b, events.TypePayoutTransferred, "", "", Actor{Type: ActorSystem}, map[string]any{
		"transfer_id":  transfer.TransferID,
		"payout_cents": transfer.PayoutCents,
	})
}

// MarkNoShow records that the patient never arrived. The deposit is kept
// and the remaining balance is charged; a failed charge goes to the
// retry sweeper like any other final payment failure.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID, actor Actor) (*Booking, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.mark_no_show")
	defer span.End()

	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(b.Status, StatusNoShow); err != nil {
		return nil, fmt.Errorf("booking: no-show: %w", err)
	}

	now := s.now()
	from := b.Status
	b.Status = StatusNoShow
	b.UpdatedAt = now
	if err := s.repo.Transition(ctx, b, from); err != nil {
		return nil, err
	}
	s.record(ctx, b, events.TypeNoShow, from, b.Status, Actor{Type: actor.Type, ID: actor.ID}, map[string]any{
		"fee_percent": fees.NoShowPercent,
	})
	s.observeTransition(from, b.Status)

	final, err := s.payments.ChargeFinal(ctx, payments.FinalChargeRequest{
		AmountCents:     b.Payment.FinalDueCents(),
		CustomerID:      b.Payment.CustomerID,
		PaymentMethodID: b.Payment.PaymentMethodID,
		ServiceName:     b.Service.Name,
		BookingNumber:   b.Number,
		IdempotencyKey:  finalChargeKey(b),
	})
	if err != nil {
		return nil, fmt.Errorf("booking: no-show: %w", err)
	}
	if final.Succeeded {
		b.Payment.Status = PaymentCompleted
		b.Payment.FinalIntentID = final.IntentID
		b.Payment.FinalChargedAt = &final.ChargedAt
		b.UpdatedAt = s.now()
		if err := s.repo.UpdatePayment(ctx, b); err != nil {
			s.logger.Error("no-show bookkeeping failed", "booking_number", b.Number, "error", err)
		}
		s.observeCharge("final", "succeeded")
		s.record(ctx, b, events.TypePaymentCaptured, "", "", Actor{Type: ActorSystem}, map[string]any{
			"payment_type": "final",
			"amount_cents": final.AmountCents,
		})
	} else {
		s.recordFinalFailure(ctx, b, final)
	}

	s.notifyPatient(ctx, b, "no_show_charged", map[string]any{
		"amount_cents": final.AmountCents,
	})
	s.broadcastStatus(b, from)
	return b, nil
}

// RetryFinalPayment reattempts a failed final charge. After the retry
// window lapses the debt is handed to collections and retries stop.
func (s *Service) RetryFinalPayment(ctx context.Context, b *Booking) error {
	ctx, span := bookingTracer.Start(ctx, "booking.retry_final_payment")
	defer span.End()

	if b.Payment.Status != PaymentFinalFailed {
		return nil
	}
	now := s.now()
	if b.Payment.FinalFailedAt != nil && now.Sub(*b.Payment.FinalFailedAt) > s.finalRetryWindow {
		b.Payment.Status = PaymentSentToCollections
		b.UpdatedAt = now
		if err := s.repo.UpdatePayment(ctx, b); err != nil {
			return err
		}
		s.record(ctx, b, events.TypeSentToCollections, "", "", Actor{Type: ActorSystem}, map[string]any{
			"amount_cents": b.Payment.FinalDueCents(),
			"attempts":     b.Payment.FinalAttempts,
		})
		s.notifySupport(ctx, b, "sent_to_collections", map[string]any{
			"amount_cents": b.Payment.FinalDueCents(),
		})
		return nil
	}

	final, err := s.payments.ChargeFinal(ctx, payments.FinalChargeRequest{
		AmountCents:     b.Payment.FinalDueCents(),
		CustomerID:      b.Payment.CustomerID,
		PaymentMethodID: b.Payment.PaymentMethodID,
		ServiceName:     b.Service.Name,
		BookingNumber:   b.Number,
		IdempotencyKey:  finalChargeKey(b),
	})
	if err != nil {
		return fmt.Errorf("booking: retry final: %w", err)
	}
	if !final.Succeeded {
		s.recordFinalFailure(ctx, b, final)
		return nil
	}

	b.Payment.Status = PaymentCompleted
	b.Payment.FinalIntentID = final.IntentID
	b.Payment.FinalChargedAt = &final.ChargedAt
	b.Payment.FinalFailedAt = nil
	b.UpdatedAt = s.now()
	if err := s.repo.UpdatePayment(ctx, b); err != nil {
		return err
	}
	s.observeCharge("final", "succeeded")
	s.record(ctx, b, events.TypePaymentCaptured, "", "", Actor{Type: ActorSystem}, map[string]any{
		"payment_type": "final",
		"amount_cents": final.AmountCents,
		"retry":        true,
	})

	// Service already rendered; close the booking out if it is still open.
	if b.Status == StatusConfirmed || b.Status == StatusCheckedIn {
		from := b.Status
		b.Status = StatusCompleted
		b.CompletedAt = &final.ChargedAt
		b.UpdatedAt = s.now()
		if err := s.repo.Transition(ctx, b, from); err != nil {
			return err
		}
		s.record(ctx, b, events.TypeCompleted, from, b.Status, Actor{Type: ActorSystem}, nil)
		s.observeTransition(from, b.Status)
		s.payOutProvider(ctx, b)
		s.broadcastStatus(b, from)
	}
	s.notifyPatient(ctx, b, "final_payment_recovered", map[string]any{
		"amount_cents": final.AmountCents,
	})
	return nil
}

// QuoteCancellation prices a hypothetical cancellation under the
// provider's tiered display policy. This is the quote surface only; the
// executed refund follows the binary 48-hour rule in Cancel.
func (s *Service) QuoteCancellation(ctx context.Context, id uuid.UUID, tier fees.PolicyTier, by fees.CancelledBy) (fees.Quote, error) {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return fees.Quote{}, err
	}
	return fees.CancellationQuote(b.AppointmentStart(), b.Payment.TotalCents, tier, by, s.now())
}

func (s *Service) releaseSlot(ctx context.Context, reservationID string) {
	if reservationID == "" {
		return
	}
	if err := s.slots.Release(ctx, reservationID); err != nil {
		s.logger.Error("slot release failed", "reservation_id", reservationID, "error", err)
	}
}

func checkoutSource(source string) string {
	if source == "" {
		return "app"
	}
	return source
}

// eventSource maps the actor to the request channel: system actors are
// sweeper-driven, admin actions come through the admin surface, and
// patient or provider actions inherit the booking's checkout channel.
func eventSource(actor Actor, b *Booking) string {
	switch actor.Type {
	case ActorSystem:
		return "cron"
	case ActorAdmin:
		return "admin"
	}
	return b.Confirmation.Source
}

func (s *Service) record(ctx context.Context, b *Booking, t events.Type, from, to Status, actor Actor, data map[string]any) {
	s.recorder.Record(ctx, &events.Event{
		BookingID:      b.ID,
		BookingNumber:  b.Number,
		Type:           t,
		PreviousStatus: string(from),
		NewStatus:      string(to),
		Data:           data,
		Actor:          events.Actor{Type: string(actor.Type), ID: actor.ID},
		Context: events.Context{
			IdempotencyKey: b.Confirmation.IdempotencyKey,
			Source:         eventSource(actor, b),
		},
		Timestamp: s.now(),
	})
}

func (s *Service) notifyPatient(ctx context.Context, b *Booking, template string, data map[string]any) {
	if s.notifier != nil {
		s.notifier.NotifyPatient(ctx, b, template, data)
	}
}

func (s *Service) notifyProvider(ctx context.Context, b *Booking, template string, data map[string]any) {
	if s.notifier != nil {
		s.notifier.NotifyProvider(ctx, b, template, data)
	}
}

func (s *Service) notifySupport(ctx context.Context, b *Booking, template string, data map[string]any) {
	if s.notifier != nil {
		s.notifier.NotifySupport(ctx, b, template, data)
	}
}

func (s *Service) broadcastStatus(b *Booking, previous Status) {
	if s.broadcast != nil {
		s.broadcast.BroadcastStatus(b, previous)
	}
}

func (s *Service) observeTransition(from, to Status) {
	if s.metrics != nil {
		s.metrics.RecordTransition(string(from), string(to))
	}
}

func (s *Service) observeCharge(chargeType, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordCharge(chargeType, outcome)
	}
}
