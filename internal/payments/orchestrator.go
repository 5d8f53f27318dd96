package payments

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/findrhealth/booking-platform/internal/fees"
	"github.com/findrhealth/booking-platform/pkg/logging"
)

// ProviderCancellationCreditCents is the goodwill credit owed to the
// patient whenever the provider cancels, regardless of notice.
const ProviderCancellationCreditCents = 2000

// Orchestrator realizes the two-phase payment protocol against the
// gateway. It deals only in values: the booking service applies the
// returned results to the aggregate so every invariant check runs there.
type Orchestrator struct {
	gateway Gateway
	logger  *logging.Logger
	now     func() time.Time
}

// NewOrchestrator creates a payment orchestrator.
func NewOrchestrator(gateway Gateway, logger *logging.Logger) *Orchestrator {
	if gateway == nil {
		panic("payments: gateway required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{gateway: gateway, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock, for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// DepositRequest describes the checkout deposit charge.
type DepositRequest struct {
	TotalCents      int64
	CustomerID      string
	PaymentMethodID string
	ServiceName     string
	ProviderName    string
	IdempotencyKey  string
}

// DepositResult reports the deposit charge outcome. A decline is a
// structured failure (Succeeded false), not an error: checkout uses it to
// roll back atomically and surface the decline to the patient.
type DepositResult struct {
	Succeeded        bool
	IntentID         string
	DepositCents     int64
	FinalCents       int64
	PlatformFeeCents int64
	DeclineCode      string
	Message          string
	ChargedAt        time.Time
}

// ChargeDeposit captures 80% of the total against the patient's stored
// payment method. Transient gateway faults return an error so the caller
// can roll back and ask the patient to retry.
func (o *Orchestrator) ChargeDeposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.charge_deposit")
	defer span.End()
	span.SetAttributes(attribute.Int64("findr.total_cents", req.TotalCents))

	split, err := fees.SplitAmount(req.TotalCents)
	if err != nil {
		return nil, err
	}
	platformFee, err := fees.PlatformFee(req.TotalCents)
	if err != nil {
		return nil, err
	}

	outcome, err := o.gateway.AuthorizeAndCapture(ctx, ChargeRequest{
		AmountCents:         split.DepositCents,
		CustomerID:          req.CustomerID,
		PaymentMethodID:     req.PaymentMethodID,
		Description:         fmt.Sprintf("Findr Health - %s at %s - Deposit (80%%)", req.ServiceName, req.ProviderName),
		StatementDescriptor: "FINDR DEPOSIT",
		IdempotencyKey:      req.IdempotencyKey,
		Metadata: map[string]string{
			"payment_type":    "deposit",
			"deposit_percent": "80",
		},
	})
	if err != nil {
		if decline, ok := AsDecline(err); ok {
			o.logger.Warn("deposit declined", "code", decline.Code)
			return &DepositResult{
				Succeeded:        false,
				DepositCents:     split.DepositCents,
				FinalCents:       split.FinalCents,
				PlatformFeeCents: platformFee,
				DeclineCode:      decline.Code,
				Message:          declineMessage(decline),
			}, nil
		}
		return nil, err
	}

	return &DepositResult{
		Succeeded:        true,
		IntentID:         outcome.IntentID,
		DepositCents:     split.DepositCents,
		FinalCents:       split.FinalCents,
		PlatformFeeCents: platformFee,
		ChargedAt:        o.now(),
	}, nil
}

// FinalChargeRequest describes the post-service final charge. The
// idempotency key must be stable per booking and attempt: a provider
// close-out racing the auto-complete sweeper sends the same key, and the
// gateway collapses the two into one charge.
type FinalChargeRequest struct {
	AmountCents     int64 // 20% plus adjustments
	CustomerID      string
	PaymentMethodID string
	ServiceName     string
	BookingNumber   string
	IdempotencyKey  string
}

// FinalResult reports the final charge outcome. Retryable failures are
// picked up by the daily sweeper.
type FinalResult struct {
	Succeeded   bool
	IntentID    string
	AmountCents int64
	DeclineCode string
	Message     string
	Retryable   bool
	ChargedAt   time.Time
}

// ChargeFinal charges the final amount off-session. Failure never blocks
// booking completion from being reattempted; the caller records
// final_payment_failed and leaves the booking confirmed.
func (o *Orchestrator) ChargeFinal(ctx context.Context, req FinalChargeRequest) (*FinalResult, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.charge_final")
	defer span.End()
	span.SetAttributes(attribute.Int64("findr.amount_cents", req.AmountCents))

	if req.AmountCents < 0 {
		return nil, fmt.Errorf("payments: %w", fees.ErrInvalidAmount)
	}
	if req.AmountCents == 0 {
		return &FinalResult{Succeeded: true, AmountCents: 0, ChargedAt: o.now()}, nil
	}

	outcome, err := o.gateway.AuthorizeAndCapture(ctx, ChargeRequest{
		AmountCents:         req.AmountCents,
		CustomerID:          req.CustomerID,
		PaymentMethodID:     req.PaymentMethodID,
		Description:         fmt.Sprintf("Findr Health - %s - Final Payment (20%%)", req.ServiceName),
		StatementDescriptor: "FINDR FINAL",
		IdempotencyKey:      req.IdempotencyKey,
		OffSession:          true,
		Metadata: map[string]string{
			"payment_type":   "final",
			"booking_number": req.BookingNumber,
		},
	})
	if err != nil {
		if decline, ok := AsDecline(err); ok {
			return &FinalResult{
				Succeeded:   false,
				AmountCents: req.AmountCents,
				DeclineCode: decline.Code,
				Message:     declineMessage(decline),
				Retryable:   decline.Retryable(),
			}, nil
		}
		// Transient gateway fault: retryable by the sweeper.
		return &FinalResult{
			Succeeded:   false,
			AmountCents: req.AmountCents,
			Message:     err.Error(),
			Retryable:   true,
		}, nil
	}

	return &FinalResult{
		Succeeded:   true,
		IntentID:    outcome.IntentID,
		AmountCents: req.AmountCents,
		ChargedAt:   o.now(),
	}, nil
}

// CancelHold voids an expired booking's deposit intent: a cancel, not a
// refund, when the gateway distinguishes the two.
func (o *Orchestrator) CancelHold(ctx context.Context, intentID string) error {
	if intentID == "" {
		return nil
	}
	return o.gateway.Cancel(ctx, intentID)
}

// CancellationInput carries what the binary refund decision needs.
type CancellationInput struct {
	AppointmentAt   time.Time
	DepositCents    int64
	DepositIntentID string
	CancelledBy     fees.CancelledBy
	Reason          string
}

// CancellationResult reports the cancellation pricing and, when the
// gateway call succeeded, the executed refund. On gateway failure
// Succeeded is false and the computed amounts are reported unexecuted so
// the caller can retry or escalate; the booking must not be marked
// refunded in that case.
type CancellationResult struct {
	Succeeded              bool
	RefundEligible         bool
	RefundedCents          int64
	KeptCents              int64
	RefundID               string
	HoursBeforeAppointment float64
	CreditCents            int64 // patient credit obligation (provider cancellations)
	RefundedAt             time.Time
}

// ProcessCancellation applies the binary 48-hour rule: provider
// cancellations always refund the full deposit (plus a $20 patient
// credit obligation); patient cancellations refund in full at >=48h
// notice and nothing under it.
func (o *Orchestrator) ProcessCancellation(ctx context.Context, in CancellationInput) (*CancellationResult, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.process_cancellation")
	defer span.End()

	now := o.now()
	hoursUntil := fees.HoursUntil(in.AppointmentAt, now)
	eligible := in.CancelledBy == fees.CancelledByProvider || fees.BinaryRefundEligible(in.AppointmentAt, now)

	result := &CancellationResult{
		RefundEligible:         eligible,
		HoursBeforeAppointment: hoursUntil,
		KeptCents:              in.DepositCents,
	}
	if in.CancelledBy == fees.CancelledByProvider {
		result.CreditCents = ProviderCancellationCreditCents
	}

	if !eligible {
		o.logger.Info("late cancellation, deposit kept",
			"hours_before", fmt.Sprintf("%.1f", hoursUntil))
		result.Succeeded = true
		return result, nil
	}

	refundID, err := o.gateway.Refund(ctx, in.DepositIntentID, in.DepositCents, in.Reason)
	if err != nil {
		o.logger.Error("cancellation refund failed",
			"intent_id", in.DepositIntentID, "error", err)
		result.Succeeded = false
		result.RefundedCents = 0
		return result, nil
	}

	result.Succeeded = true
	result.RefundID = refundID
	result.RefundedCents = in.DepositCents
	result.KeptCents = 0
	result.RefundedAt = now
	return result, nil
}

// RefundDeposit refunds the full deposit outside the cancellation flow
// (declined bookings).
func (o *Orchestrator) RefundDeposit(ctx context.Context, intentID string, amountCents int64, reason string) (string, error) {
	return o.gateway.Refund(ctx, intentID, amountCents, reason)
}

// AdjustmentItem is one provider-added charge.
type AdjustmentItem struct {
	Name        string
	AmountCents int64
}

// AdjustResult is the computed post-adjustment amounts.
type AdjustResult struct {
	AdjustmentTotalCents int64
	NewTotalCents        int64
	NewFinalDueCents     int64
}

// AdjustPrice validates that cumulative adjustments stay within 15% of
// the original total and computes the new amounts. Rejection leaves the
// caller's state untouched.
func (o *Orchestrator) AdjustPrice(originalTotalCents, currentAdjustmentCents int64, items []AdjustmentItem) (*AdjustResult, error) {
	if originalTotalCents <= 0 {
		return nil, fmt.Errorf("payments: adjust: %w", fees.ErrInvalidAmount)
	}
	var added int64
	for _, item := range items {
		if item.AmountCents < 0 {
			return nil, fmt.Errorf("payments: adjust %q: %w", item.Name, fees.ErrInvalidAmount)
		}
		added += item.AmountCents
	}
	newAdjustmentTotal := currentAdjustmentCents + added
	// Cap: 15% of the original total, in cents, half-up.
	capCents := (originalTotalCents*15 + 50) / 100
	if newAdjustmentTotal > capCents {
		return nil, fmt.Errorf("payments: adjustments %d exceed 15%% cap %d: %w",
			newAdjustmentTotal, capCents, ErrAdjustmentCap)
	}
	split, err := fees.SplitAmount(originalTotalCents)
	if err != nil {
		return nil, err
	}
	return &AdjustResult{
		AdjustmentTotalCents: newAdjustmentTotal,
		NewTotalCents:        originalTotalCents + newAdjustmentTotal,
		NewFinalDueCents:     split.FinalCents + newAdjustmentTotal,
	}, nil
}

// TransferRequest describes a provider payout.
type TransferRequest struct {
	TotalCents         int64
	PlatformFeeCents   int64
	DestinationAccount string
	OnboardingComplete bool
	BookingNumber      string
}

// TransferResult reports an executed payout.
type TransferResult struct {
	TransferID  string
	PayoutCents int64
	PaidAt      time.Time
}

// TransferToProvider pays out total minus the platform fee. It fails
// closed when the provider's payout account has not completed onboarding.
func (o *Orchestrator) TransferToProvider(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.transfer_to_provider")
	defer span.End()

	if req.DestinationAccount == "" || !req.OnboardingComplete {
		return nil, ErrPayoutNotOnboarded
	}
	payout := req.TotalCents - req.PlatformFeeCents
	if payout <= 0 {
		return nil, fmt.Errorf("payments: payout %d: %w", payout, fees.ErrInvalidAmount)
	}

	transferID, err := o.gateway.Transfer(ctx, payout, req.DestinationAccount, req.BookingNumber)
	if err != nil {
		return nil, err
	}
	o.logger.Info("provider payout transferred",
		"booking_number", req.BookingNumber,
		"payout_cents", payout,
		"platform_fee_cents", req.PlatformFeeCents,
	)
	return &TransferResult{TransferID: transferID, PayoutCents: payout, PaidAt: o.now()}, nil
}

func declineMessage(d *DeclineError) string {
	switch d.Code {
	case DeclineCodeCardDeclined:
		return "Your card was declined. Please try a different payment method."
	case DeclineCodeExpiredCard:
		return "Your card has expired. Please update your payment method."
	case DeclineCodeInsufficientFunds:
		return "Your card has insufficient funds. Please try a different payment method."
	}
	if d.Message != "" {
		return d.Message
	}
	return "Your payment could not be processed."
}
