package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/findrhealth/booking-platform/internal/fees"
	"github.com/findrhealth/booking-platform/pkg/logging"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestChargeDepositSplitsAmounts(t *testing.T) {
	gw := NewFakeGateway()
	o := NewOrchestrator(gw, logging.Default())

	res, err := o.ChargeDeposit(context.Background(), DepositRequest{
		TotalCents:      10000,
		CustomerID:      "cus_1",
		PaymentMethodID: "pm_1",
		ServiceName:     "Botox",
		ProviderName:    "Glow Medspa",
		IdempotencyKey:  "idem-1",
	})
	require.NoError(t, err)
	require.True(t, res.Succeeded)
	assert.Equal(t, int64(8000), res.DepositCents)
	assert.Equal(t, int64(2000), res.FinalCents)
	assert.Equal(t, int64(1150), res.PlatformFeeCents)
	assert.NotEmpty(t, res.IntentID)

	require.Len(t, gw.Charges, 1)
	assert.Equal(t, int64(8000), gw.Charges[0].AmountCents)
	assert.Equal(t, "idem-1", gw.Charges[0].IdempotencyKey)
	assert.Equal(t, "deposit", gw.Charges[0].Metadata["payment_type"])
}

func TestChargeDepositDeclineIsStructuredNotError(t *testing.T) {
	gw := NewFakeGateway()
	gw.DeclineMethods["pm_bad"] = DeclineCodeInsufficientFunds
	o := NewOrchestrator(gw, logging.Default())

	res, err := o.ChargeDeposit(context.Background(), DepositRequest{
		TotalCents:      5000,
		CustomerID:      "cus_1",
		PaymentMethodID: "pm_bad",
	})
	require.NoError(t, err)
	require.False(t, res.Succeeded)
	assert.Equal(t, DeclineCodeInsufficientFunds, res.DeclineCode)
	assert.Contains(t, res.Message, "insufficient funds")
	assert.Equal(t, int64(4000), res.DepositCents)
	assert.Empty(t, gw.Charges)
}

func TestChargeDepositGatewayFaultIsError(t *testing.T) {
	gw := NewFakeGateway()
	gw.FailOps["charge"] = true
	o := NewOrchestrator(gw, logging.Default())

	_, err := o.ChargeDeposit(context.Background(), DepositRequest{
		TotalCents:      5000,
		CustomerID:      "cus_1",
		PaymentMethodID: "pm_1",
	})
	require.Error(t, err)
	assert.True(t, IsGatewayError(err))
}

func TestChargeFinalOffSession(t *testing.T) {
	gw := NewFakeGateway()
	o := NewOrchestrator(gw, logging.Default())

	res, err := o.ChargeFinal(context.Background(), FinalChargeRequest{
		AmountCents:     2500,
		CustomerID:      "cus_1",
		PaymentMethodID: "pm_1",
		ServiceName:     "Botox",
		BookingNumber:   "FH-2026-0042",
	})
	require.NoError(t, err)
	require.True(t, res.Succeeded)
	require.Len(t, gw.Charges, 1)
	assert.True(t, gw.Charges[0].OffSession)
	assert.Equal(t, "final", gw.Charges[0].Metadata["payment_type"])
}

func TestChargeFinalZeroAmountSucceedsWithoutGateway(t *testing.T) {
	gw := NewFakeGateway()
	o := NewOrchestrator(gw, logging.Default())

	res, err := o.ChargeFinal(context.Background(), FinalChargeRequest{AmountCents: 0})
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Empty(t, gw.Charges)
}

func TestChargeFinalDeclineIsRetryable(t *testing.T) {
	gw := NewFakeGateway()
	gw.DeclineMethods["pm_1"] = DeclineCodeCardDeclined
	o := NewOrchestrator(gw, logging.Default())

	res, err := o.ChargeFinal(context.Background(), FinalChargeRequest{
		AmountCents:     2000,
		PaymentMethodID: "pm_1",
	})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.True(t, res.Retryable)
	assert.Equal(t, DeclineCodeCardDeclined, res.DeclineCode)
}

func TestChargeFinalGatewayFaultIsRetryableResult(t *testing.T) {
	gw := NewFakeGateway()
	gw.FailOps["charge"] = true
	o := NewOrchestrator(gw, logging.Default())

	res, err := o.ChargeFinal(context.Background(), FinalChargeRequest{AmountCents: 2000})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.True(t, res.Retryable)
}

func TestProcessCancellationPatientEarly(t *testing.T) {
	appt := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	now := appt.Add(-72 * time.Hour)
	gw := NewFakeGateway()
	o := NewOrchestrator(gw, logging.Default()).WithClock(fixedClock(now))

	res, err := o.ProcessCancellation(context.Background(), CancellationInput{
		AppointmentAt:   appt,
		DepositCents:    8000,
		DepositIntentID: "pi_1",
		CancelledBy:     fees.CancelledByPatient,
		Reason:          "schedule conflict",
	})
	require.NoError(t, err)
	require.True(t, res.Succeeded)
	assert.True(t, res.RefundEligible)
	assert.Equal(t, int64(8000), res.RefundedCents)
	assert.Equal(t, int64(0), res.KeptCents)
	assert.Equal(t, int64(0), res.CreditCents)
	assert.InDelta(t, 72.0, res.HoursBeforeAppointment, 0.01)
	assert.Equal(t, int64(8000), gw.Refunds[res.RefundID])
}

func TestProcessCancellationPatientLateKeepsDeposit(t *testing.T) {
	appt := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	now := appt.Add(-12 * time.Hour)
	gw := NewFakeGateway()
	o := NewOrchestrator(gw, logging.Default()).WithClock(fixedClock(now))

	res, err := o.ProcessCancellation(context.Background(), CancellationInput{
		AppointmentAt:   appt,
		DepositCents:    8000,
		DepositIntentID: "pi_1",
		CancelledBy:     fees.CancelledByPatient,
	})
	require.NoError(t, err)
	require.True(t, res.Succeeded)
	assert.False(t, res.RefundEligible)
	assert.Equal(t, int64(0), res.RefundedCents)
	assert.Equal(t, int64(8000), res.KeptCents)
	assert.Empty(t, gw.Refunds)
}

func TestProcessCancellationExactly48HoursRefunds(t *testing.T) {
	appt := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	now := appt.Add(-48 * time.Hour)
	gw := NewFakeGateway()
	o := NewOrchestrator(gw, logging.Default()).WithClock(fixedClock(now))

	res, err := o.ProcessCancellation(context.Background(), CancellationInput{
		AppointmentAt:   appt,
		DepositCents:    4000,
		DepositIntentID: "pi_1",
		CancelledBy:     fees.CancelledByPatient,
	})
	require.NoError(t, err)
	assert.True(t, res.RefundEligible)
	assert.Equal(t, int64(4000), res.RefundedCents)
}

func TestProcessCancellationProviderAlwaysRefundsWithCredit(t *testing.T) {
	appt := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	now := appt.Add(-1 * time.Hour)
	gw := NewFakeGateway()
	o := NewOrchestrator(gw, logging.Default()).WithClock(fixedClock(now))

	res, err := o.ProcessCancellation(context.Background(), CancellationInput{
		AppointmentAt:   appt,
		DepositCents:    8000,
		DepositIntentID: "pi_1",
		CancelledBy:     fees.CancelledByProvider,
		Reason:          "provider unavailable",
	})
	require.NoError(t, err)
	require.True(t, res.Succeeded)
	assert.True(t, res.RefundEligible)
	assert.Equal(t, int64(8000), res.RefundedCents)
	assert.Equal(t, int64(ProviderCancellationCreditCents), res.CreditCents)
}

func TestProcessCancellationRefundFailureReportsUnexecuted(t *testing.T) {
	appt := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	now := appt.Add(-72 * time.Hour)
	gw := NewFakeGateway()
	gw.FailOps["refund"] = true
	o := NewOrchestrator(gw, logging.Default()).WithClock(fixedClock(now))

	res, err := o.ProcessCancellation(context.Background(), CancellationInput{
		AppointmentAt:   appt,
		DepositCents:    8000,
		DepositIntentID: "pi_1",
		CancelledBy:     fees.CancelledByPatient,
	})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.True(t, res.RefundEligible)
	assert.Equal(t, int64(0), res.RefundedCents)
	assert.Empty(t, res.RefundID)
}

func TestAdjustPriceWithinCap(t *testing.T) {
	o := NewOrchestrator(NewFakeGateway(), logging.Default())

	res, err := o.AdjustPrice(10000, 0, []AdjustmentItem{
		{Name: "extra units", AmountCents: 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.AdjustmentTotalCents)
	assert.Equal(t, int64(11000), res.NewTotalCents)
	assert.Equal(t, int64(3000), res.NewFinalDueCents)
}

func TestAdjustPriceCumulativeCapAgainstOriginal(t *testing.T) {
	o := NewOrchestrator(NewFakeGateway(), logging.Default())

	// 1000 already applied; another 600 pushes past 15% of 10000.
	_, err := o.AdjustPrice(10000, 1000, []AdjustmentItem{
		{Name: "addon", AmountCents: 600},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAdjustmentCap))

	// Exactly at the cap is allowed.
	res, err := o.AdjustPrice(10000, 1000, []AdjustmentItem{
		{Name: "addon", AmountCents: 500},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1500), res.AdjustmentTotalCents)
}

func TestAdjustPriceRejectsNegativeItems(t *testing.T) {
	o := NewOrchestrator(NewFakeGateway(), logging.Default())
	_, err := o.AdjustPrice(10000, 0, []AdjustmentItem{{Name: "oops", AmountCents: -100}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fees.ErrInvalidAmount))
}

func TestTransferToProviderDeductsPlatformFee(t *testing.T) {
	gw := NewFakeGateway()
	o := NewOrchestrator(gw, logging.Default())

	res, err := o.TransferToProvider(context.Background(), TransferRequest{
		TotalCents:         10000,
		PlatformFeeCents:   1150,
		DestinationAccount: "acct_1",
		OnboardingComplete: true,
		BookingNumber:      "FH-2026-0042",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8850), res.PayoutCents)
	assert.Equal(t, int64(8850), gw.Transfers[res.TransferID])
}

func TestTransferToProviderFailsClosedWithoutOnboarding(t *testing.T) {
	o := NewOrchestrator(NewFakeGateway(), logging.Default())

	_, err := o.TransferToProvider(context.Background(), TransferRequest{
		TotalCents:         10000,
		PlatformFeeCents:   1150,
		DestinationAccount: "acct_1",
		OnboardingComplete: false,
	})
	assert.True(t, errors.Is(err, ErrPayoutNotOnboarded))

	_, err = o.TransferToProvider(context.Background(), TransferRequest{
		TotalCents:         10000,
		PlatformFeeCents:   1150,
		OnboardingComplete: true,
	})
	assert.True(t, errors.Is(err, ErrPayoutNotOnboarded))
}

func TestCancelHoldNoIntentIsNoop(t *testing.T) {
	gw := NewFakeGateway()
	o := NewOrchestrator(gw, logging.Default())
	require.NoError(t, o.CancelHold(context.Background(), ""))
	assert.Empty(t, gw.Cancelled)

	require.NoError(t, o.CancelHold(context.Background(), "pi_9"))
	assert.Equal(t, []string{"pi_9"}, gw.Cancelled)
}

func TestChargeFinalRepeatedKeyChargesOnce(t *testing.T) {
	gw := NewFakeGateway()
	o := NewOrchestrator(gw, logging.Default())

	req := FinalChargeRequest{
		AmountCents:     2000,
		CustomerID:      "cus_1",
		PaymentMethodID: "pm_1",
		ServiceName:     "Botox",
		BookingNumber:   "FH-2026-0001",
		IdempotencyKey:  "final-b1-0",
	}
	first, err := o.ChargeFinal(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Succeeded)

	// A retry of the same attempt replays the original intent.
	second, err := o.ChargeFinal(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Succeeded)
	assert.Equal(t, first.IntentID, second.IntentID)

	require.Len(t, gw.Charges, 1)
	assert.Equal(t, "final-b1-0", gw.Charges[0].IdempotencyKey)
}
