package payments

import (
	"context"
	"fmt"
	"sync"
)

// FakeGateway is an in-memory gateway for tests and local development.
// Failures are scripted per payment method or intent so orchestrator
// paths can be exercised without touching Stripe.
type FakeGateway struct {
	mu sync.Mutex

	seq            int
	DeclineMethods map[string]string // payment method id -> decline code
	FailOps        map[string]bool   // "charge", "cancel", "refund", "transfer" -> transient failure
	Charges        []ChargeRequest
	Cancelled      []string
	Refunds        map[string]int64         // refund id -> amount
	Transfers      map[string]int64         // transfer id -> amount
	seenKeys       map[string]ChargeOutcome // idempotency key -> first outcome
}

// NewFakeGateway creates an empty fake gateway.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		DeclineMethods: map[string]string{},
		FailOps:        map[string]bool{},
		Refunds:        map[string]int64{},
		Transfers:      map[string]int64{},
		seenKeys:       map[string]ChargeOutcome{},
	}
}

func (g *FakeGateway) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_fake_%04d", prefix, g.seq)
}

// AuthorizeAndCapture records the charge, honoring scripted declines.
// A repeated idempotency key replays the original outcome without a
// second charge, matching the gateway guarantee callers rely on.
func (g *FakeGateway) AuthorizeAndCapture(ctx context.Context, req ChargeRequest) (*ChargeOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if req.IdempotencyKey != "" {
		if outcome, ok := g.seenKeys[req.IdempotencyKey]; ok {
			return &outcome, nil
		}
	}
	if g.FailOps["charge"] {
		return nil, &GatewayError{Op: "charge", Err: fmt.Errorf("fake gateway unavailable")}
	}
	if code, ok := g.DeclineMethods[req.PaymentMethodID]; ok {
		return nil, &DeclineError{Code: code, Message: "Your card was declined."}
	}
	g.Charges = append(g.Charges, req)
	outcome := ChargeOutcome{IntentID: g.nextID("pi"), Status: "succeeded"}
	if req.IdempotencyKey != "" {
		g.seenKeys[req.IdempotencyKey] = outcome
	}
	return &outcome, nil
}

// Cancel records a voided intent.
func (g *FakeGateway) Cancel(ctx context.Context, intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailOps["cancel"] {
		return &GatewayError{Op: "cancel", Err: fmt.Errorf("fake gateway unavailable")}
	}
	g.Cancelled = append(g.Cancelled, intentID)
	return nil
}

// Refund records a refund.
func (g *FakeGateway) Refund(ctx context.Context, intentID string, amountCents int64, reason string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailOps["refund"] {
		return "", &GatewayError{Op: "refund", Err: fmt.Errorf("fake gateway unavailable")}
	}
	id := g.nextID("re")
	g.Refunds[id] = amountCents
	return id, nil
}

// Transfer records a payout.
func (g *FakeGateway) Transfer(ctx context.Context, amountCents int64, destinationAccount, transferGroup string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailOps["transfer"] {
		return "", &GatewayError{Op: "transfer", Err: fmt.Errorf("fake gateway unavailable")}
	}
	id := g.nextID("tr")
	g.Transfers[id] = amountCents
	return id, nil
}
