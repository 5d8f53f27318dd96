package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/findrhealth/booking-platform/pkg/logging"
)

var paymentsTracer = otel.Tracer("findr.internal.payments")

// StripeGateway talks to the Stripe REST API. Only the four capabilities
// the core needs are implemented; webhooks and checkout surfaces live
// outside this module.
type StripeGateway struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewStripeGateway creates a Stripe-backed gateway.
func NewStripeGateway(apiKey, baseURL string, logger *logging.Logger) *StripeGateway {
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeGateway{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

type stripeErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// AuthorizeAndCapture creates and confirms a PaymentIntent.
func (g *StripeGateway) AuthorizeAndCapture(ctx context.Context, req ChargeRequest) (*ChargeOutcome, error) {
	ctx, span := paymentsTracer.Start(ctx, "stripe.authorize_and_capture")
	defer span.End()
	span.SetAttributes(attribute.Int64("findr.amount_cents", req.AmountCents))

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", "usd")
	form.Set("customer", req.CustomerID)
	form.Set("payment_method", req.PaymentMethodID)
	form.Set("confirm", "true")
	if req.OffSession {
		form.Set("off_session", "true")
	}
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	if req.StatementDescriptor != "" {
		form.Set("statement_descriptor_suffix", req.StatementDescriptor)
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	var parsed struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := g.post(ctx, "/v1/payment_intents", form, req.IdempotencyKey, &parsed); err != nil {
		return nil, err
	}
	return &ChargeOutcome{IntentID: parsed.ID, Status: parsed.Status}, nil
}

// Cancel voids an uncaptured payment intent.
func (g *StripeGateway) Cancel(ctx context.Context, intentID string) error {
	ctx, span := paymentsTracer.Start(ctx, "stripe.cancel_intent")
	defer span.End()
	span.SetAttributes(attribute.String("stripe.intent_id", intentID))

	return g.post(ctx, "/v1/payment_intents/"+intentID+"/cancel", url.Values{}, "", nil)
}

// Refund returns money against a captured intent.
func (g *StripeGateway) Refund(ctx context.Context, intentID string, amountCents int64, reason string) (string, error) {
	ctx, span := paymentsTracer.Start(ctx, "stripe.refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("stripe.intent_id", intentID),
		attribute.Int64("findr.amount_cents", amountCents),
	)

	form := url.Values{}
	form.Set("payment_intent", intentID)
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	if reason != "" {
		form.Set("metadata[reason]", reason)
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := g.post(ctx, "/v1/refunds", form, "", &parsed); err != nil {
		return "", err
	}
	return parsed.ID, nil
}

// Transfer moves funds to a connected account.
func (g *StripeGateway) Transfer(ctx context.Context, amountCents int64, destinationAccount, transferGroup string) (string, error) {
	ctx, span := paymentsTracer.Start(ctx, "stripe.transfer")
	defer span.End()
	span.SetAttributes(attribute.Int64("findr.amount_cents", amountCents))

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	form.Set("currency", "usd")
	form.Set("destination", destinationAccount)
	if transferGroup != "" {
		form.Set("transfer_group", transferGroup)
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := g.post(ctx, "/v1/transfers", form, "", &parsed); err != nil {
		return "", err
	}
	return parsed.ID, nil
}

func (g *StripeGateway) post(ctx context.Context, path string, form url.Values, idempotencyKey string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return &GatewayError{Op: path, Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return &GatewayError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &GatewayError{Op: path, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var stripeErr stripeErrorBody
		if json.Unmarshal(body, &stripeErr) == nil && stripeErr.Error.Type == "card_error" {
			code := stripeErr.Error.Code
			if code == "" {
				code = DeclineCodeCardDeclined
			}
			return &DeclineError{Code: code, Message: stripeErr.Error.Message}
		}
		g.logger.Error("stripe api error",
			"path", path,
			"status", resp.StatusCode,
			"body", string(body),
		)
		return &GatewayError{Op: path, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return &GatewayError{Op: path, Err: err}
		}
	}
	return nil
}
