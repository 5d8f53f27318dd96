// Package notify delivers booking lifecycle emails. Delivery is
// best-effort by contract: a notification failure is logged and never
// propagates into the booking operation that triggered it.
package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/findrhealth/booking-platform/pkg/logging"
)

// EmailSender delivers one email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SendGridSender delivers through the SendGrid v3 API.
type SendGridSender struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
}

// NewSendGridSender creates a SendGrid-backed sender.
func NewSendGridSender(apiKey, fromEmail, fromName string) *SendGridSender {
	return &SendGridSender{
		client:    sendgrid.NewSendClient(apiKey),
		fromEmail: fromEmail,
		fromName:  fromName,
	}
}

// Send delivers one email through SendGrid.
func (s *SendGridSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	from := mail.NewEmail(s.fromName, s.fromEmail)
	message := mail.NewSingleEmail(from, subject, mail.NewEmail("", to), "", htmlBody)
	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("notify: sendgrid: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("notify: sendgrid: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// SESSender delivers through Amazon SES v2.
type SESSender struct {
	client    *sesv2.Client
	fromEmail string
}

// NewSESSender creates an SES-backed sender.
func NewSESSender(client *sesv2.Client, fromEmail string) *SESSender {
	if client == nil {
		panic("notify: ses client required")
	}
	return &SESSender{client: client, fromEmail: fromEmail}
}

// Send delivers one email through SES.
func (s *SESSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination: &sestypes.Destination{
			ToAddresses: []string{to},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject)},
				Body: &sestypes.Body{
					Html: &sestypes.Content{Data: aws.String(htmlBody)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("notify: ses: %w", err)
	}
	return nil
}

// LogSender writes emails to the log instead of delivering them. Used in
// local development and as the fallback when no provider is configured.
type LogSender struct {
	logger *logging.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(logger *logging.Logger) *LogSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSender{logger: logger}
}

// Send logs the email.
func (s *LogSender) Send(_ context.Context, to, subject, _ string) error {
	s.logger.Info("email (log sender)", "to", to, "subject", subject)
	return nil
}
