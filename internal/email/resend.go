package email

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"

	"github.com/shutterdesk/autoresponder/internal/delivery"
)

// ResendSender delivers through the Resend HTTP API
type ResendSender struct {
	client   *resend.Client
	from     string
	fromName string
}

func NewResendSender(apiKey, from, fromName string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey), from: from, fromName: fromName}
}

func (s *ResendSender) Name() string { return "resend" }

func (s *ResendSender) Send(ctx context.Context, msg delivery.Message) delivery.Result {
	msg, err := prepare(msg, s.from)
	if err != nil {
		return delivery.PermanentFailure(err)
	}

	req := &resend.SendEmailRequest{
		From:    displayFrom(s.fromName, msg.From),
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Body,
		Headers: map[string]string{"Auto-Submitted": "auto-replied"},
	}
	if msg.InReplyTo != "" {
		req.Headers["In-Reply-To"] = msg.InReplyTo
		req.Headers["References"] = msg.InReplyTo
	}

	sent, err := s.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return delivery.Failure(fmt.Errorf("resend: %w", err))
	}
	return delivery.Result{Success: true, MessageID: sent.Id}
}
