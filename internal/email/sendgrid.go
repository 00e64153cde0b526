package email

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/shutterdesk/autoresponder/internal/delivery"
)

// SendGridSender delivers through the SendGrid v3 API
type SendGridSender struct {
	client   *sendgrid.Client
	from     string
	fromName string
}

func NewSendGridSender(apiKey, from, fromName string) *SendGridSender {
	return &SendGridSender{client: sendgrid.NewSendClient(apiKey), from: from, fromName: fromName}
}

func (s *SendGridSender) Name() string { return "sendgrid" }

func (s *SendGridSender) Send(ctx context.Context, msg delivery.Message) delivery.Result {
	msg, err := prepare(msg, s.from)
	if err != nil {
		return delivery.PermanentFailure(err)
	}

	m := sgmail.NewSingleEmail(
		sgmail.NewEmail(s.fromName, msg.From),
		msg.Subject,
		sgmail.NewEmail("", msg.To),
		msg.Body,
		"",
	)
	m.SetHeader("Auto-Submitted", "auto-replied")
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", msg.InReplyTo)
		m.SetHeader("References", msg.InReplyTo)
	}

	resp, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		return delivery.Failure(fmt.Errorf("sendgrid: %w", err))
	}
	return sendGridResult(resp.StatusCode, resp.Body, resp.Headers)
}

func sendGridResult(status int, body string, headers map[string][]string) delivery.Result {
	switch {
	case status >= 200 && status < 300:
		id := ""
		if v := headers["X-Message-Id"]; len(v) > 0 {
			id = v[0]
		}
		return delivery.Result{Success: true, MessageID: id}
	case status == 429 || status >= 500:
		return delivery.Failure(fmt.Errorf("sendgrid: status %d", status))
	default:
		// 4xx other than throttling will fail the same way next time
		return delivery.PermanentFailure(fmt.Errorf("sendgrid: status %d: %s", status, truncate(body, 200)))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
