package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/shutterdesk/autoresponder/internal/config"
	"github.com/shutterdesk/autoresponder/internal/delivery"
)

type SMTPSender struct {
	config   config.SMTPConfig
	from     string
	fromName string
}

func NewSMTPSender(cfg config.SMTPConfig, from, fromName string) *SMTPSender {
	return &SMTPSender{config: cfg, from: from, fromName: fromName}
}

func (s *SMTPSender) Name() string { return "smtp" }

func (s *SMTPSender) Send(ctx context.Context, msg delivery.Message) delivery.Result {
	msg, err := prepare(msg, s.from)
	if err != nil {
		return delivery.PermanentFailure(err)
	}
	if s.config.Username != "" && !s.config.UseTLS {
		return delivery.PermanentFailure(fmt.Errorf("SMTP auth requires TLS"))
	}

	raw, messageID, err := compose(msg, s.fromName, time.Now())
	if err != nil {
		return delivery.PermanentFailure(err)
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	if err := s.deliver(ctx, addr, msg.From, msg.To, raw); err != nil {
		if ctx.Err() != nil {
			return delivery.Failure(ctx.Err())
		}
		return delivery.Failure(sanitizeSMTPError(err))
	}
	return delivery.Result{Success: true, MessageID: messageID}
}

// compose renders a text/plain RFC 5322 message and returns it with its
// generated Message-ID
func compose(msg delivery.Message, fromName string, now time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Name: fromName, Address: msg.From}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.To}})
	h.SetSubject(msg.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if msg.InReplyTo != "" {
		h.Set("In-Reply-To", msg.InReplyTo)
		h.Set("References", msg.InReplyTo)
	}
	// Keeps other autoresponders from answering us back
	h.Set("Auto-Submitted", "auto-replied")
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("message id: %w", err)
	}
	id, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("compose message: %w", err)
	}
	if _, err := w.Write([]byte(msg.Body)); err != nil {
		return nil, "", fmt.Errorf("compose message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("compose message: %w", err)
	}
	return buf.Bytes(), id, nil
}

func (s *SMTPSender) deliver(ctx context.Context, addr, from, to string, raw []byte) error {
	var (
		conn net.Conn
		err  error
	)
	dialer := &net.Dialer{}
	if s.config.UseTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{
			ServerName: s.config.Host,
			MinVersion: tls.VersionTLS12,
		}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock a stuck exchange when the context is cancelled
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("SMTP client creation failed: %w", err)
	}
	defer client.Close()

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("sender rejected: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("recipient rejected: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data command failed: %w", err)
	}
	if _, err = w.Write(raw); err != nil {
		return fmt.Errorf("message write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message finalization failed: %w", err)
	}
	return client.Quit()
}

func sanitizeSMTPError(err error) error {
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "auth") {
		return fmt.Errorf("SMTP authentication failed")
	}
	if strings.Contains(s, "certificate") {
		return fmt.Errorf("TLS certificate error")
	}
	if strings.Contains(s, "connection failed") {
		return fmt.Errorf("SMTP server unreachable")
	}
	return fmt.Errorf("SMTP error: check your configuration")
}
