// Package email delivers replies to the email channel.
package email

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/shutterdesk/autoresponder/internal/config"
	"github.com/shutterdesk/autoresponder/internal/delivery"
)

// NewSender picks the transport named by cfg.Provider
func NewSender(cfg config.EmailConfig) (delivery.Sender, error) {
	switch cfg.Provider {
	case "", "smtp":
		return NewSMTPSender(cfg.SMTP, cfg.From, cfg.FromName), nil
	case "resend":
		return NewResendSender(cfg.Resend.APIKey, cfg.From, cfg.FromName), nil
	case "sendgrid":
		return NewSendGridSender(cfg.SendGrid.APIKey, cfg.From, cfg.FromName), nil
	case "dryrun":
		return delivery.NewDryRun(), nil
	}
	return nil, fmt.Errorf("unknown email provider: %s", cfg.Provider)
}

// ValidateEmail checks for injection characters and RFC 5322 compliance
func ValidateEmail(email string) error {
	if strings.ContainsAny(email, "\r\n,;") {
		return fmt.Errorf("email contains invalid characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	return nil
}

// prepare fills the default sender and rejects messages no transport
// could deliver
func prepare(msg delivery.Message, from string) (delivery.Message, error) {
	if msg.From == "" {
		msg.From = from
	}
	if err := ValidateEmail(msg.From); err != nil {
		return msg, fmt.Errorf("invalid sender: %w", err)
	}
	if err := ValidateEmail(msg.To); err != nil {
		return msg, fmt.Errorf("invalid recipient: %w", err)
	}
	// Reject headers with CRLF to prevent injection
	if strings.ContainsAny(msg.Subject, "\r\n") || strings.ContainsAny(msg.InReplyTo, "\r\n") {
		return msg, fmt.Errorf("header contains invalid characters")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return msg, delivery.ErrEmptyBody
	}
	return msg, nil
}

func displayFrom(name, addr string) string {
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}
