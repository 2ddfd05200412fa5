// Package notify reports finished runs to the console and, optionally, by email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/gomail.v2"

	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/aluiziolira/go-scrape-prices/models"
)

const emailSubject = "Scraping Notification"

// ErrNotConfigured is returned when email delivery lacks credentials or a recipient.
var ErrNotConfigured = errors.New("notify: email not configured")

// Notifier delivers a completion message.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Message renders the completion message for a run.
func Message(updated, pages int) string {
	return fmt.Sprintf("Scraping Completed: %d products scraped across %d pages and updated the DB", updated, pages)
}

// Run notifies every notifier about result when at least one product was
// updated. Delivery failures are logged and never returned.
func Run(ctx context.Context, result *models.RunResult, notifiers ...Notifier) {
	if result == nil || result.UpdatedCount == 0 {
		return
	}
	message := Message(result.UpdatedCount, result.Pages)
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, message); err != nil {
			slog.Error("notification failed",
				slog.String("run_id", result.RunID),
				slog.String("notifier", fmt.Sprintf("%T", n)),
				slog.Any("error", err),
			)
		}
	}
}

// Console logs the message.
type Console struct {
	Logger *slog.Logger
}

func (c Console) Notify(_ context.Context, message string) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info(message)
	return nil
}

// Email sends the message through an SMTP server with STARTTLS.
type Email struct {
	from   string
	to     string
	sender func(*gomail.Message) error
}

// NewEmail builds an email notifier from the SMTP settings of cfg.
func NewEmail(cfg *config.Config) (*Email, error) {
	if cfg.SMTPUser == "" || cfg.SMTPPassword == "" || cfg.NotifyEmail == "" {
		return nil, ErrNotConfigured
	}
	dialer := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword)
	return &Email{
		from:   cfg.SMTPUser,
		to:     cfg.NotifyEmail,
		sender: func(m *gomail.Message) error { return dialer.DialAndSend(m) },
	}, nil
}

// WithSender replaces SMTP delivery, for example with a gomail.SendFunc.
func (e *Email) WithSender(s gomail.Sender) *Email {
	e.sender = func(m *gomail.Message) error { return gomail.Send(s, m) }
	return e
}

func (e *Email) Notify(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", e.to)
	m.SetHeader("Subject", emailSubject)
	m.SetBody("text/plain", message)

	if err := e.sender(m); err != nil {
		return fmt.Errorf("send email to %s: %w", e.to, err)
	}
	slog.Info("email sent", slog.String("to", e.to))
	return nil
}
