// Package mail implements the email notification channel over SMTP.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	gomail "github.com/wneessen/go-mail"

	"github.com/winpackhq/winpack/config"
	"github.com/winpackhq/winpack/internal/domain/model"
)

// MailerOptions groups dependencies for Mailer.
type MailerOptions struct {
	Config config.MailConfig // Required: SMTP configuration
	Logger *slog.Logger      // Optional: structured logger
}

// Mailer sends update digest emails through the configured SMTP relay.
type Mailer struct {
	client *gomail.Client
	config config.MailConfig
	logger *slog.Logger
}

// NewMailer constructs a new Mailer. Returns an error when SMTP is not
// configured; callers treat a missing mailer as a disabled email channel.
func NewMailer(opts MailerOptions) (*Mailer, error) {
	if !opts.Config.Enabled() {
		return nil, errors.New("SMTP host is not configured")
	}

	clientOpts := []gomail.Option{
		gomail.WithPort(opts.Config.Port),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
	}
	if opts.Config.Username != "" {
		clientOpts = append(clientOpts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(opts.Config.Username),
			gomail.WithPassword(opts.Config.Password),
		)
	}

	client, err := gomail.NewClient(opts.Config.Host, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "mailer")
	}

	return &Mailer{client: client, config: opts.Config, logger: logger}, nil
}

// SendUpdateDigest delivers one digest covering every update in the payload.
func (m *Mailer) SendUpdateDigest(ctx context.Context, pref *model.NotificationPreference, payload *model.WebhookPayload) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.config.From); err != nil {
		return fmt.Errorf("set from address: %w", err)
	}
	if err := msg.To(pref.Email); err != nil {
		return fmt.Errorf("set recipient: %w", err)
	}

	msg.Subject(digestSubject(payload))
	msg.SetBodyString(gomail.TypeTextPlain, digestBody(payload))

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}

	if m.logger != nil {
		m.logger.InfoContext(ctx, "update digest sent",
			"user_id", pref.UserID,
			"tenant_id", payload.TenantID,
			"updates", payload.Summary.Total)
	}
	return nil
}

func digestSubject(payload *model.WebhookPayload) string {
	tenant := payload.TenantName
	if tenant == "" {
		tenant = payload.TenantID
	}
	if payload.Summary.Critical > 0 {
		return fmt.Sprintf("%d app updates available for %s (%d critical)",
			payload.Summary.Total, tenant, payload.Summary.Critical)
	}
	return fmt.Sprintf("%d app updates available for %s", payload.Summary.Total, tenant)
}

func digestBody(payload *model.WebhookPayload) string {
	var b strings.Builder

	tenant := payload.TenantName
	if tenant == "" {
		tenant = payload.TenantID
	}
	fmt.Fprintf(&b, "The following application updates are available for %s:\n\n", tenant)

	for _, u := range payload.Updates {
		marker := ""
		if u.IsCritical {
			marker = " [major]"
		}
		fmt.Fprintf(&b, "  %s (%s): %s -> %s%s\n",
			u.AppName, u.WingetID, u.CurrentVersion, u.LatestVersion, marker)
	}

	fmt.Fprintf(&b, "\nTotal: %d, critical: %d\n", payload.Summary.Total, payload.Summary.Critical)
	return b.String()
}
