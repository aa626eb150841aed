// Package alert delivers billing incidents to operators.
//
// PostmarkAlerter e-mails each incident through the Postmark transactional
// API; LogAlerter writes it to the application log. Both implement
// subscription.Alerter and can be combined with Multi.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/mrz1836/postmark"

	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

// PostmarkAlerter sends one e-mail per incident to every recipient.
type PostmarkAlerter struct {
	client *postmark.Client
	cfg    Config
}

var _ subscription.Alerter = (*PostmarkAlerter)(nil)

// PostmarkOption configures a PostmarkAlerter.
type PostmarkOption func(*postmark.Client)

// WithBaseURL points the Postmark client at another API endpoint.
func WithBaseURL(url string) PostmarkOption {
	return func(c *postmark.Client) { c.BaseURL = strings.TrimSuffix(url, "/") }
}

// NewPostmarkAlerter validates cfg and creates the alerter.
func NewPostmarkAlerter(cfg Config, opts ...PostmarkOption) (*PostmarkAlerter, error) {
	if cfg.PostmarkServerToken == "" {
		return nil, fmt.Errorf("%w: PostmarkServerToken is required", ErrInvalidConfig)
	}
	if _, err := mail.ParseAddress(cfg.SenderEmail); err != nil {
		return nil, fmt.Errorf("%w: SenderEmail must be a valid email address", ErrInvalidConfig)
	}
	if len(cfg.Recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidConfig)
	}
	for _, r := range cfg.Recipients {
		if _, err := mail.ParseAddress(r); err != nil {
			return nil, fmt.Errorf("%w: invalid recipient %q", ErrInvalidConfig, r)
		}
	}

	client := postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken)
	for _, opt := range opts {
		opt(client)
	}
	return &PostmarkAlerter{client: client, cfg: cfg}, nil
}

// Alert implements subscription.Alerter.
func (a *PostmarkAlerter) Alert(ctx context.Context, inc subscription.Incident) error {
	resp, err := a.client.SendEmail(ctx, postmark.Email{
		From:     a.cfg.SenderEmail,
		To:       strings.Join(a.cfg.Recipients, ","),
		Subject:  Subject(inc),
		Tag:      a.cfg.Tag,
		TextBody: Body(inc),
	})
	if err != nil {
		return errors.Join(ErrFailedToSendAlert, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(
			ErrFailedToSendAlert,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
		)
	}
	return nil
}

// LogAlerter writes incidents to a logger at error level.
type LogAlerter struct {
	log *slog.Logger
}

var _ subscription.Alerter = (*LogAlerter)(nil)

func NewLogAlerter(log *slog.Logger) *LogAlerter {
	if log == nil {
		log = logger.Discard()
	}
	return &LogAlerter{log: log}
}

func (a *LogAlerter) Alert(ctx context.Context, inc subscription.Incident) error {
	a.log.ErrorContext(ctx, "Billing incident",
		logger.Provider(inc.Provider),
		logger.EventID(inc.EventID),
		logger.EventKind(string(inc.Kind)),
		logger.UserID(inc.UserID),
		slog.String("reason", subscription.Reason(inc.Err)),
		logger.Error(inc.Err),
	)
	return nil
}

type multi []subscription.Alerter

// Multi delivers each incident to every alerter and joins their errors.
func Multi(alerters ...subscription.Alerter) subscription.Alerter {
	return multi(alerters)
}

func (m multi) Alert(ctx context.Context, inc subscription.Incident) error {
	var errs []error
	for _, a := range m {
		if err := a.Alert(ctx, inc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subject renders the e-mail subject line for inc.
func Subject(inc subscription.Incident) string {
	return fmt.Sprintf("[billing] %s on %s %s", subscription.Reason(inc.Err), inc.Provider, inc.Kind)
}

// Body renders the plain-text e-mail body for inc.
func Body(inc subscription.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Provider: %s\n", inc.Provider)
	fmt.Fprintf(&b, "Event ID: %s\n", inc.EventID)
	fmt.Fprintf(&b, "Event kind: %s\n", inc.Kind)
	if inc.UserID != "" {
		fmt.Fprintf(&b, "User ID: %s\n", inc.UserID)
	}
	if inc.Err != nil {
		fmt.Fprintf(&b, "Error: %v\n", inc.Err)
	}
	b.WriteString("\nThe provider will retry delivery; the event was not applied.\n")
	return b.String()
}
