// Package alert turns check results into operator notifications. Sending is
// best effort: every entry point returns an error for the caller to log and
// never to act on.
package alert

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"go-modelwatch/internal/models"
)

type Message struct {
	From    string
	To      []string
	Subject string
	HTML    string
	Text    string
}

type Sender interface {
	Send(ctx context.Context, m Message) error
}

// NotificationError wraps a failed dispatch on one channel.
type NotificationError struct {
	Channel string
	Err     error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify via %s: %v", e.Channel, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

type EmailConfigSource interface {
	GetEmailConfig(ctx context.Context) (*models.EmailConfig, error)
}

type Decrypter interface {
	Decrypt(envelope string) (string, error)
}

type SiteChange struct {
	SiteName string
	Diff     models.DiffResult
	CheckIn  *models.CheckInResult
}

type SiteFailure struct {
	SiteName string
	Error    string
}

type Notifier struct {
	configs   EmailConfigSource
	codec     Decrypter
	newMailer func(apiKey string) Sender
	from      string
	mirrors   []Sender
	log       *log.Logger
}

type Option func(*Notifier)

// WithMailer replaces the email transport, mostly for tests.
func WithMailer(f func(apiKey string) Sender) Option {
	return func(n *Notifier) { n.newMailer = f }
}

// WithMirror adds a channel that receives every notification in plain text.
func WithMirror(s Sender) Option {
	return func(n *Notifier) { n.mirrors = append(n.mirrors, s) }
}

func NewNotifier(configs EmailConfigSource, codec Decrypter, from string, logger *log.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		configs:   configs,
		codec:     codec,
		newMailer: func(apiKey string) Sender { return NewResendSender(apiKey) },
		from:      from,
		log:       logger,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// NotifySite sends one email for a single site when its diff adds or
// removes models.
func (n *Notifier) NotifySite(ctx context.Context, c SiteChange) error {
	if !c.Diff.HasChanges() {
		return nil
	}
	subject := fmt.Sprintf("[Model Watch] %s: +%d / -%d models", c.SiteName, len(c.Diff.Added), len(c.Diff.Removed))
	html, text, err := renderSite(c)
	if err != nil {
		return err
	}
	return n.dispatch(ctx, Message{Subject: subject, HTML: html, Text: text})
}

// NotifyBatch sends one digest for a global run when anything changed or failed.
func (n *Notifier) NotifyBatch(ctx context.Context, changes []SiteChange, failures []SiteFailure) error {
	if len(changes) == 0 && len(failures) == 0 {
		return nil
	}
	d := newDigest(changes, failures)
	subject := fmt.Sprintf("[Model Watch] Daily report: %d site(s) changed, +%d / -%d models", len(changes), d.TotalAdded, d.TotalRemoved)
	if len(failures) > 0 {
		subject += fmt.Sprintf(", %d failed", len(failures))
	}
	html, text, err := renderDigest(d)
	if err != nil {
		return err
	}
	return n.dispatch(ctx, Message{Subject: subject, HTML: html, Text: text})
}

func (n *Notifier) dispatch(ctx context.Context, m Message) error {
	m.From = n.from
	var errs []error
	if err := n.sendEmail(ctx, m); err != nil {
		errs = append(errs, err)
	}
	for _, s := range n.mirrors {
		if err := s.Send(ctx, m); err != nil {
			errs = append(errs, &NotificationError{Channel: "mirror", Err: err})
		}
	}
	return errors.Join(errs...)
}

// sendEmail reads the email configuration at send time so edits apply to the
// next notification. Missing, disabled or recipient-less config is a no-op.
func (n *Notifier) sendEmail(ctx context.Context, m Message) error {
	cfg, err := n.configs.GetEmailConfig(ctx)
	if err != nil {
		return &NotificationError{Channel: "email", Err: err}
	}
	if cfg == nil || !cfg.Enabled || cfg.APIKey == "" {
		n.log.Debug("email disabled, skipping", "subject", m.Subject)
		return nil
	}
	m.To = cfg.RecipientList()
	if len(m.To) == 0 {
		n.log.Debug("no email recipients, skipping", "subject", m.Subject)
		return nil
	}
	key, err := n.codec.Decrypt(cfg.APIKey)
	if err != nil {
		// Not a NotificationError: a corrupt credential must stay visible as such.
		return fmt.Errorf("email api key: %w", err)
	}
	if err := n.newMailer(key).Send(ctx, m); err != nil {
		return &NotificationError{Channel: "email", Err: err}
	}
	n.log.Info("notification sent", "subject", m.Subject, "recipients", len(m.To))
	return nil
}
