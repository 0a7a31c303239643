// ABOUTME: Operator email alerts for suppressed and exhausted queue items.
// ABOUTME: Consumes the worker event stream; SMTP delivery is strictly best-effort.
package notifyops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/relay"
)

// SMTPConfig holds SMTP connection parameters sourced from global env vars.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	TLS      bool
}

// Alerter turns worker events into operator emails. A nil recipient list or
// missing SMTP host disables it; Run then just drains the channel so the
// worker never blocks on a full buffer.
type Alerter struct {
	cfg        SMTPConfig
	recipients []string
	log        *slog.Logger
}

func NewAlerter(cfg SMTPConfig, recipients []string) *Alerter {
	return &Alerter{cfg: cfg, recipients: recipients, log: slog.Default()}
}

func (a *Alerter) enabled() bool {
	return a.cfg.Host != "" && len(a.recipients) > 0
}

// Run consumes events until the channel closes or ctx is cancelled.
func (a *Alerter) Run(ctx context.Context, events <-chan relay.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !a.enabled() {
				continue
			}
			if err := a.send(ctx, ev); err != nil {
				a.log.Warn("alert email failed", "item_id", ev.ItemID, "error", err)
			}
		}
	}
}

func (a *Alerter) send(ctx context.Context, ev relay.Event) error {
	var verb string
	switch ev.Kind {
	case relay.EventSuppressed:
		verb = "suppressed"
	case relay.EventExhausted:
		verb = "exhausted retries"
	default:
		return nil
	}
	subject := fmt.Sprintf("Pledge relay: item %s %s", ev.ItemID, verb)
	body := fmt.Sprintf(
		"Queue item %s (%s) %s and needs operator attention.\n\nReason: %s\n\nClear the suppression or replay the item from the operator API once resolved.\n",
		ev.ItemID, ev.BusinessKey, verb, ev.Reason)
	return sendMail(ctx, a.cfg, a.recipients, subject, body)
}

// sendMail sends a plaintext email to all recipients via BCC. Dial-per-send;
// alert traffic is sporadic, a persistent SMTP connection is not worth it.
func sendMail(ctx context.Context, cfg SMTPConfig, recipients []string, subject, body string) error {
	if len(recipients) == 0 {
		return errors.New("send mail: no recipients")
	}

	// Strip CR/LF from subject to prevent header injection.
	subject = strings.NewReplacer("\r", "", "\n", "").Replace(subject)

	m := mail.NewMsg()
	if err := m.FromFormat("Pledge Relay", cfg.From); err != nil {
		return fmt.Errorf("send mail: set from: %w", err)
	}
	if err := m.Bcc(recipients...); err != nil {
		return fmt.Errorf("send mail: set bcc: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
	}
	if cfg.Username != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain))
		opts = append(opts, mail.WithUsername(cfg.Username))
		opts = append(opts, mail.WithPassword(cfg.Password))
	}
	if cfg.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("send mail: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}
