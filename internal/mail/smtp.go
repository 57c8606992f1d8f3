package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	gomail "github.com/wneessen/go-mail"
)

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	// SSL connects over implicit TLS, TLS requires STARTTLS. With both
	// unset STARTTLS is used when the server offers it.
	SSL     bool
	TLS     bool
	Timeout time.Duration
	Retries uint64
}

type SMTP struct {
	cfg SMTPConfig
}

func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp: server not configured")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp: sender address not configured")
	}
	return &SMTP{cfg: cfg}, nil
}

func (s *SMTP) options() []gomail.Option {
	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
		gomail.WithTimeout(s.cfg.Timeout),
	}
	switch {
	case s.cfg.SSL:
		opts = append(opts, gomail.WithSSL())
	case s.cfg.TLS:
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	default:
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}
	if s.cfg.User != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.User),
			gomail.WithPassword(s.cfg.Password),
		)
	}
	return opts
}

func (s *SMTP) message(to, subject, body string, attachments []string) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("smtp: sender: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("smtp: recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)
	for _, a := range attachments {
		msg.AttachFile(a)
	}
	return msg, nil
}

// SendMail delivers the message, retrying failed deliveries with a
// Fibonacci backoff.
func (s *SMTP) SendMail(ctx context.Context, to, subject, body string, attachments []string) error {
	if err := checkAttachments(attachments); err != nil {
		return err
	}
	msg, err := s.message(to, subject, body, attachments)
	if err != nil {
		return err
	}
	client, err := gomail.NewClient(s.cfg.Host, s.options()...)
	if err != nil {
		return fmt.Errorf("smtp: client: %w", err)
	}

	b := retry.NewFibonacci(1 * time.Second)
	return retry.Do(ctx, retry.WithMaxRetries(s.cfg.Retries, b), func(ctx context.Context) error {
		if err := client.DialAndSendWithContext(ctx, msg); err != nil {
			slog.WarnContext(ctx, "sending mail failed", "to", to, "server", s.cfg.Host, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}
