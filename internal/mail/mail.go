// Package mail delivers notifications about claimed and finished batches.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ntjobs/jobsos/internal/model"
)

// Sender delivers one message. Every attachment must be an existing file.
type Sender interface {
	SendMail(ctx context.Context, to, subject, body string, attachments []string) error
}

// New returns the sender selected by MAIL.ENGINE.
func New(cfg model.Config) (Sender, error) {
	switch engine := strings.ToUpper(cfg.String(model.CfgMailEngine)); engine {
	case model.MailEngineSMTP, "":
		ssl, _ := model.ParseBool(cfg.String(model.CfgSMTPSSL))
		tls, _ := model.ParseBool(cfg.String(model.CfgSMTPTLS))
		return NewSMTP(SMTPConfig{
			Host:     cfg.String(model.CfgSMTPServer),
			Port:     cfg.Int(model.CfgSMTPPort, 25),
			User:     cfg.String(model.CfgSMTPUser),
			Password: cfg[model.CfgSMTPPass],
			From:     cfg.String(model.CfgSMTPFrom),
			SSL:      ssl,
			TLS:      tls,
			Timeout:  30 * time.Second,
			Retries:  3,
		})
	case model.MailEngineOLK:
		return NewAgent(cfg.String(model.CfgMailPath), time.Minute), nil
	case model.MailEngineNone:
		return Discard{}, nil
	default:
		return nil, model.ConfigurationError("unknown MAIL.ENGINE %q", engine)
	}
}

func checkAttachments(attachments []string) error {
	for _, a := range attachments {
		fi, err := os.Stat(a)
		if err != nil {
			return fmt.Errorf("attachment: %w", err)
		}
		if !fi.Mode().IsRegular() {
			return fmt.Errorf("attachment %s is not a regular file", a)
		}
	}
	return nil
}

// Discard logs the message and drops it.
type Discard struct{}

func (Discard) SendMail(ctx context.Context, to, subject, _ string, attachments []string) error {
	if err := checkAttachments(attachments); err != nil {
		return err
	}
	slog.DebugContext(ctx, "mail discarded", "to", to, "subject", subject)
	return nil
}
