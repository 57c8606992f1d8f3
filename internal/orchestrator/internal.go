package orchestrator

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ntjobs/jobsos/internal/model"
)

// Actions handled by the orchestrator itself.
const (
	ActionNoop       = "SYS.NOOP"
	ActionReload     = "SYS.RELOAD"
	ActionEmailAdmin = "SYS.EMAIL.ADMIN"
	ActionEmailUser  = "SYS.EMAIL.USER"
)

// Fields read by the SYS.EMAIL actions.
const (
	KeySubject = "SUBJECT"
	KeyBody    = "BODY"
)

func (d *Dispatcher) runInternal(ctx context.Context, run *batchRun, jr *jobRun) (string, error) {
	switch id := jr.action.ID; id {
	case ActionNoop:
		return "Nothing to do", nil
	case ActionReload:
		if err := d.control.RequestReload(); err != nil {
			slog.WarnContext(ctx, "writing reload marker failed", "error", err)
		}
		return "Reload requested", nil
	case StopQuit, StopShutdown, StopReboot:
		if err := d.control.Stop(id); err != nil {
			slog.WarnContext(ctx, "writing stop marker failed", "error", err)
		}
		return "Stop requested by " + id, nil
	case ActionEmailAdmin:
		// ADMIN.EMAIL of the base configuration only
		return d.sendJobMail(ctx, run, jr, d.settings.AdminMail)
	case ActionEmailUser:
		return d.sendJobMail(ctx, run, jr, run.user.Mail)
	default:
		return "", model.ExecutionError("unknown internal action %s", id)
	}
}

// sendJobMail mails SUBJECT and BODY of the job with its FILE. references
// attached.
func (d *Dispatcher) sendJobMail(ctx context.Context, run *batchRun, jr *jobRun, to string) (string, error) {
	if to == "" {
		return "", model.ExecutionError("no address to send %s to", jr.action.ID)
	}
	subject := jr.fields.Value(KeySubject)
	if subject == "" {
		subject = "jobs " + filepath.Base(run.slot) + " " + jr.name
	}
	var attachments []string
	for k, v := range jr.fields.All() {
		if strings.HasPrefix(k, model.PrefixFile) {
			attachments = append(attachments, filepath.Join(run.slot, filepath.FromSlash(v)))
		}
	}
	if err := d.mail.SendMail(ctx, to, subject, jr.fields.Value(KeyBody), attachments); err != nil {
		return "", model.ExecutionError("sending mail to %s: %w", to, err)
	}
	return "Mail sent to " + to, nil
}
