package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ntjobs/jobsos/internal/catalog"
	"github.com/ntjobs/jobsos/internal/config"
	"github.com/ntjobs/jobsos/internal/inifile"
	"github.com/ntjobs/jobsos/internal/log"
	"github.com/ntjobs/jobsos/internal/mail"
	"github.com/ntjobs/jobsos/internal/model"
	"github.com/ntjobs/jobsos/internal/render"
)

type Dispatcher struct {
	settings Settings
	base     *config.Base
	catalog  AuthorizationCatalog
	mail     mail.Sender
	control  *Control
	history  Recorder
	billing  *Billing
	now      func() time.Time
}

func NewDispatcher(settings Settings, base *config.Base, cat AuthorizationCatalog, sender mail.Sender, control *Control) *Dispatcher {
	return &Dispatcher{
		settings: settings,
		base:     base,
		catalog:  cat,
		mail:     sender,
		control:  control,
		now:      time.Now,
	}
}

func (d *Dispatcher) WithHistory(h Recorder) *Dispatcher {
	d.history = h
	return d
}

func (d *Dispatcher) WithBilling(b *Billing) *Dispatcher {
	d.billing = b
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

// batchRun is the state of one batch while it runs.
type batchRun struct {
	id       string
	slot     string
	batch    *model.Batch
	config   model.Config
	owner    string
	user     catalog.User
	exit     bool
	started  time.Time
	root     *os.Root
	ok       int
	failed   int
	recorded bool
}

// Pending reports whether slot holds a submission without a result.
func Pending(slot string) bool {
	if _, err := os.Stat(filepath.Join(slot, model.SubmissionFile)); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(slot, model.ResultFile))
	return errors.Is(err, fs.ErrNotExist)
}

// Get runs every pending slot of the inbox in directory order. It returns
// an error only when a result file cannot be written, as the slot would be
// run again otherwise.
func (d *Dispatcher) Get(ctx context.Context) error {
	entries, err := os.ReadDir(d.settings.Inbox)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading inbox: %w", err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil
		}
		slot := filepath.Join(d.settings.Inbox, e.Name())
		if !e.IsDir() || !Pending(slot) {
			continue
		}
		if err := d.Exec(ctx, slot); err != nil {
			return err
		}
	}
	return nil
}

// Exec runs the batch in slot and writes its result file.
func (d *Dispatcher) Exec(ctx context.Context, slot string) error {
	run := &batchRun{
		id:      uuid.NewString(),
		slot:    slot,
		started: d.now(),
	}
	ctx = log.ContextAttrs(ctx, slog.Group("batch",
		slog.String("id", run.id),
		slog.String("slot", filepath.Base(slot)),
	))
	slog.InfoContext(ctx, "batch started")

	if err := d.JobsInit(ctx, run); err != nil {
		slog.ErrorContext(ctx, "batch rejected", "kind", model.Kind(err), "error", err)
		return d.JobsEnd(ctx, run, err)
	}

	var fatal error
	for _, job := range run.batch.Jobs() {
		if err := ctx.Err(); err != nil {
			fatal = model.ExecutionError("batch interrupted: %w", err)
			break
		}
		if err := d.runJob(ctx, run, job); err != nil {
			run.failed++
			if run.exit {
				slog.WarnContext(ctx, "EXIT set, remaining jobs skipped", "job", job.Name)
				break
			}
			continue
		}
		run.ok++
	}
	return d.JobsEnd(ctx, run, fatal)
}

// JobsInit reads the batch, rejects reserved keys, authenticates the
// declared user and builds the merged configuration.
func (d *Dispatcher) JobsInit(ctx context.Context, run *batchRun) error {
	b, err := inifile.Read(filepath.Join(run.slot, model.SubmissionFile))
	if err != nil {
		run.batch = model.NewBatch()
		return model.ValidationError("reading %s: %w", model.SubmissionFile, err)
	}
	run.batch = b

	cfg := b.Config()
	if cfg == nil {
		return model.ValidationError("%s section missing", model.ConfigSection)
	}
	run.owner = cfg.Value(model.KeyOwner)

	for _, s := range b.Sections() {
		for _, k := range s.Keys() {
			if model.IsReserved(k) {
				return model.ValidationError("section %s: key %s is reserved", s.Name, k)
			}
		}
	}

	run.config, err = config.Update(d.base, cfg.Map())
	if err != nil {
		return model.ConfigurationError("merging configuration: %w", err)
	}
	run.exit, err = model.ParseBool(run.config.String(model.CfgExit))
	if err != nil {
		return model.ValidationError("EXIT: %w", err)
	}

	declared := cfg.Value(model.KeyUser)
	if declared == "" {
		declared = run.owner
	}
	if declared == "" {
		return model.AuthorizationError("no user declared")
	}
	if run.owner != "" && declared != run.owner {
		return model.AuthorizationError("user %s may not submit from the directory of %s", declared, run.owner)
	}
	run.user, err = d.catalog.Authenticate(declared, cfg.Value(model.KeyPassword))
	if err != nil {
		return err
	}

	run.root, err = os.OpenRoot(run.slot)
	if err != nil {
		return model.ExecutionError("opening slot: %w", err)
	}

	if d.history != nil {
		if err := d.history.Start(ctx, run.id, filepath.Base(run.slot), run.user.ID, run.started); err != nil {
			slog.WarnContext(ctx, "recording batch start failed", "error", err)
		} else {
			run.recorded = true
		}
	}
	return nil
}

// JobsEnd writes the result file, notifies the user and records the batch.
// fatal is stored in the CONFIG section when the batch did not run.
func (d *Dispatcher) JobsEnd(ctx context.Context, run *batchRun, fatal error) error {
	if run.root != nil {
		defer run.root.Close()
	}
	if run.batch == nil {
		run.batch = model.NewBatch()
	}
	cfg := run.batch.Config()
	if cfg == nil {
		cfg = model.NewSection(model.ConfigSection)
		run.batch.Put(cfg)
	}
	for _, k := range cfg.Keys() {
		if model.IsCredential(k) {
			cfg.Delete(k)
		}
	}
	finished := d.now()
	if fatal != nil {
		cfg.Set(model.KeyTSStart, model.Timestamp(run.started))
		cfg.Set(model.KeyTSEnd, model.Timestamp(finished))
		cfg.Set(model.KeyReturnType, model.ReturnError)
		cfg.Set(model.KeyReturnValue, "Error: "+fatal.Error())
	}

	if err := inifile.Write(filepath.Join(run.slot, model.ResultFile), run.batch); err != nil {
		return fmt.Errorf("writing result of %s: %w", run.slot, err)
	}

	status := "completed"
	switch {
	case fatal != nil:
		status = "failed"
	case run.failed > 0:
		status = "completed with errors"
	}
	slog.InfoContext(ctx, "batch finished", "status", status, "jobs_ok", run.ok, "jobs_err", run.failed)

	d.notify(ctx, run, fmt.Sprintf("jobs %s %s", filepath.Base(run.slot), status))
	d.record(ctx, run, fatal, finished)
	return nil
}

func (d *Dispatcher) notify(ctx context.Context, run *batchRun, subject string) {
	to := run.user.Mail
	if to == "" {
		to = recipient(d.catalog, run.owner, d.settings.AdminMail)
	}
	if to == "" {
		slog.WarnContext(ctx, "no recipient for batch result")
		return
	}
	format := d.settings.MailFormat
	if run.config != nil {
		if f, err := render.ParseFormat(run.config.String(model.CfgMailFormat)); err == nil {
			format = f
		}
	}
	body, err := render.String(run.batch, format)
	if err != nil {
		slog.WarnContext(ctx, "rendering batch result failed", "error", err)
		return
	}
	if err := d.mail.SendMail(ctx, to, subject, body, nil); err != nil {
		slog.WarnContext(ctx, "sending batch result failed", "to", to, "error", err)
	}
}

func (d *Dispatcher) record(ctx context.Context, run *batchRun, fatal error, finished time.Time) {
	if d.history == nil {
		return
	}
	if !run.recorded {
		if err := d.history.Start(ctx, run.id, filepath.Base(run.slot), run.owner, run.started); err != nil {
			slog.WarnContext(ctx, "recording batch start failed", "error", err)
			return
		}
	}
	var err error
	switch {
	case fatal != nil:
		err = d.history.FinishErr(ctx, run.id, fatal.Error(), run.ok, run.failed, finished)
	case run.failed > 0:
		err = d.history.FinishErr(ctx, run.id, fmt.Sprintf("%d of %d jobs failed", run.failed, run.ok+run.failed), run.ok, run.failed, finished)
	default:
		err = d.history.FinishOK(ctx, run.id, run.ok, finished)
	}
	if err != nil {
		slog.WarnContext(ctx, "recording batch result failed", "error", err)
	}
}

// configSection returns the merged configuration as a section without
// credentials, keys sorted.
func configSection(cfg model.Config) *model.Section {
	s := model.NewSection(model.ConfigSection)
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		if !model.IsCredential(k) && !strings.HasPrefix(k, "SMTP.") {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		s.Set(k, cfg[k])
	}
	return s
}
