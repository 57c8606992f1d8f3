package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ntjobs/jobsos/internal/catalog"
	"github.com/ntjobs/jobsos/internal/expand"
	"github.com/ntjobs/jobsos/internal/inifile"
	"github.com/ntjobs/jobsos/internal/log"
	"github.com/ntjobs/jobsos/internal/model"
	"github.com/ntjobs/jobsos/internal/runner"
)

// jobRun is the state of one job while it runs.
type jobRun struct {
	name     string
	fields   *model.Job
	started  time.Time
	action   catalog.Action
	internal bool
	workdir  string
	value    string
	params   string
	marker   string
	proc     *runner.Runner
}

// runJob takes a job through validation, authorization, preparation,
// execution, waiting, finalization and cleanup. The finalized job replaces
// the submitted one in the batch.
func (d *Dispatcher) runJob(ctx context.Context, run *batchRun, job *model.Job) error {
	jr := &jobRun{
		name:    job.Name,
		fields:  job.Clone(),
		started: d.now(),
	}
	ctx = log.ContextAttrs(ctx, slog.String("job", jr.name))
	slog.DebugContext(ctx, "job started")

	err := d.execute(ctx, run, jr)
	err = d.finalize(ctx, run, jr, err)
	d.cleanup(ctx, jr)
	d.bill(ctx, run, jr)
	return err
}

func (d *Dispatcher) execute(ctx context.Context, run *batchRun, jr *jobRun) error {
	if err := d.validate(run, jr); err != nil {
		return err
	}
	if err := d.authorize(run, jr); err != nil {
		return err
	}
	if err := d.prepare(run, jr); err != nil {
		return err
	}
	if jr.internal {
		value, err := d.runInternal(ctx, run, jr)
		jr.value = value
		return err
	}
	if err := d.spawn(ctx, run, jr); err != nil {
		return err
	}
	if err := d.wait(ctx, run, jr); err != nil {
		return err
	}
	return d.collect(run, jr)
}

func actionName(job *model.Job) string {
	if a := strings.TrimSpace(job.Value(model.KeyAction)); a != "" {
		return a
	}
	return strings.TrimSpace(job.Value(model.KeyCommand))
}

func (d *Dispatcher) validate(run *batchRun, jr *jobRun) error {
	if actionName(jr.fields) == "" {
		return model.ValidationError("%s missing", model.KeyAction)
	}
	for k, v := range jr.fields.All() {
		if !strings.HasPrefix(k, model.PrefixFile) && !strings.HasPrefix(k, model.PrefixReturnFile) {
			continue
		}
		if err := slotFile(run.root, run.slot, v); err != nil {
			return model.ValidationError("%s=%s: %w", k, v, err)
		}
	}
	return nil
}

// slotFile checks that name is a regular file inside the slot. Absolute
// names are accepted when they point into the slot.
func slotFile(root *os.Root, slot, name string) error {
	if name == "" {
		return errors.New("empty file name")
	}
	rel := filepath.FromSlash(name)
	if filepath.IsAbs(rel) {
		r, err := filepath.Rel(slot, rel)
		if err != nil || !filepath.IsLocal(r) {
			return errors.New("file outside of the batch directory")
		}
		rel = r
	}
	fi, err := root.Stat(rel)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return errors.New("not a regular file")
	}
	return nil
}

func (d *Dispatcher) authorize(run *batchRun, jr *jobRun) error {
	name := actionName(jr.fields)
	a, err := d.catalog.ResolveAction(name)
	if err != nil {
		return model.AuthorizationError("%w", err)
	}
	if !a.Enabled {
		return model.AuthorizationError("action %s is disabled", a.ID)
	}
	if !d.catalog.IsAuthorized(run.user.Groups, a.Groups) {
		return model.AuthorizationError("user %s is not allowed to run %s", run.user.ID, a.ID)
	}
	jr.action = a
	jr.internal = a.Internal()
	if !jr.internal && a.Script == "" {
		return model.ExecutionError("no script assigned to action %s", a.ID)
	}
	return nil
}

// prepare expands the job fields and, for external actions, writes the
// parameter file the script reads.
func (d *Dispatcher) prepare(run *batchRun, jr *jobRun) error {
	f := jr.fields
	for _, k := range f.Keys() {
		if model.IsReserved(k) || k == model.KeyAction || k == model.KeyCommand {
			continue
		}
		f.Set(k, expand.Expand(f.Value(k), run.config))
	}

	raw := actionName(f)
	f.Delete(model.KeyAction)
	f.Set(model.KeyActionRoot, raw)
	if !f.Has(model.KeyCommand) {
		f.Set(model.KeyCommand, jr.action.ID)
	}

	jr.workdir = jr.action.Path
	if jr.workdir == "" {
		jr.workdir = run.slot
	}
	f.Set(model.KeyActScript, jr.action.Script)
	f.Set(model.KeyActPath, jr.workdir)

	if jr.internal {
		return nil
	}

	jr.params = filepath.Join(run.slot, model.ParamFile)
	jr.marker = filepath.Join(run.slot, model.MarkerFile)
	if err := os.Remove(jr.marker); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return model.ExecutionError("removing stale %s: %w", model.MarkerFile, err)
	}
	pb := model.NewBatch()
	pb.Put(configSection(run.config))
	pb.Put(f.Clone())
	if err := inifile.Write(jr.params, pb); err != nil {
		return model.ExecutionError("writing %s: %w", model.ParamFile, err)
	}
	return nil
}

// scriptPath resolves relative scripts against PATHROOT first and PATH
// second.
func (d *Dispatcher) scriptPath(script string) (string, error) {
	if filepath.IsAbs(script) {
		_, err := os.Stat(script)
		return script, err
	}
	candidate := filepath.Join(d.settings.Root, script)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return exec.LookPath(script)
}

func (d *Dispatcher) spawn(ctx context.Context, run *batchRun, jr *jobRun) error {
	script, err := d.scriptPath(jr.action.Script)
	if err != nil {
		return model.ExecutionError("script %s: %w", jr.action.Script, err)
	}
	args := strings.Fields(expand.Expand(jr.action.Params, run.config))
	args = append(args, jr.params)
	env := []string{
		model.EnvParams + "=" + jr.params,
		model.EnvMarker + "=" + jr.marker,
		model.EnvBatch + "=" + run.id,
		model.EnvJob + "=" + jr.name,
	}

	stdout := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "job output", "stdout", line)
	}
	stderr := func(ctx context.Context, line string) {
		slog.InfoContext(ctx, "job output", "stderr", line)
	}
	jr.proc = runner.NewRunner()
	err = jr.proc.Start(ctx, runner.Command{
		Path:      script,
		Args:      args,
		Env:       env,
		Dir:       jr.workdir,
		Stdout:    stdout,
		WaitDelay: d.settings.Grace,
	}, stderr)
	if err != nil {
		jr.proc = nil
		return model.ExecutionError("starting %s: %w", script, err)
	}
	slog.DebugContext(ctx, "job process started", "script", script, "pid", jr.proc.Result().PID)
	return nil
}

// timeout is the action timeout, TIMEOUT when the action has none, raised
// to TIMEOUT.MIN.
func (d *Dispatcher) timeout(ctx context.Context, run *batchRun, jr *jobRun) time.Duration {
	unit := d.settings.Unit
	t := time.Duration(jr.action.Timeout) * unit
	if jr.action.Timeout == 0 {
		t = run.config.Duration(model.CfgTimeout, unit, 60*unit)
	}
	if t < d.settings.MinTimeout {
		slog.WarnContext(ctx, "timeout below minimum, raised",
			"timeout", t,
			"minimum", d.settings.MinTimeout,
		)
		t = d.settings.MinTimeout
	}
	return t
}

// wait blocks until the process exits, the marker file appears or the
// timeout elapses.
func (d *Dispatcher) wait(ctx context.Context, run *batchRun, jr *jobRun) error {
	timeout := d.timeout(ctx, run, jr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(d.settings.Poll)
	defer tick.Stop()

	for {
		if _, err := os.Stat(jr.marker); err == nil {
			// the script usually exits right after writing the marker
			settle := time.NewTimer(d.settings.Poll)
			select {
			case <-jr.proc.Done():
			case <-settle.C:
			case <-ctx.Done():
			}
			settle.Stop()
			return nil
		}
		select {
		case <-jr.proc.Done():
			return nil
		case <-deadline.C:
			return model.TimeoutError("no result within %s", timeout)
		case <-ctx.Done():
			return model.ExecutionError("interrupted: %w", ctx.Err())
		case <-tick.C:
		}
	}
}

// collect merges the marker written by the script into the job. Without a
// marker the exit status decides.
func (d *Dispatcher) collect(run *batchRun, jr *jobRun) error {
	mb, err := inifile.Read(jr.marker)
	if errors.Is(err, fs.ErrNotExist) {
		if res := jr.proc.Result(); res.Err != nil {
			return model.ExecutionError("%s failed without result: %w", filepath.Base(res.Path), res.Err)
		}
		return nil
	}
	if err != nil {
		return model.ExecutionError("reading %s: %w", model.MarkerFile, err)
	}

	var childErr error
	if cfg := mb.Config(); cfg != nil && cfg.Value(model.KeyReturnType) == model.ReturnError {
		childErr = model.ExecutionError("%s", strings.TrimPrefix(cfg.Value(model.KeyReturnValue), "Error: "))
	}

	sec := mb.Section(jr.name)
	if jobs := mb.Jobs(); sec == nil && len(jobs) == 1 {
		sec = jobs[0]
	}
	if sec == nil {
		return childErr
	}
	for k, v := range sec.All() {
		switch {
		case k == model.KeyTSStart || k == model.KeyTSEnd:
			continue
		case strings.HasPrefix(k, model.PrefixReturnFile):
			if err := slotFile(run.root, run.slot, v); err != nil {
				if childErr == nil {
					childErr = model.ExecutionError("%s=%s: %w", k, v, err)
				}
				continue
			}
		}
		jr.fields.Set(k, v)
	}
	if childErr == nil && sec.Value(model.KeyReturnType) == model.ReturnError {
		msg := strings.TrimPrefix(sec.Value(model.KeyReturnValue), "Error: ")
		if msg == "" {
			msg = "job reported an error"
		}
		childErr = model.ExecutionError("%s", msg)
	}
	return childErr
}

// finalize stamps the job with its timestamps and outcome and stores it in
// the batch.
func (d *Dispatcher) finalize(ctx context.Context, run *batchRun, jr *jobRun, cause error) error {
	f := jr.fields
	f.Set(model.KeyTSStart, model.Timestamp(jr.started))
	f.Set(model.KeyTSEnd, model.Timestamp(d.now()))
	if cause == nil {
		f.Set(model.KeyReturnType, model.ReturnSuccess)
		switch {
		case jr.value != "":
			f.Set(model.KeyReturnValue, jr.value)
		case f.Value(model.KeyReturnValue) == "":
			f.Set(model.KeyReturnValue, "Completed")
		}
		slog.InfoContext(ctx, "job succeeded", "action", jr.action.ID)
	} else {
		f.Set(model.KeyReturnType, model.ReturnError)
		f.Set(model.KeyReturnValue, "Error: "+cause.Error())
		slog.ErrorContext(ctx, "job failed", "action", jr.action.ID, "kind", model.Kind(cause), "error", cause)
	}
	run.batch.Put(f)
	return cause
}

// cleanup stops a process still running and removes the exchange files.
func (d *Dispatcher) cleanup(ctx context.Context, jr *jobRun) {
	if jr.proc != nil && !jr.proc.Exited() {
		slog.InfoContext(ctx, "terminating job process", "pid", jr.proc.Result().PID)
		if err := jr.proc.Terminate(context.WithoutCancel(ctx), d.settings.Grace); err != nil {
			slog.ErrorContext(ctx, "terminating job process failed", "error", err)
		}
	}
	for _, p := range []string{jr.params, jr.marker} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.WarnContext(ctx, "removing exchange file failed", "file", p, "error", err)
		}
	}
}

func (d *Dispatcher) bill(ctx context.Context, run *batchRun, jr *jobRun) {
	if d.billing == nil || jr.proc == nil {
		return
	}
	rec := BillingRecord{
		Start:   jr.started,
		End:     d.now(),
		User:    run.user.ID,
		Action:  jr.action.ID,
		Command: jr.fields.Value(model.KeyCommand),
		Tags:    jr.fields.Value(model.KeyReturnType),
		Notes:   fmt.Sprintf("%s/%s", filepath.Base(run.slot), jr.name),
	}
	if err := d.billing.Append(rec); err != nil {
		slog.WarnContext(ctx, "billing record not written", "error", err)
	}
}
