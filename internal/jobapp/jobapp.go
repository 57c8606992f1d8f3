// Package jobapp is the script side of the job exchange: it reads the
// parameter file written by the orchestrator, runs a handler per job and
// writes the marker file the orchestrator waits for.
package jobapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ntjobs/jobsos/internal/expand"
	"github.com/ntjobs/jobsos/internal/inifile"
	"github.com/ntjobs/jobsos/internal/log"
	"github.com/ntjobs/jobsos/internal/model"
)

// Exit codes returned by End.
const (
	ExitOK      = 0
	ExitNoBatch = 1
	ExitFailed  = 2
)

// Fields of CONFIG read by the application.
const (
	KeyExpand = "EXPAND"
	KeyName   = "NAME"
)

// Handler runs one job. A handler that does not call Job.Return has its
// error recorded as the job result.
type Handler func(ctx context.Context, job *Job) error

type App struct {
	params  string
	marker  string
	dir     string
	batch   *model.Batch
	exit    bool
	started time.Time
	now     func() time.Time
}

// Open reads the parameter file at path. The returned App is usable for End
// even when err is not nil.
func Open(path string) (*App, error) {
	a := &App{
		params:  path,
		marker:  markerPath(path),
		dir:     filepath.Dir(path),
		exit:    true,
		started: time.Now(),
		now:     time.Now,
	}
	b, err := inifile.Read(path)
	if err != nil {
		return a, model.ValidationError("reading %s: %w", path, err)
	}
	a.batch = b

	for _, s := range b.Sections() {
		for _, k := range s.Keys() {
			if model.IsReserved(k) {
				return a, model.ValidationError("section %s: key %s is reserved", s.Name, k)
			}
		}
	}
	cfg := b.Config()
	if cfg == nil {
		return a, model.ValidationError("%s section missing in %s", model.ConfigSection, path)
	}

	var errs []error
	for _, job := range b.Jobs() {
		if job.Value(model.KeyCommand) == "" {
			errs = append(errs, fmt.Errorf("section %s: %s missing", job.Name, model.KeyCommand))
		}
		for k, v := range job.All() {
			if !strings.HasPrefix(k, model.PrefixFile) {
				continue
			}
			if err := a.local(v); err != nil {
				errs = append(errs, fmt.Errorf("section %s: %s=%s: %w", job.Name, k, v, err))
			}
		}
	}
	if len(errs) > 0 {
		return a, model.ValidationError("%w", errors.Join(errs...))
	}

	if v := cfg.Value(model.KeyExit); v != "" {
		if a.exit, err = model.ParseBool(v); err != nil {
			return a, model.ValidationError("EXIT: %w", err)
		}
	}
	for _, k := range cfg.Keys() {
		if model.IsCredential(k) {
			cfg.Delete(k)
		}
	}
	if expandAll, _ := model.ParseBool(cfg.Value(KeyExpand)); expandAll {
		values := cfg.Map()
		for _, job := range b.Jobs() {
			for k, v := range job.All() {
				job.Set(k, expand.Expand(v, values))
			}
		}
	}
	return a, nil
}

// markerPath prefers the marker named by the orchestrator and falls back to
// the parameter file name with an .end extension.
func markerPath(params string) string {
	if m := os.Getenv(model.EnvMarker); m != "" {
		return m
	}
	return strings.TrimSuffix(params, filepath.Ext(params)) + ".end"
}

// local checks that name is an existing regular file below the directory of
// the parameter file.
func (a *App) local(name string) error {
	rel := filepath.Clean(filepath.FromSlash(name))
	if !filepath.IsLocal(rel) {
		return errors.New("file outside of the batch directory")
	}
	fi, err := os.Stat(filepath.Join(a.dir, rel))
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return errors.New("not a regular file")
	}
	return nil
}

// Config returns a CONFIG value, empty when unset.
func (a *App) Config(key string) string {
	if a.batch == nil || a.batch.Config() == nil {
		return ""
	}
	return a.batch.Config().Value(strings.ToUpper(key))
}

// Name is the NAME of the application from CONFIG.
func (a *App) Name() string {
	return a.Config(KeyName)
}

// Dir is the directory job files are relative to.
func (a *App) Dir() string {
	return a.dir
}

func (a *App) Batch() *model.Batch {
	return a.batch
}

// Run calls fn for every job in file order. With EXIT set the first failing
// job stops the run and its error is returned.
func (a *App) Run(ctx context.Context, fn Handler) error {
	if a.batch == nil {
		return model.ValidationError("no parameters loaded")
	}
	for _, sec := range a.batch.Jobs() {
		if err := ctx.Err(); err != nil {
			return model.ExecutionError("interrupted: %w", err)
		}
		job := &Job{Name: sec.Name, Fields: sec, app: a}
		jctx := log.ContextAttrs(ctx, slog.String("job", job.Name), slog.String("command", job.Command()))
		slog.InfoContext(jctx, "command started")

		err := fn(jctx, job)
		if !job.returned {
			_ = job.Return(err, "", nil)
		}
		if err == nil && job.Value(model.KeyReturnType) == model.ReturnError {
			err = errors.New(job.Value(model.KeyReturnValue))
		}
		if err != nil {
			slog.ErrorContext(jctx, "command failed", "error", err)
			if a.exit {
				return err
			}
			continue
		}
		slog.InfoContext(jctx, "command finished")
	}
	return nil
}

// End writes the marker file and returns the process exit code: ExitNoBatch
// when no parameters could be read, ExitFailed when err is set, ExitOK
// otherwise. err is recorded in CONFIG.
func (a *App) End(err error) int {
	code := ExitOK
	b := a.batch
	switch {
	case b == nil:
		code = ExitNoBatch
		b = model.NewBatch()
		b.Ensure(model.ConfigSection)
		if err == nil {
			err = errors.New("no parameters loaded")
		}
	case err != nil:
		code = ExitFailed
	}

	if err != nil {
		cfg := b.Ensure(model.ConfigSection)
		cfg.Set(model.KeyReturnType, model.ReturnError)
		cfg.Set(model.KeyReturnValue, err.Error())
		cfg.Set(model.KeyTSStart, model.Timestamp(a.started))
		cfg.Set(model.KeyTSEnd, model.Timestamp(a.now()))
	}
	if werr := inifile.Write(a.marker, b); werr != nil {
		slog.Error("writing marker failed", "marker", a.marker, "error", werr)
		if code == ExitOK {
			code = ExitFailed
		}
	}
	slog.Info("application finished", "name", a.Name(), "params", a.params, "code", code)
	return code
}

// Job is one job section of the parameter file.
type Job struct {
	Name   string
	Fields *model.Section

	app      *App
	returned bool
}

func (j *Job) Command() string {
	return strings.ToUpper(j.Fields.Value(model.KeyCommand))
}

func (j *Job) Value(key string) string {
	return j.Fields.Value(strings.ToUpper(key))
}

// Path resolves a file name of the job against the batch directory.
func (j *Job) Path(name string) string {
	return filepath.Join(j.app.dir, filepath.FromSlash(name))
}

// Return records the outcome of the job. files maps RETURN.FILE suffixes to
// names below the batch directory; a missing file turns the job into a
// failure and is returned.
func (j *Job) Return(err error, value string, files map[string]string) error {
	j.returned = true
	for id, name := range files {
		if ferr := j.app.local(name); ferr != nil {
			ferr = fmt.Errorf("result file %s: %w", name, ferr)
			if err == nil {
				err = ferr
				value = ""
			}
			continue
		}
		j.Fields.Set(model.PrefixReturnFile+strings.ToUpper(id), filepath.ToSlash(filepath.Clean(name)))
	}

	rt := model.ReturnSuccess
	if err != nil {
		rt = model.ReturnError
		if value == "" {
			value = err.Error()
		}
	}
	j.Fields.Set(model.KeyReturnType, rt)
	j.Fields.Set(model.KeyReturnValue, value)
	j.Fields.Set(model.KeyTSStart, model.Timestamp(j.app.started))
	j.Fields.Set(model.KeyTSEnd, model.Timestamp(j.app.now()))
	return err
}
