// Package config loads the base configuration table and merges it with the
// CONFIG section of a batch.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ntjobs/jobsos/internal/expand"
	"github.com/ntjobs/jobsos/internal/inifile"
	"github.com/ntjobs/jobsos/internal/model"
)

// FileName is the base configuration file in the configuration root.
const FileName = "ntjobs_config.ini"

var ErrConfigNotLoaded = errors.New("base configuration not loaded")

// Base is the loaded base configuration. Raw keeps the values as read so
// batch overrides are expanded once, together with the base values.
type Base struct {
	Path   string
	Raw    model.Config
	Values model.Config
}

// Defaults returns the values applied before the configuration file.
func Defaults(root string) model.Config {
	return model.Config{
		model.CfgPathRoot:   root,
		model.CfgInbox:      filepath.Join(root, "inbox"),
		model.CfgArchive:    filepath.Join(root, "archive"),
		model.CfgLog:        model.LogStderr,
		model.CfgTimeout:    "60",
		model.CfgTimeoutMin: "50",
		model.CfgWaitPoll:   "10",
		model.CfgWaitCycle:  "300",
		model.CfgWaitGrace:  "5",
		model.CfgExit:       "false",
		model.CfgMailEngine: model.MailEngineSMTP,
		model.CfgMailFormat: "ini",
		model.CfgSMTPPort:   "25",
	}
}

// Load reads FileName from root.
func Load(root string) (*Base, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, model.ConfigurationError("config root %s: %w", root, err)
	}
	path := filepath.Join(abs, FileName)
	values, err := inifile.ReadFlat(path)
	if err != nil {
		return nil, model.ConfigurationError("reading %s: %w", path, err)
	}

	raw := Defaults(abs)
	for k, v := range values {
		raw[k] = v
	}
	return newBase(path, raw), nil
}

// FromValues builds a Base from an in-memory table on top of Defaults.
func FromValues(root string, values map[string]string) *Base {
	raw := Defaults(root)
	for k, v := range values {
		raw[strings.ToUpper(k)] = v
	}
	return newBase("", raw)
}

func newBase(path string, raw model.Config) *Base {
	return &Base{
		Path:   path,
		Raw:    raw,
		Values: model.Config(expand.Map(raw, raw)),
	}
}

// Update overlays the batch CONFIG section over the base table and expands
// the result against itself. Neither input is modified.
func Update(base *Base, batch map[string]string) (model.Config, error) {
	if base == nil {
		return nil, ErrConfigNotLoaded
	}
	merged := base.Raw.Clone()
	for k, v := range batch {
		merged[k] = v
	}
	return model.Config(expand.Map(merged, merged)), nil
}

// Verify checks the expanded values and reports every problem found.
func (b *Base) Verify() error {
	v := b.Values
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if t := v.String(model.CfgType); t != "" && t != model.ConfigTypeName {
		add("TYPE must be %s, got %q", model.ConfigTypeName, t)
	}
	if a := v.String(model.CfgAdminEmail); a != "" && !model.IsEmail(a) {
		add("ADMIN.EMAIL %q is not an email address", a)
	}
	for _, key := range []string{model.CfgPathRoot, model.CfgInbox, model.CfgArchive} {
		if err := validPath(v.String(key)); err != nil {
			add("%s: %w", key, err)
		}
	}
	if v.String(model.CfgInbox) == v.String(model.CfgArchive) {
		add("INBOX and ARCHIVE must differ")
	}
	for _, key := range []string{model.CfgTimeout, model.CfgTimeoutMin, model.CfgWaitPoll, model.CfgWaitCycle, model.CfgWaitGrace} {
		if n := v.Int(key, -1); n < 0 {
			add("%s must be a non-negative number, got %q", key, v[key])
		}
	}
	if v.Int(model.CfgWaitPoll, 0) == 0 {
		add("WAIT.POLL must be positive")
	}
	if _, err := model.ParseBool(v.String(model.CfgExit)); err != nil {
		add("EXIT: %w", err)
	}
	switch f := strings.ToLower(v.String(model.CfgMailFormat)); f {
	case "ini", "json", "yaml":
	default:
		add("MAIL.FORMAT %q is not one of ini, json, yaml", f)
	}

	switch engine := strings.ToUpper(v.String(model.CfgMailEngine)); engine {
	case model.MailEngineSMTP:
		for _, key := range []string{model.CfgSMTPServer, model.CfgSMTPFrom} {
			if v.String(key) == "" {
				add("%s is required for MAIL.ENGINE=SMTP", key)
			}
		}
		if from := v.String(model.CfgSMTPFrom); from != "" && !model.IsEmail(from) {
			add("SMTP.FROM %q is not an email address", from)
		}
		if p := v.Int(model.CfgSMTPPort, 0); p <= 0 || p > 65535 {
			add("SMTP.PORT %q is not a port", v[model.CfgSMTPPort])
		}
		for _, key := range []string{model.CfgSMTPSSL, model.CfgSMTPTLS} {
			if s := v.String(key); s != "" {
				if _, err := model.ParseBool(s); err != nil {
					add("%s: %w", key, err)
				}
			}
		}
	case model.MailEngineOLK:
		if err := validPath(v.String(model.CfgMailPath)); err != nil {
			add("MAIL.PATH: %w", err)
		}
	case model.MailEngineNone:
	default:
		add("MAIL.ENGINE %q is not one of SMTP, OLK, NONE", engine)
	}

	if len(errs) > 0 {
		return model.ConfigurationError("invalid configuration %s: %w", b.Path, errors.Join(errs...))
	}
	return nil
}

func validPath(p string) error {
	switch {
	case p == "":
		return errors.New("path is empty")
	case strings.Contains(p, expand.Unknown):
		return fmt.Errorf("path %q references an unknown variable", p)
	case strings.ContainsRune(p, 0):
		return fmt.Errorf("path %q contains NUL", p)
	}
	return nil
}

// EnsureDirs creates INBOX and ARCHIVE when missing.
func (b *Base) EnsureDirs() error {
	for _, key := range []string{model.CfgInbox, model.CfgArchive} {
		dir := b.Values.String(key)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return model.ConfigurationError("creating %s: %w", key, err)
		}
	}
	return nil
}
