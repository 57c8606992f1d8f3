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

	"github.com/ntjobs/jobsos/internal/inifile"
	"github.com/ntjobs/jobsos/internal/log"
	"github.com/ntjobs/jobsos/internal/mail"
	"github.com/ntjobs/jobsos/internal/model"
)

// ErrAlreadyClaimed is returned when another claimer moved the submission
// first.
var ErrAlreadyClaimed = errors.New("submission already claimed")

// slotLayout names inbox slots jobs_<YYYYMMDD>_<HHMMSS>_<n>.
const slotLayout = "20060102_150405"

type Claimer struct {
	inbox   string
	archive string
	admin   string
	catalog AuthorizationCatalog
	mail    mail.Sender
	now     func() time.Time
}

func NewClaimer(settings Settings, cat AuthorizationCatalog, sender mail.Sender) *Claimer {
	return &Claimer{
		inbox:   settings.Inbox,
		archive: settings.Archive,
		admin:   settings.AdminMail,
		catalog: cat,
		mail:    sender,
		now:     time.Now,
	}
}

func (c *Claimer) WithClock(now func() time.Time) *Claimer {
	if now != nil {
		c.now = now
	}
	return c
}

// Search claims the submission of every watched directory. Problems with a
// single directory are logged, only an unusable inbox is returned.
func (c *Claimer) Search(ctx context.Context) error {
	if err := os.MkdirAll(c.inbox, 0o755); err != nil {
		return fmt.Errorf("inbox %s: %w", c.inbox, err)
	}

	watched := c.catalog.Watched()
	dirs := make([]string, 0, len(watched))
	for dir := range watched {
		dirs = append(dirs, dir)
	}
	slices.Sort(dirs)

	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if _, err := os.Stat(filepath.Join(dir, model.SubmissionFile)); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.WarnContext(ctx, "watched directory not readable", "dir", dir, "error", err)
			}
			continue
		}
		dctx := log.ContextAttrs(ctx, slog.String("watched", dir), slog.String("owner", watched[dir]))
		slot, err := c.Claim(dctx, dir, watched[dir])
		switch {
		case errors.Is(err, ErrAlreadyClaimed):
			slog.DebugContext(dctx, "submission claimed by someone else")
		case err != nil:
			slog.ErrorContext(dctx, "claim failed", "kind", model.Kind(err), "error", err)
		default:
			slog.InfoContext(dctx, "submission claimed", "slot", slot)
		}
	}
	return nil
}

// Claim moves the submission of dir into a new inbox slot and returns the
// slot path. A submission without a CONFIG section is renamed to the result
// file name in dir and the owner is notified.
func (c *Claimer) Claim(ctx context.Context, dir, owner string) (string, error) {
	src := filepath.Join(dir, model.SubmissionFile)
	b, err := inifile.Read(src)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", ErrAlreadyClaimed
	case err != nil:
		return "", c.reject(ctx, dir, owner, model.ValidationError("reading %s: %w", model.SubmissionFile, err))
	case b.Config() == nil:
		return "", c.reject(ctx, dir, owner, model.ValidationError("%s has no %s section", model.SubmissionFile, model.ConfigSection))
	}

	slot, err := c.makeSlot()
	if err != nil {
		return "", model.MoveError("creating inbox slot: %w", err)
	}

	dst := filepath.Join(slot, model.SubmissionFile)
	if err := os.Rename(src, dst); err != nil {
		_ = os.Remove(slot)
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrAlreadyClaimed
		}
		return "", model.MoveError("moving %s: %w", src, err)
	}

	if err := c.adopt(ctx, dir, slot, owner); err != nil {
		c.abandon(ctx, slot, owner, err)
		return slot, err
	}
	return slot, nil
}

// makeSlot creates a new, empty slot directory. os.Mkdir fails for an
// existing name, so concurrent claimers never share a slot. Names already
// used in the archive are skipped too, the archiver would refuse the slot.
func (c *Claimer) makeSlot() (string, error) {
	stamp := c.now().Format(slotLayout)
	for n := 0; ; n++ {
		name := fmt.Sprintf("jobs_%s_%d", stamp, n)
		if c.archive != "" {
			if _, err := os.Lstat(filepath.Join(c.archive, name)); err == nil {
				continue
			}
		}
		path := filepath.Join(c.inbox, name)
		err := os.Mkdir(path, 0o755)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
	}
}

// adopt stamps the owner into the claimed submission and moves the files it
// references into the slot.
func (c *Claimer) adopt(ctx context.Context, dir, slot, owner string) error {
	dst := filepath.Join(slot, model.SubmissionFile)
	b, err := inifile.Read(dst)
	if err != nil {
		return model.MoveError("reading claimed %s: %w", model.SubmissionFile, err)
	}
	cfg := b.Config()
	if cfg == nil {
		return model.MoveError("claimed %s lost its %s section", model.SubmissionFile, model.ConfigSection)
	}
	cfg.Set(model.KeyOwner, owner)
	if err := inifile.Write(dst, b); err != nil {
		return model.MoveError("writing claimed %s: %w", model.SubmissionFile, err)
	}

	for _, job := range b.Sections() {
		for key, name := range job.All() {
			if !strings.HasPrefix(key, model.PrefixFile) {
				continue
			}
			if err := moveFile(ctx, dir, slot, name); err != nil {
				return model.MoveError("section %s %s=%s: %w", job.Name, key, name, err)
			}
		}
	}
	return nil
}

func moveFile(ctx context.Context, dir, slot, name string) error {
	rel := filepath.Clean(filepath.FromSlash(name))
	if !filepath.IsLocal(rel) {
		return errors.New("file reference must stay inside the submission directory")
	}
	src := filepath.Join(dir, rel)
	dst := filepath.Join(slot, rel)
	if _, err := os.Lstat(dst); err == nil {
		return nil
	}
	if _, err := os.Lstat(src); errors.Is(err, fs.ErrNotExist) {
		slog.WarnContext(ctx, "referenced file missing", "file", name)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

func (c *Claimer) reject(ctx context.Context, dir, owner string, cause error) error {
	src := filepath.Join(dir, model.SubmissionFile)
	if err := os.Rename(src, filepath.Join(dir, model.ResultFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrAlreadyClaimed
		}
		return errors.Join(cause, model.MoveError("rejecting %s: %w", src, err))
	}
	c.notify(ctx, owner, "jobs.ini rejected", fmt.Sprintf("Submission in %s was rejected:\n\n%s\n", dir, cause))
	return cause
}

// abandon leaves a slot whose claim failed half way for inspection. The
// submission is renamed so the dispatcher never picks the slot up.
func (c *Claimer) abandon(ctx context.Context, slot, owner string, cause error) {
	if err := os.Rename(filepath.Join(slot, model.SubmissionFile), filepath.Join(slot, model.AbandonedFile)); err != nil {
		slog.ErrorContext(ctx, "abandoning slot failed", "slot", slot, "error", err)
	}
	c.notify(ctx, owner, "jobs.ini not claimed", fmt.Sprintf("Submission could not be moved to %s:\n\n%s\n", filepath.Base(slot), cause))
}

func (c *Claimer) notify(ctx context.Context, owner, subject, body string) {
	to := recipient(c.catalog, owner, c.admin)
	if to == "" {
		slog.WarnContext(ctx, "no recipient for notification", "subject", subject)
		return
	}
	if err := c.mail.SendMail(ctx, to, subject, body, nil); err != nil {
		slog.WarnContext(ctx, "sending notification failed", "to", to, "error", err)
	}
}
