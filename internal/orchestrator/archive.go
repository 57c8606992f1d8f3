package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ntjobs/jobsos/internal/model"
)

type Archiver struct {
	inbox   string
	archive string
}

func NewArchiver(inbox, archive string) *Archiver {
	return &Archiver{inbox: inbox, archive: archive}
}

// Finished reports whether slot holds both the submission and its result.
func Finished(slot string) bool {
	for _, name := range []string{model.SubmissionFile, model.ResultFile} {
		if _, err := os.Stat(filepath.Join(slot, name)); err != nil {
			return false
		}
	}
	return true
}

// Archive moves finished slots from the inbox to the archive. A slot whose
// name already exists in the archive is left in the inbox.
func (a *Archiver) Archive(ctx context.Context) error {
	entries, err := os.ReadDir(a.inbox)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading inbox: %w", err)
	}
	if err := os.MkdirAll(a.archive, 0o755); err != nil {
		return fmt.Errorf("archive %s: %w", a.archive, err)
	}

	for _, e := range entries {
		src := filepath.Join(a.inbox, e.Name())
		if !e.IsDir() || !Finished(src) {
			continue
		}
		dst := filepath.Join(a.archive, e.Name())
		if _, err := os.Lstat(dst); err == nil {
			slog.ErrorContext(ctx, "archive collision, slot kept in inbox", "slot", e.Name(), "archive", dst)
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			slog.ErrorContext(ctx, "archiving slot failed", "slot", e.Name(), "error", err)
			continue
		}
		slog.DebugContext(ctx, "slot archived", "slot", e.Name())
	}
	return nil
}
