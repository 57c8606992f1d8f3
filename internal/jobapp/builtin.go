package jobapp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ntjobs/jobsos/internal/inifile"
	"github.com/ntjobs/jobsos/internal/model"
)

// AppType is the CONFIG TYPE of parameter files built from arguments.
const AppType = "NTJOBS.APP.2"

// AppSection names the single job of a parameter file built from arguments.
const AppSection = "APP"

// Build writes a parameter file into dir from a command followed by key
// value pairs, for running an application by hand.
func Build(dir string, args []string) (string, error) {
	if len(args) == 0 || len(args)%2 != 1 {
		return "", model.ValidationError("expected a command followed by key value pairs, got %d arguments", len(args))
	}
	b := model.NewBatch()
	b.Ensure(model.ConfigSection).Set("TYPE", AppType)
	job := b.Ensure(AppSection)
	job.Set(model.KeyCommand, args[0])
	for i := 1; i < len(args); i += 2 {
		key := strings.ToUpper(strings.Trim(args[i], `"'`))
		job.Set(key, strings.Trim(args[i+1], `"'`))
	}
	path := filepath.Join(dir, model.ParamFile)
	if err := inifile.Write(path, b); err != nil {
		return "", err
	}
	return path, nil
}

// Fields read by the built-in commands.
const (
	KeyText   = "TEXT"
	KeySource = "FILE.SRC"
	KeyDest   = "DEST"
)

// Builtin runs the commands shipped with jobsos:
//
//	ECHO  returns TEXT as the job value
//	COPY  copies FILE.SRC to DEST and returns DEST as RETURN.FILE.1
func Builtin(ctx context.Context, job *Job) error {
	switch cmd := job.Command(); cmd {
	case "ECHO":
		return job.Return(nil, job.Value(KeyText), nil)
	case "COPY":
		src, dst := job.Value(KeySource), job.Value(KeyDest)
		if src == "" || dst == "" {
			return job.Return(model.ValidationError("COPY needs %s and %s", KeySource, KeyDest), "", nil)
		}
		if !filepath.IsLocal(filepath.FromSlash(dst)) {
			return job.Return(model.ValidationError("%s %s leaves the batch directory", KeyDest, dst), "", nil)
		}
		if err := copyFile(job.Path(src), job.Path(dst)); err != nil {
			return job.Return(model.ExecutionError("copying %s to %s: %w", src, dst, err), "", nil)
		}
		return job.Return(nil, "Copied "+src, map[string]string{"1": dst})
	default:
		return job.Return(model.ValidationError("unknown command %q", cmd), "", nil)
	}
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}
