package jobapp_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ntjobs/jobsos/internal/inifile"
	"github.com/ntjobs/jobsos/internal/jobapp"
	"github.com/ntjobs/jobsos/internal/model"
	"github.com/stretchr/testify/require"
)

func writeParams(t *testing.T, dir, content string) string {
	t.Helper()
	t.Setenv(model.EnvMarker, "")
	path := filepath.Join(dir, model.ParamFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readMarker(t *testing.T, dir string) *model.Batch {
	t.Helper()
	b, err := inifile.Read(filepath.Join(dir, model.MarkerFile))
	require.NoError(t, err)
	return b
}

func TestBuiltinCommands(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), []byte("payload"), 0o644))
	path := writeParams(t, dir, `[CONFIG]
NAME = demo
PASSWORD = secret

[J1]
COMMAND = echo
TEXT = hello

[J2]
COMMAND = COPY
FILE.SRC = in.txt
DEST = out/copy.txt
`)

	app, err := jobapp.Open(path)
	require.NoError(t, err)
	require.Equal(t, "demo", app.Name())
	require.NoError(t, app.Run(t.Context(), jobapp.Builtin))
	require.Equal(t, jobapp.ExitOK, app.End(nil))

	res := readMarker(t, dir)
	require.Equal(t, model.ReturnSuccess, res.Section("J1").Value(model.KeyReturnType))
	require.Equal(t, "hello", res.Section("J1").Value(model.KeyReturnValue))
	require.NotEmpty(t, res.Section("J1").Value(model.KeyTSEnd))
	require.Equal(t, model.ReturnSuccess, res.Section("J2").Value(model.KeyReturnType))
	require.Equal(t, "out/copy.txt", res.Section("J2").Value("RETURN.FILE.1"))
	require.False(t, res.Config().Has(model.KeyPassword))
	require.Empty(t, res.Config().Value(model.KeyReturnType))

	data, err := os.ReadFile(filepath.Join(dir, "out", "copy.txt"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestRunExit(t *testing.T) {
	for _, tc := range []struct {
		scenario string
		exit     string
		wantErr  bool
		j2       string
	}{
		{scenario: "default stops at the first failure", exit: "", wantErr: true, j2: ""},
		{scenario: "EXIT false runs every job", exit: "EXIT = false\n", wantErr: false, j2: model.ReturnSuccess},
	} {
		t.Run(tc.scenario, func(t *testing.T) {
			dir := t.TempDir()
			path := writeParams(t, dir, "[CONFIG]\n"+tc.exit+"\n[J1]\nCOMMAND = NOPE\n\n[J2]\nCOMMAND = ECHO\nTEXT = x\n")

			app, err := jobapp.Open(path)
			require.NoError(t, err)
			err = app.Run(t.Context(), jobapp.Builtin)
			if tc.wantErr {
				require.ErrorIs(t, err, model.ErrValidation)
				require.Equal(t, jobapp.ExitFailed, app.End(err))
			} else {
				require.NoError(t, err)
				require.Equal(t, jobapp.ExitOK, app.End(nil))
			}

			res := readMarker(t, dir)
			require.Equal(t, model.ReturnError, res.Section("J1").Value(model.KeyReturnType))
			require.Contains(t, res.Section("J1").Value(model.KeyReturnValue), `unknown command "NOPE"`)
			require.Equal(t, tc.j2, res.Section("J2").Value(model.KeyReturnType))
			if tc.wantErr {
				require.Equal(t, model.ReturnError, res.Config().Value(model.KeyReturnType))
			}
		})
	}
}

func TestHandlerWithoutReturn(t *testing.T) {
	dir := t.TempDir()
	path := writeParams(t, dir, "[CONFIG]\nEXIT = no\n\n[J1]\nCOMMAND = A\n\n[J2]\nCOMMAND = B\n")

	app, err := jobapp.Open(path)
	require.NoError(t, err)
	err = app.Run(t.Context(), func(_ context.Context, job *jobapp.Job) error {
		if job.Command() == "A" {
			return errors.New("broken")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, jobapp.ExitOK, app.End(nil))

	res := readMarker(t, dir)
	require.Equal(t, "broken", res.Section("J1").Value(model.KeyReturnValue))
	require.Equal(t, model.ReturnSuccess, res.Section("J2").Value(model.KeyReturnType))
}

func TestReturnMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := writeParams(t, dir, "[CONFIG]\n[J1]\nCOMMAND = A\n")

	app, err := jobapp.Open(path)
	require.NoError(t, err)
	err = app.Run(t.Context(), func(_ context.Context, job *jobapp.Job) error {
		return job.Return(nil, "done", map[string]string{"1": "nothing.txt"})
	})
	require.Error(t, err)
	app.End(err)

	res := readMarker(t, dir)
	require.Equal(t, model.ReturnError, res.Section("J1").Value(model.KeyReturnType))
	require.Contains(t, res.Section("J1").Value(model.KeyReturnValue), "nothing.txt")
	require.False(t, res.Section("J1").Has("RETURN.FILE.1"))
}

func TestOpenErrors(t *testing.T) {
	for _, tc := range []struct {
		scenario string
		content  string
		want     string
	}{
		{scenario: "reserved key", content: "[CONFIG]\n[J1]\nCOMMAND = ECHO\nRETURN.VALUE = x\n", want: "reserved"},
		{scenario: "no CONFIG", content: "[J1]\nCOMMAND = ECHO\n", want: "CONFIG section missing"},
		{scenario: "no COMMAND", content: "[CONFIG]\n[J1]\nTEXT = x\n", want: "COMMAND missing"},
		{scenario: "missing file", content: "[CONFIG]\n[J1]\nCOMMAND = COPY\nFILE.SRC = gone.txt\n", want: "FILE.SRC=gone.txt"},
		{scenario: "bad EXIT", content: "[CONFIG]\nEXIT = maybe\n", want: "EXIT"},
	} {
		t.Run(tc.scenario, func(t *testing.T) {
			dir := t.TempDir()
			app, err := jobapp.Open(writeParams(t, dir, tc.content))
			require.ErrorIs(t, err, model.ErrValidation)
			require.ErrorContains(t, err, tc.want)
			require.Equal(t, jobapp.ExitFailed, app.End(err))

			res := readMarker(t, dir)
			require.Equal(t, model.ReturnError, res.Config().Value(model.KeyReturnType))
		})
	}
}

func TestOpenMissingFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(model.EnvMarker, filepath.Join(dir, "custom.end"))

	app, err := jobapp.Open(filepath.Join(dir, "absent.ini"))
	require.Error(t, err)
	require.Equal(t, jobapp.ExitNoBatch, app.End(err))

	res, err := inifile.Read(filepath.Join(dir, "custom.end"))
	require.NoError(t, err)
	require.Equal(t, model.ReturnError, res.Config().Value(model.KeyReturnType))
	require.Contains(t, res.Config().Value(model.KeyReturnValue), "absent.ini")
}

func TestExpand(t *testing.T) {
	dir := t.TempDir()
	path := writeParams(t, dir, "[CONFIG]\nEXPAND = yes\nNAME = demo\n\n[J1]\nCOMMAND = ECHO\nTEXT = app $NAME\n")

	app, err := jobapp.Open(path)
	require.NoError(t, err)
	require.NoError(t, app.Run(t.Context(), jobapp.Builtin))
	app.End(nil)

	require.Equal(t, "app demo", readMarker(t, dir).Section("J1").Value(model.KeyReturnValue))
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(model.EnvMarker, "")

	_, err := jobapp.Build(dir, []string{"ECHO", "TEXT"})
	require.ErrorIs(t, err, model.ErrValidation)

	path, err := jobapp.Build(dir, []string{"echo", "text", "'hello there'"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, model.ParamFile), path)

	app, err := jobapp.Open(path)
	require.NoError(t, err)
	require.Equal(t, jobapp.AppType, app.Config("type"))
	require.NoError(t, app.Run(t.Context(), jobapp.Builtin))
	require.Equal(t, jobapp.ExitOK, app.End(nil))

	res := readMarker(t, dir)
	require.Equal(t, "hello there", res.Section(jobapp.AppSection).Value(model.KeyReturnValue))
}
