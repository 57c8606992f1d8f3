package orchestrator_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ntjobs/jobsos/internal/catalog"
	"github.com/ntjobs/jobsos/internal/config"
	"github.com/ntjobs/jobsos/internal/inifile"
	"github.com/ntjobs/jobsos/internal/model"
	"github.com/ntjobs/jobsos/internal/orchestrator"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type message struct {
	to          string
	subject     string
	body        string
	attachments []string
}

type outbox struct {
	mx   sync.Mutex
	msgs []message
}

func (o *outbox) SendMail(_ context.Context, to, subject, body string, attachments []string) error {
	o.mx.Lock()
	defer o.mx.Unlock()
	o.msgs = append(o.msgs, message{to: to, subject: subject, body: body, attachments: attachments})
	return nil
}

func (o *outbox) sent() []message {
	o.mx.Lock()
	defer o.mx.Unlock()
	return append([]message(nil), o.msgs...)
}

const usersCSV = `USER;USER_NAME;USER_NOTES;USER_GROUPS;USER_PATHS;USER_MAIL;USER_PASSWORD
alice;Alice;;ops;$PATHROOT/alice;alice@example.com;
bob;Bob;;dev;$PATHROOT/bob;bob@example.com;pw
`

const groupsCSV = `GROUP_ID;GROUP_NAME;GROUP_NOTES
ops;Operations;
dev;Developers;
`

const actionsCSV = `ACT_ID;ACT_NAME;ACT_GROUPS;ACT_SCRIPT;ACT_ENABLED;ACT_PATH;ACT_HELP;ACT_TIMEOUT;ACT_PARAMS
ECHO;Echo;;bin/echo.sh;true;;;0;
SLEEP;Sleep;;bin/sleep.sh;true;;;100;
FAIL;Fail;;bin/fail.sh;true;;;0;
SLOW;Slow;;bin/slow.sh;true;;;1;
REPORT;Report;;bin/report.sh;true;;;0;
SPAWN;Spawn;;bin/spawn.sh;true;;;100;
DEPLOY;Deploy;ops;bin/echo.sh;true;;;0;
OLD;Old;;bin/echo.sh;false;;;0;
NOSCRIPT;No script;;;true;;;0;
SYS.NOOP;Noop;;;true;;;0;
SYS.QUIT;Quit;ops;;true;;;0;
SYS.RELOAD;Reload;ops;;true;;;0;
SYS.EMAIL.USER;Mail;;;true;;;0;
SYS.EMAIL.ADMIN;Mail admin;;;true;;;0;
`

// echo.sh answers with the TEXT field of its job and one result file,
// report.sh writes a broken or failing marker depending on MODE and
// spawn.sh leaves a worker behind that appends to beat.
var scripts = map[string]string{
	"echo.sh": `#!/bin/sh
text=$(sed -n 's/^TEXT *= *//p' "$JOBSOS_PARAMS")
printf 'result of %s\n' "$JOBSOS_JOB" > out.txt
{
	echo "[$JOBSOS_JOB]"
	echo "RETURN.TYPE = S"
	echo "RETURN.VALUE = $text"
	echo "RETURN.FILE.1 = out.txt"
} > "$JOBSOS_MARKER.tmp"
mv "$JOBSOS_MARKER.tmp" "$JOBSOS_MARKER"
`,
	"sleep.sh": `#!/bin/sh
trap 'echo term > terminated; exit 0' TERM
while :; do sleep 0.05; done
`,
	"fail.sh": `#!/bin/sh
echo failing >&2
exit 3
`,
	"slow.sh": `#!/bin/sh
sleep 0.3
`,
	"report.sh": `#!/bin/sh
mode=$(sed -n 's/^MODE *= *//p' "$JOBSOS_PARAMS")
{
	echo "[$JOBSOS_JOB]"
	case $mode in
	missing)
		echo "RETURN.TYPE = S"
		echo "RETURN.FILE.1 = nothere.txt"
		;;
	error)
		echo "RETURN.TYPE = E"
		echo "RETURN.VALUE = Error: disk full"
		;;
	esac
} > "$JOBSOS_MARKER.tmp"
mv "$JOBSOS_MARKER.tmp" "$JOBSOS_MARKER"
`,
	"spawn.sh": `#!/bin/sh
(while :; do echo x >> beat; sleep 0.02; done) &
wait
`,
}

var baseConfig = map[string]string{
	"TYPE":        "NTJOBS.CONFIG.1",
	"ADMIN.EMAIL": "admin@example.com",
	"MAIL.ENGINE": "NONE",
	"TIMEOUT":     "5000",
	"TIMEOUT.MIN": "10",
	"WAIT.POLL":   "10",
	"WAIT.GRACE":  "300",
	"WAIT.CYCLE":  "10",
	"HISTORY.DB":  "history.db",
	"BILLING":     "billing.csv",
}

type fixture struct {
	root   string
	mail   *outbox
	loader *orchestrator.Loader
	svc    orchestrator.Services
}

// newFixture writes a configuration root with two users, their watched
// directories and shell job scripts. Time values are in milliseconds.
func newFixture(t *testing.T, overrides map[string]string) *fixture {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	root := t.TempDir()
	values := make(map[string]string, len(baseConfig))
	for k, v := range baseConfig {
		values[k] = v
	}
	for k, v := range overrides {
		values[k] = v
	}
	var cfg strings.Builder
	cfg.WriteString("[MAIN]\n")
	for k, v := range values {
		cfg.WriteString(k + " = " + v + "\n")
	}
	write(t, filepath.Join(root, config.FileName), cfg.String(), 0o644)
	write(t, filepath.Join(root, catalog.UsersFile), usersCSV, 0o644)
	write(t, filepath.Join(root, catalog.GroupsFile), groupsCSV, 0o644)
	write(t, filepath.Join(root, catalog.ActionsFile), actionsCSV, 0o644)
	for name, body := range scripts {
		write(t, filepath.Join(root, "bin", name), body, 0o755)
	}
	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, u), 0o755))
	}

	f := &fixture{root: root, mail: &outbox{}}
	loader, err := orchestrator.Load(t.Context(), orchestrator.Options{
		Root: root,
		Unit: time.Millisecond,
		Mail: f.mail,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, loader.Close()) })
	f.loader = loader

	f.svc, err = loader.Services()
	require.NoError(t, err)
	return f
}

func write(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
}

func (f *fixture) inbox() string   { return filepath.Join(f.root, "inbox") }
func (f *fixture) archive() string { return filepath.Join(f.root, "archive") }

func (f *fixture) submit(t *testing.T, user, content string) {
	t.Helper()
	write(t, filepath.Join(f.root, user, model.SubmissionFile), content, 0o644)
}

func slots(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}

// run claims and dispatches a submission of user and returns the slot
// together with its result file.
func (f *fixture) run(t *testing.T, user, content string) (string, *model.Batch) {
	t.Helper()
	f.submit(t, user, content)
	ctx := t.Context()
	require.NoError(t, f.svc.Claim.Search(ctx))
	require.NoError(t, f.svc.Dispatch.Get(ctx))

	all := slots(t, f.inbox())
	require.Len(t, all, 1)
	res, err := inifile.Read(filepath.Join(all[0], model.ResultFile))
	require.NoError(t, err)
	return all[0], res
}

func field(t *testing.T, b *model.Batch, section, key string) string {
	t.Helper()
	s := b.Section(section)
	require.NotNilf(t, s, "section %s missing", section)
	return s.Value(key)
}
