package catalog_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ntjobs/jobsos/internal/catalog"
	"github.com/ntjobs/jobsos/internal/model"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func writeTables(t *testing.T, users, groups, actions string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range map[string]string{
		catalog.UsersFile:   users,
		catalog.GroupsFile:  groups,
		catalog.ActionsFile: actions,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(strings.TrimLeft(content, "\n")), 0o644))
	}
	return root
}

const (
	groupsCSV = `
GROUP_ID;GROUP_NAME;GROUP_NOTES
ops;Operations;
dev;Developers;night shift
`
	actionsCSV = `
ACT_ID;ACT_NAME;ACT_GROUPS;ACT_SCRIPT;ACT_ENABLED;ACT_PATH;ACT_HELP;ACT_TIMEOUT;ACT_PARAMS
echo;Echo;;$PATHROOT/bin/echo.sh;true;;prints;0;
deploy;Deploy;ops;$PATHROOT/bin/deploy.sh;yes;;;120;--fast
old;Old;dev;old.sh;false;;;;
SYS.QUIT;Quit;ops;;true;;;;
`
)

func usersCSV(hash string) string {
	return `
USER;USER_NAME;USER_NOTES;USER_GROUPS;USER_PATHS;USER_MAIL;USER_PASSWORD
alice;Alice;;ops,dev;$PATHROOT/alice;alice@example.com;secret
bob;Bob;;dev;$PATHROOT/bob, $PATHROOT/bob2;bob@example.com;` + hash + `
carol;Carol;;;;carol@example.com;
`
}

func load(t *testing.T) *catalog.Catalog {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	root := writeTables(t, usersCSV(string(hash)), groupsCSV, actionsCSV)
	cat, err := catalog.Load(root, model.Config{model.CfgPathRoot: "/srv"})
	require.NoError(t, err)
	return cat
}

func TestLoad(t *testing.T) {
	t.Parallel()
	cat := load(t)
	require.NoError(t, cat.Verify())

	require.Len(t, cat.Users(), 3)
	require.Len(t, cat.Groups(), 2)
	require.Len(t, cat.Actions(), 4)

	deploy, err := cat.ResolveAction("Deploy")
	require.NoError(t, err)
	require.Equal(t, "DEPLOY", deploy.ID)
	require.Equal(t, "/srv/bin/deploy.sh", deploy.Script)
	require.True(t, deploy.Enabled)
	require.Equal(t, 120, deploy.Timeout)
	require.Equal(t, "--fast", deploy.Params)
	require.Equal(t, []string{"ops"}, deploy.Groups)

	old, err := cat.ResolveAction("OLD")
	require.NoError(t, err)
	require.False(t, old.Enabled)

	quit, err := cat.ResolveAction("sys.quit")
	require.NoError(t, err)
	require.True(t, quit.Internal())

	_, err = cat.ResolveAction("missing")
	require.ErrorIs(t, err, catalog.ErrActionNotFound)

	require.Equal(t, map[string]string{
		"/srv/alice": "alice",
		"/srv/bob":   "bob",
		"/srv/bob2":  "bob",
	}, cat.Watched())
}

func TestIsAuthorized(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		user     []string
		action   []string
		then     bool
	}{
		{"open action", []string{"dev"}, nil, true},
		{"open action no groups", nil, nil, true},
		{"intersect", []string{"dev", "ops"}, []string{"ops"}, true},
		{"disjoint", []string{"dev"}, []string{"ops"}, false},
		{"user without groups", nil, []string{"ops"}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			require.Equal(t, tc.then, catalog.IsAuthorized(tc.user, tc.action))
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	cat := load(t)

	u, err := cat.Authenticate("alice", "secret")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", u.Mail)

	_, err = cat.Authenticate("alice", "wrong")
	require.ErrorIs(t, err, model.ErrAuthorization)

	_, err = cat.Authenticate("bob", "hunter2")
	require.NoError(t, err)
	_, err = cat.Authenticate("bob", "hunter3")
	require.ErrorIs(t, err, model.ErrAuthorization)

	_, err = cat.Authenticate("carol", "anything")
	require.NoError(t, err)

	_, err = cat.Authenticate("mallory", "")
	require.ErrorIs(t, err, model.ErrAuthorization)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		users    string
		groups   string
		then     string
	}{
		{
			scenario: "header mismatch",
			users:    "USER;USER_MAIL\nalice;a@example.com\n",
			groups:   groupsCSV,
			then:     "header mismatch",
		},
		{
			scenario: "field count",
			users:    "USER;USER_NAME;USER_NOTES;USER_GROUPS;USER_PATHS;USER_MAIL\nalice;Alice\n",
			groups:   groupsCSV,
			then:     "wrong number of fields",
		},
		{
			scenario: "required field",
			users:    "USER;USER_NAME;USER_NOTES;USER_GROUPS;USER_PATHS;USER_MAIL\nalice;Alice;;;;\n",
			groups:   groupsCSV,
			then:     "USER_MAIL is required",
		},
		{
			scenario: "duplicate group",
			users:    usersCSV(""),
			groups:   "GROUP_ID,GROUP_NAME,GROUP_NOTES\nops,Ops,\nops,Ops again,\n",
			then:     "duplicate group ops",
		},
		{
			scenario: "shared watched path",
			users:    "USER;USER_NAME;USER_NOTES;USER_GROUPS;USER_PATHS;USER_MAIL\na;A;;;/x;a@example.com\nb;B;;;/x;b@example.com\n",
			groups:   groupsCSV,
			then:     "watched for both",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			root := writeTables(t, tc.users, tc.groups, actionsCSV)
			_, err := catalog.Load(root, nil)
			require.ErrorIs(t, err, model.ErrConfiguration)
			require.ErrorContains(t, err, tc.then)
		})
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	root := writeTables(t,
		"USER;USER_NAME;USER_NOTES;USER_GROUPS;USER_PATHS;USER_MAIL\nal-ice;Al1ce;;ghosts;;not-mail\n",
		groupsCSV,
		"ACT_ID;ACT_NAME;ACT_GROUPS;ACT_SCRIPT;ACT_ENABLED;ACT_PATH;ACT_HELP;ACT_TIMEOUT\nrun;Run;nobody;x.sh;maybe;/does/not/exist;;\n",
	)
	cat, err := catalog.Load(root, nil)
	require.NoError(t, err)

	err = cat.Verify()
	require.ErrorIs(t, err, model.ErrConfiguration)
	for _, want := range []string{
		`user "al-ice": id must be alphanumeric`,
		"name \"Al1ce\"",
		"not an email address",
		"unknown group ghosts",
		"unknown group nobody",
		"ACT_ENABLED",
		"is not a directory",
	} {
		require.ErrorContains(t, err, want)
	}
}
