// Package catalog holds the users, groups and actions tables and answers
// who may run what.
package catalog

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/ntjobs/jobsos/internal/expand"
	"github.com/ntjobs/jobsos/internal/model"
	"golang.org/x/crypto/bcrypt"
)

const (
	UsersFile   = "ntjobs_users.csv"
	GroupsFile  = "ntjobs_groups.csv"
	ActionsFile = "ntjobs_actions.csv"
)

var ErrActionNotFound = errors.New("action not found")

var (
	userColumns = []column{
		{name: "USER", required: true},
		{name: "USER_NAME"},
		{name: "USER_NOTES"},
		{name: "USER_GROUPS"},
		{name: "USER_PATHS"},
		{name: "USER_MAIL", required: true},
		{name: "USER_PASSWORD", optional: true},
	}
	groupColumns = []column{
		{name: "GROUP_ID", required: true},
		{name: "GROUP_NAME"},
		{name: "GROUP_NOTES"},
	}
	actionColumns = []column{
		{name: "ACT_ID", required: true},
		{name: "ACT_NAME"},
		{name: "ACT_GROUPS"},
		{name: "ACT_SCRIPT"},
		{name: "ACT_ENABLED", required: true},
		{name: "ACT_PATH"},
		{name: "ACT_HELP"},
		{name: "ACT_TIMEOUT"},
		{name: "ACT_PARAMS", optional: true},
	}
)

type User struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Notes      string   `json:"notes,omitempty"`
	Groups     []string `json:"groups"`
	Paths      []string `json:"paths"`
	Mail       string   `json:"mail"`
	Credential string   `json:"-"`
}

type Group struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Notes string `json:"notes,omitempty"`
}

type Action struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Groups  []string `json:"groups"`
	Script  string   `json:"script,omitempty"`
	Enabled bool     `json:"enabled"`
	Path    string   `json:"path,omitempty"`
	Help    string   `json:"help,omitempty"`
	Timeout int      `json:"timeout"`
	Params  string   `json:"params,omitempty"`
	enabled string
}

// Internal reports whether the orchestrator runs the action itself.
func (a Action) Internal() bool {
	return strings.HasPrefix(a.ID, model.InternalPrefix)
}

type Catalog struct {
	users   map[string]User
	groups  map[string]Group
	actions map[string]Action
	watched map[string]string
}

// Load reads the three tables from root. Values are expanded against cfg,
// so paths may use $PATHROOT.
func Load(root string, cfg model.Config) (*Catalog, error) {
	c := &Catalog{
		users:   make(map[string]User),
		groups:  make(map[string]Group),
		actions: make(map[string]Action),
		watched: make(map[string]string),
	}

	load := func(name string, columns []column) ([]record, error) {
		path := filepath.Join(root, name)
		recs, err := readTable(path, columns)
		if err != nil {
			return nil, model.ConfigurationError("reading %s: %w", path, err)
		}
		for _, r := range recs {
			for k, v := range r {
				if k != "USER_PASSWORD" {
					r[k] = expand.Expand(v, cfg)
				}
			}
		}
		return recs, nil
	}

	groups, err := load(GroupsFile, groupColumns)
	if err != nil {
		return nil, err
	}
	for _, r := range groups {
		g := Group{ID: r["GROUP_ID"], Name: r["GROUP_NAME"], Notes: r["GROUP_NOTES"]}
		if _, ok := c.groups[g.ID]; ok {
			return nil, model.ConfigurationError("%s: duplicate group %s", GroupsFile, g.ID)
		}
		c.groups[g.ID] = g
	}

	users, err := load(UsersFile, userColumns)
	if err != nil {
		return nil, err
	}
	for _, r := range users {
		u := User{
			ID:         r["USER"],
			Name:       r["USER_NAME"],
			Notes:      r["USER_NOTES"],
			Groups:     model.SplitList(r["USER_GROUPS"]),
			Mail:       r["USER_MAIL"],
			Credential: r["USER_PASSWORD"],
		}
		for _, p := range model.SplitList(r["USER_PATHS"]) {
			u.Paths = append(u.Paths, filepath.Clean(p))
		}
		if _, ok := c.users[u.ID]; ok {
			return nil, model.ConfigurationError("%s: duplicate user %s", UsersFile, u.ID)
		}
		for _, p := range u.Paths {
			if owner, ok := c.watched[p]; ok {
				return nil, model.ConfigurationError("%s: path %s watched for both %s and %s", UsersFile, p, owner, u.ID)
			}
			c.watched[p] = u.ID
		}
		c.users[u.ID] = u
	}

	actions, err := load(ActionsFile, actionColumns)
	if err != nil {
		return nil, err
	}
	for _, r := range actions {
		a := Action{
			ID:      strings.ToUpper(r["ACT_ID"]),
			Name:    r["ACT_NAME"],
			Groups:  model.SplitList(r["ACT_GROUPS"]),
			Script:  r["ACT_SCRIPT"],
			Path:    r["ACT_PATH"],
			Help:    r["ACT_HELP"],
			Params:  r["ACT_PARAMS"],
			enabled: r["ACT_ENABLED"],
		}
		a.Enabled, _ = model.ParseBool(a.enabled)
		if t := r["ACT_TIMEOUT"]; t != "" {
			if _, err := fmt.Sscan(t, &a.Timeout); err != nil || a.Timeout < 0 {
				return nil, model.ConfigurationError("%s: action %s: invalid ACT_TIMEOUT %q", ActionsFile, a.ID, t)
			}
		}
		if _, ok := c.actions[a.ID]; ok {
			return nil, model.ConfigurationError("%s: duplicate action %s", ActionsFile, a.ID)
		}
		c.actions[a.ID] = a
	}
	return c, nil
}

var (
	reID       = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	reActionID = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)
	reName     = regexp.MustCompile(`^[\p{L} ]*$`)
)

// Verify checks the cross references and field formats of the tables.
func (c *Catalog) Verify() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	for _, g := range c.Groups() {
		if !reID.MatchString(g.ID) {
			add("group %q: id must be alphanumeric", g.ID)
		}
		if !reName.MatchString(g.Name) {
			add("group %s: name %q must contain letters and spaces only", g.ID, g.Name)
		}
	}
	for _, u := range c.Users() {
		if !reID.MatchString(u.ID) {
			add("user %q: id must be alphanumeric", u.ID)
		}
		if !reName.MatchString(u.Name) {
			add("user %s: name %q must contain letters and spaces only", u.ID, u.Name)
		}
		if !model.IsEmail(u.Mail) {
			add("user %s: mail %q is not an email address", u.ID, u.Mail)
		}
		for _, g := range u.Groups {
			if _, ok := c.groups[g]; !ok {
				add("user %s: unknown group %s", u.ID, g)
			}
		}
	}
	for _, a := range c.Actions() {
		if !reActionID.MatchString(a.ID) {
			add("action %q: id must be alphanumeric, dots allowed", a.ID)
		}
		if _, err := model.ParseBool(a.enabled); err != nil {
			add("action %s: ACT_ENABLED: %w", a.ID, err)
		}
		for _, g := range a.Groups {
			if _, ok := c.groups[g]; !ok {
				add("action %s: unknown group %s", a.ID, g)
			}
		}
		if a.Path != "" {
			if fi, err := os.Stat(a.Path); err != nil || !fi.IsDir() {
				add("action %s: path %s is not a directory", a.ID, a.Path)
			}
		}
	}

	if len(errs) > 0 {
		return model.ConfigurationError("invalid catalog: %w", errors.Join(errs...))
	}
	return nil
}

// IsAuthorized reports whether a user in userGroups may run an action
// restricted to actionGroups. An action without groups is open to everyone.
func IsAuthorized(userGroups, actionGroups []string) bool {
	if len(actionGroups) == 0 {
		return true
	}
	for _, g := range userGroups {
		if slices.Contains(actionGroups, g) {
			return true
		}
	}
	return false
}

func (c *Catalog) IsAuthorized(userGroups, actionGroups []string) bool {
	return IsAuthorized(userGroups, actionGroups)
}

// ResolveAction looks the action up by its case insensitive ID. Disabled
// actions are returned too.
func (c *Catalog) ResolveAction(name string) (Action, error) {
	a, ok := c.actions[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Action{}, fmt.Errorf("%w: %s", ErrActionNotFound, name)
	}
	return a, nil
}

func (c *Catalog) LookupUser(id string) (User, bool) {
	u, ok := c.users[id]
	return u, ok
}

// Authenticate returns the user when credential matches the stored one.
// Stored bcrypt hashes are compared with bcrypt, other values verbatim.
// A user without a stored credential accepts any.
func (c *Catalog) Authenticate(id, credential string) (User, error) {
	u, ok := c.users[id]
	if !ok {
		return User{}, model.AuthorizationError("unknown user %s", id)
	}
	switch {
	case u.Credential == "":
		return u, nil
	case isBcrypt(u.Credential):
		if err := bcrypt.CompareHashAndPassword([]byte(u.Credential), []byte(credential)); err != nil {
			return User{}, model.AuthorizationError("user %s: invalid credential", id)
		}
	default:
		if subtle.ConstantTimeCompare([]byte(u.Credential), []byte(credential)) != 1 {
			return User{}, model.AuthorizationError("user %s: invalid credential", id)
		}
	}
	return u, nil
}

func isBcrypt(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// Watched returns watched directory to owner pairs.
func (c *Catalog) Watched() map[string]string {
	out := make(map[string]string, len(c.watched))
	for k, v := range c.watched {
		out[k] = v
	}
	return out
}

func (c *Catalog) Users() []User {
	return sortedValues(c.users, func(u User) string { return u.ID })
}

func (c *Catalog) Groups() []Group {
	return sortedValues(c.groups, func(g Group) string { return g.ID })
}

func (c *Catalog) Actions() []Action {
	return sortedValues(c.actions, func(a Action) string { return a.ID })
}

func sortedValues[T any](m map[string]T, id func(T) string) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b T) int { return strings.Compare(id(a), id(b)) })
	return out
}
