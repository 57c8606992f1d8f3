// Package orchestrator claims submissions from watched directories, runs
// their jobs and archives the finished batches.
package orchestrator

import (
	"context"
	"time"

	"github.com/ntjobs/jobsos/internal/catalog"
	"github.com/ntjobs/jobsos/internal/model"
	"github.com/ntjobs/jobsos/internal/render"
)

// ClaimService moves submissions from watched directories into the inbox.
type ClaimService interface {
	Search(ctx context.Context) error
}

// DispatchService runs the pending batches of the inbox.
type DispatchService interface {
	Get(ctx context.Context) error
}

// ArchiveService moves finished batches out of the inbox.
type ArchiveService interface {
	Archive(ctx context.Context) error
}

// AuthorizationCatalog is the read-only view of the catalog used while
// claiming and running batches.
type AuthorizationCatalog interface {
	Authenticate(id, credential string) (catalog.User, error)
	LookupUser(id string) (catalog.User, bool)
	ResolveAction(name string) (catalog.Action, error)
	IsAuthorized(userGroups, actionGroups []string) bool
	Watched() map[string]string
}

// Recorder keeps the history of batches.
type Recorder interface {
	Start(ctx context.Context, uuid, slot, user string, started time.Time) error
	FinishOK(ctx context.Context, uuid string, jobsOK int, finished time.Time) error
	FinishErr(ctx context.Context, uuid, reason string, jobsOK, jobsErr int, finished time.Time) error
}

// Settings are the values of the base configuration the services need.
// Durations are already converted with Unit.
type Settings struct {
	Root       string
	Inbox      string
	Archive    string
	Unit       time.Duration
	Cycle      time.Duration
	Poll       time.Duration
	MinTimeout time.Duration
	Grace      time.Duration
	AdminMail  string
	MailFormat render.Format
}

func NewSettings(cfg model.Config, unit time.Duration) Settings {
	if unit <= 0 {
		unit = time.Second
	}
	format, err := render.ParseFormat(cfg.String(model.CfgMailFormat))
	if err != nil {
		format = render.FormatINI
	}
	return Settings{
		Root:       cfg.String(model.CfgPathRoot),
		Inbox:      cfg.String(model.CfgInbox),
		Archive:    cfg.String(model.CfgArchive),
		Unit:       unit,
		Cycle:      cfg.Duration(model.CfgWaitCycle, unit, 300*unit),
		Poll:       max(cfg.Duration(model.CfgWaitPoll, unit, 10*unit), unit),
		MinTimeout: cfg.Duration(model.CfgTimeoutMin, unit, 50*unit),
		Grace:      cfg.Duration(model.CfgWaitGrace, unit, 5*unit),
		AdminMail:  cfg.String(model.CfgAdminEmail),
		MailFormat: format,
	}
}

// recipient picks the address notified about a batch of owner.
func recipient(cat AuthorizationCatalog, owner string, admin string) string {
	if u, ok := cat.LookupUser(owner); ok && u.Mail != "" {
		return u.Mail
	}
	return admin
}
