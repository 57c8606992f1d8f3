package status

import (
	"time"

	"github.com/ntjobs/jobsos/internal/catalog"
	"github.com/ntjobs/jobsos/internal/store"
)

type actionDTO struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Groups   []string `json:"groups"`
	Enabled  bool     `json:"enabled"`
	Internal bool     `json:"internal"`
	Help     string   `json:"help,omitempty"`
	Timeout  int      `json:"timeout"`
}

func newActionDTO(a catalog.Action) actionDTO {
	groups := a.Groups
	if groups == nil {
		groups = []string{}
	}
	return actionDTO{
		ID:       a.ID,
		Name:     a.Name,
		Groups:   groups,
		Enabled:  a.Enabled,
		Internal: a.Internal(),
		Help:     a.Help,
		Timeout:  a.Timeout,
	}
}

type batchDTO struct {
	UUID          string     `json:"uuid"`
	Slot          string     `json:"slot"`
	User          string     `json:"user"`
	Started       time.Time  `json:"started"`
	Finished      *time.Time `json:"finished,omitempty"`
	InProgress    bool       `json:"in_progress"`
	Success       *bool      `json:"success,omitempty"`
	JobsOK        int        `json:"jobs_ok"`
	JobsErr       int        `json:"jobs_err"`
	FailureReason *string    `json:"failure_reason,omitempty"`
}

func newBatchDTO(r store.BatchRow) batchDTO {
	return batchDTO{
		UUID:          r.UUID,
		Slot:          r.Slot,
		User:          r.User,
		Started:       r.Started,
		Finished:      r.Finished,
		InProgress:    r.InProgress,
		Success:       r.Success,
		JobsOK:        r.JobsOK,
		JobsErr:       r.JobsErr,
		FailureReason: r.FailureReason,
	}
}
