package orchestrator

import (
	"encoding/csv"
	"os"
	"sync"
	"time"

	"github.com/ntjobs/jobsos/internal/model"
)

var billingHeader = []string{"TS_START", "TS_END", "USER", "ACTION", "COMMAND", "TAGS", "NOTES"}

type BillingRecord struct {
	Start   time.Time
	End     time.Time
	User    string
	Action  string
	Command string
	Tags    string
	Notes   string
}

// Billing appends one ';' separated line per external job to a ledger.
type Billing struct {
	path string
	mx   sync.Mutex
}

func NewBilling(path string) *Billing {
	return &Billing{path: path}
}

func (b *Billing) Append(rec BillingRecord) error {
	b.mx.Lock()
	defer b.mx.Unlock()

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}

	w := csv.NewWriter(f)
	w.Comma = ';'
	if fi.Size() == 0 {
		_ = w.Write(billingHeader)
	}
	_ = w.Write([]string{
		model.Timestamp(rec.Start),
		model.Timestamp(rec.End),
		rec.User,
		rec.Action,
		rec.Command,
		rec.Tags,
		rec.Notes,
	})
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
