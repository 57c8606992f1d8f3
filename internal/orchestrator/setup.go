package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ntjobs/jobsos/internal/catalog"
	"github.com/ntjobs/jobsos/internal/config"
	"github.com/ntjobs/jobsos/internal/mail"
	"github.com/ntjobs/jobsos/internal/model"
	"github.com/ntjobs/jobsos/internal/store"
)

type Options struct {
	// Root is the directory holding the configuration file and the catalog
	// tables.
	Root string
	// Unit converts the numeric time values of the configuration.
	Unit time.Duration
	// Mail replaces the sender selected by MAIL.ENGINE.
	Mail mail.Sender
	Now  func() time.Time
}

// Loader reads the tables from the configuration root and builds the
// services. It keeps the tables in use for other readers.
type Loader struct {
	opts    Options
	control *Control
	history *store.Store

	mx      sync.RWMutex
	base    *config.Base
	catalog *catalog.Catalog
}

// Load loads and verifies the configuration and the catalog, creates the
// inbox and archive and opens the history database when configured.
func Load(ctx context.Context, opts Options) (*Loader, error) {
	if opts.Unit <= 0 {
		opts.Unit = time.Second
	}
	l := &Loader{opts: opts}
	base, cat, err := l.tables()
	if err != nil {
		return nil, err
	}
	l.base, l.catalog = base, cat

	l.control = NewControl(base.Values.String(model.CfgPathRoot))
	if err := l.control.Reset(); err != nil {
		return nil, model.ConfigurationError("removing control markers: %w", err)
	}

	if p := base.Values.String(model.CfgHistoryDB); p != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base.Values.String(model.CfgPathRoot), p)
		}
		l.history, err = store.Open(ctx, p)
		if err != nil {
			return nil, model.ConfigurationError("opening history %s: %w", p, err)
		}
	}
	return l, nil
}

func (l *Loader) tables() (*config.Base, *catalog.Catalog, error) {
	base, err := config.Load(l.opts.Root)
	if err != nil {
		return nil, nil, err
	}
	if err := base.Verify(); err != nil {
		return nil, nil, err
	}
	if err := base.EnsureDirs(); err != nil {
		return nil, nil, err
	}
	cat, err := catalog.Load(l.opts.Root, base.Values)
	if err != nil {
		return nil, nil, err
	}
	if err := cat.Verify(); err != nil {
		return nil, nil, err
	}
	return base, cat, nil
}

// Services builds the services from the tables currently loaded.
func (l *Loader) Services() (Services, error) {
	l.mx.RLock()
	base, cat := l.base, l.catalog
	l.mx.RUnlock()

	sender := l.opts.Mail
	if sender == nil {
		var err error
		sender, err = mail.New(base.Values)
		if err != nil {
			return Services{}, fmt.Errorf("mail: %w", err)
		}
	}
	settings := NewSettings(base.Values, l.opts.Unit)

	d := NewDispatcher(settings, base, cat, sender, l.control).WithClock(l.opts.Now)
	if l.history != nil {
		d = d.WithHistory(l.history)
	}
	if p := base.Values.String(model.CfgBilling); p != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(settings.Root, p)
		}
		d = d.WithBilling(NewBilling(p))
	}

	return Services{
		Claim:    NewClaimer(settings, cat, sender).WithClock(l.opts.Now),
		Dispatch: d,
		Archive:  NewArchiver(settings.Inbox, settings.Archive),
		Interval: settings.Cycle,
	}, nil
}

// Reload reads the tables again and builds new services. The previous
// tables stay when anything fails.
func (l *Loader) Reload(ctx context.Context) (Services, error) {
	base, cat, err := l.tables()
	if err != nil {
		return Services{}, err
	}
	l.mx.Lock()
	oldBase, oldCat := l.base, l.catalog
	l.base, l.catalog = base, cat
	l.mx.Unlock()

	svc, err := l.Services()
	if err != nil {
		l.mx.Lock()
		l.base, l.catalog = oldBase, oldCat
		l.mx.Unlock()
		return Services{}, err
	}
	return svc, nil
}

// Orchestrator returns an orchestrator reloading through l.
func (l *Loader) Orchestrator() (*Orchestrator, error) {
	svc, err := l.Services()
	if err != nil {
		return nil, err
	}
	return New(svc, l.control).WithReload(l.Reload), nil
}

func (l *Loader) Base() *config.Base {
	l.mx.RLock()
	defer l.mx.RUnlock()
	return l.base
}

func (l *Loader) Catalog() *catalog.Catalog {
	l.mx.RLock()
	defer l.mx.RUnlock()
	return l.catalog
}

// Actions lists the actions of the current catalog.
func (l *Loader) Actions() []catalog.Action {
	return l.Catalog().Actions()
}

// Batches lists the most recent batches, none without a history database.
func (l *Loader) Batches(ctx context.Context, limit int) ([]store.BatchRow, error) {
	if l.history == nil {
		return nil, nil
	}
	return l.history.List(ctx, limit)
}

func (l *Loader) Close() error {
	if l.history == nil {
		return nil
	}
	return l.history.Close()
}
