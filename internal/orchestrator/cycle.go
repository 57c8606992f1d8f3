package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ntjobs/jobsos/internal/log"
)

// Services is what one cycle runs. Interval is the pause between cycles.
type Services struct {
	Claim    ClaimService
	Dispatch DispatchService
	Archive  ArchiveService
	Interval time.Duration
}

// ReloadFunc builds fresh services from reloaded tables.
type ReloadFunc func(ctx context.Context) (Services, error)

// Orchestrator repeats search, dispatch and archive cycles.
type Orchestrator struct {
	svc     Services
	control *Control
	reload  ReloadFunc
	once    bool
	cycles  int
}

func New(svc Services, control *Control) *Orchestrator {
	if control == nil {
		control = NewControl("")
	}
	return &Orchestrator{
		svc:     svc,
		control: control,
	}
}

func (o *Orchestrator) WithReload(fn ReloadFunc) *Orchestrator {
	o.reload = fn
	return o
}

// WithOnce makes Run return after a single cycle.
func (o *Orchestrator) WithOnce(once bool) *Orchestrator {
	o.once = once
	return o
}

func (o *Orchestrator) Cycles() int {
	return o.cycles
}

// Run runs cycles until ctx is done, a stop is requested or a cycle fails.
// Only a failed cycle is returned as an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if err := o.Cycle(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "orchestrator interrupted")
			return nil
		}
		o.control.Poll()
		if reason, ok := o.control.Stopping(); ok {
			slog.InfoContext(ctx, "orchestrator stopped", "reason", reason, "cycles", o.cycles)
			return nil
		}
		if o.once {
			return nil
		}
		if o.control.TakeReload() {
			o.doReload(ctx)
		}

		timer := time.NewTimer(o.svc.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.InfoContext(ctx, "orchestrator interrupted")
			return nil
		case <-timer.C:
		}
	}
}

// Cycle runs search, dispatch and archive once.
func (o *Orchestrator) Cycle(ctx context.Context) error {
	o.cycles++
	ctx = log.ContextAttrs(ctx, slog.Int("cycle", o.cycles))
	slog.DebugContext(ctx, "cycle started")

	if err := o.svc.Claim.Search(ctx); err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if err := o.svc.Dispatch.Get(ctx); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if err := o.svc.Archive.Archive(ctx); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}

// doReload swaps in freshly built services. On failure the current ones
// stay in use.
func (o *Orchestrator) doReload(ctx context.Context) {
	if o.reload == nil {
		slog.WarnContext(ctx, "reload requested but not supported")
		return
	}
	svc, err := o.reload(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "reload failed, keeping previous configuration", "error", err)
		return
	}
	o.svc = svc
	slog.InfoContext(ctx, "configuration reloaded")
}
