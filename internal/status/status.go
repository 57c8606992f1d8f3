// Package status serves a read-only HTTP view of the orchestrator: its
// health, the action catalog and the batch history.
package status

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ntjobs/jobsos/internal/catalog"
	"github.com/ntjobs/jobsos/internal/store"
)

const BasePath = "/v1"

// Source is what the handler reports on.
type Source interface {
	Actions() []catalog.Action
	Batches(ctx context.Context, limit int) ([]store.BatchRow, error)
}

type Config struct {
	Source  Source
	Version string
}

// New returns the status API handler.
func New(cfg Config) (http.Handler, error) {
	if cfg.Source == nil {
		return nil, errors.New("status: no source")
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	hcfg := huma.DefaultConfig("jobsos status", version)
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, BasePath)

	registerHealth(group, version)
	registerActions(group, cfg.Source)
	registerBatches(group, cfg.Source)
	return router, nil
}

type healthOutput struct {
	Body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
}

func registerHealth(api huma.API, version string) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		out.Body.Version = version
		return out, nil
	})
}

func registerActions(api huma.API, src Source) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List catalog actions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []actionDTO
	}, error) {
		actions := src.Actions()
		body := make([]actionDTO, 0, len(actions))
		for _, a := range actions {
			body = append(body, newActionDTO(a))
		}
		return &struct {
			Body []actionDTO
		}{Body: body}, nil
	})
}

func registerBatches(api huma.API, src Source) {
	type listInput struct {
		Limit int `query:"limit" default:"20" minimum:"1" maximum:"1000" doc:"Number of batches, newest first"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List recent batches",
	}, func(ctx context.Context, in *listInput) (*struct {
		Body []batchDTO
	}, error) {
		rows, err := src.Batches(ctx, in.Limit)
		if err != nil {
			slog.ErrorContext(ctx, "listing batches failed", "error", err)
			return nil, huma.Error500InternalServerError("listing batches failed")
		}
		body := make([]batchDTO, 0, len(rows))
		for _, r := range rows {
			body = append(body, newBatchDTO(r))
		}
		return &struct {
			Body []batchDTO
		}{Body: body}, nil
	})
}

// Serve serves h on ln until ctx is done and shuts the server down then.
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves h until ctx is done.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "status server listening", "addr", ln.Addr().String())
	return Serve(ctx, ln, h)
}
