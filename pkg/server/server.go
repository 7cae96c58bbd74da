// Package server exposes the pipeline engine over HTTP: an SSE ask endpoint,
// pipeline validation, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/codeqa/pkg/auth"
	"github.com/kadirpekel/codeqa/pkg/engine"
	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

// pipelineNameRe restricts which files an API caller can address.
var pipelineNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Options wires the server's collaborators.
type Options struct {
	Loader          *pipeline.Loader
	Runtime         *runtime.Runtime
	PipelinesDir    string
	DefaultPipeline string
	Validator       *auth.JWTValidator
}

// Server is the HTTP surface over the engine.
type Server struct {
	loader          *pipeline.Loader
	rt              *runtime.Runtime
	pipelinesDir    string
	defaultPipeline string
	validator       *auth.JWTValidator

	// activeRuns maps run id to the cancel func of the serving request.
	activeRuns sync.Map
}

// New creates the server.
func New(opts Options) (*Server, error) {
	if opts.Loader == nil {
		return nil, fmt.Errorf("pipeline loader is required")
	}
	if opts.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if opts.PipelinesDir == "" {
		return nil, fmt.Errorf("pipelines directory is required")
	}
	return &Server{
		loader:          opts.Loader,
		rt:              opts.Runtime,
		pipelinesDir:    opts.PipelinesDir,
		defaultPipeline: opts.DefaultPipeline,
		validator:       opts.Validator,
	}, nil
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		if s.validator != nil {
			r.Use(s.validator.HTTPMiddleware)
		}
		r.Post("/ask", s.handleAsk)
		r.Post("/cancel/{run_id}", s.handleCancel)
		r.Post("/pipelines/{pipeline}/validate", s.handleValidate)
	})
	return r
}

// ListenAndServe blocks serving HTTP until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// pipelinePath resolves an API pipeline name to a file under the pipelines
// directory. Names with path characters are rejected.
func (s *Server) pipelinePath(name string) (string, error) {
	if name == "" {
		name = s.defaultPipeline
	}
	if name == "" {
		return "", fmt.Errorf("no pipeline specified and no default configured")
	}
	if !pipelineNameRe.MatchString(name) {
		return "", fmt.Errorf("invalid pipeline name %q", name)
	}
	return filepath.Join(s.pipelinesDir, name+".yaml"), nil
}

// handleValidate reloads a pipeline from disk and reports whether it is
// valid. The loader cache is invalidated first so edits are picked up.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	path, err := s.pipelinePath(chi.URLParam(r, "pipeline"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.loader.Invalidate(path)

	w.Header().Set("Content-Type", "application/json")
	def, err := s.loader.Load(path)
	if err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": false, "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"valid":       true,
		"name":        def.Name,
		"steps":       len(def.Steps),
		"fingerprint": def.Fingerprint,
	})
}

// handleCancel aborts a streaming run by id. The id is streamed to the caller
// in the run's trace events.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	v, ok := s.activeRuns.Load(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("run %q not found", runID))
		return
	}
	v.(context.CancelFunc)()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "cancelling", "run_id": runID})
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) newEngine(sink runtime.TraceSink) *engine.Engine {
	rt := *s.rt
	rt.Trace = sink
	return engine.New(&rt)
}
