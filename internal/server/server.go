// Package server exposes the bridge's HTTP surface: invocation, job, and
// invocation-history endpoints under /v1, plus health and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/agentbridge/internal/auth"
	"github.com/haasonsaas/agentbridge/internal/dispatch"
	"github.com/haasonsaas/agentbridge/internal/jobs"
	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/internal/tenant"
)

// Server wires the HTTP surface to the dispatcher and job tracker.
type Server struct {
	guard      *tenant.Guard
	dispatcher *dispatch.Dispatcher
	jobs       *jobs.Tracker
	verifier   *auth.Verifier
	logger     *observability.Logger
	metrics    *observability.Metrics
	registry   *prometheus.Registry
	table      string

	httpServer *http.Server
}

// Options carries the server's collaborators.
type Options struct {
	Addr       string
	Guard      *tenant.Guard
	Dispatcher *dispatch.Dispatcher
	Jobs       *jobs.Tracker
	Verifier   *auth.Verifier
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Registry   *prometheus.Registry
	Table      string
}

// New builds the server and its route table.
func New(opts Options) *Server {
	s := &Server{
		guard:      opts.Guard,
		dispatcher: opts.Dispatcher,
		jobs:       opts.Jobs,
		verifier:   opts.Verifier,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		registry:   opts.Registry,
		table:      opts.Table,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler assembles the full route table with middleware applied. Exposed
// so tests can drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	authed := auth.Middleware(s.verifier, s.logger, func(w http.ResponseWriter, r *http.Request, err error) {
		s.writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "valid credentials required")
	})

	mux.Handle("POST /v1/agents/{name}/invoke", authed(http.HandlerFunc(s.handleInvoke)))
	mux.Handle("GET /v1/jobs/{id}", authed(http.HandlerFunc(s.handleGetJob)))
	mux.Handle("GET /v1/jobs", authed(http.HandlerFunc(s.handleListJobs)))
	mux.Handle("POST /v1/jobs/{id}/fail", authed(http.HandlerFunc(s.handleFailJob)))
	mux.Handle("GET /v1/invocations", authed(http.HandlerFunc(s.handleListInvocations)))
	mux.Handle("GET /v1/admin/scan", authed(http.HandlerFunc(s.handleAdminScan)))

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	var handler http.Handler = mux
	handler = s.requestIDMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	return handler
}

// ListenAndServe runs the server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "http server listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}
