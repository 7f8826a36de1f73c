// Package api exposes runs, approval decisions and exclusions over HTTP.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/traverse-calendar/traverse/pkg/reconcile"
	"github.com/traverse-calendar/traverse/pkg/stores"
	"github.com/traverse-calendar/traverse/pkg/telemetry"
	"github.com/traverse-calendar/traverse/pkg/workflow"
)

// Runs starts reconciliation runs and delivers decisions to them.
type Runs interface {
	Start(ctx context.Context, in reconcile.Input) (string, error)
	Approve(ctx context.Context, instanceID string, approved bool, source string) error
	ApproveEvent(ctx context.Context, instanceID, eventUID string, approved bool, source string) error
	RaiseShortcut(ctx context.Context, text, source string) (string, error)
	Status(ctx context.Context, instanceID string) (*workflow.Status, error)
}

// Exclusions administers excluded subjects.
type Exclusions interface {
	Add(ctx context.Context, subject string) (*stores.Exclusion, error)
	List(ctx context.Context) ([]*stores.Exclusion, error)
	Remove(ctx context.Context, id string) error
}

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// InputFunc resolves the run input at trigger time.
type InputFunc func() (reconcile.Input, error)

// Server is the HTTP surface.
type Server struct {
	runs       Runs
	exclusions Exclusions
	input      InputFunc
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	limiter    *RateLimiter
	health     HealthChecker
	handler    http.Handler

	mu         sync.Mutex
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics serves m on /metrics and records error responses in it.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealthCheck makes /healthz fail while hc reports an error.
func WithHealthCheck(hc HealthChecker) Option {
	return func(s *Server) { s.health = hc }
}

// WithRateLimit limits each client address to rps requests per second.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = NewRateLimiter(rps, burst)
		}
	}
}

// NewServer builds the handler tree.
func NewServer(runs Runs, exclusions Exclusions, input InputFunc, opts ...Option) *Server {
	s := &Server{
		runs:       runs,
		exclusions: exclusions,
		input:      input,
		logger:     telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.NewComponentLogger("api")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runs", s.handleStartRun)
	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRunStatus)
	mux.HandleFunc("POST /api/runs/{id}/events/{name}", s.handleRaiseEvent)
	mux.HandleFunc("GET /api/approval", s.handleApproval)
	mux.HandleFunc("POST /api/approval", s.handleApproval)
	mux.HandleFunc("GET /api/exclusions", s.handleListExclusions)
	mux.HandleFunc("POST /api/exclusions", s.handleAddExclusion)
	mux.HandleFunc("DELETE /api/exclusions/{id}", s.handleRemoveExclusion)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	s.handler = otelhttp.NewHandler(s.rateLimit(mux), "traverse-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.WithField("addr", addr).Info("HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Close()
	}
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
