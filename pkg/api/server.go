package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/plugd/pkg/audit"
	"github.com/platinummonkey/plugd/pkg/httputil"
	"github.com/platinummonkey/plugd/pkg/lifecycle"
	"github.com/platinummonkey/plugd/pkg/monitor"
	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/registry"
)

// Lifecycle is the part of the lifecycle manager the API drives
type Lifecycle interface {
	Submit(ctx context.Context, req lifecycle.InstallRequest) (*plugins.InstallationAttempt, error)
	Update(ctx context.Context, req lifecycle.UpdateRequest) (*lifecycle.Result, error)
	Uninstall(ctx context.Context, id string) (*lifecycle.Result, error)
	Enable(ctx context.Context, id string, resetScore bool) (*plugins.Record, error)
	Disable(ctx context.Context, id, reason string) (*plugins.Record, error)
	Configure(ctx context.Context, id string, config json.RawMessage) (*plugins.Record, error)
	Rescan(ctx context.Context, id string) (*plugins.ScanReport, error)
	GetAttempt(ctx context.Context, id string) (*plugins.InstallationAttempt, error)
	Archives(ctx context.Context, pluginID string) ([]string, error)
}

// HealthReporter answers plugin health queries
type HealthReporter interface {
	Health(ctx context.Context, pluginID string) (*monitor.Health, error)
	Dropped() int64
}

// Messenger carries sandboxed plugin calls to the host
type Messenger interface {
	Send(ctx context.Context, pluginID string, req *monitor.Request) (*monitor.Response, error)
}

// Records is the read side of the registry
type Records interface {
	Get(ctx context.Context, id string) (*plugins.Record, error)
	List(ctx context.Context, filter registry.ListFilter) ([]*plugins.Record, error)
	ListViolations(ctx context.Context, pluginID string, limit int) ([]plugins.SecurityViolation, error)
	Permissions(ctx context.Context, pluginID string) ([]plugins.Capability, error)
}

// Server represents our API server
type Server struct {
	lifecycle Lifecycle
	health    HealthReporter
	records   Records
	logger    *logrus.Logger

	router *mux.Router
	api    *mux.Router

	auditLog   audit.Logger
	auditStore audit.Store
	bridge     Messenger
	maxBody    int64
	handler    http.Handler
}

// Option configures optional server features
type Option func(*Server)

// WithAudit records operator requests and serves the access log and audit
// search endpoints from store
func WithAudit(logger audit.Logger, store audit.Store) Option {
	return func(s *Server) {
		s.auditLog = logger
		s.auditStore = store
	}
}

// WithBridge serves POST /plugins/{id}/bridge through m
func WithBridge(m Messenger) Option {
	return func(s *Server) {
		s.bridge = m
	}
}

// WithMaxBodyBytes bounds request bodies
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		s.maxBody = n
	}
}

// WithRouterMiddleware installs mux middleware on every route, e.g. the
// Prometheus instrumentation
func WithRouterMiddleware(mw ...mux.MiddlewareFunc) Option {
	return func(s *Server) {
		s.router.Use(mw...)
	}
}

// NewServer creates a new API server
func NewServer(lc Lifecycle, health HealthReporter, records Records, logger *logrus.Logger, opts ...Option) *Server {
	router := mux.NewRouter()
	s := &Server{
		lifecycle: lc,
		health:    health,
		records:   records,
		logger:    logger,
		router:    router,
		api:       router.PathPrefix("/api/v1").Subrouter(),
		maxBody:   1 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	s.handler = s.wrap(s.router)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.api.HandleFunc("/plugins/install", s.installPlugin).Methods("POST")
	s.api.HandleFunc("/plugins", s.listPlugins).Methods("GET")
	// Registered before /plugins/{id}/... so "stats" is never taken for an id
	s.api.HandleFunc("/plugins/stats/overview", s.getOverview).Methods("GET")

	s.api.HandleFunc("/plugins/{id}", s.getPlugin).Methods("GET")
	s.api.HandleFunc("/plugins/{id}", s.uninstallPlugin).Methods("DELETE")
	s.api.HandleFunc("/plugins/{id}/update", s.updatePlugin).Methods("PUT")
	s.api.HandleFunc("/plugins/{id}/health", s.getHealth).Methods("GET")
	s.api.HandleFunc("/plugins/{id}/security/violations", s.listViolations).Methods("GET")
	s.api.HandleFunc("/plugins/{id}/security/scan", s.rescanPlugin).Methods("POST")
	s.api.HandleFunc("/plugins/{id}/enable", s.enablePlugin).Methods("POST")
	s.api.HandleFunc("/plugins/{id}/disable", s.disablePlugin).Methods("POST")
	s.api.HandleFunc("/plugins/{id}/config", s.configurePlugin).Methods("POST")
	s.api.HandleFunc("/plugins/{id}/archives", s.listArchives).Methods("GET")

	s.api.HandleFunc("/installations/{id}", s.getInstallation).Methods("GET")

	if s.bridge != nil {
		s.api.HandleFunc("/plugins/{id}/bridge", s.bridgeCall).Methods("POST")
	}
	if s.auditStore != nil {
		audit.NewHandlers(s.auditStore).RegisterRoutes(s.api)
	}
}

// Router exposes the root router so the caller can mount /metrics and the
// health probes next to the API
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) wrap(h http.Handler) http.Handler {
	if s.auditLog != nil {
		h = audit.Middleware(s.auditLog, audit.Significant)(h)
	}
	h = httputil.Chain(
		httputil.RequestIDMiddleware,
		auditRequestID,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(s.maxBody),
	)(h)
	return otelhttp.NewHandler(h, "plugd.api")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// auditRequestID copies the request ID into the audit context so access log
// and lifecycle events carry it
func auditRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := httputil.RequestID(r.Context()); id != "" {
			r = r.WithContext(audit.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
