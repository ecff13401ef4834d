package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"relaycast/internal/apierror"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/session"
)

// DefaultBodyLimit caps JSON and URL-encoded request bodies.
const DefaultBodyLimit int64 = 1 << 20

// Stage records how far the router has been assembled. Each stage may only be
// applied once and only after the previous one.
type Stage int

const (
	StageNew Stage = iota
	StageSecurity
	StageStandard
	StageRoutes
	StageErrorHandling
)

func (s Stage) String() string {
	switch s {
	case StageNew:
		return "new"
	case StageSecurity:
		return "security"
	case StageStandard:
		return "standard"
	case StageRoutes:
		return "routes"
	case StageErrorHandling:
		return "error_handling"
	default:
		return "unknown"
	}
}

// ErrStageOrder is returned when a stage is applied out of order.
var ErrStageOrder = errors.New("router stage applied out of order")

// Config carries the runtime dependencies of the router.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// StandardConfig selects the generic request middleware.
type StandardConfig struct {
	// BodyLimit caps JSON and URL-encoded bodies. Zero uses DefaultBodyLimit.
	BodyLimit int64
	// CompressLevel is the gzip level; zero uses 5, negative disables
	// compression.
	CompressLevel int
	Sessions      *session.Manager
	// QuietPaths are served without a request log line.
	QuietPaths []string
}

// RouteRegistrar registers application routes.
type RouteRegistrar interface {
	RegisterRoutes(r *Routes)
}

// RouteRegistrarFunc adapts a function to RouteRegistrar.
type RouteRegistrarFunc func(r *Routes)

// RegisterRoutes calls f(r).
func (f RouteRegistrarFunc) RegisterRoutes(r *Routes) { f(r) }

// Routes is the registration surface handed to registrars. Handlers return
// errors and are wrapped by the Dispatcher.
type Routes struct {
	router     chi.Router
	dispatcher *Dispatcher
}

// Handle registers h for method and pattern.
func (rt *Routes) Handle(method, pattern string, h HandlerFunc) {
	rt.router.Method(method, pattern, rt.dispatcher.Wrap(h))
}

// Get registers h for GET requests on pattern.
func (rt *Routes) Get(pattern string, h HandlerFunc) { rt.Handle(http.MethodGet, pattern, h) }

// Post registers h for POST requests on pattern.
func (rt *Routes) Post(pattern string, h HandlerFunc) { rt.Handle(http.MethodPost, pattern, h) }

// Put registers h for PUT requests on pattern.
func (rt *Routes) Put(pattern string, h HandlerFunc) { rt.Handle(http.MethodPut, pattern, h) }

// Delete registers h for DELETE requests on pattern.
func (rt *Routes) Delete(pattern string, h HandlerFunc) { rt.Handle(http.MethodDelete, pattern, h) }

// Mount attaches a plain http.Handler, for endpoints such as metrics that do
// not go through the dispatcher.
func (rt *Routes) Mount(pattern string, h http.Handler) {
	rt.router.Handle(pattern, h)
}

// Server assembles the chi router in fixed stages: security, standard
// middleware, routes, then error handling.
type Server struct {
	mu         sync.Mutex
	stage      Stage
	router     *chi.Mux
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Recorder
	edge       []func(http.Handler) http.Handler
}

// New returns an empty router with its dispatcher.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Server{
		router:     chi.NewRouter(),
		dispatcher: NewDispatcher(logger, recorder),
		logger:     logger,
		metrics:    recorder,
	}
}

// Dispatcher returns the router's error dispatcher.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Stage reports the last applied stage.
func (s *Server) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) advance(from, to Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != from {
		return fmt.Errorf("%w: cannot apply %s after %s", ErrStageOrder, to, s.stage)
	}
	s.stage = to
	return nil
}

// ApplySecurity installs the hardening headers and the CORS policy.
func (s *Server) ApplySecurity(security SecurityConfig, cors CORSConfig) error {
	corsMiddleware, err := corsHandler(cors, logging.WithComponent(s.logger, "cors"))
	if err != nil {
		return fmt.Errorf("configure cors: %w", err)
	}
	if err := s.advance(StageNew, StageSecurity); err != nil {
		return err
	}
	s.useEdge(securityHeadersMiddleware(security))
	s.router.Use(corsMiddleware)
	return nil
}

// ApplyStandard installs request ids, client IP resolution, request logging,
// metrics, compression, the body ceiling and sessions.
func (s *Server) ApplyStandard(cfg StandardConfig) error {
	if err := s.advance(StageSecurity, StageStandard); err != nil {
		return err
	}
	limit := cfg.BodyLimit
	if limit <= 0 {
		limit = DefaultBodyLimit
	}

	s.useEdge(
		middleware.RequestID,
		middleware.RealIP,
		requestContext(s.logger),
		logging.RequestLogger(logging.RequestLoggerConfig{
			Logger:    logging.WithComponent(s.logger, "http"),
			SkipPaths: cfg.QuietPaths,
		}),
		func(next http.Handler) http.Handler {
			return metrics.HTTPMiddleware(s.metrics, next)
		},
	)
	if cfg.CompressLevel >= 0 {
		level := cfg.CompressLevel
		if level == 0 {
			level = 5
		}
		s.router.Use(middleware.Compress(level))
	}
	s.router.Use(bodyLimitMiddleware(limit, s.dispatcher))
	if cfg.Sessions != nil {
		s.router.Use(cfg.Sessions.Middleware)
	}
	return nil
}

// useEdge installs middleware on the router and also records it for Wrap.
func (s *Server) useEdge(middlewares ...func(http.Handler) http.Handler) {
	s.router.Use(middlewares...)
	s.mu.Lock()
	s.edge = append(s.edge, middlewares...)
	s.mu.Unlock()
}

// Wrap applies the edge middleware installed so far to a handler served
// outside the router, such as the gateway endpoint. The edge covers security
// headers, request ids, client IP, request logging and metrics. CORS,
// compression, the body limit and sessions stay router-only.
func (s *Server) Wrap(h http.Handler) http.Handler {
	s.mu.Lock()
	edge := append([]func(http.Handler) http.Handler(nil), s.edge...)
	s.mu.Unlock()
	return chi.Chain(edge...).Handler(h)
}

// RegisterRoutes hands the router to every registrar in order.
func (s *Server) RegisterRoutes(registrars ...RouteRegistrar) error {
	if err := s.advance(StageStandard, StageRoutes); err != nil {
		return err
	}
	routes := &Routes{router: s.router, dispatcher: s.dispatcher}
	for _, registrar := range registrars {
		if registrar == nil {
			continue
		}
		registrar.RegisterRoutes(routes)
	}
	return nil
}

// ApplyErrorHandling installs the route-miss handler. Unmatched paths and
// unmatched methods on known paths both answer 404.
func (s *Server) ApplyErrorHandling() error {
	if err := s.advance(StageRoutes, StageErrorHandling); err != nil {
		return err
	}
	s.router.NotFound(s.dispatcher.NotFound)
	s.router.MethodNotAllowed(s.dispatcher.NotFound)
	return nil
}

// bodyLimitMiddleware applies chi's RequestSize to JSON and URL-encoded
// bodies only. A declared length over the limit is refused up front; otherwise
// DecodeJSON reports PayloadTooLarge when the limit is crossed mid-read.
func bodyLimitMiddleware(limit int64, dispatcher *Dispatcher) func(http.Handler) http.Handler {
	sized := middleware.RequestSize(limit)
	return func(next http.Handler) http.Handler {
		limited := sized(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody || !limitedContentType(r.Header.Get("Content-Type")) {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > limit {
				dispatcher.Handle(w, r, apierror.PayloadTooLarge(fmt.Sprintf("request body exceeds %d bytes", limit)))
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

func limitedContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case mediaType == "application/json",
		mediaType == "application/x-www-form-urlencoded",
		strings.HasSuffix(mediaType, "+json"):
		return true
	default:
		return false
	}
}

// HealthCheck is a named dependency check reported by the health endpoint.
type HealthCheck struct {
	Component string
	Check     func(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// HealthRoutes registers GET /healthz. Every check runs; when any fails the
// endpoint answers ServiceUnavailable naming the degraded components.
func HealthRoutes(checks ...HealthCheck) RouteRegistrar {
	return RouteRegistrarFunc(func(r *Routes) {
		r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) error {
			components := make([]componentStatus, 0, len(checks))
			var degraded []string
			var causes []error
			for _, check := range checks {
				status := componentStatus{Component: check.Component, Status: "ok"}
				if err := check.Check(req.Context()); err != nil {
					status.Status = "degraded"
					status.Error = err.Error()
					degraded = append(degraded, check.Component)
					causes = append(causes, fmt.Errorf("%s: %w", check.Component, err))
				}
				components = append(components, status)
			}
			if len(degraded) > 0 {
				return apierror.Wrap(apierror.KindServiceUnavailable,
					"degraded: "+strings.Join(degraded, ", "), errors.Join(causes...))
			}
			WriteJSON(w, http.StatusOK, map[string]any{
				"status":     "ok",
				"components": components,
			})
			return nil
		})
	})
}

// MetricsRoutes mounts the Prometheus text exposition at /metrics.
func MetricsRoutes(recorder *metrics.Recorder) RouteRegistrar {
	return RouteRegistrarFunc(func(r *Routes) {
		if recorder == nil {
			recorder = metrics.Default()
		}
		r.Mount("/metrics", recorder.Handler())
	})
}
