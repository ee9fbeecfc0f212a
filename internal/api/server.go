// Package api serves the daemon's status, controls, health and metrics
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"protectord/internal/engine"
	"protectord/internal/health"
	"protectord/internal/logging"
	"protectord/internal/metrics"
	"protectord/internal/store"
)

// RequestIDHeader carries the request ID on requests and responses.
const RequestIDHeader = "X-Request-ID"

const (
	defaultAlertLimit = 20
	maxAlertLimit     = 500
	maxBodyBytes      = 4096
)

// Controller is the part of the engine the API drives.
type Controller interface {
	Status() engine.Status
	Radius() float64
	SetRadius(ctx context.Context, meters float64) (float64, error)
	Paused() bool
	SetPaused(ctx context.Context, paused bool) error
}

// History reads the alert log.
type History interface {
	AlertCounts(ctx context.Context) (map[string]int64, error)
	LastAlert(ctx context.Context) (*store.AlertRecord, error)
	RecentAlerts(ctx context.Context, limit int) ([]store.AlertRecord, error)
}

// Options configures a Server. Controller is required.
type Options struct {
	Listen     string
	Controller Controller
	History    History
	Health     *health.Checker
	Metrics    *metrics.Metrics
	Logger     *logging.Logger

	// AccessLog receives one combined-format line per request.
	AccessLog io.Writer

	// ControlRate and ControlBurst bound PUT requests per client.
	ControlRate  float64
	ControlBurst int
}

// Server is the HTTP front end.
type Server struct {
	opts    Options
	logger  *slog.Logger
	handler http.Handler
	limiter *clientLimiter

	srv *http.Server
}

// New builds the router.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.AccessLog == nil {
		opts.AccessLog = os.Stderr
	}
	if opts.Health == nil {
		opts.Health = health.NewChecker()
	}
	s := &Server{
		opts:    opts,
		logger:  opts.Logger.WithComponent("api").Logger,
		limiter: newClientLimiter(opts.ControlRate, opts.ControlBurst),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	m := s.opts.Metrics

	route := func(path string, h http.HandlerFunc) *mux.Route {
		return r.Handle(path, m.WrapHandler(path, h))
	}

	route("/status", s.handleStatus).Methods(http.MethodGet)
	route("/radius", s.handleGetRadius).Methods(http.MethodGet)
	route("/radius", s.limited(s.handleSetRadius)).Methods(http.MethodPut)
	route("/paused", s.handleGetPaused).Methods(http.MethodGet)
	route("/paused", s.limited(s.handleSetPaused)).Methods(http.MethodPut)
	route("/alerts", s.handleAlerts).Methods(http.MethodGet)

	r.Handle("/health", m.WrapHandler("/health", s.opts.Health.HealthHandler())).Methods(http.MethodGet)
	r.Handle("/ready", m.WrapHandler("/ready", s.opts.Health.ReadinessHandler())).Methods(http.MethodGet)
	r.Handle("/live", m.WrapHandler("/live", s.opts.Health.LivenessHandler())).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	var h http.Handler = r
	h = s.requestID(h)
	h = handlers.CombinedLoggingHandler(s.opts.AccessLog, h)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(false),
	)(h)
	return h
}

func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	return s.limit(h).ServeHTTP
}

// requestID propagates or assigns a request ID.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = s.opts.Logger.NewRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

// Start listens on the configured address and serves until Shutdown.
// It returns once the listener is bound.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.opts.Listen, err)
	}
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		defer logging.Recover(s.logger, "api server")
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", "error", err)
		}
	}()
	s.logger.Info("api listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// =============================================================================
// Handlers
// =============================================================================

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	engine.Status
	AlertCounts map[string]int64   `json:"alert_counts,omitempty"`
	LastAlert   *store.AlertRecord `json:"last_alert,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: s.opts.Controller.Status()}
	if h := s.opts.History; h != nil {
		counts, err := h.AlertCounts(r.Context())
		if err != nil {
			s.fail(w, r, http.StatusInternalServerError, err)
			return
		}
		resp.AlertCounts = counts

		last, err := h.LastAlert(r.Context())
		switch {
		case err == nil:
			resp.LastAlert = last
		case !errors.Is(err, store.ErrNotFound):
			s.fail(w, r, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type radiusBody struct {
	Meters float64 `json:"meters"`
}

func (s *Server) handleGetRadius(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, radiusBody{Meters: s.opts.Controller.Radius()})
}

func (s *Server) handleSetRadius(w http.ResponseWriter, r *http.Request) {
	var body radiusBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	v, err := s.opts.Controller.SetRadius(r.Context(), body.Meters)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	s.opts.Logger.WithContext(r.Context()).Info("radius updated", "requested", body.Meters, "radius", v)
	writeJSON(w, http.StatusOK, radiusBody{Meters: v})
}

type pausedBody struct {
	Paused bool `json:"paused"`
}

func (s *Server) handleGetPaused(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, pausedBody{Paused: s.opts.Controller.Paused()})
}

func (s *Server) handleSetPaused(w http.ResponseWriter, r *http.Request) {
	var body pausedBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.opts.Controller.SetPaused(r.Context(), body.Paused); err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	s.opts.Logger.WithContext(r.Context()).Info("warnings paused updated", "paused", body.Paused)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSON(w, http.StatusOK, []store.AlertRecord{})
		return
	}
	limit := defaultAlertLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = min(n, maxAlertLimit)
	}
	alerts, err := s.opts.History.RecentAlerts(r.Context(), limit)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if alerts == nil {
		alerts = []store.AlertRecord{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// =============================================================================
// Helpers
// =============================================================================

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	id := logging.RequestIDFromContext(r.Context())
	if code >= http.StatusInternalServerError {
		s.opts.Logger.WithContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error(), RequestID: id})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("handler panicked", "panic", fmt.Sprint(v...))
}
