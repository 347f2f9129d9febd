// Package api provides the HTTP surfaces of the wallet and shop services.
// Both share one router setup, one JSON error shape and one status table.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ecohub/rewards/internal/domain"
	"github.com/ecohub/rewards/internal/infra/observability"
)

// DefaultRequestTimeout bounds every request, including the database work a
// wallet mutation performs.
const DefaultRequestTimeout = 15 * time.Second

// Server is one service's HTTP front end.
type Server struct {
	service        string
	log            *zap.Logger
	routes         func(r chi.Router)
	metricsEnabled bool
	corsOrigins    []string
	requestTimeout time.Duration
	healthCheck    func(ctx context.Context) error
}

func newServer(service string, log *zap.Logger, routes func(r chi.Router)) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		service:        service,
		log:            log.Named("http"),
		routes:         routes,
		corsOrigins:    []string{"*"},
		requestTimeout: DefaultRequestTimeout,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetCORSOrigins sets the allowed browser origins (default "*").
func (s *Server) SetCORSOrigins(origins []string) { s.corsOrigins = origins }

// SetRequestTimeout overrides DefaultRequestTimeout.
func (s *Server) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.requestTimeout = d
	}
}

// SetHealthCheck makes /health report 503 while check fails.
func (s *Server) SetHealthCheck(check func(ctx context.Context) error) { s.healthCheck = check }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization", "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	s.routes(r)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil {
		if err := s.healthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unavailable",
				"service": s.service,
				"error":   err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.service,
	})
}

// accessLog logs one line per request and counts it by route pattern.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		reqID := middleware.GetReqID(r.Context())
		if reqID != "" {
			ww.Header().Set("X-Request-Id", reqID)
			r = r.WithContext(observability.WithTraceID(r.Context(), reqID))
		}
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTPRequests.WithLabelValues(s.service, route, strconv.Itoa(status)).Inc()

		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID))
	})
}

// ─── Responses ──────────────────────────────────────────────────────────────

// statusByKind is the single mapping from error kind to HTTP status.
var statusByKind = map[domain.ErrorKind]int{
	domain.KindNotFound:            http.StatusNotFound,
	domain.KindInvalidAmount:       http.StatusBadRequest,
	domain.KindInvalidRequest:      http.StatusBadRequest,
	domain.KindInsufficientFunds:   http.StatusUnprocessableEntity,
	domain.KindOutOfStock:          http.StatusConflict,
	domain.KindAlreadyExists:       http.StatusConflict,
	domain.KindReferenceConflict:   http.StatusConflict,
	domain.KindInProgress:          http.StatusConflict,
	domain.KindProductInUse:        http.StatusConflict,
	domain.KindRemoteUnavailable:   http.StatusServiceUnavailable,
	domain.KindDebitOutcomeUnknown: http.StatusGatewayTimeout,
	domain.KindInternal:            http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	if status, ok := statusByKind[domain.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	State   string `json:"state,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with an explicit kind.
func writeError(w http.ResponseWriter, status int, kind domain.ErrorKind, msg string) {
	writeJSON(w, status, map[string]errorDetail{
		"error": {Message: msg, Type: string(kind)},
	})
}

// writeDomainError classifies err and writes it. Internal errors are logged
// and reported without detail.
func writeDomainError(w http.ResponseWriter, log *zap.Logger, err error) {
	kind := domain.KindOf(err)
	msg := err.Error()
	if kind == domain.KindInternal {
		if errors.Is(err, context.DeadlineExceeded) {
			kind, msg = domain.KindRemoteUnavailable, "request timed out"
		} else {
			log.Error("internal error", zap.Error(err))
			msg = "internal error"
		}
	}
	writeError(w, statusByKind[kind], kind, msg)
}

// decodeJSON reads a JSON request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// pathParam returns a decoded URL parameter. chi matches on RawPath when the
// request path carries escapes such as %2F, and then hands back the escaped
// segment.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v
	}
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
