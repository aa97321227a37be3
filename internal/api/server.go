// Package api implements the HTTP surface of the route optimizer.
package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"vrpopt/internal/auth"
	"vrpopt/internal/config"
	"vrpopt/internal/metrics"
	"vrpopt/internal/model"
	"vrpopt/internal/store"
)

// Optimizer runs one optimization request and lists its strategies.
type Optimizer interface {
	Optimize(ctx context.Context, req model.OptimizeRequest) (model.Result, error)
	Methods() []model.MethodInfo
}

// Trainer controls the background training run.
type Trainer interface {
	Start(tc model.TrainingConfig) (string, error)
	Stop() bool
	Status() model.TrainingStatus
}

type Server struct {
	Config    config.Config
	Store     store.ModelStore
	Optimizer Optimizer
	Training  Trainer
	Broker    EventBroker
	Auth      *auth.Verifier
	// OnModelsChanged, if set, runs after a model is deleted so cached
	// policies are dropped.
	OnModelsChanged func()

	limiter   *rate.Limiter
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer wires the handlers. A nil broker is replaced by the in-memory
// one.
func NewServer(cfg config.Config, st store.ModelStore, o Optimizer, tr Trainer, b EventBroker) *Server {
	if b == nil {
		b = NewBroker()
	}
	s := &Server{Config: cfg, Store: st, Optimizer: o, Training: tr, Broker: b, Auth: auth.NewVerifier(cfg.Auth), closing: make(chan struct{})}
	if cfg.Server.RateRPS > 0 {
		burst := cfg.Server.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateRPS), burst)
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	metrics.RegisterDefault()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/optimize", s.OptimizeHandler)
	mux.HandleFunc("GET /v1/methods", s.MethodsHandler)

	mux.HandleFunc("POST /v1/training/start", s.requireAdmin(s.TrainingStartHandler))
	mux.HandleFunc("POST /v1/training/stop", s.requireAdmin(s.TrainingStopHandler))
	mux.HandleFunc("GET /v1/training/status", s.TrainingStatusHandler)
	mux.HandleFunc("GET /v1/training/stream", s.TrainingStreamHandler)
	mux.HandleFunc("GET /v1/training/ws", s.TrainingWSHandler)

	mux.HandleFunc("GET /v1/models", s.ModelsHandler)
	mux.HandleFunc("GET /v1/models/{name}", s.ModelByNameHandler)
	mux.HandleFunc("DELETE /v1/models/{name}", s.requireAdmin(s.DeleteModelHandler))
	mux.HandleFunc("POST /v1/models/{name}/activate", s.requireAdmin(s.ActivateModelHandler))
	mux.HandleFunc("POST /v1/models/{name}/evaluate", s.requireAdmin(s.EvaluateModelHandler))
	mux.HandleFunc("GET /v1/models/{name}/history", s.ModelHistoryHandler)

	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.HandleFunc("GET /debug/vars", s.DebugJSON)
	mux.HandleFunc("GET /openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("GET /docs", s.DocsHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return logMiddleware(s.rateLimit(mux))
}

// CloseStreams ends open SSE and WebSocket streams. Register it with
// http.Server.RegisterOnShutdown.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// requireAdmin guards operator endpoints when auth is enabled.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.Auth.FromRequest(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
			return
		}
		if !p.IsAdmin() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "admin role required", r.URL.Path)
			return
		}
		next(w, r)
	}
}

// rateLimit rejects API calls over the configured rate. Probes and metrics
// are never limited.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
		default:
			if !s.limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", r.URL.Path)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		dur := time.Since(start)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		code := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(dur.Seconds())
		log.WithFields(log.Fields{
			"remote": r.RemoteAddr,
			"method": r.Method,
			"path":   r.URL.Path,
			"status": rec.status,
			"dur":    dur,
		}).Debug("request")
	})
}
