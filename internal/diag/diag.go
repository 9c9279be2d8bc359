// Package diag provides the agent's local diagnostics and control HTTP
// surface: an open /healthz liveness probe, a /metrics Prometheus exposition
// endpoint, and /control/* routes for operator-triggered force-flush and
// force-swap, gated by JWT RS256 when a public key is configured. The chi router plus JWTMiddleware shape is
// grounded on internal/server/rest/router.go and middleware.go.
package diag

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStatus summarizes the pipeline's current condition for /healthz.
type HealthStatus struct {
	Healthy       bool   `json:"healthy"`
	ActiveSources int    `json:"active_sources"`
	QueueDepth    int    `json:"queue_depth"`
	Detail        string `json:"detail,omitempty"`
}

// HealthFunc produces the current HealthStatus.
type HealthFunc func() HealthStatus

// Controller is the set of operator-triggerable actions exposed under
// /control, invoked by the Lifecycle Controller.
type Controller interface {
	ForceFlush(ctx context.Context) error
	ForceConfigSwap(ctx context.Context) error
}

// Metrics are Prometheus collectors registered once by NewMetrics. No
// pipeline component constructs or updates them.
type Metrics struct {
	RecordsRead      prometheus.Counter
	BatchesSent      prometheus.Counter
	BatchesDiscarded prometheus.Counter
	BucketBytes      prometheus.Gauge
	SenderBlocked    prometheus.Gauge
}

// NewMetrics constructs and registers a Metrics set against registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RecordsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corralog_records_read_total",
			Help: "Total records handed from the Multiline Assembler to the Record Parser.",
		}),
		BatchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corralog_batches_sent_total",
			Help: "Total batches successfully acknowledged by a destination.",
		}),
		BatchesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corralog_batches_discarded_total",
			Help: "Total batches dropped after a permanent client-error ack.",
		}),
		BucketBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corralog_batcher_bucket_bytes",
			Help: "Current total bytes held across all Batcher buckets.",
		}),
		SenderBlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corralog_sender_destinations_blocked",
			Help: "Number of destinations currently in a blocked backoff window.",
		}),
	}
	registry.MustRegister(m.RecordsRead, m.BatchesSent, m.BatchesDiscarded, m.BucketBytes, m.SenderBlocked)
	return m
}

// Config configures the diagnostics server.
type Config struct {
	Addr       string
	PublicKey  *rsa.PublicKey
	Health     HealthFunc
	Controller Controller
	Registry   *prometheus.Registry
}

// Server is the diagnostics HTTP server. It is safe to construct one per
// agent process.
type Server struct {
	cfg     Config
	http    *http.Server
	mu      sync.Mutex
	started bool
}

// New builds a Server's router but does not start listening; call
// ListenAndServe to run it.
func New(cfg Config) *Server {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	s := &Server{cfg: cfg}
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.router()}
	return s
}

// Handler returns the server's configured http.Handler directly, for tests
// and embedding in another process's mux.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))

	r.Route("/control", func(r chi.Router) {
		if s.cfg.PublicKey != nil {
			r.Use(jwtMiddleware(s.cfg.PublicKey))
		}
		r.Post("/flush", s.handleForceFlush)
		r.Post("/swap", s.handleForceSwap)
	})

	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled, at which point
// it shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.http.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Healthy: true}
	if s.cfg.Health != nil {
		status = s.cfg.Health()
	}
	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleForceFlush(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Controller == nil {
		writeError(w, http.StatusNotImplemented, "no controller wired")
		return
	}
	if err := s.cfg.Controller.ForceFlush(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleForceSwap(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Controller == nil {
		writeError(w, http.StatusNotImplemented, "no controller wired")
		return
	}
	if err := s.cfg.Controller.ForceConfigSwap(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type contextKey int

const claimsKey contextKey = iota

// Claims extends jwt.RegisteredClaims for the control-route bearer tokens.
type Claims struct {
	jwt.RegisteredClaims
}

func jwtMiddleware(pubKey *rsa.PublicKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "Authorization header must be Bearer token")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return pubKey, nil
			}, jwt.WithValidMethods([]string{"RS256"}))
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves the JWT claims stored by jwtMiddleware.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
