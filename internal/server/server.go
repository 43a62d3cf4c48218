// Package server exposes the authorization broker and payment executor over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpmiddleware "github.com/wolfeidau/biopay/internal/http"
	"github.com/wolfeidau/biopay/internal/logger"
	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/payment"
	"github.com/wolfeidau/biopay/internal/store"
)

const maxBodyBytes = 64 * 1024

// Broker is the authorization state machine behind the API.
type Broker interface {
	RequestAuthorization(ctx context.Context) (string, error)
	PollPending(ctx context.Context) (string, bool, error)
	Grant(ctx context.Context, token, privateKeyHex, walletAddress string) error
	Cancel(ctx context.Context, token, reason string) error
	ValidateAndConsume(ctx context.Context, token string) (*models.Session, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Payer executes a payment from a session key.
type Payer interface {
	Pay(ctx context.Context, session *models.Session, receiver, amount string) (*payment.Receipt, error)
}

// Server wraps the HTTP API.
type Server struct {
	broker      Broker
	payer       Payer
	gatherer    prometheus.Gatherer
	corsOrigins []string
	tracing     bool
	now         func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithPayer enables /api/agent/pay.
func WithPayer(p Payer) Option {
	return func(s *Server) {
		s.payer = p
	}
}

// WithGatherer serves the gatherer's metrics on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithCORSOrigins restricts cross origin callers. The default allows any origin.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithTracing records a span for every request.
func WithTracing() Option {
	return func(s *Server) {
		s.tracing = true
	}
}

// NewServer creates a new server over the broker.
func NewServer(broker Broker, opts ...Option) *Server {
	s := &Server{
		broker:      broker,
		gatherer:    prometheus.DefaultGatherer,
		corsOrigins: []string{"*"},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/healthz", methods{http.MethodGet: http.HandlerFunc(s.handleHealth)})
	mux.Handle("/metrics", methods{http.MethodGet: promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})})

	// Agent side
	mux.Handle("/api/register-token", methods{http.MethodPost: http.HandlerFunc(s.handleRegisterToken)})
	mux.Handle("/api/agent/pay", methods{http.MethodPost: http.HandlerFunc(s.handlePay)})

	// Approver side
	mux.Handle("/api/pending-auth", methods{http.MethodGet: http.HandlerFunc(s.handlePendingAuth)})
	mux.Handle("/api/complete-auth", methods{http.MethodPost: http.HandlerFunc(s.handleCompleteAuth)})
	mux.Handle("/api/cancel-auth", methods{http.MethodPost: http.HandlerFunc(s.handleCancelAuth)})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeError(w, http.StatusNotFound, msgNotFound)
	})

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:       s.corsOrigins,
		AllowedMethods:       []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:       []string{"Content-Type"},
		OptionsSuccessStatus: http.StatusOK,
	})

	var handler http.Handler = mux
	handler = corsMiddleware.Handler(handler)
	handler = logger.NewHTTPRequests(log).Wrap(handler)
	handler = httpmiddleware.ClientIPMiddleware()(handler)
	if s.tracing {
		handler = otelhttp.NewHandler(handler, "biopay-api",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}))
	}

	return handler
}

// methods routes a path by request method. OPTIONS always succeeds so that
// bare OPTIONS requests, which rs/cors does not treat as preflights, get a 200.
type methods map[string]http.Handler

func (m methods) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h, ok := m[r.Method]; ok {
		h.ServeHTTP(w, r)
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.broker.Stats(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status: "unhealthy",
			Time:   s.now().UTC().Format(time.RFC3339),
		})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "healthy",
		Time:     s.now().UTC().Format(time.RFC3339),
		Pending:  stats.Pending,
		Sessions: stats.Sessions,
	})
}
