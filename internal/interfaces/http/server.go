// Package http is the gateway's control plane: subscription CRUD, order
// submission, historical fetches, health, metrics and a websocket relay.
package http

import (
	"bufio"
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/optstream/gateway/internal/accounts"
	"github.com/optstream/gateway/internal/config"
	"github.com/optstream/gateway/internal/history"
	"github.com/optstream/gateway/internal/instruments"
	"github.com/optstream/gateway/internal/metrics"
	"github.com/optstream/gateway/internal/orders"
	"github.com/optstream/gateway/internal/persistence"
	"github.com/optstream/gateway/internal/publish"
	"github.com/optstream/gateway/internal/stream"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Deps carries everything the handlers touch.
type Deps struct {
	Orchestrator  *stream.Orchestrator
	Executor      *orders.Executor
	Subscriptions persistence.SubscriptionsRepo
	Registry      *instruments.Registry
	Publisher     *publish.Publisher
	Store         *persistence.Manager
	Accounts      *accounts.Manager
	Metrics       *metrics.Registry
	History       *history.Service
	Bus           publish.Subscriber

	// Relay channels.
	UnderlyingChannel string
	OptionsChannel    string
	EventsChannel     string
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg    config.HTTPConfig
	deps   Deps
	router *mux.Router
	server *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg config.HTTPConfig, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: mux.NewRouter(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	// Operational endpoints stay open; scrapers don't carry API keys.
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(
		s.deps.Metrics.Prometheus(), promhttp.HandlerOpts{})).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.Use(s.timeoutMiddleware)

	api.HandleFunc("/subscriptions", s.handleCreateSubscriptions).Methods("POST")
	api.HandleFunc("/subscriptions", s.handleListSubscriptions).Methods("GET")
	api.HandleFunc("/subscriptions/{token}", s.handleDeleteSubscription).Methods("DELETE")

	api.HandleFunc("/orders", s.handleSubmitOrders).Methods("POST")
	api.HandleFunc("/orders/{task_id}", s.handleGetOrder).Methods("GET")

	api.HandleFunc("/historical/{token}", s.handleHistorical).Methods("GET")

	api.HandleFunc("/instruments/{token}", s.handleGetInstrument).Methods("GET")

	// Websocket upgrades manage their own deadlines; no timeout middleware.
	ws := s.router.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("", s.handleStream).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeNotFound(w, "no such route: %s", r.URL.Path)
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware checks the X-API-Key header when key auth is enabled.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.APIKeyEnabled {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			writeError(w, r, errUnauthorized())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the underlying writer so websocket upgrades work
// through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
