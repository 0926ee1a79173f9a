// Package api provides the HTTP server for OnboardPipe.
//
// It exposes the conversation engine of every session as JSON endpoints, a
// Server-Sent Events feed of engine notifications, the localisation catalog,
// the ledger, Prometheus metrics and, when configured, the Twilio webhook.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/session"
	"github.com/BTreeMap/OnboardPipe/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server configuration constants
const (
	// DefaultAddr is the default listen address
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout bounds slow clients
	DefaultReadHeaderTimeout = 10 * time.Second
	// MaxUploadBytes caps multipart turn bodies
	MaxUploadBytes = 10 << 20
	// TwilioWebhookPath is where the Twilio inbound webhook is mounted
	TwilioWebhookPath = "/webhooks/twilio"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	Gatherer      prometheus.Gatherer
	TwilioWebhook http.Handler
	KeepAlive     time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithGatherer exposes the given registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// WithTwilioWebhook mounts h on TwilioWebhookPath.
func WithTwilioWebhook(h http.Handler) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithKeepAlive sets the SSE keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(o *Opts) { o.KeepAlive = d }
}

// Server serves the HTTP API.
type Server struct {
	sessions *session.Manager
	store    store.Store
	cfg      Opts
	router   chi.Router
}

// NewServer builds the router over the given session manager and ledger.
func NewServer(sessions *session.Manager, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, KeepAlive: 15 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{sessions: sessions, store: st, cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	s.Register(r)
	s.router = r
	return s
}

// Register adds all routes to r.
func (s *Server) Register(r chi.Router) {
	r.Get("/health", s.healthHandler)
	r.Get("/languages", s.languagesHandler)
	r.Get("/languages/{code}/strings", s.stringsHandler)
	r.Get("/receipts", s.receiptsHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.createSessionHandler)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSessionHandler)
			r.Delete("/", s.deleteSessionHandler)
			r.Get("/events", s.eventsHandler)
			r.Get("/transitions", s.transitionsHandler)
			r.Post("/language", s.languageHandler)
			r.Post("/turns", s.turnHandler)
			r.Post("/id-type", s.idTypeHandler)
			r.Post("/confirm", s.confirmHandler)
			r.Post("/retry", s.retryHandler)
			r.Post("/reset", s.resetHandler)
		})
	})

	if s.cfg.TwilioWebhook != nil {
		r.Method(http.MethodPost, TwilioWebhookPath, s.cfg.TwilioWebhook)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: API server failed", "error", err)
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
		return err
	}
	return nil
}
