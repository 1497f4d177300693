// Package api is the client-facing RPC surface (spec §6): an
// OpenAI-compatible chat-completions endpoint plus read-only accounting
// views, fronting the Dispatcher and Ledger Gateway.
//
// Grounded on internal/fabricserver/server.go's Server shape (config,
// Start(ctx) blocking on context cancellation, a loggingMiddleware wrapping
// every route) generalized from a raw http.ServeMux to chi, the pack's
// router of choice, since the teacher's own mux has no path-parameter or
// per-route-middleware support the catalog/stats routes need.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cm64-studio/llmule-broker/internal/activity"
	"github.com/cm64-studio/llmule-broker/internal/dispatcher"
	"github.com/cm64-studio/llmule-broker/internal/ledger"
	"github.com/cm64-studio/llmule-broker/internal/registry"
)

// Config configures a Server.
type Config struct {
	ListenAddr     string
	Dispatcher     *dispatcher.Dispatcher
	Ledger         *ledger.Gateway
	Registry       *registry.Registry
	ResolveAccount AccountResolver
	Metrics        *Metrics
	RateLimitRPS   float64 // requests/sec per consumer account, default 5
	RateLimitBurst int     // default 10
	Logger         activity.Logger
}

// Server is the client-facing RPC server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	dispatcher *dispatcher.Dispatcher
	ledger     *ledger.Gateway
	registry   *registry.Registry
	metrics    *Metrics
	limiter    *perAccountLimiter
	log        activity.Logger
}

// NewServer builds the chi router and wires every spec §6 route.
func NewServer(cfg Config) *Server {
	if cfg.ResolveAccount == nil {
		cfg.ResolveAccount = func(apiKey string) (string, bool) { return apiKey, apiKey != "" }
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 5
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = activity.Noop()
	}

	s := &Server{
		dispatcher: cfg.Dispatcher,
		ledger:     cfg.Ledger,
		registry:   cfg.Registry,
		metrics:    cfg.Metrics,
		limiter:    newPerAccountLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		log:        cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.ResolveAccount))
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Get("/v1/models", s.handleListModels)
		r.Get("/v1/balance", s.handleGetBalance)
		r.Get("/v1/transactions", s.handleListTransactions)
		r.Get("/v1/provider/stats", s.handleProviderStats)
		r.Get("/v1/consumer/stats", s.handleConsumerStats)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // >= T_req's hard cap
	}
	return s
}

// Start begins listening and blocks until ctx is canceled, following the
// same select-on-ctx.Done()-or-serve-error shape internal/fabricserver's
// Start(ctx) uses.
func (s *Server) Start(ctx context.Context) error {
	activity.Logf(s.log, "info", "client API listening on %s", s.httpServer.Addr)

	if s.metrics != nil && s.registry != nil {
		go s.publishGaugesUntil(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// publishGaugesUntil periodically samples the registry into the gauges
// /metrics serves, following the same ticker-driven shape
// registry.MonitorHeartbeats uses for its own sweep.
func (s *Server) publishGaugesUntil(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	publish := func() {
		active := s.registry.ListActive()
		var inFlight int64
		for _, v := range active {
			inFlight += v.InFlight
		}
		s.metrics.ProvidersActive.Set(float64(len(active)))
		s.metrics.InFlightRequests.Set(float64(inFlight))
	}

	publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}

// loggingMiddleware logs every request's method, path, status, and latency,
// mirroring fabricserver's own loggingMiddleware idiom.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		activity.Logf(s.log, "info", "%s %s %d (%s)",
			r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}
