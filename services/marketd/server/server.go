package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nftmarket/core/events"
	"nftmarket/gateway/middleware"
	"nftmarket/native/bank"
	"nftmarket/native/marketplace"
	"nftmarket/services/marketd/audit"
)

const (
	scopeWrite = "market:write"
	scopeAdmin = "market:admin"

	// DevCallerHeader names the caller when bearer authentication is
	// disabled. It is ignored whenever auth is enabled.
	DevCallerHeader = "X-Market-Caller"

	maxBodyBytes = 1 << 20
)

// Options wires the daemon collaborators into the HTTP surface.
type Options struct {
	Engine       *marketplace.Engine
	Ledger       *bank.Ledger
	Audit        *audit.Store
	Stream       *events.Broadcaster
	Authorizer   marketplace.Authorizer
	Auth         middleware.AuthConfig
	RateLimits   map[string]middleware.RateLimit
	CORS         middleware.CORSConfig
	PingInterval time.Duration
	LogRequests  bool
	Logger       *slog.Logger
}

// Server hosts the marketplace API.
type Server struct {
	engine       *marketplace.Engine
	ledger       *bank.Ledger
	audit        *audit.Store
	stream       *events.Broadcaster
	authorizer   marketplace.Authorizer
	auth         *middleware.Authenticator
	authEnabled  bool
	limiter      *middleware.RateLimiter
	obs          *middleware.Observability
	cors         middleware.CORSConfig
	pingInterval time.Duration
	logger       *slog.Logger

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	handler http.Handler
}

// New validates the options and builds the router.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Engine == nil:
		return nil, errors.New("marketd server: engine required")
	case opts.Ledger == nil:
		return nil, errors.New("marketd server: ledger required")
	case opts.Audit == nil:
		return nil, errors.New("marketd server: audit store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stream := opts.Stream
	if stream == nil {
		stream = events.NewBroadcaster(0)
	}
	authorizer := opts.Authorizer
	if authorizer == nil {
		authorizer = marketplace.NewStaticAuthorizer()
	}
	ping := opts.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	authCfg := opts.Auth
	authCfg.OptionalPaths = append(authCfg.OptionalPaths, "/v1/", "/healthz", "/metrics")
	s := &Server{
		engine:       opts.Engine,
		ledger:       opts.Ledger,
		audit:        opts.Audit,
		stream:       stream,
		authorizer:   authorizer,
		auth:         middleware.NewAuthenticator(authCfg, logger),
		authEnabled:  authCfg.Enabled,
		limiter:      middleware.NewRateLimiter(opts.RateLimits, logger),
		obs:          middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "marketd", Enabled: true, LogRequests: opts.LogRequests}, logger),
		cors:         opts.CORS,
		pingInterval: ping,
		logger:       logger,
		inflight:     make(map[string]struct{}),
	}
	if !s.authEnabled {
		logger.Warn("marketd: bearer auth disabled, callers are taken from the " + DevCallerHeader + " header")
	}
	s.handler = otelhttp.NewHandler(s.routes(), "marketd")
	return s, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.cors))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.obs.MetricsHandler())

	read := func(route string) chi.Middlewares {
		return chi.Middlewares{s.obs.Middleware(route), s.auth.Middleware(), s.limiter.Middleware("reads")}
	}
	write := func(route string, scopes ...string) chi.Middlewares {
		return chi.Middlewares{s.obs.Middleware(route), s.auth.Middleware(scopes...), s.limiter.Middleware("mutations"), s.idempotent}
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(write("listings.create", scopeWrite)...).Post("/listings", s.handleCreateListing)
		r.With(write("listings.relist", scopeWrite)...).Post("/listings/{id}/relist", s.handleRelist)
		r.With(write("listings.purchase", scopeWrite)...).Post("/listings/{id}/purchase", s.handlePurchase)
		r.With(read("listings.listed")...).Get("/listings", s.handleListed)
		r.With(read("listings.get")...).Get("/listings/{id}", s.handleListing)
		r.With(read("owners.items")...).Get("/owners/{address}/items", s.handleOwnedItems)
		r.With(read("sellers.items")...).Get("/sellers/{address}/items", s.handleSellerItems)
		r.With(read("fee.get")...).Get("/fee", s.handleGetFee)
		r.With(read("stats")...).Get("/stats", s.handleStats)
		r.With(read("accounts.balance")...).Get("/accounts/{address}/balance", s.handleBalance)
		r.With(read("events.list")...).Get("/events", s.handleEvents)
		r.With(s.auth.Middleware(), s.limiter.Middleware("reads")).Get("/events/stream", s.handleStream)

		r.With(write("admin.fee", scopeAdmin)...).Put("/admin/fee", s.handleSetFee)
		r.With(write("admin.deposit", scopeAdmin)...).Post("/admin/deposits", s.handleDeposit)
	})
	return r
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	srv := &http.Server{Addr: addr, Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("marketd: http server listening", slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

// caller resolves the identity performing the request.
func (s *Server) caller(r *http.Request) ([20]byte, bool) {
	if caller, ok := middleware.CallerFromContext(r.Context()); ok {
		return caller, true
	}
	if s.authEnabled {
		return [20]byte{}, false
	}
	raw := strings.TrimSpace(r.Header.Get(DevCallerHeader))
	if raw == "" {
		return [20]byte{}, false
	}
	caller, err := parseIdentity(raw)
	if err != nil {
		return [20]byte{}, false
	}
	return caller, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.audit.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "audit": err.Error()})
		return
	}
	if _, err := s.engine.Stats(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "ledger": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
