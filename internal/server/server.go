// Package server exposes the marketplace over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/nftmarket/internal/domain"
	"github.com/alanyoungcy/nftmarket/internal/server/handler"
	"github.com/alanyoungcy/nftmarket/internal/server/middleware"
	"github.com/alanyoungcy/nftmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// SignatureMaxAge bounds the clock skew of signed requests.
	SignatureMaxAge time.Duration
	// RateLimit is the number of mutating requests each caller may make per
	// RateWindow. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
	// Nonces records signed request nonces. Nil keeps them in memory, which
	// only guards a single process.
	Nonces domain.NonceStore
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Dev and Archives are optional.
type Handlers struct {
	Health   *handler.HealthHandler
	Market   *handler.MarketHandler
	Items    *handler.ItemHandler
	Dev      *handler.DevHandler
	Archives *handler.ArchiveHandler
}

// Server is the marketplace HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in logging and CORS.
// Mutating routes require a signed request and pass through the rate
// limiter when one is given.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	signed := middleware.Signature(middleware.SignatureConfig{
		MaxAge: cfg.SignatureMaxAge,
		Nonces: cfg.Nonces,
		Logger: logger,
	})
	limited := func(h http.Handler) http.Handler { return h }
	if limiter != nil && cfg.RateLimit > 0 {
		limited = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)
	}
	mutate := func(fn http.HandlerFunc) http.Handler {
		return signed(limited(fn))
	}

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/market/fee", handlers.Market.GetFee)
	mux.Handle("PUT /api/market/fee", mutate(handlers.Market.SetFee))
	mux.HandleFunc("GET /api/market/balance", handlers.Market.GetBalance)
	mux.Handle("POST /api/market/withdraw", mutate(handlers.Market.Withdraw))
	mux.HandleFunc("GET /api/events", handlers.Market.ListEvents)
	mux.HandleFunc("GET /api/audit", handlers.Market.ListAudit)

	mux.HandleFunc("GET /api/items", handlers.Items.ListUnsold)
	mux.HandleFunc("GET /api/items/{id}", handlers.Items.GetItem)
	mux.Handle("POST /api/items", mutate(handlers.Items.CreateItem))
	mux.Handle("POST /api/items/{id}/buy", mutate(handlers.Items.BuyItem))

	if handlers.Dev != nil {
		mux.Handle("POST /api/assets/mint", mutate(handlers.Dev.Mint))
		mux.HandleFunc("GET /api/wallets/{address}", handlers.Dev.GetWallet)
	}
	if handlers.Archives != nil {
		mux.HandleFunc("GET /api/archives", handlers.Archives.ListArchives)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{httpServer: srv, handler: h, logger: logger}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
