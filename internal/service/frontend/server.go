package frontend

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acto-org/acto/internal/agent"
	"github.com/acto-org/acto/internal/artifact"
	"github.com/acto-org/acto/internal/common/config"
	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/eventbus"
	"github.com/acto-org/acto/internal/llm"
	"github.com/acto-org/acto/internal/planner"
	"github.com/acto-org/acto/internal/runtime"
	"github.com/acto-org/acto/internal/store"
)

// Server is the HTTP server hosting the action API.
type Server struct {
	api        *API
	config     *config.Config
	httpServer *http.Server
	listener   net.Listener // Optional pre-bound listener (for tests)
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithListener sets a pre-bound listener for the server. When set, the server
// uses this listener instead of creating its own. This is useful for tests to
// avoid race conditions with port allocation.
func WithListener(l net.Listener) ServerOption {
	return func(s *Server) {
		s.listener = l
	}
}

// NewServer constructs a Server configured from cfg and the provided stores
// and services.
func NewServer(cfg *config.Config, st store.Store, blobs artifact.Store, mgr *runtime.Manager, pl *planner.Planner, models *llm.Registry, agents *agent.Registry, bus *eventbus.Bus, mr *prometheus.Registry, opts ...ServerOption) *Server {
	srv := &Server{
		api:    NewAPI(st, blobs, mgr, pl, models, agents, bus, mr),
		config: cfg,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Serve starts the HTTP server and blocks until the context is done or a
// shutdown signal arrives.
func (srv *Server) Serve(ctx context.Context) error {
	// Setup logger for HTTP requests
	requestLogger := httplog.NewLogger("http", httplog.Options{
		LogLevel:         slog.LevelDebug,
		JSON:             srv.config.LogFormat == "json",
		Concise:          true,
		RequestHeaders:   true,
		MessageFieldName: "msg",
		ResponseHeaders:  true,
	})

	// Create router with middleware
	r := chi.NewMux()
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))
	r.Use(httplog.RequestLogger(requestLogger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   srv.config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Content-Encoding", "Accept"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(middleware.RedirectSlashes)

	r.Route("/api/v1", func(r chi.Router) {
		srv.api.ConfigureRoutes(r)
	})

	// Configure and start the server
	addr := srv.config.Server.Addr()
	srv.httpServer = &http.Server{
		Handler:           r,
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	// Log before starting goroutine to avoid race condition in tests
	logger.Info(ctx, "Server is starting", "addr", addr)

	go srv.startServer(ctx)

	srv.waitForShutdown(ctx)
	return nil
}

// startServer runs the HTTP server on the configured address or the pre-bound
// listener.
func (srv *Server) startServer(ctx context.Context) {
	var err error
	if srv.listener != nil {
		logger.Info(ctx, "Starting server on pre-bound listener")
		err = srv.httpServer.Serve(srv.listener)
	} else {
		err = srv.httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		logger.Error(ctx, "Server failed to start or unexpected shutdown", "err", err)
	}
}

// Shutdown gracefully shuts down the server.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.httpServer == nil {
		return nil
	}
	logger.Info(ctx, "Server is shutting down", "addr", srv.httpServer.Addr)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	srv.httpServer.SetKeepAlivesEnabled(false)
	return srv.httpServer.Shutdown(shutdownCtx)
}

// waitForShutdown blocks until the context ends or a termination signal
// arrives, then drains in-flight requests.
func (srv *Server) waitForShutdown(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-ctx.Done():
		logger.Info(ctx, "Context done, shutting down server")
	case sig := <-quit:
		logger.Info(ctx, "Received shutdown signal", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv.httpServer.SetKeepAlivesEnabled(false)
	if err := srv.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "Failed to shutdown server gracefully", "err", err)
	}
}
