// Package server provides HTTP server construction for reelsync.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alexjbarnes/reelsync/internal/auth"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// MuxConfig holds dependencies for building the MCP HTTP mux.
type MuxConfig struct {
	Store      *auth.Store
	MCPHandler http.Handler
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with a health endpoint and the MCP
// endpoint. The MCP endpoint is protected by Bearer token middleware
// that accepts the configured API keys.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok")
	})

	authMiddleware := auth.Middleware(cfg.Store, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

// NewHTTPServer returns an http.Server for handler. There is no read or
// write timeout: websocket subscriptions and MCP event streams stay open
// for the life of the client.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
}

// Serve listens on srv.Addr and serves until ctx is cancelled.
func Serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", srv.Addr, err)
	}

	return ServeListener(ctx, srv, ln, logger)
}

// ServeListener serves on ln until ctx is cancelled, then shuts srv down
// gracefully. It returns nil after a clean shutdown.
func ServeListener(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Serve(ln)
	}()

	logger.Info("http server listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)

	case <-ctx.Done():
	}

	logger.Info("shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}
