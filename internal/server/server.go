// Package server runs TCP accept loops that hand each connection to a
// protocol handler on its own goroutine.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultShutdownTimeout is the maximum time to wait for in-flight
// connections during graceful shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// Handler serves one accepted connection. The server closes conn after
// ServeConn returns. ctx is canceled when the server shuts down.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

// ServeConn calls f(ctx, conn).
func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Config holds the configuration for a Server.
type Config struct {
	// Name identifies the listener in logs, e.g. "smtp".
	Name string

	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// TLSConfig enables implicit TLS on every accepted connection when set.
	TLSConfig *tls.Config

	// ShutdownTimeout bounds the wait for in-flight connections. Zero means DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	Handler Handler
	Logger  *slog.Logger
}

// Server accepts connections and dispatches them to a Handler.
type Server struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}

	// wg tracks in-flight connection goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a Server with the given configuration.
func New(cfg Config) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config: cfg,
		logger: logger.With("listener", cfg.Name),
		ready:  make(chan struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("%s listen on %s: %w", s.config.Name, s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled. On cancellation it
// stops accepting and waits up to the shutdown timeout for in-flight
// connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("server listening",
		"addr", ln.Addr().String(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	// Monitor context for shutdown
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down server")
			ln.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForConnections()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.waitForConnections()
				return fmt.Errorf("%s listener closed: %w", s.config.Name, err)
			}
			s.logger.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.config.Handler.ServeConn(ctx, conn)
		}()
	}
}

// waitForConnections waits for all in-flight connections to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForConnections() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections completed")
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn("shutdown timeout reached, abandoning connections")
	}
}

// Ready is closed once the server is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Run starts every service and blocks until ctx is canceled or one of them
// fails. A failure cancels the context passed to the others.
func Run(ctx context.Context, services ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		g.Go(func() error {
			return svc(gctx)
		})
	}
	return g.Wait()
}
