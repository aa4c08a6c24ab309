package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/cors"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Address is the TCP address to listen on.
	Address string

	// GracefulTimeout is how long in-flight requests get during shutdown.
	GracefulTimeout time.Duration

	// ReadHeaderTimeout bounds slow clients (default: 5s).
	ReadHeaderTimeout time.Duration

	// AllowedOrigins enables CORS for cross-origin challenge pages.
	// Empty means same-origin only.
	AllowedOrigins []string

	// Logger for server events.
	Logger *slog.Logger
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:           ":8080",
		GracefulTimeout:   10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		Logger:            slog.Default(),
	}
}

// Server runs an http.Server around a handler.
type Server struct {
	config     ServerConfig
	httpServer *http.Server
	logger     *slog.Logger

	listener   net.Listener
	listenerMu sync.RWMutex

	running   atomic.Bool
	closeOnce sync.Once
}

// NewServer creates a server for h.
func NewServer(config ServerConfig, h http.Handler) *Server {
	def := DefaultServerConfig()
	if config.Address == "" {
		config.Address = def.Address
	}
	if config.GracefulTimeout <= 0 {
		config.GracefulTimeout = def.GracefulTimeout
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if len(config.AllowedOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins:   config.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: true,
		}).Handler(h)
	}

	return &Server{
		config: config,
		httpServer: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
			ErrorLog:          slog.NewLogLogger(config.Logger.Handler(), slog.LevelWarn),
		},
		logger: config.Logger,
	}
}

// Start listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server already running")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("listen on %s: %w", s.config.Address, err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	s.logger.Info("server started",
		slog.String("address", listener.Addr().String()),
		slog.Int("allowed_origins", len(s.config.AllowedOrigins)),
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-serveErr:
		s.running.Store(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

func (s *Server) shutdown() error {
	var shutdownErr error

	s.closeOnce.Do(func() {
		s.logger.Info("server shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), s.config.GracefulTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("graceful shutdown timeout, some requests may be interrupted",
				slog.Duration("timeout", s.config.GracefulTimeout),
			)
			shutdownErr = fmt.Errorf("shutdown: %w", err)
			_ = s.httpServer.Close()
		}

		s.running.Store(false)
		s.logger.Info("server stopped")
	})

	return shutdownErr
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(context.Context) error {
	return s.shutdown()
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Running reports whether the server is serving.
func (s *Server) Running() bool {
	return s.running.Load()
}
