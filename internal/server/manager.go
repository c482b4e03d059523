package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when a manager is used after Shutdown.
	ErrClosed = errors.New("server: manager closed")
	// ErrAlreadyStarted is returned by Start on a running manager.
	ErrAlreadyStarted = errors.New("server: already started")
)

// Config bounds one HTTP listener.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string `yaml:"addr" json:"addr"`
	// ReadTimeout bounds reading the request header and body.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`
	// WriteTimeout bounds writing the response.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	// IdleTimeout bounds keep-alive connections between requests.
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// MaxHeaderBytes caps the request header size.
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`
	// ShutdownTimeout bounds graceful drain on Shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Manager owns one http.Server: it listens, serves in the background,
// surfaces serve failures, and drains connections on shutdown. The serve
// command runs one manager per listener (API and metrics).
type Manager struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// NewManager builds a manager for the handler. Zero config fields fall
// back to DefaultConfig; name distinguishes listeners in logs.
func NewManager(name string, handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.MaxHeaderBytes <= 0 {
		config.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	server := &http.Server{
		Addr:           config.Addr,
		Handler:        handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return &Manager{
		server: server,
		errCh:  make(chan error, 1),
		config: config,
		logger: logger.With(
			zap.String("component", "http_server"),
			zap.String("server", name),
		),
	}
}

// Start binds the listener and serves in the background.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.listener != nil {
		return ErrAlreadyStarted
	}

	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", m.config.Addr, err)
	}

	m.listener = listener
	m.logger.Info("http server listening", zap.String("addr", listener.Addr().String()))

	go m.serve(listener)
	return nil
}

// Run starts the server and blocks until the context is cancelled or
// the server fails. Cancellation drains gracefully and returns nil.
// Shaped for errgroup.Group.Go.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(); err != nil && !errors.Is(err, ErrAlreadyStarted) {
		return err
	}

	select {
	case <-ctx.Done():
		return m.Shutdown(context.Background())
	case err := <-m.errCh:
		return err
	}
}

func (m *Manager) serve(listener net.Listener) {
	if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("http server failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown drains in-flight requests within the configured timeout.
// Safe to call more than once; a shut-down manager cannot restart.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("http server shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("http server shutdown failed", zap.Error(err))
		return err
	}

	m.listener = nil
	m.logger.Info("http server stopped")
	return nil
}

// Errors surfaces asynchronous serve failures.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr returns the live listener address once started (resolving :0
// binds), the configured address otherwise.
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning reports whether the manager has not been shut down.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}
