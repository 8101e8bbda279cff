package server

import (
	"log/slog"
	"net"
	"sync"

	"github.com/Tyrowin/wh00t/internal/handles"
	"github.com/Tyrowin/wh00t/internal/metrics"
)

// Server accepts TCP connections (and WebSocket upgrades through its HTTP
// handler) and runs one session per connection against a shared Hub.
type Server struct {
	cfg     Config
	hub     *Hub
	handles handles.Allocator
	spawner Spawner
	origins *originPolicy
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Client]struct{}
	closed   bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the instruments the server records to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithHandles sets the handle allocator used for new connections.
func WithHandles(a handles.Allocator) Option {
	return func(s *Server) {
		if a != nil {
			s.handles = a
		}
	}
}

// WithSpawner replaces the spawner chosen from cfg.MaxSessions.
func WithSpawner(sp Spawner) Option {
	return func(s *Server) {
		if sp != nil {
			s.spawner = sp
		}
	}
}

// New creates a Server. Zero-valued settings in cfg fall back to defaults.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: metrics.Noop(),
		conns:   make(map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.handles == nil {
		s.handles = handles.NewPool(s.logger)
	}
	if s.spawner == nil {
		s.spawner = NewSpawner(cfg.MaxSessions)
	}

	s.hub = NewHub(cfg, s.logger, s.metrics)
	s.origins = newOriginPolicy(cfg.AllowedOrigins, s.logger)
	return s, nil
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting and closes every open connection without draining.
// Sessions observe the closed transports and clean up on their own.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]*Client, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !isExpectedCloseError(cerr) {
			err = cerr
		}
	}
	for _, c := range conns {
		if cerr := c.Close(); cerr != nil {
			s.logger.Debug("close connection", "addr", c.addr, "error", cerr)
		}
	}
	s.logger.Info("server closed", "connections", len(conns))
	return err
}

// Wait blocks until every session has finished.
func (s *Server) Wait() {
	s.spawner.Wait()
}

// track records c as open. It fails once the server is closed.
func (s *Server) track(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}
