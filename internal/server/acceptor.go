package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Tyrowin/wh00t/internal/protocol"
)

// Listen binds the TCP chat listener. Failures are returned as *ListenerFault.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return &ListenerFault{Op: "listen", Err: err}
	}
	s.listener = ln
	s.logger.Info("listening", "addr", ln.Addr().String(), "version", Version)
	return nil
}

// Serve runs the accept loop until the listener fails or the server is
// closed. Cancelling ctx closes the server. It returns ErrServerClosed after
// an intentional close and a *ListenerFault otherwise; running sessions are
// unaffected by a fault.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		if err := s.Close(); err != nil {
			s.logger.Warn("close on cancel", "error", err)
		}
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			s.logger.Error("accept failed; no longer accepting connections", "error", err)
			return &ListenerFault{Op: "accept", Err: err}
		}
		s.admit(ctx, newTCPTransport(conn, s.cfg.MaxMessageSize))
	}
}

// ListenAndServe binds and serves.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// admit assigns a handle to a fresh connection, announces it to apps and
// starts its writer and session.
func (s *Server) admit(ctx context.Context, t Transport) {
	c := NewClient(t, s.cfg.WriteTimeout, s.logger)
	if !s.track(c) {
		if err := c.Close(); err != nil {
			s.logger.Debug("close after shutdown", "addr", c.addr, "error", err)
		}
		return
	}

	now := time.Now()
	info := ClientInfo{
		ID:          c.id,
		Handle:      s.handles.Next(),
		Profile:     protocol.ProfileInit,
		Address:     c.addr,
		ConnectedAt: now,
	}

	s.metrics.ConnectionsAccepted.Add(ctx, 1)
	s.logger.Info("connection accepted", "addr", info.Address, "handle", info.Handle)

	go c.writePump()

	s.hub.Announce(protocol.CategoryClientConnect,
		fmt.Sprintf("~ %s (%s) has connected at %s ~", info.Handle, info.Address, messageTime(now)),
		protocol.AudienceApps)

	sess := newSession(ctx, s.hub, c, info, s.cfg, s.metrics)
	s.spawner.Go(func() {
		defer s.untrack(c)
		sess.run()
	})
}
