package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/wh00t/internal/cid"
	"github.com/Tyrowin/wh00t/internal/metrics"
	"github.com/Tyrowin/wh00t/internal/protocol"
)

type sessionState int

const (
	stateUninitialized sessionState = iota
	stateRegistered
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateRegistered:
		return "registered"
	case stateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// session drives one connection through handshake, chat and exit.
type session struct {
	ctx     context.Context
	hub     *Hub
	client  *Client
	info    ClientInfo
	state   sessionState
	limiter *rateLimiter
	metrics *metrics.Metrics
	logger  *slog.Logger

	flushTimeout time.Duration
}

// newSession binds a correlation id to the session context, keeping one the
// caller already put there, and tags every session log line with it.
func newSession(ctx context.Context, hub *Hub, c *Client, info ClientInfo, cfg Config, m *metrics.Metrics) *session {
	if cid.FromContext(ctx) == "" {
		ctx = cid.WithCID(ctx, cid.New())
	}
	return &session{
		ctx:          ctx,
		hub:          hub,
		client:       c,
		info:         info,
		limiter:      newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		metrics:      m,
		logger:       c.logger.With(cid.LogKey, cid.FromContext(ctx)),
		flushTimeout: cfg.WriteTimeout,
	}
}

// run reads until exit or failure, then always cleans up.
func (s *session) run() {
	s.metrics.ActiveSessions.Add(s.ctx, 1)
	defer s.metrics.ActiveSessions.Add(s.ctx, -1)
	defer s.cleanup()

	for s.state != stateClosed {
		frame, err := s.client.transport.ReadFrame()
		if err != nil {
			s.handleReadError(err)
			return
		}
		if len(frame) == 0 {
			s.logger.Info("zero-length read; treating as exit", "handle", s.info.Handle)
			return
		}

		envs, decodeErr := protocol.DecodeAll(frame)
		for _, env := range envs {
			if s.handle(env) {
				return
			}
		}
		if decodeErr != nil {
			s.metrics.MalformedEnvelopes.Add(s.ctx, 1)
			s.logger.Warn("malformed envelope; closing session",
				"handle", s.info.Handle, "error", decodeErr)
			return
		}
	}
}

// handle processes one envelope and reports whether the session is done.
func (s *session) handle(env protocol.Envelope) bool {
	switch {
	case env.Payload == ExitString:
		s.hub.mu.Lock()
		s.hub.sendLocked(s.client, protocol.Envelope{
			SenderID: ServerID,
			Profile:  protocol.ProfileApp,
			Category: protocol.CategoryClientExit,
			Payload:  ExitString,
			Time:     messageTime(s.hub.now()),
		}, 0)
		s.hub.mu.Unlock()
		s.state = stateClosed
		return true

	case env.IsHandshake():
		previous := s.info.Handle
		s.info = s.hub.Register(s.client, env, s.info)
		if s.state == stateRegistered && previous != s.info.Handle {
			s.logger.Info("client renamed", "from", previous, "to", s.info.Handle)
		}
		s.state = stateRegistered
		return false

	case s.state != stateRegistered:
		s.logger.Warn("dropping message sent before handshake",
			"handle", s.info.Handle, "category", env.Category)
		return false

	case !s.limiter.allow():
		s.metrics.RateLimitRejects.Add(s.ctx, 1)
		s.logger.Warn("rate limit exceeded; discarding message", "handle", s.info.Handle)
		return false

	default:
		if env.SenderID == "" {
			env.SenderID = s.info.Handle
		}
		s.hub.Broadcast(env)
		return false
	}
}

// handleReadError logs the failure at a level that matches its cause.
func (s *session) handleReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.logger.Info("client closed connection", "handle", s.info.Handle)
	case errors.Is(err, bufio.ErrTooLong), errors.Is(err, websocket.ErrReadLimit):
		s.metrics.MalformedEnvelopes.Add(s.ctx, 1)
		s.logger.Warn("message exceeded maximum size", "handle", s.info.Handle, "error", err)
	case isExpectedCloseError(err):
		s.logger.Info("connection closed", "handle", s.info.Handle, "error", err)
	default:
		s.logger.Warn("read failed", "handle", s.info.Handle, "error", err)
	}
}

// cleanup removes the client from the hub, flushes whatever is still queued
// (the exit acknowledgement in particular) and closes the connection.
func (s *session) cleanup() {
	s.state = stateClosed
	s.hub.Unregister(s.client)

	if !s.client.flush(s.flushTimeout) {
		s.logger.Warn("outbox not drained before close", "handle", s.info.Handle)
	}
	if err := s.client.Close(); err != nil {
		s.logger.Warn("close failed", "handle", s.info.Handle, "error", err)
	}
	s.logger.Info("client disconnected", "handle", s.info.Handle)
}
