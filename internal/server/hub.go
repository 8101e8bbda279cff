// Package server coordinates client registration, message broadcast, and
// history replay for the wh00t hub via the Hub type.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/wh00t/internal/metrics"
	"github.com/Tyrowin/wh00t/internal/protocol"
)

// Hub owns the registry and the history buffer. One mutex serializes every
// mutation and every read-iterate-enqueue pass, so handshakes, broadcasts and
// departures are observed by all connections in a single global order.
type Hub struct {
	mu       sync.Mutex
	registry *Registry
	history  *History

	policy     Policy
	pace       time.Duration
	burstPause time.Duration

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// HubStats is a point-in-time view of the hub.
type HubStats struct {
	Clients int `json:"clients"`
	Users   int `json:"users"`
	Apps    int `json:"apps"`
	History int `json:"history"`
}

// NewHub creates a Hub using the policy and pacing settings of cfg. Nil
// logger or metrics fall back to slog.Default and no-op instruments.
func NewHub(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Noop()
	}
	cfg = sanitizeConfig(cfg)
	return &Hub{
		registry:   NewRegistry(),
		history:    NewHistory(HistorySize),
		policy:     Policy{SecretMarker: cfg.SecretMarker},
		pace:       cfg.HistoryPace,
		burstPause: cfg.HistoryBurstPause,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Register performs the handshake transition for c. The requested username
// and profile come from hs; current is the connection's info before the
// handshake. Upsert, join notice, intro reply and history replay happen under
// the hub lock, so no broadcast can interleave with them and a rename is
// atomic for every other connection.
func (h *Hub) Register(c *Client, hs protocol.Envelope, current ClientInfo) ClientInfo {
	info := current
	info.ID = c.id
	if hs.SenderID != "" {
		info.Handle = hs.SenderID
	}
	info.Profile = hs.Profile.Normalize()

	h.mu.Lock()
	defer h.mu.Unlock()

	renamed := h.registry.Upsert(c, info)
	now := h.now()

	join := h.systemEnvelope(protocol.CategoryBroadcastIntro,
		fmt.Sprintf("~ %s has connected at %s ~", info.Handle, messageTime(now)), now)
	if info.Profile == protocol.ProfileApp {
		join.Audience = protocol.AudienceApps
	}
	h.deliverLocked(join, c)

	intro := h.systemEnvelope(protocol.CategoryClientIntro,
		fmt.Sprintf("~ You are connected to wh00t server v%s as %s ~\n~ Type '%s' to exit ~",
			Version, info.Handle, ExitString), now)
	h.sendLocked(c, intro, 0)

	if info.Profile != protocol.ProfileApp {
		h.replayLocked(c, now)
	}

	h.logger.Info("client registered",
		"addr", info.Address, "handle", info.Handle, "profile", info.Profile,
		"rename", renamed, "clients", h.registry.Len())
	return info
}

// Unregister removes c. A departing user is announced to the remaining user
// connections; app departures are silent.
func (h *Hub) Unregister(c *Client) (ClientInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, ok := h.registry.Remove(c)
	if !ok {
		return ClientInfo{}, false
	}

	if info.Profile == protocol.ProfileUser {
		now := h.now()
		left := h.systemEnvelope(protocol.CategoryBroadcastExit,
			fmt.Sprintf("~ %s has left the chat at %s ~", info.Handle, messageTime(now)), now)
		left.Audience = protocol.AudienceHumans
		h.deliverLocked(left, nil)
	}

	h.logger.Info("client unregistered",
		"addr", info.Address, "handle", info.Handle, "profile", info.Profile,
		"clients", h.registry.Len())
	return info, true
}

// Broadcast fans env out to every registered connection allowed to see it
// and admits it to history when eligible.
func (h *Hub) Broadcast(env protocol.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.deliverLocked(env, nil)

	if h.policy.HistoryEligible(env) {
		if h.history.Append(env) {
			h.metrics.HistoryEvictions.Add(context.Background(), 1)
		}
	}
}

// Announce broadcasts a server notice.
func (h *Hub) Announce(category, payload string, audience protocol.Audience) {
	now := h.now()
	env := h.systemEnvelope(category, payload, now)
	env.Audience = audience
	h.Broadcast(env)
}

// Clients returns the registered connections sorted by handle.
func (h *Hub) Clients() []ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.Snapshot()
}

// History returns the retained envelopes oldest first.
func (h *Hub) History() []protocol.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history.Snapshot()
}

// Stats returns registry and history counts.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{
		Clients: h.registry.Len(),
		Users:   h.registry.CountByProfile(protocol.ProfileUser),
		Apps:    h.registry.CountByProfile(protocol.ProfileApp),
		History: h.history.Len(),
	}
}

func (h *Hub) systemEnvelope(category, payload string, now time.Time) protocol.Envelope {
	return protocol.Envelope{
		SenderID: ServerID,
		Profile:  protocol.ProfileApp,
		Category: category,
		Payload:  payload,
		Time:     messageTime(now),
	}
}

// deliverLocked encodes env once and queues it for every admitted recipient
// except exclude. A recipient whose outbox rejects the frame is closed; its
// own session notices on the next read and runs the normal cleanup.
func (h *Hub) deliverLocked(env protocol.Envelope, exclude *Client) {
	if !h.policy.Deliverable(env) {
		h.logger.Warn("dropping secret debug envelope", "sender", env.SenderID, "category", env.Category)
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		h.logger.Error("dropping unencodable envelope", "sender", env.SenderID, "error", err)
		return
	}

	audience := h.policy.Audience(env)
	ctx := context.Background()
	if audience == protocol.AudienceHumans && env.Audience != protocol.AudienceHumans {
		h.metrics.SecretBroadcasts.Add(ctx, 1)
	}

	delivered := 0
	h.registry.each(func(c *Client, info ClientInfo) {
		if c == exclude || !audience.Admits(info.Profile) {
			return
		}
		if !c.enqueue(data, 0) {
			h.dropLocked(c, info)
			return
		}
		delivered++
	})

	h.metrics.Broadcasts.Add(ctx, 1, metrics.CategoryAttr(env.Category))
	h.logger.Debug("broadcast",
		"sender", env.SenderID, "category", env.Category,
		"audience", audience.String(), "recipients", delivered)
}

// sendLocked queues env for c alone.
func (h *Hub) sendLocked(c *Client, env protocol.Envelope, delay time.Duration) bool {
	data, err := protocol.Encode(env)
	if err != nil {
		h.logger.Error("dropping unencodable envelope", "sender", env.SenderID, "error", err)
		return false
	}
	if !c.enqueue(data, delay) {
		info, _ := h.registry.Get(c)
		h.dropLocked(c, info)
		return false
	}
	return true
}

// replayLocked queues the history bracketed by start and end markers. Frames
// carry the pacing delays so the writer throttles the burst after the hub
// lock is released.
func (h *Hub) replayLocked(c *Client, now time.Time) {
	start := h.systemEnvelope(protocol.CategoryMessageHistory, protocol.HistoryStart, now)
	if !h.sendLocked(c, start, 0) {
		return
	}
	for i, env := range h.history.Snapshot() {
		delay := h.pace
		if (i+1)%historyBurst == 0 {
			delay = h.burstPause
		}
		if !h.sendLocked(c, env, delay) {
			return
		}
	}
	end := h.systemEnvelope(protocol.CategoryMessageHistory, protocol.HistoryEnd, now)
	h.sendLocked(c, end, h.pace)
}

func (h *Hub) dropLocked(c *Client, info ClientInfo) {
	h.metrics.DeliveryFailures.Add(context.Background(), 1)
	h.logger.Warn("recipient outbox full or closed; closing connection",
		"addr", c.addr, "handle", info.Handle)
	go func() {
		if err := c.Close(); err != nil {
			h.logger.Warn("close failed recipient", "addr", c.addr, "error", err)
		}
	}()
}
