// Package server manages individual chat connections, pairing each transport
// with an ordered outbox drained by a dedicated write pump.
package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const sendBufferSize = 256

// outbound is one queued frame. delay is slept before the write and paces
// history replays.
type outbound struct {
	data  []byte
	delay time.Duration
}

// Client represents one connection in the chat system: its transport, its
// outbox and the writer goroutine draining it.
type Client struct {
	id           uuid.UUID
	transport    Transport
	addr         string
	writeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	send   chan outbound
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a Client for t. The caller must start the write pump
// with go c.writePump().
func NewClient(t Transport, writeTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	addr := t.RemoteAddr()
	return &Client{
		id:           uuid.New(),
		transport:    t,
		addr:         addr,
		writeTimeout: writeTimeout,
		logger:       logger.With("addr", addr),
		send:         make(chan outbound, sendBufferSize),
		done:         make(chan struct{}),
	}
}

// enqueue queues data without blocking. It returns false when the outbox is
// full or already closed.
func (c *Client) enqueue(data []byte, delay time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- outbound{data: data, delay: delay}:
		return true
	default:
		return false
	}
}

// closeSend closes the outbox. Frames already queued are still written.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// flush closes the outbox and waits up to timeout for the writer to drain
// it. It reports whether the writer finished.
func (c *Client) flush(timeout time.Duration) bool {
	c.closeSend()
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close closes the transport once. A session blocked in ReadFrame returns
// with an error.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.transport.Close()
	})
	if err != nil && isExpectedCloseError(err) {
		return nil
	}
	return err
}

// writePump writes queued frames in order until the outbox is closed. After
// a write failure it closes the transport and discards the rest.
func (c *Client) writePump() {
	defer close(c.done)

	failed := false
	for msg := range c.send {
		if failed {
			continue
		}
		if msg.delay > 0 {
			time.Sleep(msg.delay)
		}
		if err := c.transport.WriteFrame(msg.data, time.Now().Add(c.writeTimeout)); err != nil {
			if !isExpectedCloseError(err) {
				c.logger.Warn("write failed", "error", err)
			}
			failed = true
			if err := c.Close(); err != nil {
				c.logger.Warn("close after write failure", "error", err)
			}
		}
	}
}
