package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/wh00t/internal/protocol"
	"github.com/Tyrowin/wh00t/internal/telemetry"
)

const waitTimeout = 3 * time.Second

// fakeTransport is an in-memory Transport. Frames written by the client
// arrive on written; frames pushed with feed are returned by ReadFrame.
type fakeTransport struct {
	addr    string
	written chan []byte
	reads   chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeTransport(addr string) *fakeTransport {
	return &fakeTransport{
		addr:    addr,
		written: make(chan []byte, 1024),
		reads:   make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-f.reads:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteFrame(data []byte, _ time.Time) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	f.written <- bytes.Clone(data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return f.addr }

func (f *fakeTransport) feed(frame string) {
	f.reads <- []byte(frame)
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// next returns the next envelope the client wrote.
func (f *fakeTransport) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case data := <-f.written:
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		return env
	case <-time.After(waitTimeout):
		t.Fatalf("%s: timed out waiting for a frame", f.addr)
	}
	return protocol.Envelope{}
}

// expectSilence fails if anything is written within d.
func (f *fakeTransport) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-f.written:
		t.Fatalf("%s: unexpected frame %s", f.addr, data)
	case <-time.After(d):
	}
}

// stallTransport blocks every write until it is closed.
type stallTransport struct {
	closed chan struct{}
	once   sync.Once
}

func newStallTransport() *stallTransport {
	return &stallTransport{closed: make(chan struct{})}
}

func (s *stallTransport) ReadFrame() ([]byte, error) {
	<-s.closed
	return nil, io.EOF
}

func (s *stallTransport) WriteFrame([]byte, time.Time) error {
	<-s.closed
	return net.ErrClosed
}

func (s *stallTransport) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *stallTransport) RemoteAddr() string { return "stalled:1" }

// newTestHub returns a hub with no replay pacing and a fixed clock.
func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(Config{}, telemetry.Discard(), nil)
	h.now = func() time.Time { return time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) }
	return h
}

// newTestClient wires a client to a fake transport and starts its writer.
func newTestClient(t *testing.T, addr string) (*Client, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport(addr)
	c := NewClient(ft, time.Second, telemetry.Discard())
	go c.writePump()
	t.Cleanup(func() {
		c.closeSend()
		_ = c.Close()
	})
	return c, ft
}

func handshake(name string, profile protocol.Profile) protocol.Envelope {
	return protocol.Envelope{SenderID: name, Profile: profile}
}

func chat(name, payload string) protocol.Envelope {
	return protocol.Envelope{
		SenderID: name,
		Profile:  protocol.ProfileUser,
		Category: protocol.CategoryChatMessage,
		Payload:  payload,
	}
}

// joinUser registers a user on h and drains its intro and (empty) replay.
func joinUser(t *testing.T, h *Hub, name string) (*Client, *fakeTransport) {
	t.Helper()
	c, ft := newTestClient(t, name+":1")
	h.Register(c, handshake(name, protocol.ProfileUser), ClientInfo{Address: ft.addr})
	require.Equal(t, protocol.CategoryClientIntro, ft.next(t).Category)
	require.Equal(t, protocol.HistoryStart, ft.next(t).Payload)
	for {
		env := ft.next(t)
		if env.Payload == protocol.HistoryEnd {
			return c, ft
		}
	}
}

// joinApp registers an app on h and drains its intro.
func joinApp(t *testing.T, h *Hub, name string) (*Client, *fakeTransport) {
	t.Helper()
	c, ft := newTestClient(t, name+":1")
	h.Register(c, handshake(name, protocol.ProfileApp), ClientInfo{Address: ft.addr})
	require.Equal(t, protocol.CategoryClientIntro, ft.next(t).Category)
	return c, ft
}

// sequentialHandles hands out guest-1, guest-2, ...
type sequentialHandles struct {
	n atomic.Int64
}

func (s *sequentialHandles) Next() string {
	return fmt.Sprintf("guest-%d", s.n.Add(1))
}

// startTestServer runs a server on an ephemeral loopback port.
func startTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := Config{Host: "127.0.0.1", Port: 0, AllowedOrigins: []string{"http://allowed.example"}}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg,
		WithLogger(telemetry.Discard()),
		WithHandles(&sequentialHandles{}),
	)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		select {
		case <-served:
		case <-time.After(waitTimeout):
			t.Error("Serve did not return after Close")
		}
		srv.Wait()
	})
	return srv
}

// lineClient speaks newline-delimited JSON over TCP.
type lineClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialLine(t *testing.T, srv *Server) *lineClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), waitTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &lineClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *lineClient) send(t *testing.T, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	c.sendRaw(t, string(data))
}

func (c *lineClient) sendRaw(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, c.conn.SetWriteDeadline(time.Now().Add(waitTimeout)))
	_, err := c.conn.Write([]byte(line))
	require.NoError(t, err)
}

func (c *lineClient) next(t *testing.T) protocol.Envelope {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(t, err)
	env, err := protocol.Decode(line)
	require.NoError(t, err)
	return env
}

// until reads and discards envelopes until one matches.
func (c *lineClient) until(t *testing.T, match func(protocol.Envelope) bool) protocol.Envelope {
	t.Helper()
	for {
		env := c.next(t)
		if match(env) {
			return env
		}
	}
}

// expectClosed reads until the server closes the connection.
func (c *lineClient) expectClosed(t *testing.T) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	for {
		if _, err := c.reader.ReadBytes('\n'); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("connection still open")
			}
			return
		}
	}
}
