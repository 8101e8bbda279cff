package server

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Transport moves raw frames for one connection. ReadFrame is called only by
// the session goroutine and WriteFrame only by the client's writer; Close may
// be called from anywhere.
type Transport interface {
	// ReadFrame blocks for the next frame. A frame holds one or more
	// newline-separated envelopes. io.EOF means the peer closed.
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte, deadline time.Time) error
	Close() error
	RemoteAddr() string
}

// tcpTransport frames a stream connection by lines.
type tcpTransport struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func newTCPTransport(conn net.Conn, maxMessageSize int) *tcpTransport {
	// The scanner's limit is the larger of max and cap(buf).
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, min(1024, maxMessageSize)), maxMessageSize)
	return &tcpTransport{conn: conn, scanner: sc}
}

func (t *tcpTransport) ReadFrame() ([]byte, error) {
	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return bytes.Clone(line), nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (t *tcpTransport) WriteFrame(data []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := t.conn.Write(data)
	return err
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func (t *tcpTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// wsTransport carries frames as WebSocket text messages.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn, maxMessageSize int) *wsTransport {
	conn.SetReadLimit(int64(maxMessageSize))
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) WriteFrame(data []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(data, []byte{'\n'}))
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
