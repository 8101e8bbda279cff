// Package server defines the client metadata kept by the hub and small
// helpers shared by sessions, transports and the hub.
package server

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/wh00t/internal/protocol"
)

// Version is reported in the intro message and the health endpoint.
const Version = "1.2.0"

const (
	// ServerID is the sender id of every server-generated envelope.
	ServerID = "wh00t_server"
	// ExitString ends a session when sent as a payload.
	ExitString = "/exit"
	// HistorySize is the number of envelopes retained for replay.
	HistorySize = 35
	// historyBurst is how many replayed frames go out before the longer pause.
	historyBurst = 5
)

// ClientInfo is the registry entry of one connection.
type ClientInfo struct {
	ID          uuid.UUID
	Handle      string
	Profile     protocol.Profile
	Address     string
	ConnectedAt time.Time
}

// messageTime formats t the way notices display it.
func messageTime(t time.Time) string {
	return t.Format("01/02 15:04")
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
