package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

// healthResponse is the body of GET /.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Clients int    `json:"clients"`
	Users   int    `json:"users"`
	Apps    int    `json:"apps"`
	History int    `json:"history"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
}

// WebSocketHandler upgrades GET requests and admits the connection to the
// hub exactly like an accepted TCP connection.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.admit(context.WithoutCancel(r.Context()), newWSTransport(conn, s.cfg.MaxMessageSize))
}

// HealthHandler reports server status and hub counts as JSON.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	stats := s.hub.Stats()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(healthResponse{
		Status:  "ok",
		Version: Version,
		Clients: stats.Clients,
		Users:   stats.Users,
		Apps:    stats.Apps,
		History: stats.History,
	}); err != nil {
		s.logger.Warn("write health response", "error", err)
	}
}
