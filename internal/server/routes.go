package server

import "net/http"

// Routes returns the HTTP mux serving the health endpoint and the WebSocket
// gateway.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	return mux
}
