// Package server implements the wh00t TCP broadcast chat hub.
//
// The implementation is organized into specialized files: the acceptor owns
// the listening socket, each connection runs a session that drives the
// handshake and exit protocol, and the hub serializes registry, history and
// fan-out behind a single mutex. Transports let WebSocket clients reach the
// same hub as plain TCP clients.
package server
