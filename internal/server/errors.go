package server

import (
	"errors"
	"fmt"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("server closed")

// ListenerFault reports a bind, listen or accept failure. It is fatal to the
// acceptor but never to running sessions.
type ListenerFault struct {
	Op  string
	Err error
}

func (e *ListenerFault) Error() string {
	return fmt.Sprintf("listener %s: %v", e.Op, e.Err)
}

func (e *ListenerFault) Unwrap() error { return e.Err }

// ConfigError reports an invalid or missing configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}
