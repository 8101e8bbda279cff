// Package cid carries per-session correlation ids through contexts so every
// log line of one connection can be tied together.
package cid

import (
	"context"

	"github.com/segmentio/ksuid"
)

// ContextKey is the type used for storing the CID in a context.
type ContextKey struct{}

// LogKey is the structured logging attribute that carries the CID.
const LogKey = "cid"

// New returns a fresh, time-sortable correlation id.
func New() string {
	return ksuid.New().String()
}

// WithCID returns a new context containing the provided correlation id.
func WithCID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKey{}, id)
}

// FromContext extracts the correlation id from ctx, if present.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ContextKey{}).(string); ok {
		return v
	}
	return ""
}
