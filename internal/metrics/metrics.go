package metrics

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all hub instruments.
type Metrics struct {
	ConnectionsAccepted metric.Int64Counter
	ActiveSessions      metric.Int64UpDownCounter
	Broadcasts          metric.Int64Counter
	SecretBroadcasts    metric.Int64Counter
	MalformedEnvelopes  metric.Int64Counter
	HistoryEvictions    metric.Int64Counter
	DeliveryFailures    metric.Int64Counter
	RateLimitRejects    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ConnectionsAccepted, err = meter.Int64Counter("wh00t.connections.accepted",
		metric.WithDescription("Connections accepted by the listener or the WebSocket gateway"),
	); err != nil {
		return nil, err
	}
	if m.ActiveSessions, err = meter.Int64UpDownCounter("wh00t.sessions.active",
		metric.WithDescription("Client sessions currently running"),
	); err != nil {
		return nil, err
	}
	if m.Broadcasts, err = meter.Int64Counter("wh00t.envelopes.broadcast",
		metric.WithDescription("Envelopes fanned out by the hub"),
	); err != nil {
		return nil, err
	}
	if m.SecretBroadcasts, err = meter.Int64Counter("wh00t.envelopes.secret",
		metric.WithDescription("Self-destructing envelopes restricted to human clients"),
	); err != nil {
		return nil, err
	}
	if m.MalformedEnvelopes, err = meter.Int64Counter("wh00t.envelopes.malformed",
		metric.WithDescription("Inbound lines rejected by the codec"),
	); err != nil {
		return nil, err
	}
	if m.HistoryEvictions, err = meter.Int64Counter("wh00t.history.evictions",
		metric.WithDescription("Envelopes evicted from the history buffer"),
	); err != nil {
		return nil, err
	}
	if m.DeliveryFailures, err = meter.Int64Counter("wh00t.delivery.failures",
		metric.WithDescription("Recipients dropped because their outbox was full or closed"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("wh00t.ratelimit.rejects",
		metric.WithDescription("Envelopes discarded by the per-session rate limiter"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// Noop returns instruments backed by the no-op meter.
func Noop() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		// The no-op meter never fails.
		panic(err)
	}
	return m
}

// CategoryAttr tags a broadcast with its envelope category.
func CategoryAttr(category string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("category", category))
}
