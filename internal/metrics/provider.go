// Package metrics wires OpenTelemetry metric instruments for the chat hub.
// When disabled every instrument is a no-op.
package metrics

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// MeterName is the instrumentation scope name for wh00t metrics.
const MeterName = "wh00t"

// Config selects the metrics exporter.
type Config struct {
	// Exporter is "none" (default) or "stdout".
	Exporter string        `yaml:"exporter"`
	Interval time.Duration `yaml:"interval"`
	// Writer overrides the stdout exporter destination.
	Writer io.Writer `yaml:"-"`
}

// Provider wraps the meter provider with its cleanup.
type Provider struct {
	Meter    metric.Meter
	shutdown func(context.Context) error
}

// Init sets up a meter according to cfg. The returned Provider must be
// Shutdown on exit.
func Init(ctx context.Context, cfg Config, version string) (*Provider, error) {
	switch cfg.Exporter {
	case "", "none":
		return &Provider{
			Meter:    noop.NewMeterProvider().Meter(MeterName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	case "stdout":
	default:
		return nil, fmt.Errorf("unknown metrics exporter: %s (supported: none, stdout)", cfg.Exporter)
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", "wh00t-server"),
		attribute.String("wh00t.version", version),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)

	return &Provider{
		Meter:    mp.Meter(MeterName),
		shutdown: mp.Shutdown,
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
