package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// serviceName identifies this service in exported telemetry.
const serviceName = "emberlore"

// InitProvider installs the global OpenTelemetry meter provider backed by a
// Prometheus exporter, so metrics recorded through [DefaultMetrics] become
// scrapeable from the default Prometheus registry.
//
// The returned shutdown function flushes and stops the provider; call it
// during graceful shutdown. InitProvider should be called once, early in
// main, before any metrics are recorded.
func InitProvider(ctx context.Context, version string) (shutdown func(context.Context) error, err error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: failed to build resource: %w", err)
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	var shutdownFuncs []func(context.Context) error
	shutdownFuncs = append(shutdownFuncs, mp.Shutdown)

	shutdown = func(ctx context.Context) error {
		var errs error
		for _, fn := range shutdownFuncs {
			errs = errors.Join(errs, fn(ctx))
		}
		return errs
	}
	return shutdown, nil
}
