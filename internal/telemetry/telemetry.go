// Package telemetry installs the process-wide OpenTelemetry MeterProvider.
// internal/metrics registers its counters against the OTel global provider
// at init time and is a no-op until Init runs — the same lazy-registration
// shape the teacher's dolt storage backend documents ("a no-op until
// telemetry.Init() is called").
package telemetry

import (
	"context"
	"fmt"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Init installs an SDK-backed MeterProvider as the OTel global, tagged with
// serviceName. It returns a shutdown function that flushes and detaches the
// provider; callers should defer it. No reader or exporter is attached and
// Init takes no options to add one, so the installed provider exports
// nothing — the core ships with in-process instruments only, consistent
// with spec.md's Non-goals (no bundled observability backend).
func Init(serviceName string) (func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
