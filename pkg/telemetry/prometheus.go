package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// SetupMeterProvider installs a process-wide OTel MeterProvider whose
// instruments are exposed through reg on every scrape. Collection errors are
// reported to the global OTel error handler. The returned function shuts
// the provider down.
func SetupMeterProvider(reg prometheus.Registerer) (func(context.Context) error, error) {
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(reg),
		otelprom.WithoutUnits(),
		otelprom.WithoutScopeInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	resetInstruments()
	return provider.Shutdown, nil
}
