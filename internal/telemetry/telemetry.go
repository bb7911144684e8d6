// Package telemetry bootstraps OpenTelemetry providers for processes
// that want the engine's LLM spans and token counters exported. The
// engine itself only ever consumes the provider interfaces; this package
// is for binaries (like cmd/tract-demo) that own the SDK lifecycle.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Providers bundles what Init hands back to the caller.
type Providers struct {
	Tracer trace.TracerProvider
	Meter  metric.MeterProvider

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init wires stdout-exporting tracer and meter providers and installs
// them as the otel globals. Call Shutdown before process exit to flush.
func Init(ctx context.Context) (*Providers, error) {
	traceExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	metricExp, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(30*time.Second)),
	))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Providers{Tracer: tp, Meter: mp, tp: tp, mp: mp}, nil
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := p.tp.Shutdown(ctx)
	if merr := p.mp.Shutdown(ctx); err == nil {
		err = merr
	}
	return err
}
