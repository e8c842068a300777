package client

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/panyam/authfetch/client"

// telemetry holds the OpenTelemetry instruments shared by a Session's parts.
// Instrument creation errors fall back to no-op instruments; telemetry never
// fails a request.
type telemetry struct {
	tracer   trace.Tracer
	refresh  metric.Int64Counter
	teardown metric.Int64Counter
	retry    metric.Int64Counter
}

func newTelemetry(mp metric.MeterProvider, tp trace.TracerProvider, logger *slog.Logger) *telemetry {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)
	t := &telemetry{tracer: tp.Tracer(instrumentationName)}

	var err error
	if t.refresh, err = meter.Int64Counter(
		"authfetch.refresh.count",
		metric.WithDescription("Underlying credential refresh operations"),
		metric.WithUnit("1"),
	); err != nil {
		logger.Warn("create refresh counter", "err", err)
	}
	if t.teardown, err = meter.Int64Counter(
		"authfetch.teardown.count",
		metric.WithDescription("Sign-out invocations caused by unrecoverable auth failures"),
		metric.WithUnit("1"),
	); err != nil {
		logger.Warn("create teardown counter", "err", err)
	}
	if t.retry, err = meter.Int64Counter(
		"authfetch.request.retry.count",
		metric.WithDescription("Requests replayed with a refreshed credential"),
		metric.WithUnit("1"),
	); err != nil {
		logger.Warn("create retry counter", "err", err)
	}
	return t
}

func (t *telemetry) refreshed(ctx context.Context, ok bool) {
	if t == nil || t.refresh == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	t.refresh.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (t *telemetry) tornDown(ctx context.Context) {
	if t == nil || t.teardown == nil {
		return
	}
	t.teardown.Add(ctx, 1)
}

func (t *telemetry) retried(ctx context.Context) {
	if t == nil || t.retry == nil {
		return
	}
	t.retry.Add(ctx, 1)
}
