package signalbus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the OTel scope of the signalbus metrics and spans.
const instrumentationName = "github.com/oagudo/signalbus"

// instruments records burst metrics and spans. Instruments that fail to be
// created fall back to the noop implementations returned by the OTel API.
type instruments struct {
	tracer        trace.Tracer
	burstDuration metric.Float64Histogram
	signalsSent   metric.Int64Counter
	conflicts     metric.Int64Counter
}

func newInstruments(mp metric.MeterProvider, tp trace.TracerProvider) *instruments {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)

	duration, _ := meter.Float64Histogram(
		"signalbus.burst.duration",
		metric.WithDescription("Duration of burst transactions in seconds"),
		metric.WithUnit("s"),
	)
	sent, _ := meter.Int64Counter(
		"signalbus.signals.sent",
		metric.WithDescription("Signals delivered and deleted"),
		metric.WithUnit("{signal}"),
	)
	conflicts, _ := meter.Int64Counter(
		"signalbus.burst.conflicts",
		metric.WithDescription("Burst transactions re-run after a conflict"),
		metric.WithUnit("{conflict}"),
	)

	return &instruments{
		tracer:        tp.Tracer(instrumentationName),
		burstDuration: duration,
		signalsSent:   sent,
		conflicts:     conflicts,
	}
}

func (in *instruments) startBurst(ctx context.Context, signalType string) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "signalbus.burst",
		trace.WithAttributes(attribute.String("signalbus.signal_type", signalType)),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

func (in *instruments) endBurst(ctx context.Context, span trace.Span, signalType string, sent int, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Int("signalbus.sent", sent))
	span.End()

	attrs := metric.WithAttributes(
		attribute.String("signal_type", signalType),
		attribute.String("status", status),
	)
	in.burstDuration.Record(ctx, elapsed.Seconds(), attrs)
	if sent > 0 {
		in.signalsSent.Add(ctx, int64(sent), metric.WithAttributes(attribute.String("signal_type", signalType)))
	}
}

func (in *instruments) conflict(ctx context.Context, signalType string) {
	in.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("signal_type", signalType)))
}
