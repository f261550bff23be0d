package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
)

// Providers groups the tracing and metrics providers of one service.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
}

// Init configures OTLP/HTTP exporters for traces and metrics and installs
// them as the global providers, together with the W3C propagators.
func Init(ctx context.Context, serviceName, endpoint string) (*Providers, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Providers{Tracer: tp, Meter: mp}, nil
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(p.Tracer.Shutdown(ctx), p.Meter.Shutdown(ctx))
}

// StartMessageSpan opens a span for an inbound protocol message and tags it
// with the envelope identifiers.
func StartMessageSpan(ctx context.Context, tracer trace.Tracer, action protocol.Action, env *protocol.Envelope) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "ondc."+string(action))
	span.SetAttributes(MessageAttributes(env)...)
	span.SetAttributes(attribute.String("ondc.action", string(action)))
	return ctx, span
}

// MessageAttributes extracts the identifiers worth indexing from env.
func MessageAttributes(env *protocol.Envelope) []attribute.KeyValue {
	if env == nil {
		return nil
	}
	var attrs []attribute.KeyValue
	if c := env.Context; c != nil {
		attrs = append(attrs,
			attribute.String("ondc.transaction_id", c.TransactionID),
			attribute.String("ondc.message_id", c.MessageID),
			attribute.String("ondc.bap_id", c.BapID),
			attribute.String("ondc.bpp_id", c.BppID),
		)
	}
	if m := env.Message; m != nil {
		if m.Order != nil {
			attrs = append(attrs, attribute.String("order_id", m.Order.ID))
		} else if m.OrderID != "" {
			attrs = append(attrs, attribute.String("order_id", m.OrderID))
		}
	}
	if env.Error != nil {
		attrs = append(attrs,
			attribute.String("ondc.error.type", env.Error.Type),
			attribute.String("ondc.error.code", env.Error.Code),
		)
	}
	return attrs
}
