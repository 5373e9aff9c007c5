package tracing

import (
	"go.opentelemetry.io/otel"
	codes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// tracerName is the default name used when acquiring a tracer instance.
const tracerName = "stepscan"

// GetTracer returns a named tracer from the globally configured provider.
// If no global provider is set, OTel falls back to a NoOp tracer. Injecting
// a TracerProvider is preferred over relying on the global.
func GetTracer() oteltrace.Tracer {
	return otel.Tracer(tracerName)
}

// RecordError records an error event on a span and marks the span status as
// Error. Does nothing if the error is nil or the span is not recording.
func RecordError(span oteltrace.Span, err error) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err, oteltrace.WithStackTrace(true))
	span.SetStatus(codes.Error, err.Error())
}
