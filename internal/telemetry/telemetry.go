// Package telemetry defines the logging, metrics, and tracing collaborator
// interfaces used across the gateway. Components accept these via options
// structs rather than reaching for globals, so tests can substitute the noop
// implementations without touching call sites.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging. Implementations typically delegate to
// Clue but the interface stays small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for dispatch
// instrumentation (queue depth, dispatch latency, approval wait time).
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so dispatch code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// DispatchTelemetry captures observability metadata collected during a
// single tool dispatch: resolution, policy decision, approval wait, invoke.
type DispatchTelemetry struct {
	// QueueWaitMs is the time the call spent queued before the dispatcher
	// started it.
	QueueWaitMs int64
	// ApprovalWaitMs is non-zero when the call was suspended awaiting a
	// human decision.
	ApprovalWaitMs int64
	// InvokeMs is the wall-clock time spent in the tool-source invoker.
	InvokeMs int64
	// Decision records the final policy decision applied (allow, deny,
	// require_approval).
	Decision string
	// Extra holds tool-source-specific metadata (status codes, cache hits).
	Extra map[string]any
}
