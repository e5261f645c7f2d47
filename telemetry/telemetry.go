// Package telemetry defines the logging, tracing, and metrics hooks used
// across the module: rail progress errors, connection lifecycle, transfer
// lifecycle, and notification delivery.
package telemetry

// Logger provides unstructured debug logging.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// Attribute is a tracing attribute attached to a span or event.
type Attribute struct {
	Key   string
	Value any
}

// Tracer starts spans wrapping engine activity.
type Tracer interface {
	StartSpan(name string, attrs ...Attribute) Span
}

// Span records lifecycle, events, and errors for a tracing backend.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...Attribute)
	RecordError(err error)
}

// noopTracer and noopSpan let callers pass telemetry around without a nil
// check at every call site.
type noopTracer struct{}

// NoopTracer returns a Tracer whose spans do nothing, used when no tracing
// backend was configured.
func NoopTracer() Tracer { return noopTracer{} }

func (noopTracer) StartSpan(string, ...Attribute) Span { return noopSpan{} }

type noopSpan struct{}

func (noopSpan) End(error)                   {}
func (noopSpan) AddEvent(string, ...Attribute) {}
func (noopSpan) RecordError(error)           {}

// MetricHook captures engine telemetry events under a configurable metrics
// namespace and subsystem. Implementations must be safe for
// concurrent use; every Engine progress goroutine and caller-facing method
// may invoke these concurrently.
type MetricHook interface {
	// RailProgressError counts a completion-queue read error surfaced while
	// draining a rail.
	RailProgressError(railID int, kind string, err error, attrs map[string]string)

	// ConnectionEstablished counts a completed handshake.
	ConnectionEstablished(attrs map[string]string)
	// ConnectionFailed counts a handshake that timed out or was rejected.
	ConnectionFailed(err error, attrs map[string]string)
	// Disconnected counts a torn-down connection.
	Disconnected(attrs map[string]string)

	// XferPosted counts a PostXfer call that was accepted.
	XferPosted(attrs map[string]string)
	// XferCompleted counts a transfer whose chunks all completed
	// successfully.
	XferCompleted(attrs map[string]string)
	// XferFailed counts a transfer that ended in an error.
	XferFailed(err error, attrs map[string]string)

	// NotificationDelivered counts a notification released to GetNotifs
	// after its gating XFER-IDs all completed.
	NotificationDelivered(attrs map[string]string)
}

type logField struct {
	key   string
	value any
}

// KV builds a logField for use with Emitter.Log.
func KV(key string, value any) logField { return logField{key: key, value: value} }

// Emitter bundles the three telemetry surfaces an Engine needs and supplies
// the nil-safe defaults client.Client builds by hand inline; here they are
// factored out so every caller (fabricengine, multiengine, railmanager) gets
// the same fallback behavior.
type Emitter struct {
	Logger  Logger
	SLogger StructuredLogger
	Tracer  Tracer
	Metrics MetricHook
}

// NewEmitter returns an Emitter with every field defaulted to a no-op
// implementation, overridden by whichever of logger/slogger/tracer/metrics
// is non-nil.
func NewEmitter(logger Logger, slogger StructuredLogger, tracer Tracer, metrics MetricHook) Emitter {
	e := Emitter{
		Logger:  noopLogger{},
		SLogger: noopStructuredLogger{},
		Tracer:  NoopTracer(),
		Metrics: noopMetrics{},
	}
	if logger != nil {
		e.Logger = logger
	}
	if slogger != nil {
		e.SLogger = slogger
	}
	if tracer != nil {
		e.Tracer = tracer
	}
	if metrics != nil {
		e.Metrics = metrics
	}
	return e
}

// Log emits a structured debug line through SLogger only; the unstructured
// Logger is not called.
func (e Emitter) Log(msg string, fields ...logField) {
	kvs := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		kvs = append(kvs, f.key, f.value)
	}
	e.SLogger.Debugw(msg, kvs...)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}

type noopStructuredLogger struct{}

func (noopStructuredLogger) Debugw(string, ...any) {}

type noopMetrics struct{}

func (noopMetrics) RailProgressError(int, string, error, map[string]string) {}
func (noopMetrics) ConnectionEstablished(map[string]string)                 {}
func (noopMetrics) ConnectionFailed(error, map[string]string)               {}
func (noopMetrics) Disconnected(map[string]string)                          {}
func (noopMetrics) XferPosted(map[string]string)                            {}
func (noopMetrics) XferCompleted(map[string]string)                         {}
func (noopMetrics) XferFailed(error, map[string]string)                     {}
func (noopMetrics) NotificationDelivered(map[string]string)                 {}
