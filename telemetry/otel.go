package telemetry

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	railProgressError     metric.Int64Counter
	connectionEstablished metric.Int64Counter
	connectionFailed      metric.Int64Counter
	disconnected          metric.Int64Counter
	xferPosted            metric.Int64Counter
	xferCompleted         metric.Int64Counter
	xferFailed            metric.Int64Counter
	notificationDelivered metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter
// measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/nixl-go/nixl"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	newCounter := func(name string) (metric.Int64Counter, error) {
		return meter.Int64Counter("nixl." + name)
	}

	railProgressError, err := newCounter("rail.progress_errors")
	if err != nil {
		return nil, err
	}
	connectionEstablished, err := newCounter("connections.established")
	if err != nil {
		return nil, err
	}
	connectionFailed, err := newCounter("connections.failed")
	if err != nil {
		return nil, err
	}
	disconnected, err := newCounter("connections.closed")
	if err != nil {
		return nil, err
	}
	xferPosted, err := newCounter("xfers.posted")
	if err != nil {
		return nil, err
	}
	xferCompleted, err := newCounter("xfers.completed")
	if err != nil {
		return nil, err
	}
	xferFailed, err := newCounter("xfers.failed")
	if err != nil {
		return nil, err
	}
	notificationDelivered, err := newCounter("notifications.delivered")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		railProgressError:     railProgressError,
		connectionEstablished: connectionEstablished,
		connectionFailed:      connectionFailed,
		disconnected:          disconnected,
		xferPosted:            xferPosted,
		xferCompleted:         xferCompleted,
		xferFailed:            xferFailed,
		notificationDelivered: notificationDelivered,
	}, nil
}

func (o *OTelMetrics) RailProgressError(railID int, kind string, _ error, attrs map[string]string) {
	kvs := append(otelAttrs(attrs), attribute.String(labelKind, kind), attribute.String(labelRailID, strconv.Itoa(railID)))
	o.railProgressError.Add(context.Background(), 1, metric.WithAttributes(kvs...))
}

func (o *OTelMetrics) ConnectionEstablished(attrs map[string]string) {
	o.connectionEstablished.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) ConnectionFailed(_ error, attrs map[string]string) {
	o.connectionFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) Disconnected(attrs map[string]string) {
	o.disconnected.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) XferPosted(attrs map[string]string) {
	o.xferPosted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) XferCompleted(attrs map[string]string) {
	o.xferCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) XferFailed(_ error, attrs map[string]string) {
	o.xferFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) NotificationDelivered(attrs map[string]string) {
	o.notificationDelivered.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	if v := attrs[labelAgent]; v != "" {
		kvs = append(kvs, attribute.String(labelAgent, v))
	}
	if v := attrs[labelOperation]; v != "" {
		kvs = append(kvs, attribute.String(labelOperation, v))
	}
	return kvs
}

// OTelTracerOptions configures NewOTelTracer.
type OTelTracerOptions struct {
	TracerProvider trace.TracerProvider
	Name           string
}

// NewOTelTracer adapts an OpenTelemetry TracerProvider to Tracer.
func NewOTelTracer(opts OTelTracerOptions) Tracer {
	provider := opts.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	name := opts.Name
	if name == "" {
		name = "github.com/nixl-go/nixl"
	}
	return otelTracer{tracer: provider.Tracer(name)}
}

type otelTracer struct {
	tracer trace.Tracer
}

func (t otelTracer) StartSpan(name string, attrs ...Attribute) Span {
	_, span := t.tracer.Start(context.Background(), name, trace.WithAttributes(traceAttrs(attrs)...))
	return otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.End()
}

func (s otelSpan) AddEvent(name string, attrs ...Attribute) {
	s.span.AddEvent(name, trace.WithAttributes(traceAttrs(attrs)...))
}

func (s otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

func traceAttrs(attrs []Attribute) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			kvs = append(kvs, attribute.String(a.Key, v))
		case int:
			kvs = append(kvs, attribute.Int(a.Key, v))
		case int64:
			kvs = append(kvs, attribute.Int64(a.Key, v))
		case bool:
			kvs = append(kvs, attribute.Bool(a.Key, v))
		default:
			kvs = append(kvs, attribute.String(a.Key, fmt.Sprintf("%v", v)))
		}
	}
	return kvs
}
