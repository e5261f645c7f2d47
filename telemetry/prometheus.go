package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	labelRailID    = "rail_id"
	labelKind      = "kind"
	labelAgent     = "agent"
	labelOperation = "operation"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	railProgressError      *prometheus.CounterVec
	connectionEstablished  *prometheus.CounterVec
	connectionFailed       *prometheus.CounterVec
	disconnected           *prometheus.CounterVec
	xferPosted             *prometheus.CounterVec
	xferCompleted          *prometheus.CounterVec
	xferFailed             *prometheus.CounterVec
	notificationDelivered  *prometheus.CounterVec
}

var (
	railErrorLabelKeys  = []string{labelRailID, labelKind}
	connectionLabelKeys = []string{labelAgent}
	xferLabelKeys       = []string{labelAgent, labelOperation}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters,
// registering each with opts.Registerer (prometheus.DefaultRegisterer when
// nil) and tolerating re-registration of an already-registered collector the
// way client.metrics_prometheus.go's registerCounterVec does.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		railProgressError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rail_progress_errors_total",
			Help:        "Number of completion queue errors observed while progressing a rail",
			ConstLabels: opts.ConstLabels,
		}, railErrorLabelKeys),
		connectionEstablished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "connections_established_total",
			Help:        "Number of completed connection handshakes",
			ConstLabels: opts.ConstLabels,
		}, connectionLabelKeys),
		connectionFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "connections_failed_total",
			Help:        "Number of connection handshakes that failed or timed out",
			ConstLabels: opts.ConstLabels,
		}, connectionLabelKeys),
		disconnected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "connections_closed_total",
			Help:        "Number of connections torn down",
			ConstLabels: opts.ConstLabels,
		}, connectionLabelKeys),
		xferPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "xfers_posted_total",
			Help:        "Number of transfers accepted by PostXfer",
			ConstLabels: opts.ConstLabels,
		}, xferLabelKeys),
		xferCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "xfers_completed_total",
			Help:        "Number of transfers whose chunks all completed successfully",
			ConstLabels: opts.ConstLabels,
		}, xferLabelKeys),
		xferFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "xfers_failed_total",
			Help:        "Number of transfers that ended in an error",
			ConstLabels: opts.ConstLabels,
		}, xferLabelKeys),
		notificationDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "notifications_delivered_total",
			Help:        "Number of notifications released to GetNotifs once their gating transfers completed",
			ConstLabels: opts.ConstLabels,
		}, connectionLabelKeys),
	}

	var err error
	if p.railProgressError, err = registerCounterVec(reg, p.railProgressError); err != nil {
		return nil, err
	}
	if p.connectionEstablished, err = registerCounterVec(reg, p.connectionEstablished); err != nil {
		return nil, err
	}
	if p.connectionFailed, err = registerCounterVec(reg, p.connectionFailed); err != nil {
		return nil, err
	}
	if p.disconnected, err = registerCounterVec(reg, p.disconnected); err != nil {
		return nil, err
	}
	if p.xferPosted, err = registerCounterVec(reg, p.xferPosted); err != nil {
		return nil, err
	}
	if p.xferCompleted, err = registerCounterVec(reg, p.xferCompleted); err != nil {
		return nil, err
	}
	if p.xferFailed, err = registerCounterVec(reg, p.xferFailed); err != nil {
		return nil, err
	}
	if p.notificationDelivered, err = registerCounterVec(reg, p.notificationDelivered); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PrometheusMetrics) RailProgressError(railID int, kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, railErrorLabelKeys...)
	labs[labelRailID] = strconv.Itoa(railID)
	labs[labelKind] = kind
	p.railProgressError.With(labs).Inc()
}

func (p *PrometheusMetrics) ConnectionEstablished(attrs map[string]string) {
	p.connectionEstablished.With(labels(attrs, connectionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ConnectionFailed(_ error, attrs map[string]string) {
	p.connectionFailed.With(labels(attrs, connectionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) Disconnected(attrs map[string]string) {
	p.disconnected.With(labels(attrs, connectionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) XferPosted(attrs map[string]string) {
	p.xferPosted.With(labels(attrs, xferLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) XferCompleted(attrs map[string]string) {
	p.xferCompleted.With(labels(attrs, xferLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) XferFailed(_ error, attrs map[string]string) {
	p.xferFailed.With(labels(attrs, xferLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) NotificationDelivered(attrs map[string]string) {
	p.notificationDelivered.With(labels(attrs, connectionLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
