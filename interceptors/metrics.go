package interceptors

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/glimte/phasechain/contracts"
)

// MetricsCollector defines the interface for collecting metrics
type MetricsCollector interface {
	IncrementMessageCount(operation string)
	RecordProcessingTime(operation string, duration time.Duration)
	IncrementErrorCount(operation string, errorType string)
}

// MetricsInterceptor collects metrics about message processing. Register it
// together with its Ending interceptor.
type MetricsInterceptor struct {
	Base
	collector MetricsCollector
	startKey  string
	ending    *metricsEnding
}

type metricsEnding struct {
	Base
	parent *MetricsInterceptor
}

// NewMetricsInterceptor creates a new metrics interceptor that starts timing
// in phase and stops in endPhase
func NewMetricsInterceptor(collector MetricsCollector, phase, endPhase string) *MetricsInterceptor {
	i := &MetricsInterceptor{
		Base:      NewBase("MetricsInterceptor", phase),
		collector: collector,
		startKey:  "phasechain.metrics.start",
	}
	i.ending = &metricsEnding{Base: NewBase("MetricsEndingInterceptor", endPhase), parent: i}
	return i
}

// Ending returns the interceptor that records the processing time
func (i *MetricsInterceptor) Ending() Interceptor {
	return i.ending
}

// HandleMessage implements Interceptor
func (i *MetricsInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	msg.Set(i.startKey, time.Now())
	i.collector.IncrementMessageCount(msg.Operation())
	return contracts.Continue()
}

// HandleFault implements Interceptor
func (i *MetricsInterceptor) HandleFault(ctx context.Context, msg *contracts.Message) error {
	i.record(msg)
	i.collector.IncrementErrorCount(msg.Operation(), string(contracts.FaultModeOf(msg.Fault())))
	return nil
}

func (i *MetricsInterceptor) record(msg *contracts.Message) {
	v, ok := msg.Get(i.startKey)
	if !ok {
		return
	}
	if start, ok := v.(time.Time); ok {
		i.collector.RecordProcessingTime(msg.Operation(), time.Since(start))
	}
}

// HandleMessage implements Interceptor
func (e *metricsEnding) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	e.parent.record(msg)
	return contracts.Continue()
}

// PrometheusCollector is a MetricsCollector backed by Prometheus
type PrometheusCollector struct {
	MessagesTotal      *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
}

// NewPrometheusCollector registers and returns the chain metrics
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phasechain_messages_total",
			Help: "Total messages entering an interceptor chain.",
		}, []string{"operation"}),
		ProcessingDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phasechain_processing_duration_seconds",
			Help:    "Time from chain entry to completion or fault.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phasechain_faults_total",
			Help: "Total chain faults by fault mode.",
		}, []string{"operation", "mode"}),
	}
}

// IncrementMessageCount implements MetricsCollector
func (c *PrometheusCollector) IncrementMessageCount(operation string) {
	c.MessagesTotal.WithLabelValues(operation).Inc()
}

// RecordProcessingTime implements MetricsCollector
func (c *PrometheusCollector) RecordProcessingTime(operation string, duration time.Duration) {
	c.ProcessingDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncrementErrorCount implements MetricsCollector
func (c *PrometheusCollector) IncrementErrorCount(operation string, errorType string) {
	c.ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}
