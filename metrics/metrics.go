// Package metrics 提供 Saga 编排器的 Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"k1s0/saga"
)

const namespace = "k1s0_saga"

// SagaMetrics 实现 saga.Metrics
type SagaMetrics struct {
	Started       *prometheus.CounterVec
	Finished      *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
	StepAttempts  *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	InFlightGauge prometheus.Gauge

	gatherer prometheus.Gatherer
}

var _ saga.Metrics = (*SagaMetrics)(nil)

// New 在给定 registry 上注册指标；registry 为 nil 时创建独立 registry
func New(registry *prometheus.Registry) *SagaMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &SagaMetrics{
		Started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "started_total",
			Help:      "Sagas started, by workflow.",
		}, []string{"workflow"}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finished_total",
			Help:      "Sagas that reached a terminal status, by workflow and status.",
		}, []string{"workflow", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_seconds",
			Help:      "Wall time from driver start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"workflow", "status"}),
		StepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Step attempts, by workflow, action and result.",
		}, []string{"workflow", "action", "result"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Downstream call latency per attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		InFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight",
			Help:      "Sagas currently driven by this process.",
		}),
		gatherer: registry,
	}

	registry.MustRegister(
		m.Started,
		m.Finished,
		m.Duration,
		m.StepAttempts,
		m.StepDuration,
		m.InFlightGauge,
	)
	return m
}

// Handler 暴露 /metrics
func (m *SagaMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *SagaMetrics) SagaStarted(workflowName string) {
	m.Started.WithLabelValues(workflowName).Inc()
}

func (m *SagaMetrics) SagaFinished(workflowName, status string, elapsed time.Duration) {
	m.Finished.WithLabelValues(workflowName, status).Inc()
	m.Duration.WithLabelValues(workflowName, status).Observe(elapsed.Seconds())
}

func (m *SagaMetrics) StepAttempt(workflowName, action, result string, elapsed time.Duration) {
	m.StepAttempts.WithLabelValues(workflowName, action, result).Inc()
	m.StepDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *SagaMetrics) InFlight(delta int) {
	m.InFlightGauge.Add(float64(delta))
}
