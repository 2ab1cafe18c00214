// internal/utils/metrics.go
package utils

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector holds the orchestrator's prometheus collectors
type MetricsCollector struct {
	registry *prometheus.Registry

	generationDuration *prometheus.HistogramVec
	generationFailures *prometheus.CounterVec
	fanOutItems        *prometheus.CounterVec
	tasks              *prometheus.CounterVec
	repairHits         *prometheus.CounterVec
	activeTasks        prometheus.Gauge
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsCollector()
	})
	return globalMetrics
}

// NewMetricsCollector creates a collector set on its own registry
func NewMetricsCollector() *MetricsCollector {
	m := &MetricsCollector{
		registry: prometheus.NewRegistry(),
		generationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "storyforge",
			Name:      "generation_duration_seconds",
			Help:      "Duration of generation calls by stage and outcome.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage", "outcome"}),
		generationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyforge",
			Name:      "generation_failures_total",
			Help:      "Generation failures by kind.",
		}, []string{"kind"}),
		fanOutItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyforge",
			Name:      "fanout_items_total",
			Help:      "Fan-out sub-item generations by stage and outcome.",
		}, []string{"stage", "outcome"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyforge",
			Name:      "tasks_total",
			Help:      "Background tasks reaching a status.",
		}, []string{"type", "status"}),
		repairHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyforge",
			Name:      "json_repair_total",
			Help:      "JSON repair outcomes by winning strategy.",
		}, []string{"strategy"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storyforge",
			Name:      "tasks_active",
			Help:      "Tasks currently processing.",
		}),
	}

	m.registry.MustRegister(
		m.generationDuration,
		m.generationFailures,
		m.fanOutItems,
		m.tasks,
		m.repairHits,
		m.activeTasks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveGeneration records one generation call
func (m *MetricsCollector) ObserveGeneration(stage int, outcome string, elapsed time.Duration) {
	m.generationDuration.WithLabelValues(strconv.Itoa(stage), outcome).Observe(elapsed.Seconds())
}

// CountGenerationFailure increments the failure counter for a kind
func (m *MetricsCollector) CountGenerationFailure(kind string) {
	m.generationFailures.WithLabelValues(kind).Inc()
}

// CountFanOutItem records a sub-item outcome (accepted, failed)
func (m *MetricsCollector) CountFanOutItem(stage int, outcome string) {
	m.fanOutItems.WithLabelValues(strconv.Itoa(stage), outcome).Inc()
}

// CountTask records a task status transition
func (m *MetricsCollector) CountTask(taskType, status string) {
	m.tasks.WithLabelValues(taskType, status).Inc()
}

// CountRepair records which repair strategy produced valid JSON
func (m *MetricsCollector) CountRepair(strategy string) {
	m.repairHits.WithLabelValues(strategy).Inc()
}

// TaskStarted and TaskFinished track processing tasks
func (m *MetricsCollector) TaskStarted()  { m.activeTasks.Inc() }
func (m *MetricsCollector) TaskFinished() { m.activeTasks.Dec() }
