package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector provides Prometheus metrics collection for graph operations
type MetricsCollector struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	storageCount      *prometheus.GaugeVec
	usageRatio        prometheus.Gauge
	pressureTotal     *prometheus.CounterVec
	registry          *prometheus.Registry
}

// NewCollector creates a new Prometheus metrics collector
func NewCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()

	operationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trellis_operations_total",
			Help: "Total number of graph operations by type and status",
		},
		[]string{"operation", "status"},
	)

	operationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trellis_operation_duration_seconds",
			Help:    "Duration of graph operations by type",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"operation"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trellis_errors_total",
			Help: "Total number of errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	storageCount := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trellis_storage_count",
			Help: "Current count of stored items by type",
		},
		[]string{"type"},
	)

	usageRatio := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trellis_fast_tier_usage_ratio",
			Help: "Fast tier usage as a fraction of configured capacity",
		},
	)

	pressureTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trellis_pressure_events_total",
			Help: "Pressure events by severity level",
		},
		[]string{"level"},
	)

	registry.MustRegister(operationsTotal)
	registry.MustRegister(operationDuration)
	registry.MustRegister(errorsTotal)
	registry.MustRegister(storageCount)
	registry.MustRegister(usageRatio)
	registry.MustRegister(pressureTotal)

	return &MetricsCollector{
		operationsTotal:   operationsTotal,
		operationDuration: operationDuration,
		errorsTotal:       errorsTotal,
		storageCount:      storageCount,
		usageRatio:        usageRatio,
		pressureTotal:     pressureTotal,
		registry:          registry,
	}
}

// RecordOperation records the completion of an operation
func (m *MetricsCollector) RecordOperation(ctx context.Context, operation string, status string, durationMs int64) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(float64(durationMs) / 1000.0)
}

// RecordError records an error occurrence
func (m *MetricsCollector) RecordError(ctx context.Context, operation string, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetStorageCount sets the current count for a storage type
func (m *MetricsCollector) SetStorageCount(ctx context.Context, storageType string, count int64) {
	m.storageCount.WithLabelValues(storageType).Set(float64(count))
}

// SetUsageRatio sets the fast tier usage gauge
func (m *MetricsCollector) SetUsageRatio(ctx context.Context, ratio float64) {
	m.usageRatio.Set(ratio)
}

// RecordPressure records a pressure event at the given severity level
func (m *MetricsCollector) RecordPressure(ctx context.Context, level string) {
	m.pressureTotal.WithLabelValues(level).Inc()
}

// Registry returns the Prometheus registry for HTTP exposure
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}
