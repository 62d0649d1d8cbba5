// Package metrics exports ledger operation counters and latencies to Prometheus.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace    = "ledger"
	labelOp      = "operation"
	labelStatus  = "status"
	labelApplied = "applied"
	labelMethod  = "method"
	labelRoute   = "route"
	appliedTrue  = "true"
	appliedFalse = "false"
)

// Recorder implements ledger.OperationLogger by updating Prometheus collectors.
type Recorder struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

// NewRecorder registers the ledger collectors on registerer.
func NewRecorder(registerer prometheus.Registerer) *Recorder {
	factory := promauto.With(registerer)
	return &Recorder{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of ledger operations",
			},
			[]string{labelOp, labelStatus, labelApplied},
		),
		durations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of ledger operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{labelOp, labelStatus},
		),
	}
}

// LogOperation counts the operation and observes its duration.
func (recorder *Recorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	applied := appliedFalse
	if entry.Applied {
		applied = appliedTrue
	}
	recorder.operations.WithLabelValues(entry.Operation, entry.Status, applied).Inc()
	recorder.durations.WithLabelValues(entry.Operation, entry.Status).Observe(entry.Duration.Seconds())
}

// RequestRecorder counts HTTP requests by method, route template and status.
type RequestRecorder struct {
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// NewRequestRecorder registers the HTTP collectors on registerer.
func NewRequestRecorder(registerer prometheus.Registerer) *RequestRecorder {
	factory := promauto.With(registerer)
	return &RequestRecorder{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{labelMethod, labelRoute, labelStatus},
		),
		durations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{labelMethod, labelRoute, labelStatus},
		),
	}
}

// ObserveRequest records one completed request.
func (recorder *RequestRecorder) ObserveRequest(method string, route string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	recorder.requests.WithLabelValues(method, route, statusLabel).Inc()
	recorder.durations.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}
