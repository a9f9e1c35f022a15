package prometheus

import (
	"strconv"
	"time"

	"github.com/Underflow0/kid-bank/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements metrics.Collector for Prometheus.
type PrometheusCollector struct {
	storeOps     *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec
	circuitState *prometheus.GaugeVec
	circuitOpens *prometheus.CounterVec

	adjustments *prometheus.CounterVec

	interestAccounts *prometheus.CounterVec
	interestRuns     prometheus.Counter
	interestDuration prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewPrometheusCollector creates the collector; call Register before use.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		storeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operations_total",
				Help:      "Storage engine calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		storeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Storage engine call latency",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
			},
			[]string{"op"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Times the circuit breaker opened",
			},
			[]string{"name"},
		),
		adjustments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_adjustments_total",
				Help:      "Balance adjustments by transaction type and outcome",
			},
			[]string{"type", "outcome"},
		),
		interestAccounts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interest_accounts_total",
				Help:      "Accounts processed by interest accrual, by result",
			},
			[]string{"result"},
		),
		interestRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interest_runs_total",
				Help:      "Completed interest accrual runs",
			},
		),
		interestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "interest_run_duration_seconds",
				Help:      "Interest accrual run duration",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Register registers all metrics with the given registry.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.storeOps,
		pc.storeLatency,
		pc.circuitState,
		pc.circuitOpens,
		pc.adjustments,
		pc.interestAccounts,
		pc.interestRuns,
		pc.interestDuration,
		pc.httpRequests,
		pc.httpLatency,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

func (pc *PrometheusCollector) RecordStoreOp(op string, outcome string, duration time.Duration) {
	pc.storeOps.WithLabelValues(op, outcome).Inc()
	pc.storeLatency.WithLabelValues(op).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(name).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(name).Inc()
	}
}

func (pc *PrometheusCollector) RecordAdjustment(txType string, outcome string) {
	pc.adjustments.WithLabelValues(txType, outcome).Inc()
}

func (pc *PrometheusCollector) RecordInterestRun(successful, skipped, failed int, duration time.Duration) {
	pc.interestAccounts.WithLabelValues("successful").Add(float64(successful))
	pc.interestAccounts.WithLabelValues("skipped").Add(float64(skipped))
	pc.interestAccounts.WithLabelValues("failed").Add(float64(failed))
	pc.interestRuns.Inc()
	pc.interestDuration.Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	pc.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	pc.httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

var _ metrics.Collector = (*PrometheusCollector)(nil)
