package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "splitledger"

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowLedgerMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by module, method, and error code.",
			}, []string{"module", "method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an RPC request. A zero code means success;
// anything else is the JSON-RPC error code returned to the caller.
func (m *moduleMetrics) Observe(module, method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", code)).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// EscrowLedgerMetrics tracks ledger calls and the value moving through split
// custody.
type EscrowLedgerMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	settled    *prometheus.CounterVec
	deposited  *prometheus.CounterVec
	refunded   *prometheus.CounterVec
	splits     *prometheus.GaugeVec
}

// EscrowMetrics returns the singleton ledger metrics registry.
func EscrowMetrics() *EscrowLedgerMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowLedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Ledger calls segmented by operation and outcome category.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "operation_duration_seconds",
				Help:      "Latency of ledger calls including commit.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			}, []string{"operation"}),
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "settled_base_units_total",
				Help:      "Base units released to split creators segmented by asset.",
			}, []string{"asset"}),
			deposited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "deposited_base_units_total",
				Help:      "Base units deposited into custody segmented by asset.",
			}, []string{"asset"}),
			refunded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "refunded_base_units_total",
				Help:      "Base units refunded to participants segmented by asset.",
			}, []string{"asset"}),
			splits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "splits",
				Help:      "Lifetime split counts by terminal status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.latency,
			escrowRegistry.settled,
			escrowRegistry.deposited,
			escrowRegistry.refunded,
			escrowRegistry.splits,
		)
	})
	return escrowRegistry
}

// ObserveOperation records a completed ledger call. Outcome is "success" or
// the error category of the failure.
func (m *EscrowLedgerMetrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	operation = normalizeLabel(operation, "unknown")
	outcome = normalizeLabel(outcome, "success")
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSettlement adds released base units for asset.
func (m *EscrowLedgerMetrics) RecordSettlement(asset string, amount *big.Int) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(normalizeLabel(asset, "unknown")).Add(bigToFloat(amount))
}

// RecordDeposit adds deposited base units for asset.
func (m *EscrowLedgerMetrics) RecordDeposit(asset string, amount *big.Int) {
	if m == nil {
		return
	}
	m.deposited.WithLabelValues(normalizeLabel(asset, "unknown")).Add(bigToFloat(amount))
}

// RecordRefund adds refunded base units for asset.
func (m *EscrowLedgerMetrics) RecordRefund(asset string, amount *big.Int) {
	if m == nil {
		return
	}
	m.refunded.WithLabelValues(normalizeLabel(asset, "unknown")).Add(bigToFloat(amount))
}

// SetSplitCount publishes the lifetime counter for status.
func (m *EscrowLedgerMetrics) SetSplitCount(status string, count uint64) {
	if m == nil {
		return
	}
	m.splits.WithLabelValues(normalizeLabel(status, "unknown")).Set(float64(count))
}

func normalizeLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil || value.Sign() <= 0 {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
