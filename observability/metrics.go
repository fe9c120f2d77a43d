package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MerchantMetrics aggregates the Prometheus collectors shared by the order,
// payment, refund and key-state subsystems.
type MerchantMetrics struct {
	requests     *prometheus.CounterVec
	errors       *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	depositRPCs  *prometheus.CounterVec
	keyReloads   *prometheus.CounterVec
	longPollGage prometheus.Gauge
	paidOrders   prometheus.Counter
	refunds      prometheus.Counter
}

var (
	merchantMetricsOnce sync.Once
	merchantRegistry    *MerchantMetrics
)

// Merchant returns the lazily-initialised metrics registry.
func Merchant() *MerchantMetrics {
	merchantMetricsOnce.Do(func() {
		merchantRegistry = &MerchantMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "merchantd",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "merchantd",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "merchantd",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			depositRPCs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "merchantd",
				Subsystem: "exchange",
				Name:      "deposit_rpcs_total",
				Help:      "Deposit RPC outcomes segmented by exchange and result.",
			}, []string{"exchange", "result"}),
			keyReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "merchantd",
				Subsystem: "keystate",
				Name:      "reloads_total",
				Help:      "Key-state reload attempts segmented by exchange and result.",
			}, []string{"exchange", "result"}),
			longPollGage: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "merchantd",
				Subsystem: "longpoll",
				Name:      "waiters",
				Help:      "Number of currently suspended long-poll requests.",
			}),
			paidOrders: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "merchantd",
				Subsystem: "orders",
				Name:      "paid_total",
				Help:      "Orders that reached the PAID state.",
			}),
			refunds: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "merchantd",
				Subsystem: "orders",
				Name:      "refunds_total",
				Help:      "Granted refund increases.",
			}),
		}
		prometheus.MustRegister(
			merchantRegistry.requests,
			merchantRegistry.errors,
			merchantRegistry.latency,
			merchantRegistry.depositRPCs,
			merchantRegistry.keyReloads,
			merchantRegistry.longPollGage,
			merchantRegistry.paidOrders,
			merchantRegistry.refunds,
		)
	})
	return merchantRegistry
}

// Observe records the outcome of an HTTP request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *MerchantMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordDepositRPC counts one deposit RPC outcome. Results should be stable
// strings such as "ok", "double_spend" or "unreachable".
func (m *MerchantMetrics) RecordDepositRPC(exchange, result string) {
	if m == nil {
		return
	}
	if exchange == "" {
		exchange = "unknown"
	}
	m.depositRPCs.WithLabelValues(exchange, result).Inc()
}

// RecordKeyReload counts one key-state reload attempt.
func (m *MerchantMetrics) RecordKeyReload(exchange, result string) {
	if m == nil {
		return
	}
	m.keyReloads.WithLabelValues(exchange, result).Inc()
}

// LongPollStarted and LongPollFinished track the waiter gauge.
func (m *MerchantMetrics) LongPollStarted() {
	if m != nil {
		m.longPollGage.Inc()
	}
}

func (m *MerchantMetrics) LongPollFinished() {
	if m != nil {
		m.longPollGage.Dec()
	}
}

// RecordPaid counts an order transition to PAID.
func (m *MerchantMetrics) RecordPaid() {
	if m != nil {
		m.paidOrders.Inc()
	}
}

// RecordRefund counts a granted refund increase.
func (m *MerchantMetrics) RecordRefund() {
	if m != nil {
		m.refunds.Inc()
	}
}
