// Package metrics exposes Prometheus instrumentation for the engine.
// Every method is safe on a nil receiver so callers never guard.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ordersAccepted *prometheus.CounterVec
	ordersFilled   *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	triggerFills   *prometheus.CounterVec
	alertsEmitted  *prometheus.CounterVec
	oracleErrors   *prometheus.CounterVec
	executeLatency prometheus.Histogram
	monitorCycle   prometheus.Histogram
	pendingOrders  prometheus.Gauge
}

// New builds the metric set and registers it on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ordersAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "orders_accepted_total",
			Help:      "Conditional orders accepted as pending.",
		}, []string{"symbol", "side", "type"}),
		ordersFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "orders_filled_total",
			Help:      "Orders settled to filled.",
		}, []string{"symbol", "side"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "orders_rejected_total",
			Help:      "Orders rejected, by error code.",
		}, []string{"code"}),
		triggerFills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "trigger_fills_total",
			Help:      "Pending orders filled by the monitor.",
		}, []string{"symbol", "type"}),
		alertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "risk_alerts_total",
			Help:      "Risk alerts emitted per scan, by type.",
		}, []string{"type"}),
		oracleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "oracle_errors_total",
			Help:      "Price oracle failures, by operation.",
		}, []string{"op"}),
		executeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "engine",
			Name:      "execute_order_seconds",
			Help:      "ExecuteOrder wall time.",
			Buckets:   prometheus.DefBuckets,
		}),
		monitorCycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "engine",
			Name:      "monitor_cycle_seconds",
			Help:      "Pending-order monitor cycle wall time.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		pendingOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "engine",
			Name:      "pending_orders",
			Help:      "Pending orders seen by the last monitor cycle.",
		}),
	}

	reg.MustRegister(
		m.ordersAccepted, m.ordersFilled, m.ordersRejected, m.triggerFills,
		m.alertsEmitted, m.oracleErrors, m.executeLatency, m.monitorCycle,
		m.pendingOrders,
	)
	return m
}

func (m *Metrics) IncOrderAccepted(symbol, side, orderType string) {
	if m == nil {
		return
	}
	m.ordersAccepted.WithLabelValues(symbol, side, orderType).Inc()
}

func (m *Metrics) IncOrderFilled(symbol, side string) {
	if m == nil {
		return
	}
	m.ordersFilled.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) IncOrderRejected(code string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) IncTriggerFill(symbol, orderType string) {
	if m == nil {
		return
	}
	m.triggerFills.WithLabelValues(symbol, orderType).Inc()
}

func (m *Metrics) IncAlert(alertType string) {
	if m == nil {
		return
	}
	m.alertsEmitted.WithLabelValues(alertType).Inc()
}

func (m *Metrics) IncOracleError(op string) {
	if m == nil {
		return
	}
	m.oracleErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveExecuteLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.executeLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveMonitorCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.monitorCycle.Observe(d.Seconds())
}

func (m *Metrics) SetPendingOrders(n int) {
	if m == nil {
		return
	}
	m.pendingOrders.Set(float64(n))
}
