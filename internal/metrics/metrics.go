// Package metrics собирает метрики сервиса в Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "subscriptions"

// NewRegistry создает реестр со стандартными метриками процесса и рантайма Go
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// Metrics метрики платежей и жизненного цикла подписок.
// Методы безопасно вызывать у nil.
type Metrics struct {
	checkouts        *prometheus.CounterVec
	orphanedCheckout *prometheus.CounterVec
	paymentsAmount   *prometheus.HistogramVec
	gatewayCalls     *prometheus.HistogramVec
	webhooks         *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	sweeps           *prometheus.CounterVec
	sweepDuration    *prometheus.HistogramVec
	notifications    *prometheus.CounterVec
}

// New регистрирует метрики в registry
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		checkouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by gateway and result",
		}, []string{"gateway", "result"}),
		orphanedCheckout: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_checkouts_total",
			Help:      "Remote checkouts created without a local record",
		}, []string{"gateway"}),
		paymentsAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_amount_cents",
			Help:      "Gross payment amounts in minor units",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"gateway", "currency", "status"}),
		gatewayCalls: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Duration of calls to payment providers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"gateway", "operation", "result"}),
		webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound webhook events by gateway and outcome",
		}, []string{"gateway", "outcome"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Applied state transitions",
		}, []string{"entity", "status"}),
		sweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_items_total",
			Help:      "Items handled by sweeper passes",
		}, []string{"pass", "result"}),
		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sweeper passes",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pass"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by kind and result",
		}, []string{"kind", "result"}),
	}
}

// Checkout учитывает попытку checkout: created, reused, failed
func (m *Metrics) Checkout(gateway, result string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(gateway, result).Inc()
}

// OrphanedCheckout удаленный артефакт создан, локальная запись нет
func (m *Metrics) OrphanedCheckout(gateway string) {
	if m == nil {
		return
	}
	m.orphanedCheckout.WithLabelValues(gateway).Inc()
}

// ObservePaymentAmount записывает сумму платежа
func (m *Metrics) ObservePaymentAmount(gateway, currency, status string, cents int64) {
	if m == nil {
		return
	}
	m.paymentsAmount.WithLabelValues(gateway, currency, status).Observe(float64(cents))
}

// ObserveGatewayCall записывает длительность вызова провайдера
func (m *Metrics) ObserveGatewayCall(gateway, operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(gateway, operation, result(err)).Observe(d.Seconds())
}

func (m *Metrics) Webhook(gateway, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(gateway, outcome).Inc()
}

func (m *Metrics) Transition(entity, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, status).Inc()
}

func (m *Metrics) SweepItem(pass, result string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(pass, result).Inc()
}

func (m *Metrics) ObserveSweep(pass string, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.WithLabelValues(pass).Observe(d.Seconds())
}

func (m *Metrics) Notification(kind string, err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
