package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrderMetrics содержит метрики операций над заказами дня.
type OrderMetrics struct {
	// Результаты операций: operation x result (ok или код доменной ошибки)
	operations *prometheus.CounterVec
	// Время выполнения операций
	operationDuration *prometheus.HistogramVec

	// Подтверждённые (заблокированные) дни
	daysConfirmed prometheus.Counter
	// Ошибки постановки события в outbox
	outboxEnqueueFailures prometheus.Counter

	// HTTP-запросы: route x method x status
	httpRequests *prometheus.CounterVec
}

// NewOrderMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация переиспользует уже существующие коллекторы.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		operations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pie_order_operations_total",
			Help: "Total number of day order operations grouped by operation and result",
		}, []string{"operation", "result"}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "pie_order_operation_duration_seconds",
			Help:    "Duration of day order operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		daysConfirmed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pie_days_confirmed_total",
			Help: "Total number of days whose orders were confirmed and blocked",
		}),
		outboxEnqueueFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pie_outbox_enqueue_failures_total",
			Help: "Total number of events that could not be written to the outbox",
		}),
		httpRequests: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pie_http_requests_total",
			Help: "Total number of HTTP API requests grouped by route, method and status",
		}, []string{"route", "method", "status"}),
	}
}

// ObserveOperation фиксирует результат и длительность операции.
func (m *OrderMetrics) ObserveOperation(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDayConfirmed увеличивает счётчик подтверждённых дней.
func (m *OrderMetrics) RecordDayConfirmed() {
	if m == nil {
		return
	}
	m.daysConfirmed.Inc()
}

// RecordOutboxEnqueueFailure увеличивает счётчик ошибок записи в outbox.
func (m *OrderMetrics) RecordOutboxEnqueueFailure() {
	if m == nil {
		return
	}
	m.outboxEnqueueFailures.Inc()
}

// RecordHTTPRequest фиксирует обработанный HTTP-запрос.
func (m *OrderMetrics) RecordHTTPRequest(route, method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
}
