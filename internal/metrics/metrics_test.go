package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return metric.GetGauge().GetValue()
}

func TestOrderMetrics_ObserveOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOrderMetricsWithRegisterer(reg)

	m.ObserveOperation("upload", "ok", 10*time.Millisecond)
	m.ObserveOperation("upload", "ok", 20*time.Millisecond)
	m.ObserveOperation("upload", "blocked", time.Millisecond)

	if got := counterValue(t, m.operations.WithLabelValues("upload", "ok")); got != 2 {
		t.Errorf("expected 2 ok uploads, got %v", got)
	}
	if got := counterValue(t, m.operations.WithLabelValues("upload", "blocked")); got != 1 {
		t.Errorf("expected 1 blocked upload, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, family := range families {
		if family.GetName() == "pie_order_operation_duration_seconds" {
			found = true
			if got := family.GetMetric()[0].GetHistogram().GetSampleCount(); got != 3 {
				t.Errorf("expected 3 duration samples, got %d", got)
			}
		}
	}
	if !found {
		t.Error("duration histogram not registered")
	}
}

func TestOrderMetrics_Counters(t *testing.T) {
	m := NewOrderMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordDayConfirmed()
	m.RecordOutboxEnqueueFailure()
	m.RecordOutboxEnqueueFailure()
	m.RecordHTTPRequest("/api/v1/days/{date}/total", "GET", 200)

	if got := counterValue(t, m.daysConfirmed); got != 1 {
		t.Errorf("expected 1 confirmed day, got %v", got)
	}
	if got := counterValue(t, m.outboxEnqueueFailures); got != 2 {
		t.Errorf("expected 2 enqueue failures, got %v", got)
	}
	if got := counterValue(t, m.httpRequests.WithLabelValues("/api/v1/days/{date}/total", "GET", "200")); got != 1 {
		t.Errorf("expected 1 http request, got %v", got)
	}
}

func TestOrderMetrics_ReRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewOrderMetricsWithRegisterer(reg)
	second := NewOrderMetricsWithRegisterer(reg)

	first.RecordDayConfirmed()

	if got := counterValue(t, second.daysConfirmed); got != 1 {
		t.Fatalf("expected shared counter value 1, got %v", got)
	}
}

func TestOrderMetrics_NilSafe(t *testing.T) {
	var m *OrderMetrics

	m.ObserveOperation("upload", "ok", time.Second)
	m.RecordDayConfirmed()
	m.RecordOutboxEnqueueFailure()
	m.RecordHTTPRequest("/", "GET", 200)
}

func TestOutboxMetrics(t *testing.T) {
	m := NewOutboxMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordPublishAttempt("sent")
	m.RecordPublishAttempt("retry_error")
	m.RecordPublishAttempt("sent")
	m.SetBacklog(4, 12.5)

	if got := counterValue(t, m.publishAttempts.WithLabelValues("sent")); got != 2 {
		t.Errorf("expected 2 sent attempts, got %v", got)
	}
	if got := gaugeValue(t, m.pendingRecords); got != 4 {
		t.Errorf("expected backlog 4, got %v", got)
	}
	if got := gaugeValue(t, m.oldestPendingAge); got != 12.5 {
		t.Errorf("expected oldest age 12.5, got %v", got)
	}

	var nilMetrics *OutboxMetrics
	nilMetrics.RecordPublishAttempt("sent")
	nilMetrics.SetBacklog(1, 1)
	nilMetrics.RecordCleanupRun("ok")
	nilMetrics.AddCleanupDeleted(3)
}

func TestOutboxMetrics_Cleanup(t *testing.T) {
	m := NewOutboxMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordCleanupRun("ok")
	m.RecordCleanupRun("error")
	m.RecordCleanupRun("ok")
	m.AddCleanupDeleted(5)
	m.AddCleanupDeleted(0)
	m.AddCleanupDeleted(-1)

	if got := counterValue(t, m.cleanupRuns.WithLabelValues("ok")); got != 2 {
		t.Errorf("expected 2 ok cleanup runs, got %v", got)
	}
	if got := counterValue(t, m.cleanupDeleted); got != 5 {
		t.Errorf("expected 5 deleted records, got %v", got)
	}
}
