package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}

	if m.Registry() == nil {
		t.Error("Registry() returned nil")
	}

	if m.DeliveriesTotal == nil {
		t.Error("DeliveriesTotal is nil")
	}
	if m.DispatchDeferredTotal == nil {
		t.Error("DispatchDeferredTotal is nil")
	}
	if m.CallbacksTotal == nil {
		t.Error("CallbacksTotal is nil")
	}
	if m.Campaigns == nil {
		t.Error("Campaigns is nil")
	}
	if m.APIRequestsTotal == nil {
		t.Error("APIRequestsTotal is nil")
	}

	// Two instances must not collide on registration
	New()
}

func TestGlobalMetrics(t *testing.T) {
	if Global() != nil {
		t.Error("Global() should be nil before SetGlobal")
	}

	m := New()
	SetGlobal(m)

	if Global() != m {
		t.Error("Global() did not return the set metrics")
	}

	SetGlobal(nil)
}

func TestIncDeliveries(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncDeliveries("accepted")
	IncDeliveries("accepted")
	IncDeliveries("retry")
	IncDeliveryRetries()

	counter, err := m.DeliveriesTotal.GetMetricWithLabelValues("accepted")
	if err != nil {
		t.Fatalf("Failed to get counter: %v", err)
	}
	if got := counterValue(t, counter); got != 2 {
		t.Errorf("Expected accepted = 2, got %f", got)
	}
	if got := counterValue(t, m.DeliveryRetriesTotal); got != 1 {
		t.Errorf("Expected retries = 1, got %f", got)
	}
}

func TestIncDispatchDeferred(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncDispatchDeferred("schedule")
	IncDispatchDeferred("hourly")
	IncDispatchDeferred("hourly")

	counter, err := m.DispatchDeferredTotal.GetMetricWithLabelValues("hourly")
	if err != nil {
		t.Fatalf("Failed to get counter: %v", err)
	}
	if got := counterValue(t, counter); got != 2 {
		t.Errorf("Expected hourly = 2, got %f", got)
	}
}

func TestReconcileCounters(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncCallbacks("sent")
	AddReportRows("applied", 3)
	AddReportRows("skipped", 0)

	counter, _ := m.CallbacksTotal.GetMetricWithLabelValues("sent")
	if got := counterValue(t, counter); got != 1 {
		t.Errorf("Expected callbacks = 1, got %f", got)
	}
	counter, _ = m.ReportRowsTotal.GetMetricWithLabelValues("applied")
	if got := counterValue(t, counter); got != 3 {
		t.Errorf("Expected applied rows = 3, got %f", got)
	}
}

func TestGlobalNilSafe(t *testing.T) {
	SetGlobal(nil)

	// Should not panic
	IncDeliveries("accepted")
	IncDeliveryRetries()
	IncDispatchDeferred("daily")
	ObserveDispatchCycle(0.5)
	IncCallbacks("failed")
	AddReportRows("applied", 1)
	IncAPIErrors("bad_request")
}
