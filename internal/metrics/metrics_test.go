package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.MessagesTransferred == nil {
		t.Error("MessagesTransferred metric is nil")
	}
	if m.DecryptFailures == nil {
		t.Error("DecryptFailures metric is nil")
	}
}

func TestRecordSessionStartEnd(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionStart()
	m.RecordSessionStart()

	if got := testutil.ToFloat64(m.SessionsActive); got != 2 {
		t.Errorf("SessionsActive = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal); got != 2 {
		t.Errorf("SessionsTotal = %v, want 2", got)
	}

	m.RecordSessionEnd("client", 1.5)

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("SessionsActive after one end = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionErrors.WithLabelValues("client")); got != 1 {
		t.Errorf("SessionErrors[client] = %v, want 1", got)
	}
}

func TestRecordMessage(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordMessage("encrypt", 511)
	m.RecordMessage("encrypt", 200)
	m.RecordMessage("decrypt", 50)

	if got := testutil.ToFloat64(m.MessagesTransferred.WithLabelValues("encrypt")); got != 2 {
		t.Errorf("MessagesTransferred[encrypt] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesTransferred.WithLabelValues("encrypt")); got != 711 {
		t.Errorf("BytesTransferred[encrypt] = %v, want 711", got)
	}
	if got := testutil.ToFloat64(m.MessagesTransferred.WithLabelValues("decrypt")); got != 1 {
		t.Errorf("MessagesTransferred[decrypt] = %v, want 1", got)
	}
}

func TestRecordDecryptFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDecryptFailure()
	m.RecordDecryptFailure()
	m.RecordDecryptFailure()

	if got := testutil.ToFloat64(m.DecryptFailures); got != 3 {
		t.Errorf("DecryptFailures = %v, want 3", got)
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() should return the same instance on repeated calls")
	}
}
