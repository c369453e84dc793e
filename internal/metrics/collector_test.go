package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/go-iscsi/initiator/internal/metrics"
)

func TestSessionLifecycleMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	c := metrics.New(reg)

	c.SessionLoggedIn("iqn.2016-01.com.example:target0", "10.0.0.1:3260")
	if got := gaugeValue(t, c.SessionsActive, "iqn.2016-01.com.example:target0"); got != 1 {
		t.Errorf("SessionsActive = %v, want 1", got)
	}

	c.SessionLoggedOut("iqn.2016-01.com.example:target0", "success")
	if got := gaugeValue(t, c.SessionsActive, "iqn.2016-01.com.example:target0"); got != 0 {
		t.Errorf("SessionsActive after logout = %v, want 0", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected registered metric families")
	}
}

func TestLoginFailureDoesNotIncrementActiveCount(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	c := metrics.New(reg)

	c.SessionLoginFailed("iqn.2016-01.com.example:target0", "10.0.0.1:3260", "auth_failure")
	if got := gaugeValue(t, c.SessionsActive, "iqn.2016-01.com.example:target0"); got != 0 {
		t.Errorf("SessionsActive = %v, want 0 after a failed login", got)
	}
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(label).Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetGauge().GetValue()
}
