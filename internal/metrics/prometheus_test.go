package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestIncCounterIncrementsAndExposesViaHandler(t *testing.T) {
	m := New()
	m.IncCounter("calls_initiated", prometheus.Labels{"campaign_id": "camp-1"})
	m.IncCounter("calls_initiated", prometheus.Labels{"campaign_id": "camp-1"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `dialer_calls_initiated_total{campaign_id="camp-1"} 2`) {
		t.Fatalf("expected counter value 2 for camp-1, got body:\n%s", body)
	}
}

func TestSetGaugeUpdatesValue(t *testing.T) {
	m := New()
	m.SetGauge("active_calls", 3, prometheus.Labels{"campaign_id": "camp-1"})
	m.SetGauge("active_calls", 5, prometheus.Labels{"campaign_id": "camp-1"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `dialer_active_calls{campaign_id="camp-1"} 5`) {
		t.Fatalf("expected gauge value 5, got body:\n%s", body)
	}
}

func TestUnknownMetricNameIsIgnored(t *testing.T) {
	m := New()
	m.IncCounter("does_not_exist", prometheus.Labels{})
	m.SetGauge("also_missing", 1, nil)
	// No panic means success; unknown names are a no-op by design.
}
