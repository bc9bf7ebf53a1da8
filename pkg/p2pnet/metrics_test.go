package p2pnet

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("0.1.0", "go1.26.0")
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.Registry == nil {
		t.Fatal("Registry is nil")
	}
}

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if labelsMatch(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(metric *dto.Metric, want map[string]string) bool {
	got := make(map[string]string)
	for _, lp := range metric.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestMetricsIsolation(t *testing.T) {
	m1 := NewMetrics("0.1.0", "go1.26.0")
	m2 := NewMetrics("0.2.0", "go1.26.0")

	m1.UpgradeTotal.WithLabelValues("success").Inc()

	if got := counterValue(t, m2, "parley_upgrade_total", map[string]string{"result": "success"}); got != 0 {
		t.Errorf("m2 saw m1 counter value %v; registries are not isolated", got)
	}
	if got := counterValue(t, m1, "parley_upgrade_total", map[string]string{"result": "success"}); got != 1 {
		t.Errorf("m1 upgrade counter = %v, want 1", got)
	}
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics("test", "go1.26.0")

	m.DialTotal.WithLabelValues("direct", "success").Inc()
	m.DialDurationSeconds.WithLabelValues("direct").Observe(0.2)
	m.UpgradeTotal.WithLabelValues("timeout").Inc()
	m.UpgradeDurationSeconds.Observe(1.5)
	m.HolePunchTotal.WithLabelValues("success").Inc()
	m.Sessions.WithLabelValues("direct").Set(2)
	m.ChatMessagesTotal.WithLabelValues("rx").Inc()
	m.EnvelopeDropsTotal.WithLabelValues("malformed").Inc()
	m.VoiceCallsTotal.WithLabelValues("started").Inc()
	m.VoiceChunksTotal.WithLabelValues("tx").Inc()
	m.RelayReservationsTotal.WithLabelValues("success").Inc()
	m.DaemonRequestsTotal.WithLabelValues("GET", "/v1/status", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	expected := map[string]bool{
		"parley_dial_total":               false,
		"parley_dial_duration_seconds":    false,
		"parley_upgrade_total":            false,
		"parley_upgrade_duration_seconds": false,
		"parley_holepunch_total":          false,
		"parley_sessions":                 false,
		"parley_chat_messages_total":      false,
		"parley_envelope_drops_total":     false,
		"parley_voice_calls_total":        false,
		"parley_voice_chunks_total":       false,
		"parley_relay_reservations_total": false,
		"parley_daemon_requests_total":    false,
		"parley_info":                     false,
	}
	for _, f := range families {
		if _, ok := expected[f.GetName()]; ok {
			expected[f.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("metric family %q not found in gathered output", name)
		}
	}
}

func TestMetricsBuildInfo(t *testing.T) {
	m := NewMetrics("1.2.3", "go1.26.0")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	seen := false
	for _, f := range families {
		if f.GetName() != "parley_info" {
			continue
		}
		for _, metric := range f.GetMetric() {
			seen = true
			if metric.GetGauge().GetValue() != 1 {
				t.Errorf("build info gauge value = %f, want 1", metric.GetGauge().GetValue())
			}
			if !labelsMatch(metric, map[string]string{"version": "1.2.3", "go_version": "go1.26.0"}) {
				t.Errorf("build info labels = %v", metric.GetLabel())
			}
		}
	}
	if !seen {
		t.Error("parley_info not gathered")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics("0.1.0", "go1.26.0")
	m.UpgradeTotal.WithLabelValues("success").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("handler returned status %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	output := string(body)

	for _, want := range []string{"parley_upgrade_total", "parley_info", "go_goroutines"} {
		if !strings.Contains(output, want) {
			t.Errorf("handler output missing %s", want)
		}
	}
}

func TestMetricsRegistryDoesNotUseGlobal(t *testing.T) {
	m := NewMetrics("test", "go1.26.0")
	if m.Registry == prometheus.DefaultRegisterer {
		t.Error("Metrics registry is the global DefaultRegisterer; should be isolated")
	}
}
