package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.MobilityTickSeconds.Observe(0.5)
	c.WmediumdQueueDepth.Set(3)
	c.SetAssociationCounts(map[string]int{"associated": 2, "disconnected": 1})
	c.CleanupActionsTotal.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"apwifi_mobility_tick_seconds",
		"apwifi_wmediumd_queue_depth 3",
		`apwifi_association_states{state="associated"} 2`,
		"apwifi_cleanup_actions_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected /metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestNewToleratesDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()

	if _, err := New(reg); err != nil {
		t.Fatalf("first New: %v", err)
	}

	if _, err := New(reg); err != nil {
		t.Fatalf("second New against the same registry should reuse existing collectors, got: %v", err)
	}
}

func TestSetAssociationCountsNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.SetAssociationCounts(map[string]int{"associated": 1})
}
