package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/scalytics/pmdaemon/internal/action"
)

func TestQueueGaugeReset(t *testing.T) {
	m := New()
	m.SetQueue(map[action.Status]int{action.StatusPending: 3, action.StatusApproved: 1})
	m.SetQueue(map[action.Status]int{action.StatusPending: 2})

	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("PENDING")); got != 2 {
		t.Fatalf("pending gauge = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(m.QueueDepth); n != 1 {
		t.Fatalf("stale statuses should be dropped, got %d series", n)
	}
}

func TestHandlerServesCounters(t *testing.T) {
	m := New()
	m.ActionsFinished.WithLabelValues("notify", "EXECUTED").Inc()
	m.GateDrops.WithLabelValues("self_tag").Add(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`pmdaemon_actions_finished_total{kind="notify",status="EXECUTED"} 1`,
		`pmdaemon_gate_drops_total{rule="self_tag"} 2`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
