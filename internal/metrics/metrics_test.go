package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"schooltrip-engine/internal/boarding"
	"schooltrip-engine/internal/models"
	"schooltrip-engine/internal/queue"
	"schooltrip-engine/internal/reconcile"
	"schooltrip-engine/internal/trip"
)

var (
	_ queue.Observer     = (*Collector)(nil)
	_ boarding.Observer  = (*Collector)(nil)
	_ trip.Observer      = (*Collector)(nil)
	_ reconcile.Observer = (*Collector)(nil)
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.ActionEnqueued(models.ActionBoarding)
	c.ActionEnqueued(models.ActionBoarding)
	c.ActionFailed(models.ActionBoarding, true)
	c.QueueDepth(4, 1)
	c.GeofenceChecked(models.ActionBoarding, 200, true)
	c.Dispatched(models.ActionAbsence, models.OutcomeQueued)
	c.DrainCompleted(reconcile.Report{Synced: 3, Failed: 2, Interrupted: true})
	c.LivenessChanged(true)
	c.RemoteEventDeferred(models.EventStudentBoarded)

	if got := testutil.ToFloat64(c.ActionsEnqueued.WithLabelValues("boarding")); got != 2 {
		t.Errorf("Expected 2 enqueued, got %v", got)
	}
	if got := testutil.ToFloat64(c.ActionsFailed.WithLabelValues("boarding", "true")); got != 1 {
		t.Errorf("Expected 1 permanent failure, got %v", got)
	}
	if got := testutil.ToFloat64(c.QueuePending); got != 4 {
		t.Errorf("Expected pending 4, got %v", got)
	}
	if got := testutil.ToFloat64(c.GeofenceChecks.WithLabelValues("boarding", "violation")); got != 1 {
		t.Errorf("Expected 1 violation, got %v", got)
	}
	if got := testutil.ToFloat64(c.Dispatches.WithLabelValues("absence", "queued")); got != 1 {
		t.Errorf("Expected 1 queued dispatch, got %v", got)
	}
	if got := testutil.ToFloat64(c.Drains.WithLabelValues("interrupted")); got != 1 {
		t.Errorf("Expected 1 interrupted drain, got %v", got)
	}
	if got := testutil.ToFloat64(c.DrainExhausted); got != 2 {
		t.Errorf("Expected 2 exhausted, got %v", got)
	}
	if got := testutil.ToFloat64(c.LocationLive); got != 1 {
		t.Errorf("Expected live 1, got %v", got)
	}
	if got := testutil.ToFloat64(c.RemoteEvents.WithLabelValues("student-boarded", "deferred")); got != 1 {
		t.Errorf("Expected 1 deferred event, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.QueueDepth(2, 0)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "tripd_queue_pending 2") {
		t.Errorf("Expected tripd_queue_pending in output, got:\n%s", body)
	}
}
