package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecordsCounters(t *testing.T) {
	c := NewCollector("inkroom_test")

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.Frame("begin_stroke")
	c.Frame("begin_stroke")
	c.FrameError("INVALID_ARGUMENT")
	c.StrokeCommitted()
	c.HistoryAction("undo")
	c.OrphanResolved(OrphanFinished, ReasonDisconnect)
	c.DeliveryDropped()

	if got := testutil.ToFloat64(c.connections); got != 1 {
		t.Fatalf("connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.frames.WithLabelValues("begin_stroke")); got != 2 {
		t.Fatalf("frames = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.orphanedStrokes.WithLabelValues(OrphanFinished, ReasonDisconnect)); got != 1 {
		t.Fatalf("orphaned = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.droppedDeliveries); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}
}

func TestCollectorsDoNotShareRegistries(t *testing.T) {
	a := NewCollector("inkroom_test")
	b := NewCollector("inkroom_test")
	if a.Registry() == b.Registry() {
		t.Fatal("expected independent registries")
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.RoomCreated()
	c.Frame("x")
	c.FrameError("x")
	c.StrokeCommitted()
	c.HistoryAction("clear")
	c.OrphanResolved(OrphanDiscarded, ReasonIdle)
	c.DeliveryDropped()
	if c.Registry() != nil {
		t.Fatal("expected nil registry")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("inkroom_test")
	c.StrokeCommitted()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "inkroom_test_strokes_committed_total 1") {
		t.Fatalf("metrics body missing strokes counter:\n%s", body)
	}
}
