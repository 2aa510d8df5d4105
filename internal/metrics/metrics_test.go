package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestScrapeOutput tests that recorded values surface through the handler.
func TestScrapeOutput(t *testing.T) {
	m := New()

	m.RecordPoll("local", nil)
	m.RecordPoll("local", errors.New("boom"))
	m.MergesTotal.Add(3)
	m.TrackedEntities.Set(42)
	m.PublishesTotal.WithLabelValues("tak").Inc()
	m.PublishDropsTotal.WithLabelValues("mqtt", ReasonQueue).Inc()
	m.PublishDropsTotal.WithLabelValues("mqtt", ReasonRate).Add(2)
	m.ReconnectsTotal.WithLabelValues("tak").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`skybridge_polls_total{result="ok",source="local"} 1`,
		`skybridge_polls_total{result="error",source="local"} 1`,
		`skybridge_merges_total 3`,
		`skybridge_tracked_entities 42`,
		`skybridge_publishes_total{sink="tak"} 1`,
		`skybridge_publish_drops_total{reason="queue",sink="mqtt"} 1`,
		`skybridge_publish_drops_total{reason="rate",sink="mqtt"} 2`,
		`skybridge_reconnects_total{sink="tak"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected scrape to contain %q", want)
		}
	}
}

// TestRecordMergeTotal tests delta accounting against the store's cumulative
// merge counter.
func TestRecordMergeTotal(t *testing.T) {
	m := New()

	m.RecordMergeTotal(3)
	m.RecordMergeTotal(5)
	m.RecordMergeTotal(5) // no growth, no double count

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "skybridge_merges_total 5") {
		t.Errorf("Expected merge counter at 5, got:\n%s", rec.Body.String())
	}
}

// TestIndependentRegistries tests that two instances do not collide.
func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.TrackedEntities.Set(1)
	b.TrackedEntities.Set(2)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "skybridge_tracked_entities 1") {
		t.Error("Expected registry isolation")
	}
}
