package feed

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

// TestColumnarFetch tests positional decoding of the array-of-arrays schema.
func TestColumnarFetch(t *testing.T) {
	t.Run("Successful decode with unit conversion", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{
				"time": 1700000000,
				"states": [
					["abc123", "SWA456  ", "United States", 1699999995, 1699999998,
					 -122.5, 37.5, 3048.0, false, 100.0, 270.0, -5.0, null, 3100.0, "4321", false, 0],
					[null, "GHOST"],
					["def456", null, null, null, null, null, null, null, true,
					 null, null, null, null, null, null, false, 0]
				]
			}`))
		}))
		defer server.Close()

		client, err := NewColumnarClient("network", server.URL, time.Second, QueryFilters{}, "", "")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		snaps, err := client.Fetch(context.Background())
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(snaps) != 2 {
			t.Fatalf("Expected 2 snapshots (null icao24 skipped), got %d", len(snaps))
		}

		s := snaps[0]
		if s.ID != "ABC123" {
			t.Errorf("Expected ID ABC123, got %s", s.ID)
		}
		if s.Position == nil {
			t.Fatal("Expected position")
		}
		if s.Position.Latitude != 37.5 || s.Position.Longitude != -122.5 {
			t.Errorf("Expected lat/lon 37.5/-122.5, got %f/%f", s.Position.Latitude, s.Position.Longitude)
		}
		// Geometric altitude preferred: 3100 m -> feet
		wantAlt := 3100.0 * 3.28084
		if math.Abs(s.Position.AltitudeFt-wantAlt) > 0.1 {
			t.Errorf("Expected altitude %.1f ft, got %.1f", wantAlt, s.Position.AltitudeFt)
		}
		// 100 m/s -> knots
		if math.Abs(s.Kinematics.GroundSpeedKt-194.38445) > 0.01 {
			t.Errorf("Expected ~194.4 kt, got %f", s.Kinematics.GroundSpeedKt)
		}
		// -5 m/s -> ft/min
		if math.Abs(s.Kinematics.VerticalRateFpm-(-984.25197)) > 0.01 {
			t.Errorf("Expected ~-984 fpm, got %f", s.Kinematics.VerticalRateFpm)
		}
		if s.Metadata["callsign"] != "SWA456" {
			t.Errorf("Expected trimmed callsign SWA456, got %q", s.Metadata["callsign"])
		}
		if s.Metadata["squawk"] != "4321" {
			t.Errorf("Expected squawk 4321, got %q", s.Metadata["squawk"])
		}
		// last_contact drives freshness
		if !s.ObservedAt.Equal(time.Unix(1699999998, 0).UTC()) {
			t.Errorf("Expected observedAt from last_contact, got %v", s.ObservedAt)
		}

		// Third state: on ground, no fix.
		if snaps[1].ID != "DEF456" {
			t.Errorf("Expected DEF456, got %s", snaps[1].ID)
		}
		if snaps[1].Position != nil {
			t.Error("Expected nil position for fixless state")
		}
		if snaps[1].Metadata["on_ground"] != "true" {
			t.Error("Expected on_ground metadata")
		}
	})

	t.Run("Bounding box derived from circle filter", func(t *testing.T) {
		var query string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			query = r.URL.RawQuery
			w.Write([]byte(`{"time": 0, "states": []}`))
		}))
		defer server.Close()

		client, _ := NewColumnarClient("network", server.URL, time.Second, QueryFilters{
			CenterLat: 37.0, CenterLon: -122.0, RadiusKm: 111.0,
		}, "", "")
		if _, err := client.Fetch(context.Background()); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		vals, err := url.ParseQuery(query)
		if err != nil {
			t.Fatalf("Bad query %q: %v", query, err)
		}
		if vals.Get("lamin") != "36.0000" || vals.Get("lamax") != "38.0000" {
			t.Errorf("Expected lat box 36..38, got %s..%s", vals.Get("lamin"), vals.Get("lamax"))
		}
		if vals.Get("lomin") != "-123.0000" || vals.Get("lomax") != "-121.0000" {
			t.Errorf("Expected lon box -123..-121, got %s..%s", vals.Get("lomin"), vals.Get("lomax"))
		}
	})

	t.Run("Basic auth forwarded", func(t *testing.T) {
		var user, pass string
		var ok bool
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok = r.BasicAuth()
			w.Write([]byte(`{"time": 0, "states": []}`))
		}))
		defer server.Close()

		client, _ := NewColumnarClient("network", server.URL, time.Second, QueryFilters{}, "watcher", "s3cret")
		if _, err := client.Fetch(context.Background()); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !ok || user != "watcher" || pass != "s3cret" {
			t.Errorf("Expected basic auth watcher/s3cret, got %s/%s (%v)", user, pass, ok)
		}
	})

	t.Run("Null states array decodes to empty batch", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"time": 1700000000, "states": null}`))
		}))
		defer server.Close()

		client, _ := NewColumnarClient("network", server.URL, time.Second, QueryFilters{}, "", "")
		snaps, err := client.Fetch(context.Background())
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(snaps) != 0 {
			t.Errorf("Expected empty batch, got %d", len(snaps))
		}
	})
}
