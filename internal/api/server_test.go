package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mwhitley/skybridge/internal/auth"
	"github.com/mwhitley/skybridge/internal/fusion"
	"github.com/mwhitley/skybridge/internal/metrics"
	"github.com/mwhitley/skybridge/pkg/feed"
	"github.com/mwhitley/skybridge/pkg/telemetry"
)

type nullSource struct{ name string }

func (s nullSource) Fetch(ctx context.Context) ([]telemetry.RawSnapshot, error) { return nil, nil }
func (s nullSource) Name() string                                               { return s.name }

func newTestServer(t *testing.T) (*Server, *fusion.Engine) {
	t.Helper()

	authSvc := auth.NewService(auth.Config{
		JWTSecret:  "test-secret",
		BCryptCost: 4,
	})
	adminHash, err := authSvc.HashPassword("admin-pass")
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}
	viewerHash, _ := authSvc.HashPassword("viewer-pass")

	engine := fusion.NewEngine(fusion.Config{}, nil)
	engine.Ingest(feed.Batch{
		Source: "local",
		Snapshots: []telemetry.RawSnapshot{{
			ID:       "ABC123",
			Source:   "local",
			Position: &telemetry.Position{Latitude: 37.5, Longitude: -122.5, AltitudeFt: 1200},
		}},
	})

	srv := NewServer(Config{
		AuthService: authSvc,
		Users: map[string]User{
			"admin":  {PasswordHash: adminHash, Role: auth.RoleAdmin},
			"viewer": {PasswordHash: viewerHash, Role: auth.RoleViewer},
		},
		Engine:  engine,
		Pollers: []*feed.Poller{feed.NewPoller(nullSource{name: "local"}, feed.PollerConfig{})},
		SinkStatus: func() []SinkStatus {
			return []SinkStatus{{Name: "tak", State: "connected"}}
		},
		MetricsHandler: metrics.New().Handler(),
	})
	return srv, engine
}

func login(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req := httptest.NewRequest("POST", "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Login failed with %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad login response: %v", err)
	}
	return resp.Token
}

func authedGet(handler http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// TestLogin tests credential checking and token issuance.
func TestLogin(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	t.Run("Valid credentials", func(t *testing.T) {
		if token := login(t, h, "admin", "admin-pass"); token == "" {
			t.Error("Expected a token")
		}
	})

	t.Run("Wrong password", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"username": "admin", "password": "nope"})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/auth/login", bytes.NewReader(body)))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rec.Code)
		}
	})

	t.Run("Unknown user", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"username": "ghost", "password": "x"})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/auth/login", bytes.NewReader(body)))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rec.Code)
		}
	})
}

// TestAuthRequired tests that protected routes reject anonymous requests.
func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	for _, path := range []string{"/api/v1/tracks", "/api/v1/status"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/tracks", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for bad token, got %d", rec.Code)
	}
}

// TestGetTracks tests the track list endpoint.
func TestGetTracks(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := login(t, h, "viewer", "viewer-pass")

	rec := authedGet(h, "/api/v1/tracks", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp struct {
		Count  int `json:"count"`
		Tracks []struct {
			ID string `json:"id"`
		} `json:"tracks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad response: %v", err)
	}
	if resp.Count != 1 || resp.Tracks[0].ID != "ABC123" {
		t.Errorf("Unexpected tracks: %+v", resp)
	}
}

// TestGetTrackByID tests the single-track endpoint including case folding
// and the 404 path.
func TestGetTrackByID(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := login(t, h, "viewer", "viewer-pass")

	rec := authedGet(h, "/api/v1/tracks/abc123", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 with lowercase id, got %d", rec.Code)
	}

	rec = authedGet(h, "/api/v1/tracks/ZZZZZZ", token)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown id, got %d", rec.Code)
	}
}

// TestGetStatus tests the pipeline health endpoint shape.
func TestGetStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := login(t, h, "viewer", "viewer-pass")

	rec := authedGet(h, "/api/v1/status", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp struct {
		Feeds  []feed.PollerStatus    `json:"feeds"`
		Sinks  []SinkStatus           `json:"sinks"`
		Fusion map[string]interface{} `json:"fusion"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad response: %v", err)
	}
	if len(resp.Feeds) != 1 || resp.Feeds[0].Source != "local" {
		t.Errorf("Unexpected feeds: %+v", resp.Feeds)
	}
	if len(resp.Sinks) != 1 || resp.Sinks[0].Name != "tak" {
		t.Errorf("Unexpected sinks: %+v", resp.Sinks)
	}
	if resp.Fusion["entities"].(float64) != 1 {
		t.Errorf("Unexpected fusion stats: %+v", resp.Fusion)
	}
}

// TestRefreshRoleCheck tests that refresh needs the operator role or higher.
func TestRefreshRoleCheck(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	viewerToken := login(t, h, "viewer", "viewer-pass")
	req := httptest.NewRequest("POST", "/api/v1/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+viewerToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for viewer, got %d", rec.Code)
	}

	adminToken := login(t, h, "admin", "admin-pass")
	req = httptest.NewRequest("POST", "/api/v1/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("Expected 202 for admin, got %d", rec.Code)
	}
}

// TestMetricsEndpoint tests that the scrape endpoint is mounted.
func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /metrics, got %d", rec.Code)
	}
}

// TestWebSocketConcurrentBroadcasts tests that broadcasts arriving from two
// fusion cycles at once produce intact frames on a single connection.
func TestWebSocketConcurrentBroadcasts(t *testing.T) {
	srv, engine := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	token := login(t, srv.Handler(), "viewer", "viewer-pass")
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/v1/ws?token=" + token

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Expected dial to succeed, got: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && srv.hub.ClientCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	// Reader drains and validates every frame until the connection closes.
	readerErr := make(chan error, 1)
	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				readerErr <- nil
				return
			}
			var msg trackMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				readerErr <- fmt.Errorf("corrupt frame: %w", err)
				return
			}
			if msg.Type != "tracks" {
				readerErr <- fmt.Errorf("unexpected message type %q", msg.Type)
				return
			}
		}
	}()

	tracks := engine.Tracks()
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				srv.BroadcastTracks(tracks)
			}
		}()
	}
	wg.Wait()

	if srv.hub.ClientCount() != 1 {
		t.Error("Expected client to survive concurrent broadcasts")
	}

	conn.Close()
	select {
	case err := <-readerErr:
		if err != nil {
			t.Errorf("Expected intact frames, got: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("Reader did not finish after close")
	}
}

// TestWebSocketStream tests the upgrade, token gate, and a broadcast.
func TestWebSocketStream(t *testing.T) {
	srv, engine := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	token := login(t, srv.Handler(), "viewer", "viewer-pass")
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/v1/ws"

	t.Run("Missing token rejected", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err == nil {
			t.Fatal("Expected dial to fail without token")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("Expected 401 response, got %+v", resp)
		}
	})

	t.Run("Receives track broadcasts", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
		if err != nil {
			t.Fatalf("Expected dial to succeed, got: %v", err)
		}
		defer conn.Close()

		// Give the hub a moment to register the client.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) && srv.hub.ClientCount() == 0 {
			time.Sleep(5 * time.Millisecond)
		}

		srv.BroadcastTracks(engine.Tracks())

		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Expected a broadcast, got: %v", err)
		}

		var msg trackMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("Bad broadcast payload: %v", err)
		}
		if msg.Type != "tracks" || msg.Count != 1 || msg.Tracks[0].ID != "ABC123" {
			t.Errorf("Unexpected broadcast: %+v", msg)
		}
	})
}
