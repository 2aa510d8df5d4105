// Package api serves the status REST API and WebSocket track stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mwhitley/skybridge/internal/auth"
	"github.com/mwhitley/skybridge/internal/fusion"
	"github.com/mwhitley/skybridge/pkg/feed"
	"github.com/mwhitley/skybridge/pkg/publish"
)

// User is one API account. Accounts come from config, not a database.
type User struct {
	PasswordHash string
	Role         string
}

// SinkStatus is the per-publisher health view returned by /status.
type SinkStatus struct {
	Name       string                  `json:"name"`
	State      string                  `json:"state"`
	Reason     string                  `json:"reason,omitempty"`
	Counters   publish.CounterSnapshot `json:"counters"`
	QueueDepth int                     `json:"queue_depth"`
	QueueDrops uint64                  `json:"queue_drops"`
}

// Config wires the server to the rest of the pipeline.
type Config struct {
	// AuthService validates and issues tokens
	AuthService *auth.Service

	// Users maps username to account. Empty disables login entirely.
	Users map[string]User

	// Engine supplies the track view
	Engine *fusion.Engine

	// Pollers are refreshed by POST /refresh and reported by /status
	Pollers []*feed.Poller

	// SinkStatus reports publisher health for /status
	SinkStatus func() []SinkStatus

	// MetricsHandler serves GET /metrics when set
	MetricsHandler http.Handler
}

// Server holds the HTTP router and its dependencies.
type Server struct {
	router    *chi.Mux
	cfg       Config
	hub       *Hub
	startedAt time.Time
}

// NewServer builds the router and WebSocket hub.
func NewServer(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		hub:       NewHub(),
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// BroadcastTracks pushes a track view to every WebSocket client. Wire this
// as an engine subscriber.
func (s *Server) BroadcastTracks(tracks []fusion.Track) {
	s.hub.BroadcastTracks(tracks)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Post("/auth/login", s.handleLogin)

		// Protected routes (require authentication)
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/tracks", s.handleGetTracks)
			r.Get("/tracks/{id}", s.handleGetTrack)
			r.Get("/status", s.handleGetStatus)
			r.Post("/refresh", s.handleRefresh)
		})

		// WebSocket authenticates via query token; browsers cannot set
		// headers on the upgrade request.
		r.Get("/ws", s.handleWebSocket)
	})

	if s.cfg.MetricsHandler != nil {
		r.Handle("/metrics", s.cfg.MetricsHandler)
	}
}

// Auth middleware
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing authorization header", http.StatusUnauthorized)
			return
		}

		// Extract token (format: "Bearer <token>")
		var token string
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			token = authHeader[7:]
		} else {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := s.cfg.AuthService.ValidateToken(token)
		if err != nil {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), usernameKey, claims.Username)
		ctx = context.WithValue(ctx, roleKey, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type contextKey string

const (
	usernameKey contextKey = "username"
	roleKey     contextKey = "role"
)

func roleFrom(r *http.Request) string {
	role, _ := r.Context().Value(roleKey).(string)
	return role
}

// handleLogin handles user login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, ok := s.cfg.Users[req.Username]
	if !ok {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := s.cfg.AuthService.ComparePassword(user.PasswordHash, req.Password); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.cfg.AuthService.GenerateToken(req.Username, user.Role)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"token":   token,
		"user": map[string]interface{}{
			"username": req.Username,
			"role":     user.Role,
		},
	})
}

// handleGetTracks returns the current ranked track view
func (s *Server) handleGetTracks(w http.ResponseWriter, r *http.Request) {
	tracks := s.cfg.Engine.Tracks()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(tracks),
		"tracks": tracks,
	})
}

// handleGetTrack returns one entity by identifier, including entities the
// display filters hide
func (s *Server) handleGetTrack(w http.ResponseWriter, r *http.Request) {
	id := strings.ToUpper(chi.URLParam(r, "id"))
	entity, ok := s.cfg.Engine.Get(id)
	if !ok {
		http.Error(w, fmt.Sprintf("No entity with id %s", id), http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, entity)
}

// handleGetStatus reports pipeline health: feeds, sinks, store counters
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	feeds := make([]feed.PollerStatus, 0, len(s.cfg.Pollers))
	for _, p := range s.cfg.Pollers {
		feeds = append(feeds, p.Status())
	}

	var sinks []SinkStatus
	if s.cfg.SinkStatus != nil {
		sinks = s.cfg.SinkStatus()
	}

	stats := s.cfg.Engine.Stats()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"feeds":          feeds,
		"sinks":          sinks,
		"fusion": map[string]interface{}{
			"entities":  stats.Entities,
			"displayed": stats.Displayed,
			"merges":    stats.Merges,
			"created":   stats.Created,
			"evicted":   stats.Evicted,
			"cycles":    stats.Cycles,
		},
		"websocket_clients": s.hub.ClientCount(),
	})
}

// handleRefresh forces an immediate poll on every feed. Requires the
// operator role or higher.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !auth.CanTriggerRefresh(roleFrom(r)) {
		http.Error(w, "Insufficient permissions", http.StatusForbidden)
		return
	}

	for _, p := range s.cfg.Pollers {
		p.Refresh()
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"feeds":   len(s.cfg.Pollers),
	})
}

// handleWebSocket upgrades the connection and registers it with the hub
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return
	}
	if _, err := s.cfg.AuthService.ValidateToken(token); err != nil {
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return
	}

	s.hub.Serve(w, r)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
