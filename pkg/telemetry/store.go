package telemetry

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mwhitley/skybridge/pkg/coordinates"
)

// DefaultMinPointDistanceMeters is the jitter-collapse threshold: a new
// history point closer than this to the previous one replaces it instead of
// being appended.
const DefaultMinPointDistanceMeters = 10.0

// StoreConfig tunes history bookkeeping.
type StoreConfig struct {
	// MinPointDistanceMeters is the collapse threshold for consecutive
	// history points. 0 uses DefaultMinPointDistanceMeters; negative
	// disables collapsing (always append).
	MinPointDistanceMeters float64
}

// StoreStats is a point-in-time view of store activity counters.
type StoreStats struct {
	// Merges is the total number of snapshot merges applied
	Merges uint64

	// Created is the number of entities inserted for a previously-unseen ID
	Created uint64

	// Evicted is the number of entities removed by retention or capacity
	Evicted uint64

	// Entities is the current entity count
	Entities int
}

// Store is the single source of truth for all currently-known entities.
//
// All mutating operations serialize on one mutex, so no two merges can
// interleave on the same identifier. Readers get deep copies; live state
// never escapes the lock.
type Store struct {
	mu       sync.Mutex
	entities map[string]*TrackedEntity

	minPointDistance float64 // meters, <0 disables collapsing

	merges  uint64
	created uint64
	evicted uint64
}

// NewStore creates an empty track store.
func NewStore(cfg StoreConfig) *Store {
	dist := cfg.MinPointDistanceMeters
	if dist == 0 {
		dist = DefaultMinPointDistanceMeters
	}
	return &Store{
		entities:         make(map[string]*TrackedEntity),
		minPointDistance: dist,
	}
}

// Merge applies one snapshot. Unknown IDs insert a new entity seeded from
// the snapshot; known IDs overwrite mutable fields and extend history.
// A history point is recorded only when the snapshot carries a position;
// a point closer than the collapse threshold to the previous one replaces
// it rather than appending, so sub-meter jitter never inflates history.
func (s *Store) Merge(snap RawSnapshot, now time.Time) {
	if snap.ID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.merges++

	e, ok := s.entities[snap.ID]
	if !ok {
		e = &TrackedEntity{
			ID:       snap.ID,
			Metadata: make(map[string]string),
		}
		s.entities[snap.ID] = e
		s.created++
	}

	e.LastSeen = now

	if snap.Position != nil {
		p := *snap.Position
		e.Position = &p
		s.appendPoint(e, TrackPoint{Position: p, Timestamp: now})
	}
	if snap.Kinematics != nil {
		k := *snap.Kinematics
		e.Kinematics = &k
	}
	for k, v := range snap.Metadata {
		e.Metadata[k] = v
	}
	if snap.Source != "" {
		e.Metadata["source"] = snap.Source
	}
	if snap.RSSI != nil {
		e.Metadata["rssi"] = formatRSSI(*snap.RSSI)
	}
}

// appendPoint records a history point, collapsing near-duplicates. Caller
// holds the lock.
func (s *Store) appendPoint(e *TrackedEntity, pt TrackPoint) {
	if n := len(e.History); n > 0 && s.minPointDistance >= 0 {
		last := e.History[n-1]
		meters := coordinates.DistanceKm(
			coordinates.Geographic{Latitude: last.Position.Latitude, Longitude: last.Position.Longitude},
			coordinates.Geographic{Latitude: pt.Position.Latitude, Longitude: pt.Position.Longitude},
		) * 1000.0
		if meters < s.minPointDistance {
			// Replace instead of append: one canonical current point.
			e.History[n-1] = pt
			return
		}
	}
	e.History = append(e.History, pt)
}

// PruneHistory drops history points for one entity older than
// now-retention. The most recent point is always kept while the entity has
// a position, so the current-point invariant holds even when every point
// has aged out.
func (s *Store) PruneHistory(id string, retention time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[id]; ok {
		s.pruneHistoryLocked(e, retention, now)
	}
}

// PruneAllHistory applies PruneHistory to every entity. Called once per
// fusion cycle.
func (s *Store) PruneAllHistory(retention time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entities {
		s.pruneHistoryLocked(e, retention, now)
	}
}

func (s *Store) pruneHistoryLocked(e *TrackedEntity, retention time.Duration, now time.Time) {
	if retention <= 0 || len(e.History) == 0 {
		return
	}
	cutoff := now.Add(-retention)
	keep := 0
	for keep < len(e.History) && e.History[keep].Timestamp.Before(cutoff) {
		keep++
	}
	if keep == 0 {
		return
	}
	if keep == len(e.History) && e.Position != nil {
		// Keep the canonical current point.
		keep = len(e.History) - 1
	}
	e.History = append(e.History[:0], e.History[keep:]...)
}

// EvictStale removes whole entities whose LastSeen is strictly older than
// the retention window. Entities exactly at the boundary are retained.
// Returns the number of entities removed.
func (s *Store) EvictStale(retention time.Duration, now time.Time) int {
	if retention <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entities {
		if now.Sub(e.LastSeen) > retention {
			delete(s.entities, id)
			removed++
		}
	}
	s.evicted += uint64(removed)
	return removed
}

// EnforceCapacity removes oldest-LastSeen entities until the count is at or
// under maxEntities. A cap below 1 is clamped to 1 so the most-recently-seen
// entity always survives misconfiguration. Runs after EvictStale so stale
// entries never count against fresh ones. Returns the number removed.
func (s *Store) EnforceCapacity(maxEntities int) int {
	if maxEntities < 1 {
		maxEntities = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	over := len(s.entities) - maxEntities
	if over <= 0 {
		return 0
	}

	byAge := make([]*TrackedEntity, 0, len(s.entities))
	for _, e := range s.entities {
		byAge = append(byAge, e)
	}
	sort.Slice(byAge, func(i, j int) bool {
		if !byAge[i].LastSeen.Equal(byAge[j].LastSeen) {
			return byAge[i].LastSeen.Before(byAge[j].LastSeen)
		}
		return byAge[i].ID < byAge[j].ID
	})

	for _, e := range byAge[:over] {
		delete(s.entities, e.ID)
	}
	s.evicted += uint64(over)
	return over
}

// Snapshot returns deep copies of every entity. Iteration order is
// unspecified; callers that need determinism sort the result.
func (s *Store) Snapshot() []TrackedEntity {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TrackedEntity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.Clone())
	}
	return out
}

// Get returns a deep copy of one entity.
func (s *Store) Get(id string) (TrackedEntity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entities[id]; ok {
		return e.Clone(), true
	}
	return TrackedEntity{}, false
}

// Len returns the current entity count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// Stats returns activity counters.
func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreStats{
		Merges:   s.merges,
		Created:  s.created,
		Evicted:  s.evicted,
		Entities: len(s.entities),
	}
}

func formatRSSI(v float64) string {
	// One decimal is plenty for display; sources disagree on units anyway.
	return strconv.FormatFloat(v, 'f', 1, 64)
}
