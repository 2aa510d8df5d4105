// Package fusion merges snapshots from every feed into one canonical track
// set, enforces retention and capacity, and publishes the filtered, ranked
// view to subscribers.
package fusion

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mwhitley/skybridge/pkg/coordinates"
	"github.com/mwhitley/skybridge/pkg/feed"
	"github.com/mwhitley/skybridge/pkg/telemetry"
)

// Default retention and capacity values applied for zero config fields.
const (
	DefaultEntityRetention  = 2 * time.Minute
	DefaultHistoryRetention = 10 * time.Minute
	DefaultMaxEntities      = 5000
)

// Filters narrow the published track set. Zero values disable a filter.
type Filters struct {
	// AltitudeMinFt and AltitudeMaxFt bound the altitude band in feet
	AltitudeMinFt float64
	AltitudeMaxFt float64

	// MaxDistanceKm drops tracks farther than this from the observer.
	// Ignored when no observer position is available.
	MaxDistanceKm float64

	// AirborneOnly drops tracks reporting on-ground
	AirborneOnly bool

	// DisplayCap truncates the ranked set to the N best tracks
	DisplayCap int
}

// Config tunes one engine.
type Config struct {
	// HistoryRetention bounds per-entity history age
	HistoryRetention time.Duration

	// EntityRetention bounds how long an unseen entity survives
	EntityRetention time.Duration

	// MaxEntities caps the store size
	MaxEntities int

	// MinPointDistanceMeters is the history jitter-collapse threshold
	MinPointDistanceMeters float64

	// Filters shape the published view
	Filters Filters
}

// ObserverProvider supplies the reference position used for distance
// filtering and ranking. Implementations may return false when no position
// is configured.
type ObserverProvider interface {
	ObserverPosition() (coordinates.Geographic, bool)
}

// Track is one ranked entry in the published view.
type Track struct {
	telemetry.TrackedEntity

	// DistanceKm is the great-circle distance from the observer, -1 when
	// no observer position is available
	DistanceKm float64 `json:"distance_km"`

	// BearingDeg is the initial bearing from the observer in degrees
	// (0 = North), -1 when no observer position is available
	BearingDeg float64 `json:"bearing_deg"`
}

// Subscriber receives the published track set after each fusion cycle. The
// slice is owned by the subscriber; the engine never mutates it afterwards.
type Subscriber func(tracks []Track)

// Engine owns the track store and the fusion cycle.
type Engine struct {
	cfg      Config
	store    *telemetry.Store
	observer ObserverProvider

	mu     sync.Mutex
	subs   []Subscriber
	cached []Track
	cycles uint64

	// notifyMu serializes subscriber fan-out. Cycles from different feeds
	// can overlap, and subscribers (publisher closures, the WebSocket hub)
	// are not safe for concurrent invocation.
	notifyMu sync.Mutex

	// now is swappable for tests
	now func() time.Time
}

// NewEngine builds an engine around a fresh store.
func NewEngine(cfg Config, observer ObserverProvider) *Engine {
	if cfg.EntityRetention <= 0 {
		cfg.EntityRetention = DefaultEntityRetention
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = DefaultHistoryRetention
	}
	if cfg.MaxEntities <= 0 {
		cfg.MaxEntities = DefaultMaxEntities
	}
	return &Engine{
		cfg:      cfg,
		store:    telemetry.NewStore(telemetry.StoreConfig{MinPointDistanceMeters: cfg.MinPointDistanceMeters}),
		observer: observer,
		now:      time.Now,
	}
}

// Subscribe registers a callback for every published track set. Not safe to
// call concurrently with Ingest; wire subscribers before polling starts.
func (e *Engine) Subscribe(sub Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, sub)
}

// Ingest runs one fusion cycle for a feed batch: merge every snapshot,
// apply retention and capacity, then publish the filtered ranked view.
func (e *Engine) Ingest(batch feed.Batch) {
	now := e.now()

	for _, snap := range batch.Snapshots {
		e.store.Merge(snap, now)
		e.store.PruneHistory(snap.ID, e.cfg.HistoryRetention, now)
	}

	// Entities absent from this batch still age out of the window.
	e.store.PruneAllHistory(e.cfg.HistoryRetention, now)
	if evicted := e.store.EvictStale(e.cfg.EntityRetention, now); evicted > 0 {
		log.Printf("Evicted %d stale entities (retention %v)", evicted, e.cfg.EntityRetention)
	}
	if trimmed := e.store.EnforceCapacity(e.cfg.MaxEntities); trimmed > 0 {
		log.Printf("Capacity cap %d hit, removed %d oldest entities", e.cfg.MaxEntities, trimmed)
	}

	tracks := e.buildView()

	e.mu.Lock()
	e.cached = tracks
	e.cycles++
	subs := make([]Subscriber, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	e.notifyMu.Lock()
	for _, sub := range subs {
		sub(tracks)
	}
	e.notifyMu.Unlock()
}

// buildView filters and ranks the current store contents.
func (e *Engine) buildView() []Track {
	observer, hasObserver := e.observerPosition()
	f := e.cfg.Filters

	all := e.store.Snapshot()
	tracks := make([]Track, 0, len(all))
	for i := range all {
		ent := all[i]
		if ent.Position == nil {
			continue
		}
		alt := ent.Position.AltitudeFt
		if f.AltitudeMinFt != 0 && alt < f.AltitudeMinFt {
			continue
		}
		if f.AltitudeMaxFt != 0 && alt > f.AltitudeMaxFt {
			continue
		}

		dist := -1.0
		bearing := -1.0
		if hasObserver {
			pos := coordinates.Geographic{
				Latitude:  ent.Position.Latitude,
				Longitude: ent.Position.Longitude,
			}
			dist = coordinates.DistanceKm(observer, pos)
			if f.MaxDistanceKm > 0 && dist > f.MaxDistanceKm {
				continue
			}
			bearing = coordinates.Bearing(observer, pos)
		}
		if f.AirborneOnly && ent.Metadata["on_ground"] == "true" {
			continue
		}

		tracks = append(tracks, Track{TrackedEntity: ent, DistanceKm: dist, BearingDeg: bearing})
	}

	sort.Slice(tracks, func(i, j int) bool {
		a, b := tracks[i], tracks[j]
		if a.DistanceKm >= 0 && b.DistanceKm >= 0 && a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return a.ID < b.ID
	})

	if f.DisplayCap > 0 && len(tracks) > f.DisplayCap {
		tracks = tracks[:f.DisplayCap]
	}
	return tracks
}

func (e *Engine) observerPosition() (coordinates.Geographic, bool) {
	if e.observer == nil {
		return coordinates.Geographic{}, false
	}
	return e.observer.ObserverPosition()
}

// Tracks returns the view published by the most recent cycle.
func (e *Engine) Tracks() []Track {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Track, len(e.cached))
	copy(out, e.cached)
	return out
}

// Get returns a copy of one entity regardless of display filters.
func (e *Engine) Get(id string) (telemetry.TrackedEntity, bool) {
	return e.store.Get(id)
}

// Stats exposes store counters plus the cycle count.
type Stats struct {
	telemetry.StoreStats

	// Cycles is the number of fusion cycles run
	Cycles uint64

	// Displayed is the size of the most recently published view
	Displayed int
}

// Stats returns engine activity counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	cycles := e.cycles
	displayed := len(e.cached)
	e.mu.Unlock()

	return Stats{
		StoreStats: e.store.Stats(),
		Cycles:     cycles,
		Displayed:  displayed,
	}
}
