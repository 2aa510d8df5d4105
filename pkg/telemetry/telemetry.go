package telemetry

import "time"

// Position is a geographic fix in the WGS84 coordinate system.
type Position struct {
	// Latitude in decimal degrees (-90 to +90)
	Latitude float64 `json:"latitude"`

	// Longitude in decimal degrees (-180 to +180)
	Longitude float64 `json:"longitude"`

	// AltitudeFt in feet above mean sea level (MSL)
	// Note: Some sources report geometric altitude, others barometric
	AltitudeFt float64 `json:"altitude_ft"`
}

// Kinematics describes an entity's motion at the time of a fix.
type Kinematics struct {
	// TrackDeg is the ground track in degrees (0-359)
	// 0 = North, 90 = East, 180 = South, 270 = West
	TrackDeg float64 `json:"track_deg"`

	// GroundSpeedKt in knots
	GroundSpeedKt float64 `json:"ground_speed_kt"`

	// VerticalRateFpm in feet per minute (positive = climbing)
	VerticalRateFpm float64 `json:"vertical_rate_fpm"`
}

// RawSnapshot is one source's decoded record for one entity from a single
// poll cycle. Snapshots are produced fresh each poll and never persisted
// directly; they are always merged into a TrackedEntity.
//
// Optional fields use pointers so "unknown" is never confused with a real
// zero value.
type RawSnapshot struct {
	// ID is the stable entity key: ICAO 24-bit hex address or hardware MAC
	ID string

	// Source names the feed that produced this snapshot
	Source string

	// Position is nil until the source has a fix
	Position *Position

	// Kinematics is nil when the source reports no motion data
	Kinematics *Kinematics

	// Metadata carries free-form fields (callsign, squawk, category,
	// manufacturer). Keys are source-agnostic.
	Metadata map[string]string

	// RSSI is the received signal strength if the source reports one.
	// Semantics are source-specific (dBFS vs dBm); informational only,
	// never used for fusion or ranking decisions.
	RSSI *float64

	// ObservedAt is when the source last heard the entity
	ObservedAt time.Time
}

// TrackPoint is one recorded position in an entity's history.
type TrackPoint struct {
	Position  Position  `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackedEntity is one physical object (aircraft or drone) assembled from
// one or more sources. Fields are overwritten per-merge (last writer wins);
// History is append-only except for jitter collapsing and retention pruning.
type TrackedEntity struct {
	// ID is unique per entity for the lifetime of the process
	ID string `json:"id"`

	// Position is the most recent fix, nil until one is available
	Position *Position `json:"position,omitempty"`

	// Kinematics is the most recent motion report
	Kinematics *Kinematics `json:"kinematics,omitempty"`

	// Metadata is merged across sources, last writer wins per key
	Metadata map[string]string `json:"metadata,omitempty"`

	// LastSeen is the timestamp of the most recent snapshot merge
	LastSeen time.Time `json:"last_seen"`

	// History is oldest-first and non-decreasing in timestamp. Whenever
	// Position is non-nil the final point's position equals Position.
	History []TrackPoint `json:"history,omitempty"`
}

// Clone returns a deep copy safe to hand to readers while the store keeps
// mutating the original.
func (e *TrackedEntity) Clone() TrackedEntity {
	out := TrackedEntity{
		ID:       e.ID,
		LastSeen: e.LastSeen,
	}
	if e.Position != nil {
		p := *e.Position
		out.Position = &p
	}
	if e.Kinematics != nil {
		k := *e.Kinematics
		out.Kinematics = &k
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	if len(e.History) > 0 {
		out.History = make([]TrackPoint, len(e.History))
		copy(out.History, e.History)
	}
	return out
}

// Callsign returns the entity's callsign metadata, or the ID when none is
// known. Used for display and for the CoT contact block.
func (e *TrackedEntity) Callsign() string {
	if cs, ok := e.Metadata["callsign"]; ok && cs != "" {
		return cs
	}
	return e.ID
}
