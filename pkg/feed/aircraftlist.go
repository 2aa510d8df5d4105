package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mwhitley/skybridge/pkg/coordinates"
	"github.com/mwhitley/skybridge/pkg/telemetry"
)

// AircraftListClient decodes the flat aircraft-list JSON schema served by
// dump1090/readsb-style receivers and their hosted equivalents:
//
//	{"now": 1700000000.0, "aircraft": [{"hex": "a12345", "lat": ..., ...}]}
type AircraftListClient struct {
	// name identifies this source in logs and snapshot tags
	name string

	// url is the full endpoint URL (e.g. http://receiver:8080/data/aircraft.json)
	url string

	// httpClient is the HTTP client used for polls
	httpClient *http.Client

	// filters narrow the decoded batch client-side; receivers serve
	// everything they hear, so the circle filter is applied after decode
	filters QueryFilters
}

// NewAircraftListClient creates a flat-schema source client.
func NewAircraftListClient(name, url string, timeout time.Duration, filters QueryFilters) (*AircraftListClient, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: empty endpoint URL", ErrConfigInvalid)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AircraftListClient{
		name:       name,
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		filters:    filters,
	}, nil
}

// Name identifies the source.
func (c *AircraftListClient) Name() string { return c.name }

// Fetch performs one poll and decodes the envelope.
func (c *AircraftListClient) Fetch(ctx context.Context) ([]telemetry.RawSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Source: c.name, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var envelope aircraftListResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &DecodeError{Source: c.name, Err: err}
	}

	now := time.Now().UTC()
	snapshots := make([]telemetry.RawSnapshot, 0, len(envelope.Aircraft))
	for _, ac := range envelope.Aircraft {
		if ac.Hex == "" {
			continue
		}
		snap := convertAircraftRecord(ac, c.name, now)
		if !withinFilters(snap, c.filters) {
			continue
		}
		snapshots = append(snapshots, snap)
		if c.filters.MaxResults > 0 && len(snapshots) >= c.filters.MaxResults {
			break
		}
	}

	return snapshots, nil
}

// aircraftListResponse is the JSON envelope of the flat schema.
type aircraftListResponse struct {
	// Now is the receiver's timestamp
	Now float64 `json:"now"`

	// Aircraft is the array of entity records
	Aircraft []aircraftRecord `json:"aircraft"`

	// Messages is the receiver's message count
	Messages int64 `json:"messages"`
}

// aircraftRecord is a single entity in the flat schema. Optional fields are
// pointers because receivers omit what they have not decoded yet.
type aircraftRecord struct {
	// Hex is the ICAO Mode S hex code (e.g. "a12345")
	Hex string `json:"hex"`

	// Flight is the callsign, space-padded by some receivers
	Flight *string `json:"flight"`

	// Lat/Lon in decimal degrees
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`

	// AltBaro is barometric altitude in feet, or the string "ground"
	AltBaro interface{} `json:"alt_baro"`

	// AltGeom is geometric (GPS) altitude in feet, or the string "ground"
	AltGeom interface{} `json:"alt_geom"`

	// Gs is ground speed in knots
	Gs *float64 `json:"gs"`

	// Track is ground track in degrees (0-360)
	Track *float64 `json:"track"`

	// BaroRate is barometric vertical rate in feet/minute
	BaroRate *float64 `json:"baro_rate"`

	// Squawk is the transponder code
	Squawk *string `json:"squawk"`

	// Category is the ADS-B emitter category (e.g. "A1")
	Category *string `json:"category"`

	// RSSI is signal strength in dBFS
	RSSI *float64 `json:"rssi"`

	// Seen is seconds since the entity was last heard
	Seen *float64 `json:"seen"`
}

// convertAircraftRecord converts a flat-schema record to a RawSnapshot.
func convertAircraftRecord(ac aircraftRecord, source string, now time.Time) telemetry.RawSnapshot {
	snap := telemetry.RawSnapshot{
		ID:       strings.ToUpper(ac.Hex),
		Source:   source,
		Metadata: make(map[string]string),
	}

	// Altitude - prefer geometric (GPS) over barometric.
	altGeom, groundGeom := parseAltitude(ac.AltGeom)
	altBaro, groundBaro := parseAltitude(ac.AltBaro)
	onGround := groundGeom || groundBaro

	altFt := altGeom
	if altFt == nil {
		altFt = altBaro
	}

	if ac.Lat != nil && ac.Lon != nil {
		pos := telemetry.Position{Latitude: *ac.Lat, Longitude: *ac.Lon}
		if altFt != nil {
			pos.AltitudeFt = *altFt
		}
		snap.Position = &pos
	}

	if ac.Gs != nil || ac.Track != nil || ac.BaroRate != nil {
		k := telemetry.Kinematics{}
		if ac.Gs != nil {
			k.GroundSpeedKt = *ac.Gs
		}
		if ac.Track != nil {
			// Receivers occasionally report 360.0 or negative headings.
			k.TrackDeg = coordinates.NormalizeAzimuth(*ac.Track)
		}
		if ac.BaroRate != nil {
			k.VerticalRateFpm = *ac.BaroRate
		}
		snap.Kinematics = &k
	}

	if ac.Flight != nil {
		if cs := strings.TrimSpace(*ac.Flight); cs != "" {
			snap.Metadata["callsign"] = cs
		}
	}
	if ac.Squawk != nil {
		snap.Metadata["squawk"] = *ac.Squawk
	}
	if ac.Category != nil {
		snap.Metadata["category"] = *ac.Category
	}
	if onGround {
		snap.Metadata["on_ground"] = "true"
	}
	snap.RSSI = ac.RSSI

	// Timestamp - back-date by "seen" seconds when present.
	if ac.Seen != nil {
		snap.ObservedAt = now.Add(-time.Duration(*ac.Seen * float64(time.Second)))
	} else {
		snap.ObservedAt = now
	}

	return snap
}

// parseAltitude safely extracts altitude from interface{} which can be
// float64 or the string "ground". The second return reports on-ground.
func parseAltitude(val interface{}) (*float64, bool) {
	switch v := val.(type) {
	case float64:
		return &v, false
	case string:
		if v == "ground" {
			zero := 0.0
			return &zero, true
		}
		return nil, false
	default:
		return nil, false
	}
}
