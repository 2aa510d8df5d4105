package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mwhitley/skybridge/pkg/coordinates"
	"github.com/mwhitley/skybridge/pkg/telemetry"
)

// Positional indexes of the columnar state vector.
const (
	colIcao24       = 0
	colCallsign     = 1
	colTimePosition = 3
	colLastContact  = 4
	colLongitude    = 5
	colLatitude     = 6
	colBaroAltitude = 7
	colOnGround     = 8
	colVelocity     = 9
	colTrueTrack    = 10
	colVerticalRate = 11
	colGeoAltitude  = 13
	colSquawk       = 14
)

// ColumnarClient decodes the columnar array-of-arrays JSON schema used by
// network aggregators:
//
//	{"time": 1700000000, "states": [["abc123", "UAL123 ", ...], ...]}
//
// Each state is a positional vector; fields use SI units (meters, m/s) and
// are converted to the pipeline's feet/knots on decode.
type ColumnarClient struct {
	// name identifies this source in logs and snapshot tags
	name string

	// url is the endpoint base URL
	url string

	// httpClient is the HTTP client used for polls
	httpClient *http.Client

	// filters bound the query; the circle filter is translated to a
	// bounding box on the request where possible
	filters QueryFilters

	// username/password authenticate with aggregators that meter
	// anonymous access
	username string
	password string
}

// NewColumnarClient creates a columnar-schema source client.
func NewColumnarClient(name, endpoint string, timeout time.Duration, filters QueryFilters, username, password string) (*ColumnarClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: empty endpoint URL", ErrConfigInvalid)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ColumnarClient{
		name:       name,
		url:        endpoint,
		httpClient: &http.Client{Timeout: timeout},
		filters:    filters,
		username:   username,
		password:   password,
	}, nil
}

// Name identifies the source.
func (c *ColumnarClient) Name() string { return c.name }

// Fetch performs one poll and decodes the envelope.
func (c *ColumnarClient) Fetch(ctx context.Context) ([]telemetry.RawSnapshot, error) {
	endpoint := c.url
	if box, ok := c.boundingBox(); ok {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + box
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
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

	var envelope columnarResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &DecodeError{Source: c.name, Err: err}
	}

	now := time.Now().UTC()
	snapshots := make([]telemetry.RawSnapshot, 0, len(envelope.States))
	for _, state := range envelope.States {
		snap, ok := convertStateVector(state, c.name, now)
		if !ok {
			continue
		}
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

// boundingBox translates the circle filter to lamin/lomin/lamax/lomax query
// parameters. A degree of latitude is ~111 km; longitude degrees shrink with
// latitude but the box only needs to contain the circle, so the latitude
// scale is used for both axes.
func (c *ColumnarClient) boundingBox() (string, bool) {
	if c.filters.RadiusKm <= 0 {
		return "", false
	}
	deg := c.filters.RadiusKm / 111.0
	q := url.Values{}
	q.Set("lamin", fmt.Sprintf("%.4f", c.filters.CenterLat-deg))
	q.Set("lamax", fmt.Sprintf("%.4f", c.filters.CenterLat+deg))
	q.Set("lomin", fmt.Sprintf("%.4f", c.filters.CenterLon-deg))
	q.Set("lomax", fmt.Sprintf("%.4f", c.filters.CenterLon+deg))
	return q.Encode(), true
}

// columnarResponse is the JSON envelope of the columnar schema.
type columnarResponse struct {
	// Time is the aggregator's timestamp (Unix seconds)
	Time int64 `json:"time"`

	// States is the array of positional state vectors
	States [][]interface{} `json:"states"`
}

// convertStateVector converts one positional state vector to a RawSnapshot.
// Returns ok=false when the vector has no usable identifier.
func convertStateVector(state []interface{}, source string, now time.Time) (telemetry.RawSnapshot, bool) {
	id := stringAt(state, colIcao24)
	if id == "" {
		return telemetry.RawSnapshot{}, false
	}

	snap := telemetry.RawSnapshot{
		ID:       strings.ToUpper(strings.TrimSpace(id)),
		Source:   source,
		Metadata: make(map[string]string),
	}

	lon := floatAt(state, colLongitude)
	lat := floatAt(state, colLatitude)
	if lat != nil && lon != nil {
		pos := telemetry.Position{Latitude: *lat, Longitude: *lon}
		// Prefer geometric altitude; both are meters in this schema.
		if alt := floatAt(state, colGeoAltitude); alt != nil {
			pos.AltitudeFt = *alt * coordinates.MetersToFeet
		} else if alt := floatAt(state, colBaroAltitude); alt != nil {
			pos.AltitudeFt = *alt * coordinates.MetersToFeet
		}
		snap.Position = &pos
	}

	velocity := floatAt(state, colVelocity)
	track := floatAt(state, colTrueTrack)
	vrate := floatAt(state, colVerticalRate)
	if velocity != nil || track != nil || vrate != nil {
		k := telemetry.Kinematics{}
		if velocity != nil {
			k.GroundSpeedKt = *velocity * coordinates.MetersPerSecondToKnots
		}
		if track != nil {
			k.TrackDeg = coordinates.NormalizeAzimuth(*track)
		}
		if vrate != nil {
			k.VerticalRateFpm = *vrate * coordinates.MetersPerSecondToFpm
		}
		snap.Kinematics = &k
	}

	if cs := strings.TrimSpace(stringAt(state, colCallsign)); cs != "" {
		snap.Metadata["callsign"] = cs
	}
	if sq := strings.TrimSpace(stringAt(state, colSquawk)); sq != "" {
		snap.Metadata["squawk"] = sq
	}
	if boolAt(state, colOnGround) {
		snap.Metadata["on_ground"] = "true"
	}

	// Last-contact beats time-of-position for freshness bookkeeping.
	if ts := floatAt(state, colLastContact); ts != nil {
		snap.ObservedAt = time.Unix(int64(*ts), 0).UTC()
	} else if ts := floatAt(state, colTimePosition); ts != nil {
		snap.ObservedAt = time.Unix(int64(*ts), 0).UTC()
	} else {
		snap.ObservedAt = now
	}

	return snap, true
}

// floatAt extracts a float column, nil when absent or null.
func floatAt(state []interface{}, idx int) *float64 {
	if idx >= len(state) {
		return nil
	}
	if v, ok := state[idx].(float64); ok {
		return &v
	}
	return nil
}

// stringAt extracts a string column, "" when absent or null.
func stringAt(state []interface{}, idx int) string {
	if idx >= len(state) {
		return ""
	}
	if v, ok := state[idx].(string); ok {
		return v
	}
	return ""
}

// boolAt extracts a bool column, false when absent or null.
func boolAt(state []interface{}, idx int) bool {
	if idx >= len(state) {
		return false
	}
	v, _ := state[idx].(bool)
	return v
}
