// Package cot publishes tracked entities to a TAK server as Cursor on
// Target events over TCP, UDP, or TLS.
package cot

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/mwhitley/skybridge/pkg/coordinates"
	"github.com/mwhitley/skybridge/pkg/telemetry"
)

// TimeFormat is the timestamp layout CoT consumers expect.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// DefaultEventType marks tracks as unknown airborne rotary/multirotor.
const DefaultEventType = "a-u-A-M-H-Q"

// unknownAccuracy is the CoT convention for "no error estimate".
const unknownAccuracy = 9999999.0

// Point is the position element of a CoT event. Altitude is height above
// ellipsoid in meters.
type Point struct {
	XMLName xml.Name `xml:"point"`
	Lat     float64  `xml:"lat,attr"`
	Lon     float64  `xml:"lon,attr"`
	HAE     float64  `xml:"hae,attr"`
	CE      float64  `xml:"ce,attr"`
	LE      float64  `xml:"le,attr"`
}

// Contact carries the display name shown in TAK clients.
type Contact struct {
	XMLName  xml.Name `xml:"contact"`
	Callsign string   `xml:"callsign,attr"`
}

// Track carries course and speed. Speed is meters per second.
type Track struct {
	XMLName xml.Name `xml:"track"`
	Course  float64  `xml:"course,attr"`
	Speed   float64  `xml:"speed,attr"`
}

// Remarks is free-form text attached to the event.
type Remarks struct {
	XMLName xml.Name `xml:"remarks"`
	Text    string   `xml:",chardata"`
}

// Detail wraps the optional sub-elements of an event.
type Detail struct {
	XMLName xml.Name `xml:"detail"`
	Contact *Contact `xml:"contact,omitempty"`
	Track   *Track   `xml:"track,omitempty"`
	Remarks *Remarks `xml:"remarks,omitempty"`
}

// Event is a CoT event document.
type Event struct {
	XMLName xml.Name `xml:"event"`
	Version string   `xml:"version,attr"`
	UID     string   `xml:"uid,attr"`
	Type    string   `xml:"type,attr"`
	How     string   `xml:"how,attr"`
	Time    string   `xml:"time,attr"`
	Start   string   `xml:"start,attr"`
	Stale   string   `xml:"stale,attr"`
	Point   Point    `xml:"point"`
	Detail  *Detail  `xml:"detail,omitempty"`
}

// FromEntity builds a CoT event for a tracked entity. staleAfter controls
// how long consumers keep the event before discarding it.
func FromEntity(e *telemetry.TrackedEntity, eventType string, staleAfter time.Duration, now time.Time) (*Event, error) {
	if e.Position == nil {
		return nil, fmt.Errorf("entity %s has no position", e.ID)
	}
	if eventType == "" {
		eventType = DefaultEventType
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}

	ev := &Event{
		Version: "2.0",
		UID:     e.ID,
		Type:    eventType,
		How:     "m-g",
		Time:    now.UTC().Format(TimeFormat),
		Start:   now.UTC().Format(TimeFormat),
		Stale:   now.UTC().Add(staleAfter).Format(TimeFormat),
		Point: Point{
			Lat: e.Position.Latitude,
			Lon: e.Position.Longitude,
			HAE: e.Position.AltitudeFt * coordinates.FeetToMeters,
			CE:  unknownAccuracy,
			LE:  unknownAccuracy,
		},
	}

	// Callsign falls back to the identifier when none is known.
	detail := &Detail{Contact: &Contact{Callsign: e.Callsign()}}
	if e.Kinematics != nil {
		detail.Track = &Track{
			Course: e.Kinematics.TrackDeg,
			Speed:  e.Kinematics.GroundSpeedKt / coordinates.MetersPerSecondToKnots,
		}
	}
	if remarks := remarksText(e); remarks != "" {
		detail.Remarks = &Remarks{Text: remarks}
	}
	ev.Detail = detail

	return ev, nil
}

// remarksText assembles the free-form remarks from informational metadata:
// source tag, signal strength, and manufacturer when known.
func remarksText(e *telemetry.TrackedEntity) string {
	var parts []string
	if src := e.Metadata["source"]; src != "" {
		parts = append(parts, "source: "+src)
	}
	if rssi := e.Metadata["rssi"]; rssi != "" {
		parts = append(parts, "rssi: "+rssi)
	}
	if mfr := e.Metadata["manufacturer"]; mfr != "" {
		parts = append(parts, "mfr: "+mfr)
	}
	return strings.Join(parts, " ")
}

// Marshal renders the event with the XML declaration and a trailing
// newline, ready to write to a TAK stream.
func (ev *Event) Marshal() ([]byte, error) {
	body, err := xml.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %s: %w", ev.UID, err)
	}
	out := make([]byte, 0, len(xml.Header)+len(body)+1)
	out = append(out, xml.Header...)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}
