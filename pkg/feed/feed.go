// Package feed polls upstream telemetry sources and decodes their
// source-specific envelopes into RawSnapshot batches.
package feed

import (
	"context"
	"time"

	"github.com/mwhitley/skybridge/pkg/coordinates"
	"github.com/mwhitley/skybridge/pkg/telemetry"
)

// Source is the interface all upstream telemetry providers implement.
// This abstraction allows switching between local receivers (a dump1090/
// readsb-style decoder on the LAN) and remote network aggregators.
type Source interface {
	// Fetch performs one poll and returns the decoded snapshot batch.
	// The context carries the per-request timeout and cancellation.
	Fetch(ctx context.Context) ([]telemetry.RawSnapshot, error)

	// Name identifies the source in logs, metrics and snapshot tags.
	Name() string
}

// Batch is one poll cycle's output from one source.
type Batch struct {
	// Source is the name of the poller's upstream
	Source string

	// Snapshots is the decoded record set, zero or more entries
	Snapshots []telemetry.RawSnapshot

	// FetchedAt is when the poll completed
	FetchedAt time.Time
}

// QueryFilters are bounding filters applied at the query level where the
// upstream API supports them. Display filtering is the fusion engine's job;
// these only narrow what the source is asked for.
type QueryFilters struct {
	// CenterLat/CenterLon/RadiusKm bound results to a circle when all are
	// set (RadiusKm > 0)
	CenterLat float64
	CenterLon float64
	RadiusKm  float64

	// MaxResults caps the decoded batch size; 0 = unlimited
	MaxResults int
}

// withinFilters applies the circle filter client-side for sources whose API
// cannot bound the query server-side. Records without a fix pass through;
// ingestion keeps everything the query allows.
func withinFilters(snap telemetry.RawSnapshot, f QueryFilters) bool {
	if f.RadiusKm <= 0 || snap.Position == nil {
		return true
	}
	d := coordinates.DistanceKm(
		coordinates.Geographic{Latitude: f.CenterLat, Longitude: f.CenterLon},
		coordinates.Geographic{Latitude: snap.Position.Latitude, Longitude: snap.Position.Longitude},
	)
	return d <= f.RadiusKm
}
