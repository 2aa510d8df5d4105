// Feed probe
// One-shot diagnostic that fetches a feed once and prints what it decoded.
// Useful for validating a feed URL and schema before adding it to the
// daemon config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mwhitley/skybridge/pkg/coordinates"
	"github.com/mwhitley/skybridge/pkg/feed"
)

var (
	feedType  = flag.String("type", "aircraftlist", "Feed schema: aircraftlist or columnar")
	feedURL   = flag.String("url", "", "Feed endpoint URL (required)")
	timeout   = flag.Duration("timeout", 10*time.Second, "Request timeout")
	username  = flag.String("username", "", "Basic auth username (columnar only)")
	password  = flag.String("password", "", "Basic auth password (columnar only)")
	centerLat = flag.Float64("lat", 0, "Filter center latitude")
	centerLon = flag.Float64("lon", 0, "Filter center longitude")
	radiusKm  = flag.Float64("radius", 0, "Filter radius in km (0 = no filter)")
	limit     = flag.Int("limit", 20, "Max records to print")
)

func main() {
	flag.Parse()

	if *feedURL == "" {
		flag.Usage()
		os.Exit(2)
	}

	filters := feed.QueryFilters{
		CenterLat: *centerLat,
		CenterLon: *centerLon,
		RadiusKm:  *radiusKm,
	}

	var source feed.Source
	var err error
	switch *feedType {
	case "aircraftlist":
		source, err = feed.NewAircraftListClient("probe", *feedURL, *timeout, filters)
	case "columnar":
		source, err = feed.NewColumnarClient("probe", *feedURL, *timeout, filters, *username, *password)
	default:
		log.Fatalf("Unknown feed type %q", *feedType)
	}
	if err != nil {
		log.Fatalf("Bad feed config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	snapshots, err := source.Fetch(ctx)
	if err != nil {
		log.Fatalf("Fetch failed: %v (fatal: %v)", err, feed.IsFatal(err))
	}

	fmt.Printf("✓ Fetched %d records in %v\n\n", len(snapshots), time.Since(start).Round(time.Millisecond))

	shown := 0
	for _, s := range snapshots {
		if shown >= *limit {
			fmt.Printf("... and %d more\n", len(snapshots)-shown)
			break
		}
		shown++

		pos := "no position"
		if s.Position != nil {
			pos = fmt.Sprintf("%.4f,%.4f @ %.0f ft", s.Position.Latitude, s.Position.Longitude, s.Position.AltitudeFt)
			if *radiusKm > 0 {
				nm := coordinates.DistanceNauticalMiles(
					coordinates.Geographic{Latitude: *centerLat, Longitude: *centerLon},
					coordinates.Geographic{Latitude: s.Position.Latitude, Longitude: s.Position.Longitude},
				)
				pos += fmt.Sprintf(" (%.1f nm out)", nm)
			}
		}
		kin := ""
		if s.Kinematics != nil {
			kin = fmt.Sprintf("  trk %.0f° %.0f kt %.0f fpm", s.Kinematics.TrackDeg, s.Kinematics.GroundSpeedKt, s.Kinematics.VerticalRateFpm)
		}
		callsign := s.Metadata["callsign"]
		if callsign == "" {
			callsign = "-"
		}
		fmt.Printf("%-8s %-8s %s%s\n", s.ID, callsign, pos, kin)
	}
}
