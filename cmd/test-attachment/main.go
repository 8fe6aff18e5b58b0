package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/attachment"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/grid"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/impedance"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/ranking"
	"github.com/dpup/impedance.ersn.net/server/internal/store"
)

func main() {
	networkPath := flag.String("network", "network.db", "Network database")
	lat := flag.Float64("lat", 0, "Event latitude")
	lng := flag.Float64("lng", 0, "Event longitude")
	agency := flag.Bool("agency", false, "Treat the event as an agency event")
	scheduled := flag.Bool("scheduled", false, "Agency event is scheduled")
	category := flag.String("category", "HAZARD", "Event type")
	subcategory := flag.String("subcategory", "HAZARD_ON_ROAD", "Event subtype")
	severity := flag.Float64("severity", 0, "Agency severity, for unscheduled agency events")
	limit := flag.Int("limit", 5, "Ranked segments to print per class")
	flag.Parse()

	if *lat == 0 && *lng == 0 {
		fmt.Println("Example usage:")
		fmt.Println("  test-attachment --network network.db --lat 33.887 --lng -84.25295 --category HAZARD --subcategory HAZARD_ON_ROAD")
		os.Exit(1)
	}

	point, err := geo.NewPoint(*lat, *lng)
	if err != nil {
		log.Fatalf("Invalid point: %v", err)
	}
	cell := grid.CellFor(point)

	repo, err := store.OpenNetworkRepository(*networkPath)
	if err != nil {
		log.Fatalf("Failed to open network: %v", err)
	}
	defer repo.Close()

	segments, err := repo.Segments(context.Background(), cell.ID, "")
	if err != nil {
		log.Fatalf("Failed to load segments: %v", err)
	}

	thresholds := attachment.DefaultThresholds()
	nearby := ranking.NewIndex(segments, ranking.DefaultIndexLevel).Nearby(point, thresholds.SearchRadius())
	through, crossing := ranking.Split(nearby)

	ranked, err := ranking.NewRanker().Rank(point, through, crossing)
	if err != nil {
		log.Fatalf("Ranking failed: %v", err)
	}

	event := network.Event{
		ID:          "test",
		Source:      network.SourceAlert,
		Category:    *category,
		Subcategory: *subcategory,
		Location:    point,
		DatasetID:   cell.ID,
	}
	if *agency {
		event.Source = network.SourceAgency
		event.Scheduled = *scheduled
		event.Severity = *severity
	}

	classifier, err := attachment.NewClassifier(thresholds)
	if err != nil {
		log.Fatalf("Invalid thresholds: %v", err)
	}
	decision := classifier.Classify(event, ranked)

	engine, err := impedance.DefaultEngine()
	if err != nil {
		log.Fatalf("Failed to load impedance tables: %v", err)
	}

	fmt.Printf("Event %s/%s at %s (dataset %s)\n", event.Category, event.Subcategory, point, cell.ID)
	fmt.Printf("  Segments in dataset: %d, within search radius: %d\n", len(segments), len(nearby))
	for _, class := range []network.SegmentClass{network.Through, network.Crossing} {
		fmt.Printf("  Nearest %s:\n", class)
		for i, r := range ranked.Of(class) {
			if i >= *limit {
				break
			}
			fmt.Printf("    %s %.1f ft\n", r.Segment.ID, r.Distance)
		}
	}

	fmt.Printf("Decision: rule=%s placement=%q discarded=%t\n", decision.Rule, decision.Placement, decision.Discarded)
	for _, target := range decision.Targets {
		c := engine.Lookup(event, target.Segment.Class)
		fmt.Printf("  -> %s (%s) %.1f ft: %s %v\n", target.Segment.ID, target.Segment.Class, target.Distance, c.Effect, c.Factor)
	}
}
