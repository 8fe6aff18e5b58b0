package main

import (
	"context"
	"log"
	"time"

	"github.com/dpup/prefab"
	"github.com/dpup/prefab/logging"

	"github.com/dpup/impedance.ersn.net/server/internal/cache"
	"github.com/dpup/impedance.ersn.net/server/internal/clients/navigator"
	"github.com/dpup/impedance.ersn.net/server/internal/clients/waze"
	"github.com/dpup/impedance.ersn.net/server/internal/config"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/aggregate"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/impedance"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/reconcile"
	"github.com/dpup/impedance.ersn.net/server/internal/services"
	"github.com/dpup/impedance.ersn.net/server/internal/store"
)

func main() {
	// Load configuration using Prefab's config system
	appConfig := loadConfig()
	ctx, cancel := context.WithCancel(logging.EnsureLogger(context.Background()))
	defer cancel()

	// Initialize cache
	cacheInstance := cache.NewCache()
	cacheInstance.StartPeriodicCleanup(ctx, 10*time.Minute)

	state, err := store.NewBadgerStore(appConfig.Storage.StatePath)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	defer state.Close()

	network, err := store.OpenNetworkRepository(appConfig.Storage.NetworkPath)
	if err != nil {
		log.Fatalf("Failed to open network database: %v", err)
	}
	defer network.Close()

	engine, err := impedance.LoadEngine(appConfig.Rules.AlertTable, appConfig.Rules.AgencyTable)
	if err != nil {
		log.Fatalf("Failed to load impedance tables: %v", err)
	}
	planner, err := reconcile.NewPlanner(appConfig.Attachment, engine)
	if err != nil {
		log.Fatalf("Failed to create planner: %v", err)
	}
	factors, err := aggregate.LoadRuleTable(appConfig.Rules.FactorTable)
	if err != nil {
		log.Fatalf("Failed to load factor table: %v", err)
	}

	runs := cache.NewRunStore(cacheInstance, 2*appConfig.Aggregation.Interval)
	impedanceService := services.NewImpedanceService(state, network, planner, factors, runs, appConfig)

	pool := services.NewIngestPool(impedanceService, appConfig.Ingest.Workers, appConfig.Ingest.QueueSize)
	pool.Start(ctx)
	defer pool.Stop()

	// Feed clients are optional; a deployment may only ingest from the CLI
	var alerts services.AlertFetcher
	if feeds := appConfig.AlertFeeds(); len(feeds) > 0 {
		alerts = waze.NewClient(feeds)
	}
	var agency services.SnapshotFetcher
	if appConfig.Feeds.Navigator.Scheduled != "" {
		agency = navigator.NewClient(appConfig.Feeds.Navigator)
	}
	payloads := cache.NewPayloadTracker(cacheInstance, appConfig.Sweep.HoldTime)
	poller, err := services.NewFeedPoller(alerts, agency, appConfig.Feeds.NavigatorDatasets, pool, payloads)
	if err != nil {
		log.Fatalf("Invalid feed configuration: %v", err)
	}

	log.Printf("Impedance server starting")
	log.Printf("Alert feeds: %d, agency datasets: %d", len(appConfig.Feeds.Alerts), len(appConfig.Feeds.NavigatorDatasets))
	log.Printf("Factor table modes: %v", factors.Modes)

	periodicRefresh := services.NewPeriodicRefreshService(services.ServiceTasks(
		impedanceService, poller,
		appConfig.Feeds.RefreshInterval, appConfig.Sweep.Interval, appConfig.Aggregation.Interval,
	)...)
	if err := periodicRefresh.StartPeriodicRefresh(ctx); err != nil {
		log.Printf("Failed to start periodic refresh: %v", err)
	}
	defer periodicRefresh.Stop()

	handlers := services.NewHandlers(impedanceService, pool)
	routes := handlers.Routes()

	// Server configuration (port, etc.) will be loaded from prefab.yaml/env vars
	server := prefab.New(
		prefab.WithHTTPHandlerFunc("/", routes["/"]),
		prefab.WithHTTPHandlerFunc("/api/v1/status", routes["/api/v1/status"]),
		prefab.WithHTTPHandlerFunc("/api/v1/impedance.csv", routes["/api/v1/impedance.csv"]),
		prefab.WithHTTPHandlerFunc("/api/v1/attachments.csv", routes["/api/v1/attachments.csv"]),
		prefab.WithHTTPHandlerFunc("/api/v1/attachments.geojson", routes["/api/v1/attachments.geojson"]),
		prefab.WithHTTPHandlerFunc("/api/v1/attachments.kml", routes["/api/v1/attachments.kml"]),
	)

	// Start the server (blocks until shutdown)
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// loadConfig reads the impedance section of Prefab's config, loaded from
// prefab.yaml and environment variables with the PF__ prefix
func loadConfig() *config.Config {
	appConfig, err := config.FromKoanf(prefab.Config, "impedance")
	if err != nil {
		log.Fatalf("Failed to load impedance config: %v", err)
	}
	return appConfig
}
