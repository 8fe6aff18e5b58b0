// Command impedancectl loads network data, replays feed payloads and runs
// sweeps, aggregations and exports against the same stores the server uses.
package main

import (
	"context"
	"log"

	"github.com/alecthomas/kong"
	"github.com/dpup/prefab/logging"

	"github.com/dpup/impedance.ersn.net/server/internal/cache"
	"github.com/dpup/impedance.ersn.net/server/internal/config"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/aggregate"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/impedance"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/reconcile"
	"github.com/dpup/impedance.ersn.net/server/internal/services"
	"github.com/dpup/impedance.ersn.net/server/internal/store"
)

// Globals are flags shared by every command
type Globals struct {
	Config string            `help:"Configuration file." default:"impedance.yaml" type:"path"`
	Set    map[string]string `help:"Override a config key, e.g. --set ingest.retry_attempts=5." placeholder:"KEY=VALUE"`
}

// CLI is the command tree
type CLI struct {
	Globals

	ImportOSM   ImportOSMCmd   `cmd:"" name:"import-osm" help:"Load sidewalk and crossing segments from an OSM XML or PBF file."`
	ImportLinks ImportLinksCmd `cmd:"" name:"import-links" help:"Load segments from a links CSV."`
	ImportAux   ImportAuxCmd   `cmd:"" name:"import-aux" help:"Load auxiliary records (curbs, ramps, defects) from CSV."`
	Ingest      IngestCmd      `cmd:"" help:"Reconcile a saved alert or agency feed payload."`
	Sweep       SweepCmd       `cmd:"" help:"Retire events past the hold time."`
	Aggregate   AggregateCmd   `cmd:"" help:"Compute impedance and write exports."`
	Export      ExportCmd      `cmd:"" help:"Export current attachments as CSV, GeoJSON or KML."`
}

// env is the set of stores and services a command works with
type env struct {
	cfg     *config.Config
	state   store.StateStore
	network *store.NetworkRepository
	svc     *services.ImpedanceService
}

func (g *Globals) load() (*config.Config, error) {
	overrides := make(map[string]interface{}, len(g.Set))
	for k, v := range g.Set {
		overrides[k] = v
	}
	return config.Load(g.Config, overrides)
}

// open creates the stores; the state store and service are only opened when
// withState is set
func (g *Globals) open(withState bool) (*env, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg}
	if e.network, err = store.OpenNetworkRepository(cfg.Storage.NetworkPath); err != nil {
		return nil, err
	}
	if !withState {
		return e, nil
	}

	if cfg.Storage.StatePath == "" {
		log.Printf("storage.state_path is empty; state will not outlive this command")
	}
	if e.state, err = store.NewBadgerStore(cfg.Storage.StatePath); err != nil {
		e.close()
		return nil, err
	}

	engine, err := impedance.LoadEngine(cfg.Rules.AlertTable, cfg.Rules.AgencyTable)
	if err != nil {
		e.close()
		return nil, err
	}
	planner, err := reconcile.NewPlanner(cfg.Attachment, engine)
	if err != nil {
		e.close()
		return nil, err
	}
	factors, err := aggregate.LoadRuleTable(cfg.Rules.FactorTable)
	if err != nil {
		e.close()
		return nil, err
	}
	runs := cache.NewRunStore(cache.NewCache(), cfg.Aggregation.Interval)
	e.svc = services.NewImpedanceService(e.state, e.network, planner, factors, runs, cfg)
	return e, nil
}

func (e *env) close() {
	if e.state != nil {
		if err := e.state.Close(); err != nil {
			log.Printf("Failed to close state store: %v", err)
		}
	}
	if e.network != nil {
		if err := e.network.Close(); err != nil {
			log.Printf("Failed to close network database: %v", err)
		}
	}
}

// datasets returns the requested dataset, or every known one
func (e *env) datasets(ctx context.Context, requested string) ([]string, error) {
	if requested != "" {
		return []string{requested}, nil
	}
	return e.svc.Datasets(ctx)
}

// rootContext carries the logger the services log through
func rootContext() context.Context {
	return logging.EnsureLogger(context.Background())
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("impedancectl"),
		kong.Description("Operate the pedestrian impedance stores."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
