package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"

	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/clients/navigator"
	"github.com/dpup/impedance.ersn.net/server/internal/clients/waze"
	"github.com/dpup/impedance.ersn.net/server/internal/export"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/grid"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/reconcile"
	"github.com/dpup/impedance.ersn.net/server/internal/osmload"
)

// ImportOSMCmd loads segments from OSM extracts
type ImportOSMCmd struct {
	File    string `arg:"" help:"OSM .osm/.xml or .pbf file." type:"existingfile"`
	Dataset string `help:"Keep only segments starting in this grid cell, stamped with its id."`
	Procs   int    `help:"PBF decoder goroutines." default:"0"`
}

func (c *ImportOSMCmd) Run(g *Globals) error {
	ctx := rootContext()
	e, err := g.open(false)
	if err != nil {
		return err
	}
	defer e.close()

	opts := osmload.Options{DatasetID: c.Dataset, Procs: c.Procs}
	if opts.Procs <= 0 {
		opts.Procs = runtime.GOMAXPROCS(0)
	}
	if c.Dataset != "" {
		cell, err := grid.Parse(c.Dataset)
		if err != nil {
			return err
		}
		opts.Cell = &cell
	}

	result, err := osmload.LoadFile(ctx, c.File, opts)
	if err != nil {
		return err
	}
	for _, s := range result.Skipped {
		log.Printf("Skipped way %s: %s", s.ID, s.Reason)
	}
	if err := e.network.UpsertSegments(ctx, result.Segments); err != nil {
		return err
	}
	log.Printf("Imported %d segments from %d tagged ways (%d skipped)", len(result.Segments), result.Ways, len(result.Skipped))
	return nil
}

// ImportLinksCmd loads segments from a links CSV
type ImportLinksCmd struct {
	File string `arg:"" help:"Links CSV." type:"existingfile"`
}

func (c *ImportLinksCmd) Run(g *Globals) error {
	ctx := rootContext()
	e, err := g.open(false)
	if err != nil {
		return err
	}
	defer e.close()

	f, err := os.Open(c.File)
	if err != nil {
		return err
	}
	defer f.Close()

	segments, skipped, err := osmload.ReadLinks(f)
	if err != nil {
		return err
	}
	for _, s := range skipped {
		log.Printf("Skipped link %s: %s", s.ID, s.Reason)
	}
	if err := e.network.UpsertSegments(ctx, segments); err != nil {
		return err
	}
	log.Printf("Imported %d segments (%d skipped)", len(segments), len(skipped))
	return nil
}

// ImportAuxCmd loads auxiliary records
type ImportAuxCmd struct {
	File string `arg:"" help:"Auxiliary records CSV." type:"existingfile"`
}

func (c *ImportAuxCmd) Run(g *Globals) error {
	ctx := rootContext()
	e, err := g.open(false)
	if err != nil {
		return err
	}
	defer e.close()

	f, err := os.Open(c.File)
	if err != nil {
		return err
	}
	defer f.Close()

	records, skipped, err := osmload.ReadAuxRecords(f)
	if err != nil {
		return err
	}
	for _, s := range skipped {
		log.Printf("Skipped record %s: %s", s.ID, s.Reason)
	}
	if err := e.network.UpsertAuxRecords(ctx, records); err != nil {
		return err
	}
	log.Printf("Imported %d auxiliary records (%d skipped)", len(records), len(skipped))
	return nil
}

// IngestCmd replays a saved feed payload
type IngestCmd struct {
	Alerts AlertsIngestCmd `cmd:"" help:"Reconcile an alert feed document for one dataset."`
	Agency AgencyIngestCmd `cmd:"" help:"Reconcile agency payloads for one or more datasets."`
}

// AlertsIngestCmd ingests one alert feed JSON document
type AlertsIngestCmd struct {
	File    string `arg:"" help:"Alert feed JSON." type:"existingfile"`
	Dataset string `required:"" help:"Dataset (grid cell) the feed covers."`
}

func (c *AlertsIngestCmd) Run(g *Globals) error {
	ctx := rootContext()
	if _, err := grid.Parse(c.Dataset); err != nil {
		return err
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	feed, err := waze.ParseFeed(data)
	if err != nil {
		return err
	}

	e, err := g.open(true)
	if err != nil {
		return err
	}
	defer e.close()

	events, skipped := feed.Events(c.Dataset)
	for _, s := range skipped {
		log.Printf("Skipped alert %s", s)
	}
	observations := make([]reconcile.Observation, 0, len(events))
	for _, ev := range events {
		observations = append(observations, reconcile.Observation{Event: ev})
	}
	return ingest(ctx, e, c.Dataset, observations)
}

// AgencyIngestCmd ingests saved agency payloads
type AgencyIngestCmd struct {
	Scheduled   string   `required:"" help:"Scheduled events payload." type:"existingfile"`
	Unscheduled string   `required:"" help:"Unscheduled events payload." type:"existingfile"`
	Comments    string   `help:"Comments payload." type:"existingfile"`
	Properties  string   `help:"Properties payload." type:"existingfile"`
	Dataset     []string `help:"Datasets to partition into; defaults to feeds.navigator_datasets."`
}

func (c *AgencyIngestCmd) Run(g *Globals) error {
	ctx := rootContext()
	payloads := make([]string, 4)
	for i, path := range []string{c.Scheduled, c.Unscheduled, c.Comments, c.Properties} {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		payloads[i] = string(data)
	}
	snapshot, err := navigator.ParseSnapshot(payloads[0], payloads[1], payloads[2], payloads[3])
	if err != nil {
		return err
	}

	e, err := g.open(true)
	if err != nil {
		return err
	}
	defer e.close()

	datasets := c.Dataset
	if len(datasets) == 0 {
		datasets = e.cfg.Feeds.NavigatorDatasets
	}
	if len(datasets) == 0 {
		return errors.New("no datasets given and feeds.navigator_datasets is empty")
	}
	for _, s := range snapshot.Skipped {
		log.Printf("Skipped row %s: %s", s.ID, s.Reason)
	}
	for _, ds := range datasets {
		cell, err := grid.Parse(ds)
		if err != nil {
			return err
		}
		observations, skipped := navigator.Observations(snapshot, cell)
		log.Printf("Dataset %s: %d events, %d filtered", ds, len(observations), len(skipped))
		if err := ingest(ctx, e, ds, observations); err != nil {
			return err
		}
	}
	return nil
}

func ingest(ctx context.Context, e *env, datasetID string, observations []reconcile.Observation) error {
	report, err := e.svc.IngestBatch(ctx, datasetID, observations)
	if err != nil {
		return err
	}
	counts := make(map[reconcile.Action]int)
	for _, o := range report.Outcomes {
		counts[o.Action]++
		if o.Err != nil {
			log.Printf("Event %s: %v", o.EventID, o.Err)
		}
	}
	log.Printf("Dataset %s: %d events, %d mutations, %d failed, outcomes %v",
		datasetID, len(report.Outcomes), report.Mutations, report.Failed, counts)
	return nil
}

// SweepCmd retires expired events
type SweepCmd struct {
	Dataset string `help:"Dataset to sweep; all datasets when empty."`
}

func (c *SweepCmd) Run(g *Globals) error {
	ctx := rootContext()
	e, err := g.open(true)
	if err != nil {
		return err
	}
	defer e.close()

	datasets, err := e.datasets(ctx, c.Dataset)
	if err != nil {
		return err
	}
	for _, ds := range datasets {
		retired, err := e.svc.Sweep(ctx, ds)
		if err != nil {
			return errors.Wrapf(err, "sweep %s", ds)
		}
		log.Printf("Dataset %s: retired %d events", ds, retired)
	}
	return nil
}

// AggregateCmd computes impedance
type AggregateCmd struct {
	Dataset string `help:"Dataset to aggregate; all datasets when empty."`
	Output  string `help:"Output directory, overriding aggregation.output_dir." type:"path"`
}

func (c *AggregateCmd) Run(g *Globals) error {
	ctx := rootContext()
	e, err := g.open(true)
	if err != nil {
		return err
	}
	defer e.close()
	if c.Output != "" {
		e.cfg.Aggregation.OutputDir = c.Output
	}

	datasets, err := e.datasets(ctx, c.Dataset)
	if err != nil {
		return err
	}
	for _, ds := range datasets {
		report, err := e.svc.Aggregate(ctx, ds)
		if err != nil {
			return errors.Wrapf(err, "aggregate %s", ds)
		}
		if !report.Emitted {
			log.Printf("Dataset %s: unchanged since last run, nothing written", ds)
			continue
		}
		for _, p := range report.Paths {
			log.Printf("Dataset %s: wrote %s", ds, p)
		}
	}
	return nil
}

// ExportCmd writes the current attachment state
type ExportCmd struct {
	Dataset string `required:"" help:"Dataset to export."`
	Format  string `enum:"csv,geojson,kml" default:"geojson" help:"Output format (csv, geojson, kml)."`
	Out     string `short:"o" help:"Output file; stdout when empty." type:"path"`
}

func (c *ExportCmd) Run(g *Globals) error {
	ctx := rootContext()
	e, err := g.open(true)
	if err != nil {
		return err
	}
	defer e.close()

	view, err := e.svc.View(ctx, c.Dataset)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if c.Out != "" {
		f, err := os.Create(c.Out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	switch c.Format {
	case "csv":
		err = export.WriteAttachmentCSV(w, view)
	case "geojson":
		err = export.WriteGeoJSON(w, view)
	case "kml":
		err = export.WriteKML(w, view)
	default:
		err = fmt.Errorf("unknown format %q", c.Format)
	}
	if err != nil {
		return err
	}
	if c.Out != "" {
		log.Printf("Exported %d events and %d attachments to %s", len(view.Events), len(view.Attachments), c.Out)
	}
	return nil
}
