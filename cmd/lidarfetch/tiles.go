package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"text/tabwriter"

	"github.com/ligustah/lidarfetch/internal/manifest"
	"github.com/ligustah/lidarfetch/internal/pipeline"
)

// runTiles lists the tiles of a finished job.
func runTiles(args []string) int {
	fs := flag.NewFlagSet("tiles", flag.ContinueOnError)
	fs.SetOutput(stderr)

	svc := addServiceFlags(fs)
	jobID := fs.String("job", "", "Job ID (required)")
	all := fs.Bool("all", false, "List every tile instead of the configured selection")
	product := fs.String("product", "", "Product to select")
	resolution := fs.String("resolution", "", "Resolution to select")
	asJSON := fs.Bool("json", false, "Print JSON instead of a table")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: lidarfetch tiles [options]

Fetch the results manifest of a finished job and list its tiles.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ExitSuccess
		}
		return ExitInvalidArgs
	}

	if *jobID == "" {
		fmt.Fprintln(stderr, "Error: -job is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	override := svc.override()
	override.Filter.Product = *product
	override.Filter.Resolution = *resolution
	cfg, err := loadConfig(*svc.config, override)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if err := cfg.ValidateService(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger := cfg.Log.NewLogger(stderr)
	clients := pipeline.NewClients(cfg, logger)
	records, err := manifest.NewResolver(clients.Manifest, cfg.Service.ResultsURL).Resolve(ctx, *jobID)
	if err != nil {
		return fail(err)
	}

	total := len(records)
	if !*all {
		records = manifest.Filter(records, manifest.Criteria{
			Products:   cfg.Filter.Products,
			Product:    cfg.Filter.Product,
			Resolution: cfg.Filter.Resolution,
		})
	}
	fmt.Fprintf(stderr, "[lidarfetch] Job %s lists %d tiles, %d shown\n", *jobID, total, len(records))

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			return fail(err)
		}
		return ExitSuccess
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRODUCT\tRESOLUTION\tURL")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Product, r.Resolution, r.URL)
	}
	if err := tw.Flush(); err != nil {
		return fail(err)
	}
	return ExitSuccess
}
