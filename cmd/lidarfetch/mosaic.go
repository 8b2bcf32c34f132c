package main

import (
	"flag"
	"fmt"
	"path/filepath"

	"github.com/ligustah/lidarfetch/internal/config"
	"github.com/ligustah/lidarfetch/internal/geometry"
	"github.com/ligustah/lidarfetch/internal/mosaic"
	"github.com/ligustah/lidarfetch/internal/progress"
)

// runMosaic merges the rasters already present in a work dir.
func runMosaic(args []string) int {
	fs := flag.NewFlagSet("mosaic", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "YAML config file")
	workDir := fs.String("workdir", "", "Directory searched for GeoTIFF rasters (required)")
	output := fs.String("output", "", "Mosaic VRT path (default <workdir>/mosaic.vrt)")
	clip := fs.Bool("clip", false, "Clip the mosaic to the AOI")
	aoi := fs.String("aoi", "", "AOI GeoJSON file, required with -clip")
	clipOutput := fs.String("clip-output", "", "Clipped GeoTIFF path (default <workdir>/clipped.tif)")
	policy := fs.String("policy", "", "Multi-part AOI policy: first or reject")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: lidarfetch mosaic [options]

Merge every GeoTIFF under a work dir into a VRT mosaic and optionally clip it
to an AOI. Use this to rebuild outputs after a partial or cancelled run.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ExitSuccess
		}
		return ExitInvalidArgs
	}

	if *workDir == "" {
		fmt.Fprintln(stderr, "Error: -workdir is required")
		fs.Usage()
		return ExitInvalidArgs
	}
	if *clip && *aoi == "" {
		fmt.Fprintln(stderr, "Error: -aoi is required with -clip")
		fs.Usage()
		return ExitInvalidArgs
	}
	if *output == "" {
		*output = filepath.Join(*workDir, "mosaic.vrt")
	}
	if *clip && *clipOutput == "" {
		*clipOutput = filepath.Join(*workDir, "clipped.tif")
	}

	var override config.Config
	override.Geometry.Policy = *policy
	cfg, err := loadConfig(*configPath, override)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	pol, err := geometry.ParsePolicy(cfg.Geometry.Policy)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger := cfg.Log.NewLogger(stderr)
	engine := engineOverride
	if engine == nil {
		engine = mosaic.NewGDAL(cfg.Raster.BuildVRT, cfg.Raster.Warp, cfg.Raster.Info, logger)
	}
	asm := &mosaic.Assembler{
		Engine:   engine,
		Feedback: progress.NewReporter(progress.Options{Output: stderr}),
		Logger:   logger,
	}

	// Reduce the AOI before any raster work so a bad AOI fails fast.
	var area geometry.AOI
	if *clip {
		geoms, err := geometry.Load(*aoi)
		if err != nil {
			return fail(err)
		}
		if area, _, err = geometry.Reduce(geoms, pol); err != nil {
			return fail(err)
		}
	}

	rasters, err := mosaic.Discover(*workDir, *output, *clipOutput)
	if err != nil {
		return fail(err)
	}

	m, err := asm.BuildMosaic(ctx, rasters, *output)
	if err != nil {
		return fail(err)
	}
	if m.Empty() {
		fmt.Fprintln(stderr, "[lidarfetch] No rasters found; no mosaic written")
		return ExitSuccess
	}
	fmt.Fprintln(stdout, m.Path)

	if *clip {
		if ctx.Err() != nil {
			return ExitCancelled
		}
		clipped, err := asm.ClipMosaic(ctx, m, area, *clipOutput)
		if err != nil {
			return fail(err)
		}
		fmt.Fprintln(stdout, clipped.Path)
	}
	return ExitSuccess
}
