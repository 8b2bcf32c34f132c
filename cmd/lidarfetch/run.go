package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ligustah/lidarfetch/internal/config"
	"github.com/ligustah/lidarfetch/internal/mosaic"
	"github.com/ligustah/lidarfetch/internal/pipeline"
	"github.com/ligustah/lidarfetch/internal/progress"
	"github.com/ligustah/lidarfetch/internal/publish"
	"github.com/ligustah/lidarfetch/internal/telemetry"
)

// engineOverride replaces the GDAL engine in tests.
var engineOverride mosaic.Engine

// runRun executes the full pipeline for an AOI.
func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)

	svc := addServiceFlags(fs)
	aoi := fs.String("aoi", "", "AOI GeoJSON file in EPSG:27700 (required)")
	workDir := fs.String("workdir", "", "Working directory for archives and rasters (required)")
	output := fs.String("output", "", "Mosaic VRT path (default <workdir>/mosaic.vrt)")
	clip := fs.Bool("clip", false, "Clip the mosaic to the AOI")
	clipOutput := fs.String("clip-output", "", "Clipped GeoTIFF path (default <workdir>/clipped.tif)")
	showProgress := fs.Bool("progress", false, "Show detailed progress output")
	policy := fs.String("policy", "", "Multi-part AOI policy: first or reject")
	product := fs.String("product", "", "Product to select")
	resolution := fs.String("resolution", "", "Resolution to select")
	pollTimeout := fs.Duration("poll-timeout", 0, "Maximum wait for the survey job")
	publishBucket := fs.String("publish", "", "Bucket URL to publish outputs to (s3://, gs://, file://)")
	publishPrefix := fs.String("publish-prefix", "", "Key prefix for published outputs")
	metricsFile := fs.String("metrics-textfile", "", "Write Prometheus metrics to this file")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: lidarfetch run [options]

Submit an AOI to the survey download service, wait for the job, download and
unzip the selected tiles, then merge them into a VRT mosaic.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ExitSuccess
		}
		return ExitInvalidArgs
	}

	override := svc.override()
	override.AOI = *aoi
	override.WorkDir = *workDir
	override.Output = *output
	override.Clip = *clip
	override.ClipOutput = *clipOutput
	override.Progress = *showProgress
	override.Geometry.Policy = *policy
	override.Filter.Product = *product
	override.Filter.Resolution = *resolution
	override.Poll.Timeout = *pollTimeout
	override.Publish.Bucket = *publishBucket
	override.Publish.Prefix = *publishPrefix
	override.Metrics.Textfile = *metricsFile

	cfg, err := loadConfig(*svc.config, override)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if cfg.WorkDir != "" {
		if cfg.Output == "" {
			cfg.Output = filepath.Join(cfg.WorkDir, "mosaic.vrt")
		}
		if cfg.Clip && cfg.ClipOutput == "" {
			cfg.ClipOutput = filepath.Join(cfg.WorkDir, "clipped.tif")
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	return execute(ctx, cfg)
}

func execute(ctx context.Context, cfg config.Config) int {
	logger := cfg.Log.NewLogger(stderr)

	shutdown, closeTrace, err := startTracing(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	defer closeTrace()
	defer telemetry.ShutdownWithTimeout(ctx, shutdown, logger)

	var metrics *telemetry.Metrics
	if cfg.Metrics.Textfile != "" {
		metrics, err = telemetry.NewMetrics(prometheus.NewRegistry())
		if err != nil {
			return fail(err)
		}
		defer func() {
			if err := metrics.WriteToTextfile(cfg.Metrics.Textfile); err != nil {
				logger.Warn("write metrics", "path", cfg.Metrics.Textfile, "error", err)
			}
		}()
	}

	reporter := progress.NewReporter(progress.Options{
		Output: stderr,
		Quiet:  !cfg.Progress,
	})
	if cfg.Progress {
		reporter.Start()
		defer reporter.Stop()
	}

	p, err := pipeline.FromConfig(cfg, pipeline.Deps{
		Feedback: reporter,
		Reporter: reporter,
		Metrics:  metrics,
		Logger:   logger,
		Engine:   engineOverride,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	req := pipeline.Request{
		AOIPath:    cfg.AOI,
		WorkDir:    cfg.WorkDir,
		Output:     cfg.Output,
		Clip:       cfg.Clip,
		ClipOutput: cfg.ClipOutput,
	}
	res, err := p.Run(ctx, req)
	if err != nil {
		return fail(err)
	}
	if res.Aborted {
		fmt.Fprintln(stderr, "[lidarfetch] Run cancelled; partial results are in", cfg.WorkDir)
		return ExitCancelled
	}

	printResult(res)

	if cfg.Publish.Bucket != "" {
		if err := publishRun(ctx, cfg, res, logger); err != nil {
			return fail(err)
		}
	}

	return ExitSuccess
}

func printResult(res *pipeline.Result) {
	failed := len(res.DownloadFailures) + len(res.ExtractFailures)
	fmt.Fprintf(stderr, "[lidarfetch] Job %s: %d tiles selected, %d downloaded, %d failed\n",
		res.JobID, len(res.Tiles), len(res.Files), failed)

	switch {
	case res.Mosaic == nil || res.Mosaic.Empty():
		fmt.Fprintln(stderr, "[lidarfetch] No rasters found; no mosaic written")
	default:
		fmt.Fprintf(stderr, "[lidarfetch] Mosaic: %s (%d rasters)\n", res.Mosaic.Path, len(res.Mosaic.Sources))
		fmt.Fprintln(stdout, res.Mosaic.Path)
	}
	if res.Clipped != nil && res.Clipped.Path != "" {
		fmt.Fprintf(stderr, "[lidarfetch] Clipped: %s\n", res.Clipped.Path)
		fmt.Fprintln(stdout, res.Clipped.Path)
	}
}

// publishRun uploads the mosaic, its sources, the clipped raster and the run
// summary.
func publishRun(ctx context.Context, cfg config.Config, res *pipeline.Result, logger *slog.Logger) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	prefix := cfg.Publish.Prefix
	if prefix == "" {
		prefix = res.RunID
	}
	pub, err := publish.Open(ctx, cfg.Publish.Bucket, publish.Options{
		Prefix:      prefix,
		Concurrency: cfg.Publish.Concurrency,
		Logger:      logger,
	})
	if err != nil {
		return &publishError{err}
	}
	defer pub.Close()

	var files []string
	if res.Mosaic != nil && !res.Mosaic.Empty() {
		files = append(files, res.Mosaic.Path)
		files = append(files, res.Mosaic.Sources...)
	}
	if res.Clipped != nil {
		files = append(files, res.Clipped.Path)
	}

	objects, err := pub.Publish(ctx, publish.Plan(cfg.WorkDir, files...))
	if err != nil {
		return &publishError{err}
	}

	summary := pipeline.Summarize(res)
	for _, o := range objects {
		summary.Published = append(summary.Published, o.Key)
	}
	if err := pub.PutJSON(ctx, pipeline.SummaryFile, summary); err != nil {
		return &publishError{err}
	}

	fmt.Fprintf(stderr, "[lidarfetch] Published %d objects to %s under %s\n", len(objects), cfg.Publish.Bucket, pub.Key(""))
	return nil
}

// startTracing installs the tracer provider. The second function closes the
// trace output file, if one was opened.
func startTracing(ctx context.Context, cfg config.Config, logger *slog.Logger) (func(context.Context) error, func(), error) {
	var w io.Writer = stderr
	closeFn := func() {}
	if cfg.Tracing.Enabled && cfg.Tracing.Output != "" {
		f, err := os.Create(cfg.Tracing.Output)
		if err != nil {
			return nil, nil, fmt.Errorf("create trace output: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
	}

	shutdown, err := telemetry.InitTracing(ctx, telemetry.TracingOptions{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
		Writer:      w,
	}, logger)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return shutdown, closeFn, nil
}
