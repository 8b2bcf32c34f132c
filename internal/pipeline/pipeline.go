package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ligustah/lidarfetch/internal/downloader"
	"github.com/ligustah/lidarfetch/internal/geometry"
	"github.com/ligustah/lidarfetch/internal/job"
	"github.com/ligustah/lidarfetch/internal/manifest"
	"github.com/ligustah/lidarfetch/internal/mosaic"
	"github.com/ligustah/lidarfetch/internal/progress"
	"github.com/ligustah/lidarfetch/internal/telemetry"
)

// Stage names, in order.
const (
	StageSearch   = "search"
	StageDownload = "download"
	StageUnzip    = "unzip"
	StageMerge    = "merge"
)

// Submitter submits an AOI query.
type Submitter interface {
	Submit(ctx context.Context, aoi geometry.AOI) (string, error)
}

// Waiter waits for a job to finish.
type Waiter interface {
	WaitUntilDone(ctx context.Context, jobID string) (job.Outcome, error)
}

// Resolver lists the tiles of a finished job.
type Resolver interface {
	Resolve(ctx context.Context, jobID string) ([]manifest.TileRecord, error)
}

// Retriever downloads and unpacks tiles.
type Retriever interface {
	Fetch(ctx context.Context, records []manifest.TileRecord, workDir string) (*downloader.FetchResult, error)
	Extract(ctx context.Context, files []downloader.RetrievedFile, workDir string) (*downloader.ExtractResult, error)
}

// Assembler builds and clips the mosaic.
type Assembler interface {
	BuildMosaic(ctx context.Context, rasters []string, output string) (*mosaic.Mosaic, error)
	ClipMosaic(ctx context.Context, m *mosaic.Mosaic, aoi geometry.AOI, output string) (*mosaic.ClippedMosaic, error)
}

// Request is the input of one run.
type Request struct {
	// AOIPath is a GeoJSON file in EPSG:27700.
	AOIPath string
	WorkDir string
	// Output is the mosaic path.
	Output     string
	Clip       bool
	ClipOutput string
}

// Validate checks the request.
func (r Request) Validate() error {
	if r.AOIPath == "" {
		return errors.New("aoi path is required")
	}
	if r.WorkDir == "" {
		return errors.New("work dir is required")
	}
	if r.Output == "" {
		return errors.New("output path is required")
	}
	if r.Clip && r.ClipOutput == "" {
		return errors.New("clip output path is required when clipping")
	}
	return nil
}

// Result is the outcome of a run. Aborted is set when the run was cancelled;
// the other fields then hold whatever was done before.
type Result struct {
	RunID     string
	JobID     string
	Aborted   bool
	Reduction geometry.Reduction

	Tiles            []manifest.TileRecord
	Files            []downloader.RetrievedFile
	DownloadFailures []*downloader.DownloadError
	Extracted        []downloader.ExtractedTileSet
	ExtractFailures  []error

	Mosaic  *mosaic.Mosaic
	Clipped *mosaic.ClippedMosaic

	Started  time.Time
	Finished time.Time
}

// Pipeline runs the search, download, unzip and merge stages in sequence.
type Pipeline struct {
	Jobs      Submitter
	Poller    Waiter
	Resolver  Resolver
	Criteria  manifest.Criteria
	Retriever Retriever
	Assembler Assembler
	Policy    geometry.Policy

	Feedback progress.Feedback
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

func (p *Pipeline) feedback() progress.Feedback {
	if p.Feedback == nil {
		return progress.Discard
	}
	return p.Feedback
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Run executes one pipeline run.
//
// Fatal errors (invalid geometry, job submission or status failures, a job
// that fails or times out, an unreadable manifest, raster errors) abort the
// run. Failed downloads and extractions are reported and skipped. When ctx is
// cancelled the run stops at the next check and returns a Result with Aborted
// set and a nil error. A run summary is written to the work dir on success and
// on cancellation.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res := &Result{RunID: uuid.NewString(), Started: time.Now()}
	logger := p.logger().With("run", res.RunID)
	fb := p.feedback()

	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "lidarfetch.run",
		trace.WithAttributes(attribute.String("run.id", res.RunID)))
	defer span.End()

	err := p.run(ctx, req, res, logger)
	res.Finished = time.Now()

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.Metrics.ObserveRun("failed")
		logger.Error("run failed", "error", err)
		return res, err
	case res.Aborted:
		span.SetAttributes(attribute.Bool("run.aborted", true))
		p.Metrics.ObserveRun("aborted")
		fb.Info("Cancelled")
		logger.Info("run aborted")
	default:
		p.Metrics.ObserveRun("succeeded")
		fb.SetStage("Done", 100)
		logger.Info("run finished",
			"job", res.JobID,
			"tiles", len(res.Tiles),
			"downloaded", len(res.Files),
			"failed", len(res.DownloadFailures)+len(res.ExtractFailures),
			"duration", res.Finished.Sub(res.Started),
		)
	}

	if err := WriteSummary(req.WorkDir, res); err != nil {
		logger.Warn("write run summary", "error", err)
	}
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, req Request, res *Result, logger *slog.Logger) error {
	fb := p.feedback()

	aoi, aborted, err := p.search(ctx, req, res, logger)
	if err != nil || aborted {
		res.Aborted = aborted
		return err
	}

	// Download
	end := p.stage(ctx, StageDownload, "Downloading lidar tiles... (Step 2/4)", 25)
	fetched, err := p.Retriever.Fetch(ctx, res.Tiles, req.WorkDir)
	if fetched != nil {
		res.Files = fetched.Files
		res.DownloadFailures = fetched.Failed
	}
	end()
	if ctx.Err() != nil {
		res.Aborted = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("download tiles: %w", err)
	}

	// Unzip
	end = p.stage(ctx, StageUnzip, "Unzipping lidar tiles... (Step 3/4)", 50)
	extracted, err := p.Retriever.Extract(ctx, res.Files, req.WorkDir)
	if extracted != nil {
		res.Extracted = extracted.Sets
		res.ExtractFailures = extracted.Failed
	}
	end()
	if ctx.Err() != nil {
		res.Aborted = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("extract tiles: %w", err)
	}

	// Merge
	end = p.stage(ctx, StageMerge, "Merging lidar tiles... (Step 4/4)", 75)
	defer end()

	rasters, err := mosaic.Discover(req.WorkDir, req.Output, req.ClipOutput)
	if err != nil {
		return err
	}
	fb.Info(fmt.Sprintf("Found %d rasters in %s", len(rasters), req.WorkDir))

	m, err := p.Assembler.BuildMosaic(ctx, rasters, req.Output)
	if err != nil {
		if ctx.Err() != nil {
			res.Aborted = true
			return nil
		}
		return err
	}
	res.Mosaic = m

	if ctx.Err() != nil {
		res.Aborted = true
		return nil
	}

	if req.Clip {
		clipped, err := p.Assembler.ClipMosaic(ctx, m, aoi, req.ClipOutput)
		if err != nil {
			if ctx.Err() != nil {
				res.Aborted = true
				return nil
			}
			return err
		}
		res.Clipped = clipped
	}

	return nil
}

// search reduces the AOI, submits the job, waits for it and selects tiles.
func (p *Pipeline) search(ctx context.Context, req Request, res *Result, logger *slog.Logger) (geometry.AOI, bool, error) {
	fb := p.feedback()
	end := p.stage(ctx, StageSearch, "Searching for lidar tiles... (Step 1/4)", 0)
	defer end()

	geoms, err := geometry.Load(req.AOIPath)
	if err != nil {
		return geometry.AOI{}, false, err
	}
	aoi, red, err := geometry.Reduce(geoms, p.Policy)
	res.Reduction = red
	if err != nil {
		return geometry.AOI{}, false, err
	}
	if red.Dropped > 0 {
		fb.Info(fmt.Sprintf("AOI has %d polygon parts; using the first", red.Parts))
	}
	if red.Holes > 0 {
		fb.Info(fmt.Sprintf("Ignoring %d interior rings", red.Holes))
	}

	if ctx.Err() != nil {
		return aoi, true, nil
	}

	jobID, err := p.Jobs.Submit(ctx, aoi)
	if err != nil {
		if ctx.Err() != nil {
			return aoi, true, nil
		}
		return aoi, false, err
	}
	res.JobID = jobID
	fb.Info("DEFRA JobID: " + jobID)
	logger.Info("job submitted", "job", jobID)

	outcome, err := p.Poller.WaitUntilDone(ctx, jobID)
	switch outcome {
	case job.OutcomeSucceeded:
	case job.OutcomeCancelled:
		return aoi, true, nil
	case job.OutcomeTimedOut:
		return aoi, false, fmt.Errorf("%w: job %s", job.ErrTimedOut, jobID)
	default:
		if err != nil {
			return aoi, false, err
		}
		return aoi, false, fmt.Errorf("%w: job %s", job.ErrJobFailed, jobID)
	}

	if ctx.Err() != nil {
		return aoi, true, nil
	}

	records, err := p.Resolver.Resolve(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return aoi, true, nil
		}
		return aoi, false, err
	}
	res.Tiles = manifest.Filter(records, p.Criteria)
	fb.Info(fmt.Sprintf("Job %s lists %d tiles, %d selected", jobID, len(records), len(res.Tiles)))

	return aoi, ctx.Err() != nil, nil
}

// stage reports the stage and starts its span. The returned function ends
// both.
func (p *Pipeline) stage(ctx context.Context, name, text string, percent int) func() {
	p.feedback().SetStage(text, percent)
	_, span := otel.Tracer(telemetry.TracerName).Start(ctx, "lidarfetch."+name)
	start := time.Now()
	return func() {
		p.Metrics.ObserveStage(name, time.Since(start))
		span.End()
	}
}
