package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/ligustah/lidarfetch/internal/config"
	"github.com/ligustah/lidarfetch/internal/downloader"
	"github.com/ligustah/lidarfetch/internal/geometry"
	lfhttp "github.com/ligustah/lidarfetch/internal/http"
	"github.com/ligustah/lidarfetch/internal/job"
	"github.com/ligustah/lidarfetch/internal/manifest"
	"github.com/ligustah/lidarfetch/internal/mosaic"
	"github.com/ligustah/lidarfetch/internal/progress"
	"github.com/ligustah/lidarfetch/internal/telemetry"
)

// Deps are the collaborators FromConfig does not build itself.
type Deps struct {
	// Feedback receives stage, info and error messages. Default: discard.
	Feedback progress.Feedback
	// Reporter counts tile downloads. Optional.
	Reporter *progress.Reporter
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
	// Engine runs raster operations. Default: the GDAL command line tools
	// named in the config.
	Engine mosaic.Engine
}

// Clients are the per-endpoint HTTP clients built from a config.
type Clients struct {
	Submit   *lfhttp.Client
	Status   *lfhttp.Client
	Manifest *lfhttp.Client
	Download *lfhttp.Client
}

// NewClients builds the per-endpoint HTTP clients. The service endpoints
// share a pool carrying the service credentials. Tile downloads use a
// separate pool with the download timeout and no credentials.
func NewClients(cfg config.Config, logger *slog.Logger) Clients {
	opts := lfhttp.DefaultOptions()
	opts.Timeout = cfg.Service.RequestTimeout
	opts.Header = cfg.Service.Header()
	opts.Logger = logger
	service := lfhttp.NewClient(opts)

	opts.Header = cfg.Service.DownloadHeader()
	if cfg.Download.Timeout > 0 {
		opts.Timeout = cfg.Download.Timeout
	}
	tiles := lfhttp.NewClient(opts)

	with := func(base *lfhttp.Client, e config.Endpoint) *lfhttp.Client {
		r := cfg.Retry.For(e)
		return base.WithRetry(r.Attempts, r.Backoff, r.MaxBackoff)
	}
	return Clients{
		Submit:   with(service, config.EndpointSubmit),
		Status:   with(service, config.EndpointStatus),
		Manifest: with(service, config.EndpointManifest),
		Download: with(tiles, config.EndpointDownload),
	}
}

// NewJobClient returns the job client and a poller for cfg.
func NewJobClient(cfg config.Config, clients Clients, deps Deps) (*job.Client, *job.Poller) {
	jobs := job.NewClient(cfg.Service.URL, clients.Submit, clients.Status)
	poller := &job.Poller{
		Client:   jobs,
		Interval: cfg.Poll.Interval,
		Timeout:  cfg.Poll.Timeout,
		Feedback: deps.Feedback,
		Logger:   deps.Logger,
		OnStatus: func(s job.Status) { deps.Metrics.ObservePoll(string(s)) },
	}
	return jobs, poller
}

// FromConfig builds a Pipeline from a validated config.
func FromConfig(cfg config.Config, deps Deps) (*Pipeline, error) {
	if deps.Feedback == nil {
		deps.Feedback = progress.Discard
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	policy, err := geometry.ParsePolicy(cfg.Geometry.Policy)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	clients := NewClients(cfg, deps.Logger)
	jobs, poller := NewJobClient(cfg, clients, deps)

	engine := deps.Engine
	if engine == nil {
		engine = mosaic.NewGDAL(cfg.Raster.BuildVRT, cfg.Raster.Warp, cfg.Raster.Info, deps.Logger)
	}

	return &Pipeline{
		Jobs:     jobs,
		Poller:   poller,
		Resolver: manifest.NewResolver(clients.Manifest, cfg.Service.ResultsURL),
		Criteria: manifest.Criteria{
			Products:   cfg.Filter.Products,
			Product:    cfg.Filter.Product,
			Resolution: cfg.Filter.Resolution,
		},
		Retriever: downloader.New(clients.Download, downloader.Options{
			Feedback:               deps.Feedback,
			Progress:               deps.Reporter,
			Metrics:                deps.Metrics,
			Logger:                 deps.Logger,
			MaxArchiveSize:         cfg.Download.MaxArchiveSize,
			MaxConsecutiveFailures: cfg.Download.MaxConsecutiveFailures,
		}),
		Assembler: &mosaic.Assembler{
			Engine:   engine,
			Feedback: deps.Feedback,
			Logger:   deps.Logger,
		},
		Policy:   policy,
		Feedback: deps.Feedback,
		Metrics:  deps.Metrics,
		Logger:   deps.Logger,
	}, nil
}
