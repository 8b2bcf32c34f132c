package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ligustah/lidarfetch/internal/config"
	"github.com/ligustah/lidarfetch/internal/downloader"
	"github.com/ligustah/lidarfetch/internal/geometry"
	lfhttp "github.com/ligustah/lidarfetch/internal/http"
	"github.com/ligustah/lidarfetch/internal/job"
	"github.com/ligustah/lidarfetch/internal/manifest"
	"github.com/ligustah/lidarfetch/internal/mosaic"
	"github.com/ligustah/lidarfetch/internal/publish"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitGeneralError    = 1
	ExitInvalidArgs     = 2
	ExitInvalidGeometry = 3
	ExitServiceError    = 4
	ExitJobNotCompleted = 5
	ExitRasterError     = 6
	ExitPublishError    = 7
	ExitCancelled       = 8
)

// stderr is where human-readable output goes.
var stderr io.Writer = os.Stderr

// stdout receives command results.
var stdout io.Writer = os.Stdout

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "run":
		return runRun(cmdArgs)
	case "status":
		return runStatus(cmdArgs)
	case "tiles":
		return runTiles(cmdArgs)
	case "mosaic":
		return runMosaic(cmdArgs)
	case "published":
		return runPublished(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(stderr, `Usage: lidarfetch <command> [options]

Commands:
  run        Search, download, unzip and merge LiDAR tiles for an AOI
  status     Show the status of a survey job
  tiles      List the tiles of a finished survey job
  mosaic     Merge rasters already in a work dir, optionally clipping to an AOI
  published  Show a run summary and outputs published to a bucket

Run 'lidarfetch <command> -h' for command-specific help.`)
}

// serviceFlags are the flags shared by commands talking to the service.
type serviceFlags struct {
	config     *string
	serviceURL *string
	resultsURL *string
	token      *string
	logLevel   *string
}

func addServiceFlags(fs *flag.FlagSet) serviceFlags {
	return serviceFlags{
		config:     fs.String("config", "", "YAML config file"),
		serviceURL: fs.String("service-url", "", "Geoprocessing task URL"),
		resultsURL: fs.String("results-url", "", "Results URL template containing {jobId}"),
		token:      fs.String("token", "", "Service token (default $LIDARFETCH_TOKEN)"),
		logLevel:   fs.String("log-level", "", "Log level: debug, info, warn, error"),
	}
}

// override returns the flag values as a config overlay.
func (f serviceFlags) override() config.Config {
	var o config.Config
	o.Service.URL = *f.serviceURL
	o.Service.ResultsURL = *f.resultsURL
	o.Service.Token = *f.token
	o.Log.Level = *f.logLevel
	return o
}

// loadConfig reads the config file, if any, applies the environment and then
// the flag overrides.
func loadConfig(path string, override config.Config) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}
	return cfg.Merge(override), nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(stderr, "\n[lidarfetch] Received interrupt, finishing current step...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.Is(err, geometry.ErrInvalidGeometry):
		return ExitInvalidGeometry
	case errors.Is(err, job.ErrTimedOut), errors.Is(err, job.ErrJobFailed):
		return ExitJobNotCompleted
	case errors.Is(err, job.ErrSubmission),
		errors.Is(err, job.ErrStatusQuery),
		errors.Is(err, manifest.ErrManifestFetch),
		errors.Is(err, manifest.ErrManifestParse),
		errors.Is(err, lfhttp.ErrNotFound),
		errors.Is(err, lfhttp.ErrForbidden),
		errors.Is(err, lfhttp.ErrUnauthorized),
		errors.Is(err, lfhttp.ErrServerError),
		errors.Is(err, lfhttp.ErrTooManyRequests),
		errors.As(err, new(*downloader.CircuitBreakerError)):
		return ExitServiceError
	case errors.Is(err, mosaic.ErrRaster):
		return ExitRasterError
	case errors.Is(err, publish.ErrNotPublished), errors.As(err, new(*publishError)):
		return ExitPublishError
	default:
		return ExitGeneralError
	}
}

// publishError marks failures of the publish step.
type publishError struct{ err error }

func (e *publishError) Error() string { return "publish: " + e.err.Error() }
func (e *publishError) Unwrap() error { return e.err }

func fail(err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitCode(err)
}
