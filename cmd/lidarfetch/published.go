package main

import (
	"errors"
	"flag"
	"fmt"
	"text/tabwriter"

	"github.com/ligustah/lidarfetch/internal/config"
	"github.com/ligustah/lidarfetch/internal/pipeline"
	"github.com/ligustah/lidarfetch/internal/progress"
	"github.com/ligustah/lidarfetch/internal/publish"
)

// runPublished shows a published run: its summary and stored objects.
func runPublished(args []string) int {
	fs := flag.NewFlagSet("published", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "YAML config file")
	bucket := fs.String("bucket", "", "Bucket URL (default publish.bucket from config)")
	prefix := fs.String("prefix", "", "Key prefix of the run (its run ID unless -publish-prefix was given)")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: lidarfetch published [options]

Read the run summary published under a prefix and list the stored objects.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ExitSuccess
		}
		return ExitInvalidArgs
	}

	var override config.Config
	override.Publish.Bucket = *bucket
	override.Publish.Prefix = *prefix
	cfg, err := loadConfig(*configPath, override)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if cfg.Publish.Bucket == "" {
		fmt.Fprintln(stderr, "Error: -bucket is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	pub, err := publish.Open(ctx, cfg.Publish.Bucket, publish.Options{
		Prefix: cfg.Publish.Prefix,
		Logger: cfg.Log.NewLogger(stderr),
	})
	if err != nil {
		return fail(&publishError{err})
	}
	defer pub.Close()

	var summary pipeline.Summary
	switch err := pub.GetJSON(ctx, pipeline.SummaryFile, &summary); {
	case errors.Is(err, publish.ErrNotPublished):
		fmt.Fprintf(stderr, "[lidarfetch] No run summary under %s\n", pub.Key(""))
	case err != nil:
		return fail(&publishError{err})
	default:
		fmt.Fprintf(stdout, "Run:      %s\n", summary.RunID)
		fmt.Fprintf(stdout, "Job:      %s\n", summary.JobID)
		fmt.Fprintf(stdout, "Finished: %s\n", summary.Finished.Format("2006-01-02 15:04:05Z07:00"))
		fmt.Fprintf(stdout, "Tiles:    %d selected, %d downloaded, %d failed\n",
			len(summary.Tiles), len(summary.Files), len(summary.Failures))
		if summary.Mosaic != "" {
			fmt.Fprintf(stdout, "Mosaic:   %s\n", summary.Mosaic)
		}
		if summary.Clipped != "" {
			fmt.Fprintf(stdout, "Clipped:  %s\n", summary.Clipped)
		}
		fmt.Fprintln(stdout)
	}

	objects, err := pub.List(ctx)
	if err != nil {
		return fail(&publishError{err})
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSIZE")
	for _, o := range objects {
		fmt.Fprintf(tw, "%s\t%s\n", o.Key, progress.FormatBytes(o.Size))
	}
	if err := tw.Flush(); err != nil {
		return fail(err)
	}
	if len(objects) == 0 {
		return fail(fmt.Errorf("%w: nothing under %s", publish.ErrNotPublished, pub.Key("")))
	}
	return ExitSuccess
}
