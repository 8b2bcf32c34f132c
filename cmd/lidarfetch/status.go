package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/ligustah/lidarfetch/internal/job"
	"github.com/ligustah/lidarfetch/internal/pipeline"
	"github.com/ligustah/lidarfetch/internal/progress"
)

// runStatus prints the status of a survey job, optionally waiting for it to
// finish.
func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	svc := addServiceFlags(fs)
	jobID := fs.String("job", "", "Job ID (required)")
	wait := fs.Bool("wait", false, "Poll until the job finishes")
	timeout := fs.Duration("timeout", 0, "Maximum wait with -wait (default from config)")
	interval := fs.Duration("interval", 0, "Poll interval with -wait (default from config)")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: lidarfetch status [options]

Query the status of a survey job. With -wait, poll until the job succeeds,
fails or the timeout elapses.

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
	override.Poll.Timeout = *timeout
	override.Poll.Interval = *interval
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
	deps := pipeline.Deps{
		Feedback: progress.NewReporter(progress.Options{Output: stderr}),
		Logger:   logger,
	}
	jobs, poller := pipeline.NewJobClient(cfg, pipeline.NewClients(cfg, logger), deps)

	if !*wait {
		status, err := jobs.Status(ctx, *jobID)
		if err != nil {
			return fail(err)
		}
		fmt.Fprintln(stdout, status)
		return ExitSuccess
	}

	start := time.Now()
	outcome, err := poller.WaitUntilDone(ctx, *jobID)
	fmt.Fprintf(stderr, "[lidarfetch] Job %s %s after %s\n", *jobID, outcome, time.Since(start).Round(time.Second))
	fmt.Fprintln(stdout, outcome)

	switch outcome {
	case job.OutcomeSucceeded:
		return ExitSuccess
	case job.OutcomeCancelled:
		return ExitCancelled
	case job.OutcomeTimedOut:
		return ExitJobNotCompleted
	default:
		if err != nil {
			return fail(err)
		}
		return ExitJobNotCompleted
	}
}
