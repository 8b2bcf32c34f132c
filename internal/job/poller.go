package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ligustah/lidarfetch/internal/progress"
)

// Outcome is the result of waiting for a job.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeTimedOut
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed out"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// StatusQuerier reads the status of a job.
type StatusQuerier interface {
	Report(ctx context.Context, jobID string) (Report, error)
}

// Poller waits for a submitted job to finish.
type Poller struct {
	Client   StatusQuerier
	Interval time.Duration
	Timeout  time.Duration

	// Feedback receives a message for every non-terminal status, naming it
	// as the service does.
	Feedback progress.Feedback
	Logger   *slog.Logger
	// OnStatus, if set, is called with every status observed.
	OnStatus func(Status)
}

// WaitUntilDone polls the job until it reaches a terminal status, the
// timeout elapses or ctx is cancelled.
//
// Cancellation is checked before every status query and interrupts the sleep
// between queries; a query already in flight is allowed to finish but no
// further query is made. A remote failed or cancelled status yields
// OutcomeFailed. A status query error ends the wait with OutcomeFailed and the
// error. WaitUntilDone returns within Timeout plus one Interval and one query.
func (p *Poller) WaitUntilDone(ctx context.Context, jobID string) (Outcome, error) {
	fb := p.Feedback
	if fb == nil {
		fb = progress.Discard
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	for polls := 1; ; polls++ {
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}

		rep, err := p.Client.Report(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return OutcomeCancelled, nil
			}
			return OutcomeFailed, err
		}
		st := rep.Status
		if p.OnStatus != nil {
			p.OnStatus(st)
		}
		logger.Debug("job status", "job", jobID, "status", st, "raw", rep.Raw, "poll", polls)

		switch st {
		case StatusSucceeded:
			return OutcomeSucceeded, nil
		case StatusFailed, StatusCancelled:
			fb.Error(fmt.Errorf("%w: job %s is %s", ErrJobFailed, jobID, rep))
			return OutcomeFailed, nil
		}

		fb.Info(fmt.Sprintf("Job %s status: %s", jobID, rep))

		elapsed := time.Since(start)
		if elapsed >= p.Timeout {
			logger.Warn("job wait timed out", "job", jobID, "elapsed", elapsed, "polls", polls)
			return OutcomeTimedOut, nil
		}

		if !sleep(ctx, min(p.Interval, p.Timeout-elapsed)) {
			return OutcomeCancelled, nil
		}
	}
}

// sleep waits for d or until ctx is done. It returns false if ctx ended the
// wait.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
