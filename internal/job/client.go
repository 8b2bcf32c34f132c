package job

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ligustah/lidarfetch/internal/geometry"
	lfhttp "github.com/ligustah/lidarfetch/internal/http"
)

// Errors returned by the job client and poller.
var (
	ErrSubmission  = errors.New("job: submission failed")
	ErrStatusQuery = errors.New("job: status query failed")
	ErrJobFailed   = errors.New("job: remote job did not succeed")
	ErrTimedOut    = errors.New("job: timed out waiting for job")
)

// Getter is the subset of the HTTP client the job client needs.
type Getter interface {
	GetJSON(ctx context.Context, url string, v any) error
}

// Client submits AOI queries to the survey geoprocessing service and reads
// job status. It keeps no state between calls.
type Client struct {
	baseURL string
	submit  Getter
	status  Getter
}

// NewClient creates a client for the geoprocessing task at baseURL. submit and
// status may carry different retry policies; status defaults to submit when
// nil.
func NewClient(baseURL string, submit, status Getter) *Client {
	if status == nil {
		status = submit
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		submit:  submit,
		status:  status,
	}
}

// serviceError is the error member ArcGIS returns with HTTP 200.
type serviceError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *serviceError) String() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%d %s (%s)", e.Code, e.Message, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// Submit sends the AOI to submitJob and returns the job ID.
func (c *Client) Submit(ctx context.Context, aoi geometry.AOI) (string, error) {
	env, err := aoi.Envelope()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	q := url.Values{
		"f":            {"json"},
		"SourceToken":  {""},
		"OutputFormat": {"0"},
		"RequestMode":  {"SURVEY"},
		"AOI":          {env},
	}

	var resp struct {
		JobID     string        `json:"jobId"`
		JobStatus string        `json:"jobStatus"`
		Error     *serviceError `json:"error"`
	}
	if err := c.submit.GetJSON(ctx, c.baseURL+"/submitJob?"+q.Encode(), &resp); err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("%w: service error %s", ErrSubmission, resp.Error)
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("%w: response has no jobId", ErrSubmission)
	}

	return resp.JobID, nil
}

// Status returns the current status of a job. Unrecognised status strings map
// to StatusUnknown without error.
func (c *Client) Status(ctx context.Context, jobID string) (Status, error) {
	r, err := c.Report(ctx, jobID)
	return r.Status, err
}

// Report queries the job status and keeps the service's jobStatus string
// alongside the normalised status.
func (c *Client) Report(ctx context.Context, jobID string) (Report, error) {
	var resp struct {
		JobStatus *string       `json:"jobStatus"`
		Error     *serviceError `json:"error"`
	}
	u := fmt.Sprintf("%s/jobs/%s?f=json", c.baseURL, url.PathEscape(jobID))
	if err := c.status.GetJSON(ctx, u, &resp); err != nil {
		if ctx.Err() != nil {
			return Report{Status: StatusUnknown}, err
		}
		return Report{Status: StatusUnknown}, fmt.Errorf("%w: %w", ErrStatusQuery, err)
	}
	if resp.Error != nil {
		return Report{Status: StatusUnknown}, fmt.Errorf("%w: service error %s", ErrStatusQuery, resp.Error)
	}
	if resp.JobStatus == nil {
		return Report{Status: StatusUnknown}, fmt.Errorf("%w: response has no jobStatus", ErrStatusQuery)
	}

	return Report{Status: ParseStatus(*resp.JobStatus), Raw: *resp.JobStatus}, nil
}

var _ Getter = (*lfhttp.Client)(nil)
