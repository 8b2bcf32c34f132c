package job

// Status is the normalised state of a remote job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusExecuting Status = "executing"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusUnknown   Status = "unknown"
)

var esriStatuses = map[string]Status{
	"esriJobNew":        StatusQueued,
	"esriJobSubmitted":  StatusQueued,
	"esriJobWaiting":    StatusQueued,
	"esriJobExecuting":  StatusExecuting,
	"esriJobSucceeded":  StatusSucceeded,
	"esriJobFailed":     StatusFailed,
	"esriJobTimedOut":   StatusFailed,
	"esriJobCancelling": StatusCancelled,
	"esriJobCancelled":  StatusCancelled,
}

// Report is the result of one status query.
type Report struct {
	Status Status
	// Raw is the jobStatus string the service sent, e.g. esriJobExecuting.
	Raw string
}

// String returns the service's own status name, falling back to the
// normalised status.
func (r Report) String() string {
	if r.Raw != "" {
		return r.Raw
	}
	return string(r.Status)
}

// ParseStatus maps an ESRI jobStatus string to a Status.
func ParseStatus(s string) Status {
	if st, ok := esriStatuses[s]; ok {
		return st
	}
	return StatusUnknown
}

// Terminal reports whether the remote service will not change the status
// again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
