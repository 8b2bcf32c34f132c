package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for a lidarfetch run. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	JobPolls      *prometheus.CounterVec
	Tiles         *prometheus.CounterVec
	DownloadBytes prometheus.Counter
	Extractions   *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Runs          *prometheus.CounterVec
}

// NewMetrics registers the collectors against reg, defaulting to the global
// registry when nil. Registering twice against the same registry returns the
// existing collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	polls, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lidarfetch_job_polls_total",
		Help: "Job status queries, labeled by observed status.",
	}, []string{"status"}), "lidarfetch_job_polls_total")
	if err != nil {
		return nil, err
	}

	tiles, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lidarfetch_tiles_total",
		Help: "Tile archive downloads, labeled by outcome.",
	}, []string{"outcome"}), "lidarfetch_tiles_total")
	if err != nil {
		return nil, err
	}

	bytes, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lidarfetch_download_bytes_total",
		Help: "Bytes written to tile archives.",
	}), "lidarfetch_download_bytes_total")
	if err != nil {
		return nil, err
	}

	extractions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lidarfetch_extractions_total",
		Help: "Archive extractions, labeled by outcome.",
	}, []string{"outcome"}), "lidarfetch_extractions_total")
	if err != nil {
		return nil, err
	}

	stages, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lidarfetch_stage_duration_seconds",
		Help:    "Pipeline stage duration in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"stage"}), "lidarfetch_stage_duration_seconds")
	if err != nil {
		return nil, err
	}

	runs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lidarfetch_runs_total",
		Help: "Pipeline runs, labeled by result.",
	}, []string{"result"}), "lidarfetch_runs_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		gatherer:      gatherer,
		JobPolls:      polls,
		Tiles:         tiles,
		DownloadBytes: bytes,
		Extractions:   extractions,
		StageDuration: stages,
		Runs:          runs,
	}, nil
}

// ObservePoll counts one status query.
func (m *Metrics) ObservePoll(status string) {
	if m == nil {
		return
	}
	m.JobPolls.WithLabelValues(status).Inc()
}

// TileDownloaded counts a successful download of size bytes.
func (m *Metrics) TileDownloaded(size int64) {
	if m == nil {
		return
	}
	m.Tiles.WithLabelValues("downloaded").Inc()
	m.DownloadBytes.Add(float64(size))
}

// TileFailed counts a failed download.
func (m *Metrics) TileFailed() {
	if m == nil {
		return
	}
	m.Tiles.WithLabelValues("failed").Inc()
}

// ObserveExtraction counts an extraction with outcome "extracted",
// "duplicate" or "failed".
func (m *Metrics) ObserveExtraction(outcome string) {
	if m == nil {
		return
	}
	m.Extractions.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a pipeline stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRun counts a finished run with result "succeeded", "failed" or
// "aborted".
func (m *Metrics) ObserveRun(result string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(result).Inc()
}

// WriteToTextfile writes all gathered metrics in the node_exporter textfile
// format.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.gatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return c, nil
}
