package progress

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Feedback is the observability channel threaded through every pipeline
// stage. Cancellation travels separately as a context.Context.
type Feedback interface {
	// SetStage announces a new pipeline stage and its overall percentage.
	SetStage(text string, percent int)
	// Info reports a free-text status message.
	Info(msg string)
	// Error reports an error that did not abort the run.
	Error(err error)
}

// Discard is a Feedback that drops everything.
var Discard Feedback = discard{}

type discard struct{}

func (discard) SetStage(string, int) {}
func (discard) Info(string)          {}
func (discard) Error(error)          {}

// Options configures the progress reporter.
type Options struct {
	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// Logger mirrors messages as structured records. Default: none.
	Logger *slog.Logger

	// UpdateInterval is how often to update the tile download line.
	// Default: 500ms
	UpdateInterval time.Duration

	// Quiet suppresses Info messages. Stages and errors are still written.
	Quiet bool
}

// Reporter writes human-readable progress to a terminal and tracks tile
// download counters.
type Reporter struct {
	opts Options

	mu      sync.Mutex
	stage   string
	percent int

	totalTiles     atomic.Int32
	completedTiles atomic.Int32
	failedTiles    atomic.Int32
	errors         atomic.Int32
	completedBytes atomic.Int64

	startTime time.Time
	lastBytes int64
	lastTick  time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{opts: opts}
}

// SetStage implements Feedback.
func (r *Reporter) SetStage(text string, percent int) {
	r.mu.Lock()
	r.stage = text
	r.percent = percent
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[lidarfetch] %s [%d%%]\n", text, percent)
	if r.opts.Logger != nil {
		r.opts.Logger.Info(text, slog.Int("percent", percent))
	}
}

// Info implements Feedback.
func (r *Reporter) Info(msg string) {
	if r.opts.Logger != nil {
		r.opts.Logger.Info(msg)
	}
	if r.opts.Quiet {
		return
	}
	fmt.Fprintf(r.opts.Output, "[lidarfetch] %s\n", msg)
}

// Error implements Feedback.
func (r *Reporter) Error(err error) {
	r.errors.Add(1)
	fmt.Fprintf(r.opts.Output, "[lidarfetch] Error: %v\n", err)
	if r.opts.Logger != nil {
		r.opts.Logger.Error("reported error", slog.String("error", err.Error()))
	}
}

// Stage returns the current stage text and percentage.
func (r *Reporter) Stage() (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage, r.percent
}

// Errors returns how many errors were reported.
func (r *Reporter) Errors() int {
	return int(r.errors.Load())
}

// TilesQueued sets the number of tiles selected for download.
func (r *Reporter) TilesQueued(n int) {
	r.totalTiles.Store(int32(n))
}

// TileCompleted records a successful tile download of size bytes.
func (r *Reporter) TileCompleted(size int64) {
	r.completedBytes.Add(size)
	r.completedTiles.Add(1)
}

// TileFailed records a failed tile download.
func (r *Reporter) TileFailed() {
	r.failedTiles.Add(1)
}

// Start begins periodically writing the tile download line.
func (r *Reporter) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.startTime = time.Now()
	r.lastTick = r.startTime
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.updateLoop()
}

// Stop stops the update loop and writes a final summary line.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

func (r *Reporter) printProgress() {
	now := time.Now()
	completed := r.completedBytes.Load()

	elapsed := now.Sub(r.lastTick).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(completed-r.lastBytes) / elapsed
	r.lastTick = now
	r.lastBytes = completed

	fmt.Fprintf(r.opts.Output, "\r[lidarfetch] Tiles: %d/%d | %d failed | %s | %s/s    ",
		r.completedTiles.Load(),
		r.totalTiles.Load(),
		r.failedTiles.Load(),
		formatBytes(completed),
		formatBytes(int64(speed)),
	)
}

func (r *Reporter) printFinalStatus() {
	completed := r.completedBytes.Load()
	duration := time.Since(r.startTime)

	fmt.Fprintf(r.opts.Output, "\r[lidarfetch] Tiles: %d/%d | %d failed | %s in %s    \n",
		r.completedTiles.Load(),
		r.totalTiles.Load(),
		r.failedTiles.Load(),
		formatBytes(completed),
		formatDuration(duration),
	)
}

// formatBytes formats bytes as a human-readable string using binary units.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	suffixes := []string{"KiB", "MiB", "GiB", "TiB"}
	value := float64(b) / unit
	i := 0
	for value >= unit && i < len(suffixes)-1 {
		value /= unit
		i++
	}
	return fmt.Sprintf("%.1f %s", value, suffixes[i])
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}

// ParseBytes parses a human-readable byte string such as "512MiB" or "2GB".
// Binary suffixes (KiB, MiB, GiB, TiB) are powers of 1024, SI suffixes
// (KB, MB, GB, TB) powers of 1000.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"TiB", 1 << 40},
		{"GiB", 1 << 30},
		{"MiB", 1 << 20},
		{"KiB", 1 << 10},
		{"TB", 1000 * 1000 * 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"MB", 1000 * 1000},
		{"KB", 1000},
		{"B", 1},
	}

	var multiplier int64 = 1
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.multiplier
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}

	return int64(value * float64(multiplier)), nil
}
