package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ligustah/lidarfetch/internal/manifest"
	"github.com/ligustah/lidarfetch/internal/progress"
	"github.com/ligustah/lidarfetch/internal/telemetry"
)

// ErrArchiveTooLarge is returned when a download exceeds MaxArchiveSize.
var ErrArchiveTooLarge = errors.New("downloader: archive exceeds size limit")

// Getter fetches a URL.
type Getter interface {
	Get(ctx context.Context, url string) (io.ReadCloser, error)
}

// Options configures the downloader.
type Options struct {
	// Feedback receives one error report per failed item.
	Feedback progress.Feedback

	// Progress is an optional tile counter.
	Progress *progress.Reporter

	// Metrics is optional.
	Metrics *telemetry.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// MaxArchiveSize limits a single archive download in bytes.
	// Set to 0 for no limit.
	MaxArchiveSize int64

	// MaxConsecutiveFailures is the number of consecutive failed downloads
	// before the circuit breaker stops the batch.
	// Set to 0 to disable (default).
	MaxConsecutiveFailures int
}

// RetrievedFile is a downloaded tile archive.
type RetrievedFile struct {
	Path string
	Tile manifest.TileRecord
	Size int64
}

// DownloadError records a tile that could not be downloaded.
type DownloadError struct {
	Tile manifest.TileRecord
	Err  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.Tile.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// CircuitBreakerError is returned when too many consecutive downloads fail.
//
// Use errors.As to extract this error and inspect Failed for details.
type CircuitBreakerError struct {
	ConsecutiveFailures int              // Number of consecutive failures
	Failed              []*DownloadError // Failures that tripped the breaker
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker tripped: %d consecutive download failures", e.ConsecutiveFailures)
}

// FetchResult is the outcome of a download batch.
type FetchResult struct {
	Files  []RetrievedFile
	Failed []*DownloadError
}

// Downloader downloads tile archives and unpacks them.
type Downloader struct {
	client Getter
	opts   Options
	logger *slog.Logger
}

// New creates a Downloader.
func New(client Getter, opts Options) *Downloader {
	if opts.Feedback == nil {
		opts.Feedback = progress.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{client: client, opts: opts, logger: logger}
}

// ArchiveName returns the file name a tile URL is saved under: the last
// segment of its path.
func ArchiveName(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" || name == ".." {
		return "", fmt.Errorf("url %q has no file name", rawURL)
	}
	return name, nil
}

// Fetch downloads each record into workDir, one at a time and in order.
//
// A failed item is reported once to Feedback, recorded in FetchResult.Failed
// and skipped; the rest of the batch continues. Cancellation is checked before
// each item and returns the partial result with ctx.Err(). A tripped circuit
// breaker returns the partial result with a *CircuitBreakerError.
func (d *Downloader) Fetch(ctx context.Context, records []manifest.TileRecord, workDir string) (*FetchResult, error) {
	res := &FetchResult{}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return res, fmt.Errorf("create work dir: %w", err)
	}

	if d.opts.Progress != nil {
		d.opts.Progress.TilesQueued(len(records))
	}

	seen := make(map[string]bool, len(records))
	var consecutive []*DownloadError

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		file, err := d.fetchOne(ctx, rec, workDir, seen)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}

			dlErr := &DownloadError{Tile: rec, Err: err}
			d.opts.Feedback.Error(dlErr)
			d.logger.Warn("tile download failed", "url", rec.URL, "error", err)
			d.opts.Metrics.TileFailed()
			if d.opts.Progress != nil {
				d.opts.Progress.TileFailed()
			}
			res.Failed = append(res.Failed, dlErr)

			consecutive = append(consecutive, dlErr)
			if d.opts.MaxConsecutiveFailures > 0 && len(consecutive) >= d.opts.MaxConsecutiveFailures {
				return res, &CircuitBreakerError{
					ConsecutiveFailures: len(consecutive),
					Failed:              consecutive,
				}
			}
			continue
		}

		consecutive = nil
		d.opts.Metrics.TileDownloaded(file.Size)
		if d.opts.Progress != nil {
			d.opts.Progress.TileCompleted(file.Size)
		}
		res.Files = append(res.Files, file)
	}

	return res, nil
}

func (d *Downloader) fetchOne(ctx context.Context, rec manifest.TileRecord, workDir string, seen map[string]bool) (RetrievedFile, error) {
	name, err := ArchiveName(rec.URL)
	if err != nil {
		return RetrievedFile{}, err
	}
	key := strings.ToLower(name)
	if seen[key] {
		return RetrievedFile{}, fmt.Errorf("archive name %s already used in this batch", name)
	}
	seen[key] = true

	dest := filepath.Join(workDir, name)
	d.opts.Feedback.Info("downloading: " + dest)

	body, err := d.client.Get(ctx, strings.TrimSpace(rec.URL))
	if err != nil {
		return RetrievedFile{}, err
	}
	defer body.Close()

	size, err := writeFile(dest, body, d.opts.MaxArchiveSize)
	if err != nil {
		return RetrievedFile{}, err
	}

	d.logger.Debug("tile downloaded", "path", dest, "bytes", size)
	return RetrievedFile{Path: dest, Tile: rec, Size: size}, nil
}

// writeFile streams r to a temporary file next to dest and renames it into
// place, so dest never holds a partial download.
func writeFile(dest string, r io.Reader, limit int64) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(tmp, src)
	if err != nil {
		return n, fmt.Errorf("write archive: %w", err)
	}
	if limit > 0 && n > limit {
		return n, fmt.Errorf("%w: more than %d bytes", ErrArchiveTooLarge, limit)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return n, fmt.Errorf("rename archive: %w", err)
	}
	ok = true
	return n, nil
}
