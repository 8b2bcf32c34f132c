package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ExtractedTileSet is the content of one archive unpacked into its own
// directory.
type ExtractedTileSet struct {
	Archive string
	Dir     string
	Rasters []string
}

// DuplicateTargetError is returned when an archive's target directory already
// exists.
type DuplicateTargetError struct {
	Archive string
	Dir     string
}

func (e *DuplicateTargetError) Error() string {
	return fmt.Sprintf("extract %s: target directory %s already exists", e.Archive, e.Dir)
}

// ExtractError records an archive that could not be unpacked.
type ExtractError struct {
	Archive string
	Err     error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Archive, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// ExtractResult is the outcome of an extraction batch. Failed holds
// *DuplicateTargetError and *ExtractError values.
type ExtractResult struct {
	Sets   []ExtractedTileSet
	Failed []error
}

// TargetDir returns the directory name an archive is extracted into: its base
// name without extension. tile_SU12.zip extracts into tile_SU12.
func TargetDir(archive string) string {
	base := filepath.Base(archive)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Extract unpacks each file into workDir/TargetDir(file). Failures are
// reported and skipped like in Fetch. An existing target directory is a
// *DuplicateTargetError and is left untouched.
func (d *Downloader) Extract(ctx context.Context, files []RetrievedFile, workDir string) (*ExtractResult, error) {
	res := &ExtractResult{}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		dir := filepath.Join(workDir, TargetDir(f.Path))
		if _, err := os.Lstat(dir); err == nil {
			d.fail(res, &DuplicateTargetError{Archive: f.Path, Dir: dir}, "duplicate")
			continue
		}

		d.opts.Feedback.Info(fmt.Sprintf("Extracting %s to %s", f.Path, dir))
		rasters, err := extractZip(f.Path, dir)
		if err != nil {
			os.RemoveAll(dir)
			d.fail(res, &ExtractError{Archive: f.Path, Err: err}, "failed")
			continue
		}

		d.opts.Metrics.ObserveExtraction("extracted")
		res.Sets = append(res.Sets, ExtractedTileSet{Archive: f.Path, Dir: dir, Rasters: rasters})
	}

	return res, nil
}

func (d *Downloader) fail(res *ExtractResult, err error, outcome string) {
	d.opts.Feedback.Error(err)
	d.logger.Warn("tile extraction failed", "error", err)
	d.opts.Metrics.ObserveExtraction(outcome)
	res.Failed = append(res.Failed, err)
}

// extractZip unpacks archive into dir and returns the GeoTIFF files written,
// sorted. Entries that would land outside dir are rejected.
func extractZip(archive, dir string) ([]string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create target dir: %w", err)
	}

	var rasters []string
	for _, zf := range zr.File {
		name := filepath.FromSlash(zf.Name)
		if !filepath.IsLocal(name) {
			return nil, fmt.Errorf("entry %q escapes target directory", zf.Name)
		}
		target := filepath.Join(dir, name)

		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("create dir %s: %w", zf.Name, err)
			}
			continue
		}

		if err := extractFile(zf, target); err != nil {
			return nil, err
		}
		if IsRaster(target) {
			rasters = append(rasters, target)
		}
	}

	sort.Strings(rasters)
	return rasters, nil
}

func extractFile(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", zf.Name, err)
	}

	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", zf.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", zf.Name, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", zf.Name, err)
	}
	return out.Close()
}

// IsRaster reports whether path has a GeoTIFF extension.
func IsRaster(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		return true
	}
	return false
}
