package mosaic

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/ligustah/lidarfetch/internal/geometry"
	"github.com/ligustah/lidarfetch/internal/progress"
)

// NoData is the no-data value written to mosaics and clipped output: the
// float32 minimum used by the survey's GeoTIFFs.
const NoData = -3.40282e+38

// ErrRaster wraps failures of the raster engine.
var ErrRaster = errors.New("mosaic: raster operation failed")

// Mosaic is a virtual raster over a set of source files. A mosaic without
// sources is empty and has no file.
type Mosaic struct {
	Path    string   `json:"path,omitempty"`
	Sources []string `json:"sources"`
}

// Empty reports whether the mosaic has no sources.
func (m *Mosaic) Empty() bool {
	return m == nil || len(m.Sources) == 0
}

// ClippedMosaic is a mosaic cropped to the AOI.
type ClippedMosaic struct {
	Path   string `json:"path,omitempty"`
	Source string `json:"source,omitempty"`
}

// VRTOptions are the parameters for building a virtual raster.
type VRTOptions struct {
	SrcNoData  float64
	Resampling string
	Resolution string
}

// ClipOptions are the parameters for clipping a raster by a cutline.
type ClipOptions struct {
	DstNoData     float64
	CropToCutline bool
	// XRes and YRes are the output pixel size. Zero lets the engine choose.
	XRes, YRes float64
}

// Engine performs the raster operations.
type Engine interface {
	BuildVRT(ctx context.Context, output string, inputs []string, opts VRTOptions) error
	Clip(ctx context.Context, input, cutline, output string, opts ClipOptions) error
	PixelSize(ctx context.Context, path string) (x, y float64, err error)
}

// Assembler builds mosaics from downloaded rasters.
type Assembler struct {
	Engine   Engine
	Feedback progress.Feedback
	Logger   *slog.Logger
}

func (a *Assembler) feedback() progress.Feedback {
	if a.Feedback == nil {
		return progress.Discard
	}
	return a.Feedback
}

func (a *Assembler) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// Discover returns every GeoTIFF under dir, recursively and in lexical
// order. The whole tree is scanned, not only freshly extracted tiles, so
// repeated runs over an unchanged directory find the same files. Paths in
// exclude are skipped.
func Discover(dir string, exclude ...string) ([]string, error) {
	skip := make(map[string]bool, len(exclude))
	for _, p := range exclude {
		if p == "" {
			continue
		}
		skip[cleanAbs(p)] = true
	}

	rasters := []string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isRaster(path) {
			return nil
		}
		if skip[cleanAbs(path)] {
			return nil
		}
		rasters = append(rasters, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover rasters: %w", err)
	}

	sort.Strings(rasters)
	return rasters, nil
}

// BuildMosaic builds a virtual raster at output referencing rasters, with
// nearest-neighbour resampling, average resolution and NoData as the source
// no-data value. No CRS is assigned. With no rasters the mosaic is empty and
// the engine is not invoked.
func (a *Assembler) BuildMosaic(ctx context.Context, rasters []string, output string) (*Mosaic, error) {
	if len(rasters) == 0 {
		a.feedback().Info("No rasters to merge; mosaic is empty")
		return &Mosaic{Sources: []string{}}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sources := slices.Clone(rasters)
	sort.Strings(sources)

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	a.feedback().Info(fmt.Sprintf("Merging %d rasters into %s", len(sources), output))
	err := a.Engine.BuildVRT(ctx, output, sources, VRTOptions{
		SrcNoData:  NoData,
		Resampling: "nearest",
		Resolution: "average",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: build mosaic: %w", ErrRaster, err)
	}

	a.logger().Info("mosaic built", "path", output, "sources", len(sources))
	return &Mosaic{Path: output, Sources: sources}, nil
}

// ClipMosaic crops the mosaic to the AOI and writes a GeoTIFF at output,
// keeping the mosaic's pixel size. Clipping an empty mosaic produces an empty
// result.
func (a *Assembler) ClipMosaic(ctx context.Context, m *Mosaic, aoi geometry.AOI, output string) (*ClippedMosaic, error) {
	if m.Empty() {
		a.feedback().Info("Mosaic is empty; nothing to clip")
		return &ClippedMosaic{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmp, err := os.MkdirTemp("", "lidarfetch-cutline-")
	if err != nil {
		return nil, fmt.Errorf("create cutline dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	cutline := filepath.Join(tmp, "cutline.geojson")
	if err := aoi.WriteCutline(cutline); err != nil {
		return nil, err
	}

	xres, yres, err := a.Engine.PixelSize(ctx, m.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read pixel size: %w", ErrRaster, err)
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	a.feedback().Info(fmt.Sprintf("Clipping %s to %s", m.Path, output))
	err = a.Engine.Clip(ctx, m.Path, cutline, output, ClipOptions{
		DstNoData:     NoData,
		CropToCutline: true,
		XRes:          xres,
		YRes:          yres,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: clip mosaic: %w", ErrRaster, err)
	}

	a.logger().Info("mosaic clipped", "path", output, "source", m.Path)
	return &ClippedMosaic{Path: output, Source: m.Path}, nil
}

func isRaster(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		return true
	}
	return false
}

func cleanAbs(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
