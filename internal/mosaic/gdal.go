package mosaic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// GDAL runs the GDAL command line tools.
type GDAL struct {
	BuildVRTPath string
	WarpPath     string
	InfoPath     string
	Logger       *slog.Logger

	// run executes a command and returns its stdout.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewGDAL returns an engine using the given tool paths. Empty paths default to
// the tool name on PATH.
func NewGDAL(buildVRT, warp, info string, logger *slog.Logger) *GDAL {
	if buildVRT == "" {
		buildVRT = "gdalbuildvrt"
	}
	if warp == "" {
		warp = "gdalwarp"
	}
	if info == "" {
		info = "gdalinfo"
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &GDAL{BuildVRTPath: buildVRT, WarpPath: warp, InfoPath: info, Logger: logger}
	g.run = g.exec
	return g
}

// exec runs the command to completion. A started command is not killed on
// cancellation.
func (g *GDAL) exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.Logger.Debug("running gdal", "cmd", name, "args", strings.Join(args, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", filepath.Base(name), err, msg)
		}
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return stdout.Bytes(), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// BuildVRT runs gdalbuildvrt with the inputs passed through a file list.
func (g *GDAL) BuildVRT(ctx context.Context, output string, inputs []string, opts VRTOptions) error {
	list, err := os.CreateTemp("", "lidarfetch-inputs-*.txt")
	if err != nil {
		return fmt.Errorf("create input list: %w", err)
	}
	defer os.Remove(list.Name())

	if _, err := list.WriteString(strings.Join(inputs, "\n") + "\n"); err != nil {
		list.Close()
		return fmt.Errorf("write input list: %w", err)
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("close input list: %w", err)
	}

	args := []string{"-overwrite"}
	if opts.Resolution != "" {
		args = append(args, "-resolution", opts.Resolution)
	}
	if opts.Resampling != "" {
		args = append(args, "-r", opts.Resampling)
	}
	args = append(args,
		"-srcnodata", formatFloat(opts.SrcNoData),
		"-input_file_list", list.Name(),
		output,
	)

	_, err = g.run(ctx, g.BuildVRTPath, args...)
	return err
}

// Clip runs gdalwarp with the cutline.
func (g *GDAL) Clip(ctx context.Context, input, cutline, output string, opts ClipOptions) error {
	args := []string{"-overwrite", "-of", "GTiff", "-cutline", cutline}
	if opts.CropToCutline {
		args = append(args, "-crop_to_cutline")
	}
	args = append(args, "-dstnodata", formatFloat(opts.DstNoData))
	if opts.XRes > 0 && opts.YRes > 0 {
		args = append(args, "-tr", formatFloat(opts.XRes), formatFloat(opts.YRes))
	}
	args = append(args, input, output)

	_, err := g.run(ctx, g.WarpPath, args...)
	return err
}

// PixelSize reads the pixel size from gdalinfo -json. Both values are
// positive.
func (g *GDAL) PixelSize(ctx context.Context, path string) (float64, float64, error) {
	out, err := g.run(ctx, g.InfoPath, "-json", path)
	if err != nil {
		return 0, 0, err
	}

	var info struct {
		GeoTransform []float64 `json:"geoTransform"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return 0, 0, fmt.Errorf("decode gdalinfo output: %w", err)
	}
	if len(info.GeoTransform) != 6 {
		return 0, 0, fmt.Errorf("gdalinfo: %s has no geotransform", path)
	}

	x, y := math.Abs(info.GeoTransform[1]), math.Abs(info.GeoTransform[5])
	if x == 0 || y == 0 {
		return 0, 0, fmt.Errorf("gdalinfo: %s has zero pixel size", path)
	}
	return x, y, nil
}
