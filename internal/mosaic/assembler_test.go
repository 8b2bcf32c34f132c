package mosaic

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligustah/lidarfetch/internal/geometry"
)

type fakeEngine struct {
	vrtCalls  int
	vrtInputs []string
	vrtOpts   VRTOptions
	clipCalls int
	clipOpts  ClipOptions
	cutline   []byte
	err       error
}

func (f *fakeEngine) BuildVRT(ctx context.Context, output string, inputs []string, opts VRTOptions) error {
	f.vrtCalls++
	f.vrtInputs = inputs
	f.vrtOpts = opts
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(output, []byte("<VRTDataset/>"), 0o644)
}

func (f *fakeEngine) Clip(ctx context.Context, input, cutline, output string, opts ClipOptions) error {
	f.clipCalls++
	f.clipOpts = opts
	data, err := os.ReadFile(cutline)
	if err != nil {
		return err
	}
	f.cutline = data
	return os.WriteFile(output, []byte("tiff"), 0o644)
}

func (f *fakeEngine) PixelSize(ctx context.Context, path string) (float64, float64, error) {
	return 2, 2, nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "tile_b", "b.tif"))
	touch(t, filepath.Join(dir, "tile_a", "a.TIF"))
	touch(t, filepath.Join(dir, "tile_a", "deep", "c.tiff"))
	touch(t, filepath.Join(dir, "tile_a", "a.tfw"))
	touch(t, filepath.Join(dir, "tile_a.zip"))
	touch(t, filepath.Join(dir, "clipped.tif"))

	got, err := Discover(dir, filepath.Join(dir, "clipped.tif"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "tile_a", "a.TIF"),
		filepath.Join(dir, "tile_a", "deep", "c.tiff"),
		filepath.Join(dir, "tile_b", "b.tif"),
	}, got)
}

func TestDiscoverEmpty(t *testing.T) {
	got, err := Discover(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBuildMosaicIdempotentDiscovery(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "tile_SU12", "SU12.tif"))
	touch(t, filepath.Join(dir, "tile_SU13", "SU13.tif"))
	output := filepath.Join(dir, "mosaic.vrt")
	a := &Assembler{Engine: &fakeEngine{}}

	first, err := Discover(dir)
	require.NoError(t, err)
	m1, err := a.BuildMosaic(context.Background(), first, output)
	require.NoError(t, err)

	second, err := Discover(dir)
	require.NoError(t, err)
	m2, err := a.BuildMosaic(context.Background(), second, output)
	require.NoError(t, err)

	assert.Equal(t, m1.Sources, m2.Sources)
	assert.Len(t, m2.Sources, 2)
}

func TestBuildMosaicParameters(t *testing.T) {
	dir := t.TempDir()
	engine := &fakeEngine{}
	a := &Assembler{Engine: engine}

	m, err := a.BuildMosaic(context.Background(), []string{"b.tif", "a.tif"}, filepath.Join(dir, "out", "m.vrt"))
	require.NoError(t, err)

	assert.Equal(t, 1, engine.vrtCalls)
	assert.Equal(t, []string{"a.tif", "b.tif"}, engine.vrtInputs)
	assert.Equal(t, VRTOptions{SrcNoData: NoData, Resampling: "nearest", Resolution: "average"}, engine.vrtOpts)
	assert.Equal(t, filepath.Join(dir, "out", "m.vrt"), m.Path)
	assert.FileExists(t, m.Path)
}

func TestBuildMosaicEmpty(t *testing.T) {
	engine := &fakeEngine{}
	a := &Assembler{Engine: engine}
	output := filepath.Join(t.TempDir(), "m.vrt")

	m, err := a.BuildMosaic(context.Background(), nil, output)
	require.NoError(t, err)
	assert.True(t, m.Empty())
	assert.Equal(t, 0, engine.vrtCalls)
	assert.NoFileExists(t, output)

	clipped, err := a.ClipMosaic(context.Background(), m, geometry.AOI{}, filepath.Join(t.TempDir(), "c.tif"))
	require.NoError(t, err)
	assert.Empty(t, clipped.Path)
	assert.Equal(t, 0, engine.clipCalls)
}

func TestBuildMosaicEngineError(t *testing.T) {
	a := &Assembler{Engine: &fakeEngine{err: errors.New("gdal exploded")}}
	_, err := a.BuildMosaic(context.Background(), []string{"a.tif"}, filepath.Join(t.TempDir(), "m.vrt"))
	assert.ErrorIs(t, err, ErrRaster)
}

func TestClipMosaic(t *testing.T) {
	dir := t.TempDir()
	engine := &fakeEngine{}
	a := &Assembler{Engine: engine}
	aoi := geometry.AOI{Ring: orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 0}}}

	m, err := a.BuildMosaic(context.Background(), []string{"a.tif"}, filepath.Join(dir, "m.vrt"))
	require.NoError(t, err)

	clipped, err := a.ClipMosaic(context.Background(), m, aoi, filepath.Join(dir, "clipped.tif"))
	require.NoError(t, err)

	assert.Equal(t, m.Path, clipped.Source)
	assert.FileExists(t, clipped.Path)
	assert.Equal(t, ClipOptions{DstNoData: NoData, CropToCutline: true, XRes: 2, YRes: 2}, engine.clipOpts)
	assert.Contains(t, string(engine.cutline), "EPSG::27700")
}
