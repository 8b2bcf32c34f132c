package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligustah/lidarfetch/internal/config"
	"github.com/ligustah/lidarfetch/internal/geometry"
	"github.com/ligustah/lidarfetch/internal/job"
	"github.com/ligustah/lidarfetch/internal/mosaic"
	"github.com/ligustah/lidarfetch/internal/telemetry"
	"github.com/ligustah/lidarfetch/internal/testutils"
)

const squareAOI = `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},
"geometry":{"type":"Polygon","coordinates":[[[400000,100000],[401000,100000],[401000,101000],[400000,101000],[400000,100000]]]}}]}`

type fakeEngine struct {
	mu        sync.Mutex
	vrtInputs []string
	clipCalls int
}

func (f *fakeEngine) BuildVRT(ctx context.Context, output string, inputs []string, opts mosaic.VRTOptions) error {
	f.mu.Lock()
	f.vrtInputs = inputs
	f.mu.Unlock()
	return os.WriteFile(output, []byte("<VRTDataset/>"), 0o644)
}

func (f *fakeEngine) Clip(ctx context.Context, input, cutline, output string, opts mosaic.ClipOptions) error {
	f.mu.Lock()
	f.clipCalls++
	f.mu.Unlock()
	return os.WriteFile(output, []byte("tiff"), 0o644)
}

func (f *fakeEngine) PixelSize(ctx context.Context, path string) (float64, float64, error) {
	return 2, 2, nil
}

// stageFeedback records messages and runs onStage for every stage change.
type stageFeedback struct {
	mu      sync.Mutex
	stages  []string
	infos   []string
	errs    []error
	onStage func(text string)
}

func (f *stageFeedback) SetStage(text string, percent int) {
	f.mu.Lock()
	f.stages = append(f.stages, text)
	f.mu.Unlock()
	if f.onStage != nil {
		f.onStage(text)
	}
}

func (f *stageFeedback) Info(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos = append(f.infos, msg)
}

func (f *stageFeedback) Error(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func tileZip(t *testing.T, name string) []byte {
	return testutils.BuildZip(t, map[string][]byte{
		name + ".tif":     []byte("raster " + name),
		name + ".tif.xml": []byte("<metadata/>"),
	})
}

func testConfig(srv *testutils.SurveyServer) config.Config {
	cfg := config.Default()
	cfg.Service.URL = srv.ServiceURL()
	cfg.Service.ResultsURL = srv.ResultsURL()
	cfg.Poll.Interval = 10 * time.Millisecond
	cfg.Poll.Timeout = 5 * time.Second
	cfg.Retry = config.RetryPolicies{
		Default: config.RetryConfig{Attempts: 0, Backoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}
	return cfg
}

func testRequest(t *testing.T, aoi string) Request {
	t.Helper()
	dir := t.TempDir()
	aoiPath := filepath.Join(dir, "aoi.geojson")
	require.NoError(t, os.WriteFile(aoiPath, []byte(aoi), 0o644))
	work := filepath.Join(dir, "work")
	return Request{
		AOIPath:    aoiPath,
		WorkDir:    work,
		Output:     filepath.Join(work, "mosaic.vrt"),
		ClipOutput: filepath.Join(work, "clipped.tif"),
	}
}

func newPipeline(t *testing.T, cfg config.Config, deps Deps) *Pipeline {
	t.Helper()
	p, err := FromConfig(cfg, deps)
	require.NoError(t, err)
	return p
}

func TestRunEndToEnd(t *testing.T) {
	srv := testutils.StartSurveyServer(t, testutils.SurveyConfig{
		Statuses: []string{"esriJobExecuting", "esriJobExecuting", "esriJobSucceeded"},
		Tiles: []testutils.FakeTile{
			{Product: config.ProductCompositeDTM, Resolution: "DTM 2M", Name: "SU12.zip", Data: tileZip(t, "SU12")},
			{Product: config.ProductCompositeDTM, Resolution: "DTM 1M", Name: "SU12_1m.zip", Data: tileZip(t, "SU12_1m")},
			{Product: config.ProductCompositeDTM, Resolution: "DTM 2M", Name: "SU13.zip", Data: tileZip(t, "SU13")},
		},
	})

	reg := prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(reg)
	require.NoError(t, err)

	engine := &fakeEngine{}
	fb := &stageFeedback{}
	p := newPipeline(t, testConfig(srv), Deps{Feedback: fb, Metrics: metrics, Engine: engine})

	req := testRequest(t, squareAOI)
	res, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, res.Aborted)
	assert.Equal(t, "job123", res.JobID)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 3, srv.StatusCalls())
	assert.Equal(t, 1, srv.Submits())
	assert.Equal(t, 0, srv.TileRequests("SU12_1m.zip"))

	require.Len(t, res.Tiles, 2)
	require.Len(t, res.Files, 2)
	assert.Empty(t, res.DownloadFailures)
	require.Len(t, res.Extracted, 2)

	require.NotNil(t, res.Mosaic)
	assert.Equal(t, req.Output, res.Mosaic.Path)
	assert.Equal(t, []string{
		filepath.Join(req.WorkDir, "SU12", "SU12.tif"),
		filepath.Join(req.WorkDir, "SU13", "SU13.tif"),
	}, res.Mosaic.Sources)
	assert.Equal(t, res.Mosaic.Sources, engine.vrtInputs)
	assert.Nil(t, res.Clipped)
	assert.Equal(t, 0, engine.clipCalls)

	assert.Equal(t, []string{
		"Searching for lidar tiles... (Step 1/4)",
		"Downloading lidar tiles... (Step 2/4)",
		"Unzipping lidar tiles... (Step 3/4)",
		"Merging lidar tiles... (Step 4/4)",
		"Done",
	}, fb.stages)
	assert.Contains(t, fb.infos, "DEFRA JobID: job123")
	assert.Contains(t, fb.infos, "Job job123 status: esriJobExecuting")

	summary, err := ReadSummary(req.WorkDir)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, summary.RunID)
	assert.Equal(t, "job123", summary.JobID)
	assert.Len(t, summary.Files, 2)
	assert.Empty(t, summary.Failures)
	assert.Equal(t, req.Output, summary.Mosaic)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues("succeeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.JobPolls.WithLabelValues(string(job.StatusExecuting))))
}

func TestRunTokenStaysWithService(t *testing.T) {
	srv := testutils.StartSurveyServer(t, testutils.SurveyConfig{
		Tiles: []testutils.FakeTile{
			{Product: config.ProductCompositeDTM, Resolution: "DTM 2M", Name: "SU12.zip", Data: tileZip(t, "SU12")},
		},
	})

	cfg := testConfig(srv)
	cfg.Service.Token = "secret-token"
	p := newPipeline(t, cfg, Deps{Engine: &fakeEngine{}})

	_, err := p.Run(context.Background(), testRequest(t, squareAOI))
	require.NoError(t, err)

	assert.Equal(t, "AGS_ROLES=secret-token", srv.LastHeaders().Get("Cookie"))

	tile := srv.TileHeaders("SU12.zip")
	require.NotNil(t, tile)
	assert.Empty(t, tile.Get("Cookie"))
	assert.Empty(t, tile.Get("Referer"))
	assert.Equal(t, "lidarfetch/1.0", tile.Get("User-Agent"))
}

func TestRunClipAndIsolatedFailure(t *testing.T) {
	srv := testutils.StartSurveyServer(t, testutils.SurveyConfig{
		Tiles: []testutils.FakeTile{
			{Product: config.ProductCompositeDTM, Resolution: "DTM 2M", Name: "SU12.zip", Data: tileZip(t, "SU12")},
			{Product: config.ProductCompositeDTM, Resolution: "DTM 2M", Name: "SU13.zip", Fail: true},
			{Product: config.ProductCompositeDTM, Resolution: "DTM 2M", Name: "SU14.zip", Data: []byte("not a zip")},
		},
	})

	engine := &fakeEngine{}
	fb := &stageFeedback{}
	p := newPipeline(t, testConfig(srv), Deps{Feedback: fb, Engine: engine})

	req := testRequest(t, squareAOI)
	req.Clip = true
	res, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, res.Files, 2)
	require.Len(t, res.DownloadFailures, 1)
	assert.Contains(t, res.DownloadFailures[0].Tile.URL, "SU13.zip")
	require.Len(t, res.ExtractFailures, 1)
	require.Len(t, res.Extracted, 1)
	assert.Len(t, fb.errs, 2)

	require.NotNil(t, res.Clipped)
	assert.Equal(t, req.ClipOutput, res.Clipped.Path)
	assert.Equal(t, 1, engine.clipCalls)

	summary, err := ReadSummary(req.WorkDir)
	require.NoError(t, err)
	assert.Len(t, summary.Failures, 2)
	assert.Equal(t, req.ClipOutput, summary.Clipped)
}

func TestRunNoTilesGivesEmptyMosaic(t *testing.T) {
	srv := testutils.StartSurveyServer(t, testutils.SurveyConfig{})
	engine := &fakeEngine{}
	p := newPipeline(t, testConfig(srv), Deps{Engine: engine})

	req := testRequest(t, squareAOI)
	req.Clip = true
	res, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, res.Tiles)
	require.NotNil(t, res.Mosaic)
	assert.True(t, res.Mosaic.Empty())
	assert.Nil(t, engine.vrtInputs)
	assert.Equal(t, 0, engine.clipCalls)
}

func TestRunInvalidGeometry(t *testing.T) {
	srv := testutils.StartSurveyServer(t, testutils.SurveyConfig{})
	p := newPipeline(t, testConfig(srv), Deps{Engine: &fakeEngine{}})

	req := testRequest(t, `{"type":"Point","coordinates":[400000,100000]}`)
	_, err := p.Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, geometry.ErrInvalidGeometry), "got %v", err)
	assert.Equal(t, 0, srv.Submits())

	_, statErr := os.Stat(filepath.Join(req.WorkDir, SummaryFile))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunRejectPolicy(t *testing.T) {
	srv := testutils.StartSurveyServer(t, testutils.SurveyConfig{})
	cfg := testConfig(srv)
	cfg.Geometry.Policy = "reject"
	p := newPipeline(t, cfg, Deps{Engine: &fakeEngine{}})

	req := testRequest(t, `{"type":"MultiPolygon","coordinates":[[[[0,0],[1,0],[1,1],[0,0]]],[[[5,5],[6,5],[6,6],[5,5]]]]}`)
	_, err := p.Run(context.Background(), req)
	assert.True(t, errors.Is(err, geometry.ErrInvalidGeometry), "got %v", err)
	assert.Equal(t, 0, srv.Submits())
}

func TestRunSubmitError(t *testing.T) {
	srv := testutils.StartSurveyServer(t, testutils.SurveyConfig{SubmitError: true})
	p := newPipeline(t, testConfig(srv), Deps{Engine: &fakeEngine{}})

	_, err := p.Run(context.Background(), testRequest(t, squareAOI))
	assert.True(t, errors.Is(err, job.ErrSubmission), "got %v", err)
	assert.Equal(t, 0, srv.StatusCalls())
}

func TestRunJobFailed(t *testing.T) {
	srv := testutils.StartSurveyServer(t, testutils.SurveyConfig{Statuses: []string{"esriJobFailed"}})
	p := newPipeline(t, testConfig(srv), Deps{Engine: &fakeEngine{}})

	_, err := p.Run(context.Background(), testRequest(t, squareAOI))
	assert.True(t, errors.Is(err, job.ErrJobFailed), "got %v", err)
}

func TestRunTimeout(t *testing.T) {
	srv := testutils.StartSurveyServer(t, testutils.SurveyConfig{Statuses: []string{"esriJobExecuting"}})
	cfg := testConfig(srv)
	cfg.Poll.Timeout = 50 * time.Millisecond
	p := newPipeline(t, cfg, Deps{Engine: &fakeEngine{}})

	res, err := p.Run(context.Background(), testRequest(t, squareAOI))
	assert.True(t, errors.Is(err, job.ErrTimedOut), "got %v", err)
	assert.Equal(t, "job123", res.JobID)
	assert.Empty(t, res.Files)
}

func TestRunCancelledBeforeDownload(t *testing.T) {
	srv := testutils.StartSurveyServer(t, testutils.SurveyConfig{
		Tiles: []testutils.FakeTile{
			{Product: config.ProductCompositeDTM, Resolution: "DTM 2M", Name: "SU12.zip", Data: tileZip(t, "SU12")},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := &fakeEngine{}
	fb := &stageFeedback{onStage: func(text string) {
		if strings.HasPrefix(text, "Downloading") {
			cancel()
		}
	}}
	p := newPipeline(t, testConfig(srv), Deps{Feedback: fb, Engine: engine})

	req := testRequest(t, squareAOI)
	res, err := p.Run(ctx, req)
	require.NoError(t, err)

	assert.True(t, res.Aborted)
	assert.Len(t, res.Tiles, 1)
	assert.Empty(t, res.Files)
	assert.Equal(t, 0, srv.TileRequests("SU12.zip"))
	assert.Nil(t, res.Mosaic)
	assert.NotContains(t, fb.stages, "Done")

	summary, err := ReadSummary(req.WorkDir)
	require.NoError(t, err)
	assert.True(t, summary.Aborted)
}

func TestRunCancelledUpFront(t *testing.T) {
	srv := testutils.StartSurveyServer(t, testutils.SurveyConfig{})
	p := newPipeline(t, testConfig(srv), Deps{Engine: &fakeEngine{}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.Run(ctx, testRequest(t, squareAOI))
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, 0, srv.Submits())
}

func TestRequestValidate(t *testing.T) {
	valid := Request{AOIPath: "a.geojson", WorkDir: "w", Output: "w/m.vrt"}
	assert.NoError(t, valid.Validate())

	clip := valid
	clip.Clip = true
	assert.Error(t, clip.Validate())

	missing := valid
	missing.AOIPath = ""
	assert.Error(t, missing.Validate())
}

func TestFromConfigBadPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Geometry.Policy = "largest"
	_, err := FromConfig(cfg, Deps{})
	assert.Error(t, err)
}
