package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ligustah/lidarfetch/internal/progress"
)

// Product names published by the survey service that lidarfetch knows how to
// mosaic.
const (
	ProductCompositeDTM           = "LIDAR Composite DTM"
	ProductCompositeLastReturnDSM = "LIDAR Composite Last Return DSM"
	ProductNationalProgrammeDSM   = "National LIDAR Programme DSM"
	ProductNationalProgrammeDTM   = "National LIDAR Programme DTM"
	defaultResolution             = "DTM 2M"
	defaultServiceURL             = "https://environment.data.gov.uk/arcgis/rest/services/gp/DataDownload/GPServer/DataDownload"
	defaultResultsURL             = "https://environment.data.gov.uk/arcgis/rest/directories/arcgisjobs/gp/datadownload_gpserver/{jobId}/scratch/results.json"
	defaultReferer                = "https://environment.data.gov.uk/DefraDataDownload/?Mode=survey"
	defaultUserAgent              = "lidarfetch/1.0"
	defaultMaxArchiveSize         = 2 << 30
	defaultDownloadTimeout        = 30 * time.Minute
	defaultPublishConcurrency     = 4
	defaultTracingServiceName     = "lidarfetch"
	jobIDPlaceholder              = "{jobId}"
)

// Config defines configuration for the lidarfetch CLI.
type Config struct {
	AOI        string `yaml:"aoi"`
	WorkDir    string `yaml:"work_dir"`
	Output     string `yaml:"output"`
	Clip       bool   `yaml:"clip"`
	ClipOutput string `yaml:"clip_output"`
	Progress   bool   `yaml:"progress"`

	Service  ServiceConfig  `yaml:"service"`
	Poll     PollConfig     `yaml:"poll"`
	Filter   FilterConfig   `yaml:"filter"`
	Retry    RetryPolicies  `yaml:"retry"`
	Download DownloadConfig `yaml:"download"`
	Raster   RasterConfig   `yaml:"raster"`
	Geometry GeometryConfig `yaml:"geometry"`
	Publish  PublishConfig  `yaml:"publish"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServiceConfig locates the survey download service.
type ServiceConfig struct {
	// URL is the geoprocessing task root; submitJob and jobs/{id} hang off it.
	URL            string
	// ResultsURL is the manifest location; {jobId} is replaced with the job ID.
	ResultsURL     string
	Token          string
	UserAgent      string
	Referer        string
	RequestTimeout time.Duration
}

// PollConfig bounds the wait for a submitted job.
type PollConfig struct {
	Timeout  time.Duration
	Interval time.Duration
}

// FilterConfig selects tiles from the job manifest.
type FilterConfig struct {
	Products   []string `yaml:"products"`
	Product    string   `yaml:"product"`
	Resolution string   `yaml:"resolution"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Endpoint names a remote call with its own retry policy.
type Endpoint string

const (
	EndpointSubmit   Endpoint = "submit"
	EndpointStatus   Endpoint = "status"
	EndpointManifest Endpoint = "manifest"
	EndpointDownload Endpoint = "download"
)

// RetryPolicies holds the default retry policy and per-endpoint overrides.
// Zero fields in an override inherit the default; Attempts < 0 disables
// retries for that endpoint.
type RetryPolicies struct {
	Default  RetryConfig
	Submit   RetryConfig
	Status   RetryConfig
	Manifest RetryConfig
	Download RetryConfig
}

// For returns the effective retry policy for an endpoint.
func (p RetryPolicies) For(e Endpoint) RetryConfig {
	var o RetryConfig
	switch e {
	case EndpointSubmit:
		o = p.Submit
	case EndpointStatus:
		o = p.Status
	case EndpointManifest:
		o = p.Manifest
	case EndpointDownload:
		o = p.Download
	}

	r := p.Default
	switch {
	case o.Attempts < 0:
		r.Attempts = 0
	case o.Attempts > 0:
		r.Attempts = o.Attempts
	}
	if o.Backoff > 0 {
		r.Backoff = o.Backoff
	}
	if o.MaxBackoff > 0 {
		r.MaxBackoff = o.MaxBackoff
	}
	return r
}

// DownloadConfig tunes tile retrieval.
type DownloadConfig struct {
	MaxArchiveSize         int64
	MaxConsecutiveFailures int
	// Timeout bounds one tile request including its body.
	Timeout time.Duration
}

// RasterConfig locates the GDAL command line tools.
type RasterConfig struct {
	BuildVRT string `yaml:"gdalbuildvrt"`
	Warp     string `yaml:"gdalwarp"`
	Info     string `yaml:"gdalinfo"`
}

// GeometryConfig controls reduction of multi-part input.
type GeometryConfig struct {
	// Policy is "first" or "reject".
	Policy string `yaml:"policy"`
}

// PublishConfig uploads outputs to a bucket after a run.
type PublishConfig struct {
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Concurrency int    `yaml:"concurrency"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls Prometheus metric export.
type MetricsConfig struct {
	// Textfile, when set, receives the metrics in text exposition format at
	// the end of a run.
	Textfile string `yaml:"textfile"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Output      string  `yaml:"output"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			URL:            defaultServiceURL,
			ResultsURL:     defaultResultsURL,
			UserAgent:      defaultUserAgent,
			Referer:        defaultReferer,
			RequestTimeout: 60 * time.Second,
		},
		Poll: PollConfig{
			Timeout:  2 * time.Minute,
			Interval: 5 * time.Second,
		},
		Filter: FilterConfig{
			Products: []string{
				ProductCompositeDTM,
				ProductCompositeLastReturnDSM,
				ProductNationalProgrammeDSM,
				ProductNationalProgrammeDTM,
			},
			Product:    ProductCompositeDTM,
			Resolution: defaultResolution,
		},
		Retry: RetryPolicies{
			Default: RetryConfig{
				Attempts:   3,
				Backoff:    time.Second,
				MaxBackoff: 30 * time.Second,
			},
			Submit: RetryConfig{Attempts: 1},
		},
		Download: DownloadConfig{
			MaxArchiveSize: defaultMaxArchiveSize,
			Timeout:        defaultDownloadTimeout,
		},
		Raster: RasterConfig{
			BuildVRT: "gdalbuildvrt",
			Warp:     "gdalwarp",
			Info:     "gdalinfo",
		},
		Geometry: GeometryConfig{Policy: "first"},
		Publish:  PublishConfig{Concurrency: defaultPublishConcurrency},
		Log:      LogConfig{Level: "info", Format: "text"},
		Tracing: TracingConfig{
			ServiceName: defaultTracingServiceName,
			SampleRatio: 1,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string durations and sizes.
type yamlConfig struct {
	AOI        string `yaml:"aoi"`
	WorkDir    string `yaml:"work_dir"`
	Output     string `yaml:"output"`
	Clip       bool   `yaml:"clip"`
	ClipOutput string `yaml:"clip_output"`
	Progress   bool   `yaml:"progress"`

	Service struct {
		URL            string `yaml:"url"`
		ResultsURL     string `yaml:"results_url"`
		Token          string `yaml:"token"`
		UserAgent      string `yaml:"user_agent"`
		Referer        string `yaml:"referer"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"service"`

	Poll struct {
		Timeout  string `yaml:"timeout"`
		Interval string `yaml:"interval"`
	} `yaml:"poll"`

	Filter *struct {
		Products   []string `yaml:"products"`
		Product    *string  `yaml:"product"`
		Resolution *string  `yaml:"resolution"`
	} `yaml:"filter"`

	Retry struct {
		yamlRetryConfig `yaml:",inline"`
		Submit          yamlRetryConfig `yaml:"submit"`
		Status          yamlRetryConfig `yaml:"status"`
		Manifest        yamlRetryConfig `yaml:"manifest"`
		Download        yamlRetryConfig `yaml:"download"`
	} `yaml:"retry"`

	Download struct {
		MaxArchiveSize         string `yaml:"max_archive_size"`
		MaxConsecutiveFailures int    `yaml:"max_consecutive_failures"`
		Timeout                string `yaml:"timeout"`
	} `yaml:"download"`

	Raster   RasterConfig   `yaml:"raster"`
	Geometry GeometryConfig `yaml:"geometry"`
	Publish  PublishConfig  `yaml:"publish"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type yamlRetryConfig struct {
	Attempts   *int   `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// apply copies the keys present in y onto dst. In an endpoint override an
// explicit zero becomes -1 so the endpoint does not inherit the default.
func (y yamlRetryConfig) apply(name string, dst *RetryConfig, override bool) error {
	if y.Attempts != nil {
		dst.Attempts = *y.Attempts
		if override && dst.Attempts <= 0 {
			dst.Attempts = -1
		}
	}
	if err := parseDuration(name+".backoff", y.Backoff, &dst.Backoff); err != nil {
		return err
	}
	return parseDuration(name+".max_backoff", y.MaxBackoff, &dst.MaxBackoff)
}

func parseDuration(name, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = d
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	cfg.AOI = yc.AOI
	cfg.WorkDir = yc.WorkDir
	cfg.Output = yc.Output
	cfg.Clip = yc.Clip
	cfg.ClipOutput = yc.ClipOutput
	cfg.Progress = yc.Progress

	if yc.Service.URL != "" {
		cfg.Service.URL = yc.Service.URL
	}
	if yc.Service.ResultsURL != "" {
		cfg.Service.ResultsURL = yc.Service.ResultsURL
	}
	if yc.Service.Token != "" {
		cfg.Service.Token = yc.Service.Token
	}
	if yc.Service.UserAgent != "" {
		cfg.Service.UserAgent = yc.Service.UserAgent
	}
	if yc.Service.Referer != "" {
		cfg.Service.Referer = yc.Service.Referer
	}
	if err := parseDuration("service.request_timeout", yc.Service.RequestTimeout, &cfg.Service.RequestTimeout); err != nil {
		return Config{}, err
	}

	if err := parseDuration("poll.timeout", yc.Poll.Timeout, &cfg.Poll.Timeout); err != nil {
		return Config{}, err
	}
	if err := parseDuration("poll.interval", yc.Poll.Interval, &cfg.Poll.Interval); err != nil {
		return Config{}, err
	}

	// Keys present in the filter section replace the defaults, so an explicit
	// empty products list or product stays empty.
	if yc.Filter != nil {
		if yc.Filter.Products != nil {
			cfg.Filter.Products = yc.Filter.Products
		}
		if yc.Filter.Product != nil {
			cfg.Filter.Product = *yc.Filter.Product
		}
		if yc.Filter.Resolution != nil {
			cfg.Filter.Resolution = *yc.Filter.Resolution
		}
	}

	if err := yc.Retry.yamlRetryConfig.apply("retry", &cfg.Retry.Default, false); err != nil {
		return Config{}, err
	}
	if err := yc.Retry.Submit.apply("retry.submit", &cfg.Retry.Submit, true); err != nil {
		return Config{}, err
	}
	if err := yc.Retry.Status.apply("retry.status", &cfg.Retry.Status, true); err != nil {
		return Config{}, err
	}
	if err := yc.Retry.Manifest.apply("retry.manifest", &cfg.Retry.Manifest, true); err != nil {
		return Config{}, err
	}
	if err := yc.Retry.Download.apply("retry.download", &cfg.Retry.Download, true); err != nil {
		return Config{}, err
	}

	if yc.Download.MaxArchiveSize != "" {
		size, err := progress.ParseBytes(yc.Download.MaxArchiveSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse download.max_archive_size: %w", err)
		}
		cfg.Download.MaxArchiveSize = size
	}
	if yc.Download.MaxConsecutiveFailures != 0 {
		cfg.Download.MaxConsecutiveFailures = yc.Download.MaxConsecutiveFailures
	}
	if err := parseDuration("download.timeout", yc.Download.Timeout, &cfg.Download.Timeout); err != nil {
		return Config{}, err
	}

	if yc.Raster.BuildVRT != "" {
		cfg.Raster.BuildVRT = yc.Raster.BuildVRT
	}
	if yc.Raster.Warp != "" {
		cfg.Raster.Warp = yc.Raster.Warp
	}
	if yc.Raster.Info != "" {
		cfg.Raster.Info = yc.Raster.Info
	}
	if yc.Geometry.Policy != "" {
		cfg.Geometry.Policy = yc.Geometry.Policy
	}

	cfg.Publish.Bucket = yc.Publish.Bucket
	cfg.Publish.Prefix = yc.Publish.Prefix
	if yc.Publish.Concurrency != 0 {
		cfg.Publish.Concurrency = yc.Publish.Concurrency
	}

	if yc.Log.Level != "" {
		cfg.Log.Level = yc.Log.Level
	}
	if yc.Log.Format != "" {
		cfg.Log.Format = yc.Log.Format
	}
	cfg.Metrics = yc.Metrics

	cfg.Tracing.Enabled = yc.Tracing.Enabled
	cfg.Tracing.Output = yc.Tracing.Output
	if yc.Tracing.ServiceName != "" {
		cfg.Tracing.ServiceName = yc.Tracing.ServiceName
	}
	if yc.Tracing.SampleRatio != 0 {
		cfg.Tracing.SampleRatio = yc.Tracing.SampleRatio
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the LIDARFETCH_ prefix.
func (c *Config) LoadFromEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"LIDARFETCH_AOI", &c.AOI},
		{"LIDARFETCH_WORK_DIR", &c.WorkDir},
		{"LIDARFETCH_OUTPUT", &c.Output},
		{"LIDARFETCH_CLIP_OUTPUT", &c.ClipOutput},
		{"LIDARFETCH_SERVICE_URL", &c.Service.URL},
		{"LIDARFETCH_RESULTS_URL", &c.Service.ResultsURL},
		{"LIDARFETCH_TOKEN", &c.Service.Token},
		{"LIDARFETCH_PRODUCT", &c.Filter.Product},
		{"LIDARFETCH_RESOLUTION", &c.Filter.Resolution},
		{"LIDARFETCH_GEOMETRY_POLICY", &c.Geometry.Policy},
		{"LIDARFETCH_GDALBUILDVRT", &c.Raster.BuildVRT},
		{"LIDARFETCH_GDALWARP", &c.Raster.Warp},
		{"LIDARFETCH_GDALINFO", &c.Raster.Info},
		{"LIDARFETCH_PUBLISH_BUCKET", &c.Publish.Bucket},
		{"LIDARFETCH_PUBLISH_PREFIX", &c.Publish.Prefix},
		{"LIDARFETCH_LOG_LEVEL", &c.Log.Level},
		{"LIDARFETCH_LOG_FORMAT", &c.Log.Format},
		{"LIDARFETCH_METRICS_TEXTFILE", &c.Metrics.Textfile},
		{"LIDARFETCH_TRACING_OUTPUT", &c.Tracing.Output},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	if v := os.Getenv("LIDARFETCH_PRODUCTS"); v != "" {
		var products []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				products = append(products, p)
			}
		}
		c.Filter.Products = products
	}
	if v := os.Getenv("LIDARFETCH_CLIP"); v != "" {
		c.Clip = v == "true" || v == "1"
	}
	if v := os.Getenv("LIDARFETCH_PROGRESS"); v != "" {
		c.Progress = v == "true" || v == "1"
	}
	if v := os.Getenv("LIDARFETCH_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = v == "true" || v == "1"
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"LIDARFETCH_REQUEST_TIMEOUT", &c.Service.RequestTimeout},
		{"LIDARFETCH_POLL_TIMEOUT", &c.Poll.Timeout},
		{"LIDARFETCH_POLL_INTERVAL", &c.Poll.Interval},
		{"LIDARFETCH_DOWNLOAD_TIMEOUT", &c.Download.Timeout},
		{"LIDARFETCH_RETRY_BACKOFF", &c.Retry.Default.Backoff},
		{"LIDARFETCH_RETRY_MAX_BACKOFF", &c.Retry.Default.MaxBackoff},
	}
	for _, d := range durations {
		if err := parseDuration(d.key, os.Getenv(d.key), d.dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("LIDARFETCH_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse LIDARFETCH_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Default.Attempts = n
	}
	if v := os.Getenv("LIDARFETCH_MAX_ARCHIVE_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse LIDARFETCH_MAX_ARCHIVE_SIZE: %w", err)
		}
		c.Download.MaxArchiveSize = size
	}

	return nil
}

// ValidateService validates the settings needed to talk to the service.
func (c *Config) ValidateService() error {
	if c.Service.URL == "" {
		return errors.New("config: service URL is required")
	}
	if !strings.Contains(c.Service.ResultsURL, jobIDPlaceholder) {
		return fmt.Errorf("config: results URL must contain %s", jobIDPlaceholder)
	}
	if c.Service.RequestTimeout <= 0 {
		return errors.New("config: request timeout must be positive")
	}
	if c.Retry.Default.Attempts < 0 {
		return errors.New("config: retry attempts must not be negative")
	}
	return nil
}

// Validate validates the configuration for a full run.
func (c *Config) Validate() error {
	if err := c.ValidateService(); err != nil {
		return err
	}
	if c.AOI == "" {
		return errors.New("config: AOI is required")
	}
	if c.WorkDir == "" {
		return errors.New("config: work dir is required")
	}
	if c.Output == "" {
		return errors.New("config: output is required")
	}
	if c.Clip && c.ClipOutput == "" {
		return errors.New("config: clip output is required when clipping")
	}
	if c.Poll.Timeout <= 0 {
		return errors.New("config: poll timeout must be positive")
	}
	if c.Poll.Interval <= 0 {
		return errors.New("config: poll interval must be positive")
	}
	if c.Download.MaxArchiveSize <= 0 {
		return errors.New("config: max archive size must be positive")
	}
	if c.Download.Timeout <= 0 {
		return errors.New("config: download timeout must be positive")
	}
	switch c.Geometry.Policy {
	case "first", "reject":
	default:
		return fmt.Errorf("config: unknown geometry policy %q", c.Geometry.Policy)
	}
	if c.Publish.Bucket != "" && c.Publish.Concurrency <= 0 {
		return errors.New("config: publish concurrency must be positive")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.AOI != "" {
		c.AOI = override.AOI
	}
	if override.WorkDir != "" {
		c.WorkDir = override.WorkDir
	}
	if override.Output != "" {
		c.Output = override.Output
	}
	if override.Clip {
		c.Clip = override.Clip
	}
	if override.ClipOutput != "" {
		c.ClipOutput = override.ClipOutput
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.Service.URL != "" {
		c.Service.URL = override.Service.URL
	}
	if override.Service.ResultsURL != "" {
		c.Service.ResultsURL = override.Service.ResultsURL
	}
	if override.Service.Token != "" {
		c.Service.Token = override.Service.Token
	}
	if override.Poll.Timeout != 0 {
		c.Poll.Timeout = override.Poll.Timeout
	}
	if override.Poll.Interval != 0 {
		c.Poll.Interval = override.Poll.Interval
	}
	if override.Filter.Product != "" {
		c.Filter.Product = override.Filter.Product
	}
	if override.Filter.Resolution != "" {
		c.Filter.Resolution = override.Filter.Resolution
	}
	if override.Geometry.Policy != "" {
		c.Geometry.Policy = override.Geometry.Policy
	}
	if override.Publish.Bucket != "" {
		c.Publish.Bucket = override.Publish.Bucket
	}
	if override.Publish.Prefix != "" {
		c.Publish.Prefix = override.Publish.Prefix
	}
	if override.Log.Level != "" {
		c.Log.Level = override.Log.Level
	}
	if override.Metrics.Textfile != "" {
		c.Metrics.Textfile = override.Metrics.Textfile
	}
	return c
}

// Header returns the headers sent with every request to the service.
func (s ServiceConfig) Header() http.Header {
	h := http.Header{}
	if s.UserAgent != "" {
		h.Set("User-Agent", s.UserAgent)
	}
	if s.Referer != "" {
		h.Set("Referer", s.Referer)
	}
	if s.Token != "" {
		h.Set("Cookie", "AGS_ROLES="+s.Token)
	}
	h.Set("Accept", "*/*")
	return h
}

// DownloadHeader returns the headers sent to tile hosts. Tile URLs come from
// the manifest, so the token and Referer stay with the service.
func (s ServiceConfig) DownloadHeader() http.Header {
	h := http.Header{}
	if s.UserAgent != "" {
		h.Set("User-Agent", s.UserAgent)
	}
	h.Set("Accept", "*/*")
	return h
}

// NewLogger builds a slog logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
