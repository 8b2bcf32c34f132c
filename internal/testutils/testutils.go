// Package testutils provides shared test infrastructure: a fake survey
// download service, archive fixtures and, behind the integration build tag, a
// MinIO container.
package testutils

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
)

// GenerateTestData generates test data of the given size.
// For files <= 10MB, uses deterministic pattern. For larger files, uses random data.
func GenerateTestData(t *testing.T, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	if size <= 10*1024*1024 {
		for i := range data {
			data[i] = byte(i % 256)
		}
	} else {
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("generate random data: %v", err)
		}
	}
	return data
}

// BuildZip returns a zip archive holding files, written in name order.
func BuildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			t.Fatalf("write zip entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// FakeTile is a tile served by the fake survey service.
type FakeTile struct {
	Product    string
	Resolution string
	// Name is the archive file name, e.g. tile_SU12.zip.
	Name string
	Data []byte
	// Fail makes downloads of this tile return 500.
	Fail bool
}

// SurveyConfig configures the fake survey service.
type SurveyConfig struct {
	JobID string
	// Statuses are returned by successive status queries. The last one
	// repeats.
	Statuses []string
	Tiles    []FakeTile
	// SubmitError makes submitJob return an ArcGIS error body.
	SubmitError bool
}

// SurveyServer is an httptest server imitating the DataDownload
// geoprocessing service, its results directory and the tile host.
type SurveyServer struct {
	*httptest.Server

	cfg SurveyConfig

	mu           sync.Mutex
	submits      int
	statusCalls  int
	tileRequests map[string]int
	tileHeaders  map[string]http.Header
	lastAOI      string
	lastHeaders  http.Header
}

// StartSurveyServer starts a fake survey service. It is closed when the test
// ends.
func StartSurveyServer(t *testing.T, cfg SurveyConfig) *SurveyServer {
	t.Helper()
	if cfg.JobID == "" {
		cfg.JobID = "job123"
	}
	if len(cfg.Statuses) == 0 {
		cfg.Statuses = []string{"esriJobSucceeded"}
	}

	s := &SurveyServer{cfg: cfg, tileRequests: make(map[string]int), tileHeaders: make(map[string]http.Header)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gp/submitJob", s.handleSubmit)
	mux.HandleFunc("GET /gp/jobs/{id}", s.handleStatus)
	mux.HandleFunc("GET /results/{id}/results.json", s.handleResults)
	mux.HandleFunc("GET /tiles/{name}", s.handleTile)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// ServiceURL is the geoprocessing task base URL.
func (s *SurveyServer) ServiceURL() string { return s.URL + "/gp" }

// ResultsURL is the results URL template with a {jobId} placeholder.
func (s *SurveyServer) ResultsURL() string { return s.URL + "/results/{jobId}/results.json" }

// TileURL is the download URL of an archive.
func (s *SurveyServer) TileURL(name string) string { return s.URL + "/tiles/" + name }

// Submits returns the number of submitJob requests.
func (s *SurveyServer) Submits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

// StatusCalls returns the number of status requests.
func (s *SurveyServer) StatusCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls
}

// TileRequests returns the number of download requests for an archive.
func (s *SurveyServer) TileRequests(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tileRequests[name]
}

// TileHeaders returns the headers of the last download request for an
// archive, or nil if it was never requested.
func (s *SurveyServer) TileHeaders(name string) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tileHeaders[name].Clone()
}

// LastAOI returns the AOI parameter of the last submitJob request.
func (s *SurveyServer) LastAOI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAOI
}

// LastHeaders returns the headers of the last submitJob request.
func (s *SurveyServer) LastHeaders() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeaders.Clone()
}

func (s *SurveyServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.submits++
	s.lastAOI = r.URL.Query().Get("AOI")
	s.lastHeaders = r.Header.Clone()
	s.mu.Unlock()

	if s.cfg.SubmitError {
		writeJSON(w, map[string]any{
			"error": map[string]any{"code": 400, "message": "Unable to complete operation.", "details": []string{}},
		})
		return
	}
	writeJSON(w, map[string]any{"jobId": s.cfg.JobID, "jobStatus": "esriJobSubmitted"})
}

func (s *SurveyServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("id") != s.cfg.JobID {
		writeJSON(w, map[string]any{"error": map[string]any{"code": 400, "message": "Invalid jobId"}})
		return
	}

	s.mu.Lock()
	i := min(s.statusCalls, len(s.cfg.Statuses)-1)
	s.statusCalls++
	s.mu.Unlock()

	writeJSON(w, map[string]any{"jobId": s.cfg.JobID, "jobStatus": s.cfg.Statuses[i]})
}

func (s *SurveyServer) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("id") != s.cfg.JobID {
		http.NotFound(w, r)
		return
	}

	data := make([]any, 0, len(s.cfg.Tiles))
	for _, tile := range s.cfg.Tiles {
		data = append(data, map[string]any{
			"productName": tile.Product,
			"years": []any{map[string]any{
				"resolutions": []any{map[string]any{
					"resolutionName": tile.Resolution,
					"tiles":          []any{map[string]any{"url": s.TileURL(tile.Name), "tileName": strings.TrimSuffix(tile.Name, ".zip")}},
				}},
			}},
		})
	}
	writeJSON(w, map[string]any{"data": data})
}

func (s *SurveyServer) handleTile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	s.mu.Lock()
	s.tileRequests[name]++
	s.tileHeaders[name] = r.Header.Clone()
	s.mu.Unlock()

	for _, tile := range s.cfg.Tiles {
		if tile.Name != name {
			continue
		}
		if tile.Fail {
			http.Error(w, "tile unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Write(tile.Data)
		return
	}
	http.NotFound(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode: %v", err), http.StatusInternalServerError)
	}
}
