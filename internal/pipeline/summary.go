package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ligustah/lidarfetch/internal/manifest"
)

// SummaryFile is the name of the run summary written to the work dir.
const SummaryFile = "lidarfetch-run.json"

// Summary is the JSON form of a Result.
type Summary struct {
	RunID     string                `json:"run_id"`
	JobID     string                `json:"job_id,omitempty"`
	Aborted   bool                  `json:"aborted"`
	Tiles     []manifest.TileRecord `json:"tiles"`
	Files     []SummaryFileEntry    `json:"files"`
	Failures  []string              `json:"failures"`
	Mosaic    string                `json:"mosaic,omitempty"`
	Sources   []string              `json:"sources,omitempty"`
	Clipped   string                `json:"clipped,omitempty"`
	Started   time.Time             `json:"started"`
	Finished  time.Time             `json:"finished"`
	Published []string              `json:"published,omitempty"`
}

// SummaryFileEntry is a downloaded archive.
type SummaryFileEntry struct {
	Path string `json:"path"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Summarize converts a result.
func Summarize(res *Result) Summary {
	s := Summary{
		RunID:    res.RunID,
		JobID:    res.JobID,
		Aborted:  res.Aborted,
		Tiles:    res.Tiles,
		Files:    []SummaryFileEntry{},
		Failures: []string{},
		Started:  res.Started.UTC(),
		Finished: res.Finished.UTC(),
	}
	if s.Tiles == nil {
		s.Tiles = []manifest.TileRecord{}
	}
	for _, f := range res.Files {
		s.Files = append(s.Files, SummaryFileEntry{Path: f.Path, URL: f.Tile.URL, Size: f.Size})
	}
	for _, e := range res.DownloadFailures {
		s.Failures = append(s.Failures, e.Error())
	}
	for _, e := range res.ExtractFailures {
		s.Failures = append(s.Failures, e.Error())
	}
	if res.Mosaic != nil && !res.Mosaic.Empty() {
		s.Mosaic = res.Mosaic.Path
		s.Sources = res.Mosaic.Sources
	}
	if res.Clipped != nil {
		s.Clipped = res.Clipped.Path
	}
	return s
}

// WriteSummary writes the summary of res to dir/SummaryFile.
func WriteSummary(dir string, res *Result) error {
	data, err := json.MarshalIndent(Summarize(res), "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SummaryFile), data, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// ReadSummary reads dir/SummaryFile.
func ReadSummary(dir string) (Summary, error) {
	var s Summary
	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if err != nil {
		return s, fmt.Errorf("read summary: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode summary: %w", err)
	}
	return s, nil
}
