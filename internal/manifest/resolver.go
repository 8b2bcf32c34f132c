package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
)

// Errors returned by the resolver.
var (
	ErrManifestFetch = errors.New("manifest: fetch failed")
	ErrManifestParse = errors.New("manifest: unexpected document shape")
)

// JobIDPlaceholder is replaced with the job ID in the results URL template.
const JobIDPlaceholder = "{jobId}"

// TileRecord is one downloadable tile from a job's results.
type TileRecord struct {
	Product    string `json:"product"`
	Resolution string `json:"resolution"`
	URL        string `json:"url"`
}

// Document is the results.json document of a finished job.
type Document struct {
	Data []Product `json:"data"`
}

// Product is one product of a results document, e.g. "LIDAR Composite DTM".
type Product struct {
	ProductName string `json:"productName"`
	Years       []Year `json:"years"`
}

// Year groups a product's resolutions by survey year. The service does not
// name the year in results.json.
type Year struct {
	Resolutions []Resolution `json:"resolutions"`
}

// Resolution lists the tiles of one resolution, e.g. "DTM 2M".
type Resolution struct {
	ResolutionName string `json:"resolutionName"`
	Tiles          []Tile `json:"tiles"`
}

// Tile is a downloadable archive. Members other than url are ignored.
type Tile struct {
	URL string `json:"url"`
}

// Getter fetches a URL.
type Getter interface {
	Get(ctx context.Context, url string) (io.ReadCloser, error)
}

// Resolver fetches and flattens job results.
type Resolver struct {
	client      Getter
	urlTemplate string
}

// NewResolver creates a resolver. urlTemplate must contain JobIDPlaceholder.
func NewResolver(client Getter, urlTemplate string) *Resolver {
	return &Resolver{client: client, urlTemplate: urlTemplate}
}

// URL returns the results URL for a job.
func (r *Resolver) URL(jobID string) string {
	return strings.ReplaceAll(r.urlTemplate, JobIDPlaceholder, jobID)
}

// Resolve fetches the job's results document and returns every tile in it,
// unfiltered. A document with no tiles yields an empty slice.
//
// Selection is left to Filter so callers can report how many tiles the job
// listed against how many were selected:
//
//	records, err := r.Resolve(ctx, jobID)
//	if err != nil {
//		return err
//	}
//	selected := manifest.Filter(records, criteria)
func (r *Resolver) Resolve(ctx context.Context, jobID string) ([]TileRecord, error) {
	body, err := r.client.Get(ctx, r.URL(jobID))
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: job %s: %w", ErrManifestFetch, jobID, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: job %s: read body: %w", ErrManifestFetch, jobID, err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	return Flatten(doc), nil
}

// Parse decodes a results document. It fails with ErrManifestParse if the
// data member is missing, a member has the wrong JSON type or a tile has no
// url.
func Parse(data []byte) (*Document, error) {
	var probe struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
	}
	if len(probe.Data) == 0 || string(probe.Data) == "null" {
		return nil, fmt.Errorf("%w: missing data", ErrManifestParse)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
	}

	for pi, p := range doc.Data {
		for yi, y := range p.Years {
			for ri, res := range y.Resolutions {
				for ti, t := range res.Tiles {
					if strings.TrimSpace(t.URL) == "" {
						return nil, fmt.Errorf("%w: data[%d].years[%d].resolutions[%d].tiles[%d] has no url",
							ErrManifestParse, pi, yi, ri, ti)
					}
				}
			}
		}
	}

	return &doc, nil
}

// Flatten returns one record per leaf tile, carrying the product and
// resolution names of its ancestors. Document order is preserved.
func Flatten(doc *Document) []TileRecord {
	if doc == nil {
		return nil
	}
	records := []TileRecord{}
	for _, p := range doc.Data {
		for _, y := range p.Years {
			for _, res := range y.Resolutions {
				for _, t := range res.Tiles {
					records = append(records, TileRecord{
						Product:    p.ProductName,
						Resolution: res.ResolutionName,
						URL:        strings.TrimSpace(t.URL),
					})
				}
			}
		}
	}
	return records
}

// Criteria selects tiles. A record matches when its product is in Products
// and, if set, equals Product and its resolution equals Resolution.
type Criteria struct {
	Products   []string
	Product    string
	Resolution string
}

// Match reports whether rec satisfies the criteria.
func (c Criteria) Match(rec TileRecord) bool {
	if !slices.Contains(c.Products, rec.Product) {
		return false
	}
	if c.Product != "" && rec.Product != c.Product {
		return false
	}
	if c.Resolution != "" && rec.Resolution != c.Resolution {
		return false
	}
	return true
}

// Filter returns the records matching c in their original order. It never
// modifies records; an empty allow-list selects nothing.
func Filter(records []TileRecord, c Criteria) []TileRecord {
	out := []TileRecord{}
	for _, rec := range records {
		if c.Match(rec) {
			out = append(out, rec)
		}
	}
	return out
}
