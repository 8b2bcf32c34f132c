package manifest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lfhttp "github.com/ligustah/lidarfetch/internal/http"
)

const sampleManifest = `{
  "data": [
    {
      "productName": "LIDAR Composite DTM",
      "years": [
        {"resolutions": [
          {"resolutionName": "DTM 1M", "tiles": [{"url": "https://example.test/dtm1/SU12.zip"}]},
          {"resolutionName": "DTM 2M", "tiles": [
            {"url": "https://example.test/dtm2/SU12.zip", "tileName": "SU12"},
            {"url": " https://example.test/dtm2/SU13.zip "}
          ]}
        ]}
      ]
    },
    {
      "productName": "National LIDAR Programme DSM",
      "years": [
        {"resolutions": [{"resolutionName": "DSM 1M", "tiles": [{"url": "https://example.test/nlp/SU12.zip"}]}]},
        {"resolutions": [{"resolutionName": "DSM 1M", "tiles": [{"url": "https://example.test/nlp/SU13.zip"}]}]}
      ]
    },
    {
      "productName": "Vertical Aerial Photography",
      "years": [{"resolutions": [{"resolutionName": "25CM", "tiles": [{"url": "https://example.test/vap/SU12.zip"}]}]}]
    }
  ]
}`

func defaultCriteria() Criteria {
	return Criteria{
		Products: []string{
			"LIDAR Composite DTM",
			"LIDAR Composite Last Return DSM",
			"National LIDAR Programme DSM",
			"National LIDAR Programme DTM",
		},
		Product:    "LIDAR Composite DTM",
		Resolution: "DTM 2M",
	}
}

func TestFlattenCarriesAncestors(t *testing.T) {
	doc, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	records := Flatten(doc)
	require.Len(t, records, 6)

	assert.Equal(t, TileRecord{"LIDAR Composite DTM", "DTM 1M", "https://example.test/dtm1/SU12.zip"}, records[0])
	assert.Equal(t, TileRecord{"LIDAR Composite DTM", "DTM 2M", "https://example.test/dtm2/SU12.zip"}, records[1])
	assert.Equal(t, TileRecord{"LIDAR Composite DTM", "DTM 2M", "https://example.test/dtm2/SU13.zip"}, records[2])
	assert.Equal(t, "National LIDAR Programme DSM", records[4].Product)
	assert.Equal(t, "Vertical Aerial Photography", records[5].Product)
}

func TestFlattenCountMatchesLeaves(t *testing.T) {
	for _, shape := range [][]int{{0}, {1}, {3, 2}, {1, 0, 4}, {5, 5, 5, 5}} {
		t.Run(fmt.Sprint(shape), func(t *testing.T) {
			var b strings.Builder
			want := 0
			b.WriteString(`{"data":[`)
			for pi, n := range shape {
				if pi > 0 {
					b.WriteString(",")
				}
				fmt.Fprintf(&b, `{"productName":"P%d","years":[{"resolutions":[{"resolutionName":"R%d","tiles":[`, pi, pi)
				for ti := 0; ti < n; ti++ {
					if ti > 0 {
						b.WriteString(",")
					}
					fmt.Fprintf(&b, `{"url":"https://example.test/%d/%d.zip"}`, pi, ti)
				}
				b.WriteString(`]}]}]}`)
				want += n
			}
			b.WriteString(`]}`)

			doc, err := Parse([]byte(b.String()))
			require.NoError(t, err)
			records := Flatten(doc)
			require.Len(t, records, want)
			for _, rec := range records {
				var pi, ti int
				_, err := fmt.Sscanf(rec.URL, "https://example.test/%d/%d.zip", &pi, &ti)
				require.NoError(t, err)
				assert.Equal(t, fmt.Sprintf("P%d", pi), rec.Product)
				assert.Equal(t, fmt.Sprintf("R%d", pi), rec.Resolution)
			}
		})
	}
}

func TestFilter(t *testing.T) {
	doc, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)
	records := Flatten(doc)

	got := Filter(records, defaultCriteria())
	require.Len(t, got, 2)
	assert.Equal(t, "https://example.test/dtm2/SU12.zip", got[0].URL)
	assert.Equal(t, "https://example.test/dtm2/SU13.zip", got[1].URL)

	assert.Equal(t, got, Filter(got, defaultCriteria()), "filter must be idempotent")
	assert.Len(t, records, 6, "filter must not modify input")
}

func TestFilterWithoutNarrowing(t *testing.T) {
	doc, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	c := defaultCriteria()
	c.Product, c.Resolution = "", ""
	got := Filter(Flatten(doc), c)
	assert.Len(t, got, 5)

	c.Resolution = "DSM 1M"
	assert.Len(t, Filter(Flatten(doc), c), 2)
}

func TestFilterEmpty(t *testing.T) {
	doc, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	got := Filter(Flatten(doc), Criteria{})
	assert.NotNil(t, got)
	assert.Empty(t, got)

	assert.Empty(t, Filter(nil, defaultCriteria()))
}

func TestParseEmptyData(t *testing.T) {
	doc, err := Parse([]byte(`{"data":[]}`))
	require.NoError(t, err)
	assert.Empty(t, Flatten(doc))
}

func TestParseShapeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>`},
		{"missing data", `{"results":[]}`},
		{"null data", `{"data":null}`},
		{"data object", `{"data":{"productName":"x"}}`},
		{"years string", `{"data":[{"productName":"x","years":"2020"}]}`},
		{"tiles object", `{"data":[{"productName":"x","years":[{"resolutions":[{"resolutionName":"r","tiles":{}}]}]}]}`},
		{"tile without url", `{"data":[{"productName":"x","years":[{"resolutions":[{"resolutionName":"r","tiles":[{"name":"a"}]}]}]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			assert.ErrorIs(t, err, ErrManifestParse)
		})
	}
}

func testGetter() *lfhttp.Client {
	opts := lfhttp.DefaultOptions()
	opts.RetryAttempts = 0
	return lfhttp.NewClient(opts)
}

func TestResolve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/job123/scratch/results.json", r.URL.Path)
		w.Write([]byte(sampleManifest))
	}))
	defer server.Close()

	r := NewResolver(testGetter(), server.URL+"/jobs/{jobId}/scratch/results.json")
	records, err := r.Resolve(context.Background(), "job123")
	require.NoError(t, err)
	assert.Len(t, records, 6)
}

func TestResolveThenFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleManifest))
	}))
	defer server.Close()

	r := NewResolver(testGetter(), server.URL+"/{jobId}.json")
	records, err := r.Resolve(context.Background(), "job123")
	require.NoError(t, err)

	var products []string
	for _, rec := range records {
		products = append(products, rec.Product)
	}
	assert.Contains(t, products, "Vertical Aerial Photography", "resolve must not filter")

	selected := Filter(records, defaultCriteria())
	require.Len(t, selected, 2)
	for _, rec := range selected {
		assert.Equal(t, "LIDAR Composite DTM", rec.Product)
		assert.Equal(t, "DTM 2M", rec.Resolution)
	}
}

func TestResolveFetchError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	r := NewResolver(testGetter(), server.URL+"/{jobId}.json")
	_, err := r.Resolve(context.Background(), "job123")
	assert.ErrorIs(t, err, ErrManifestFetch)
	assert.ErrorIs(t, err, lfhttp.ErrNotFound)
}

func TestResolveParseError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"nope"}`))
	}))
	defer server.Close()

	r := NewResolver(testGetter(), server.URL+"/{jobId}.json")
	_, err := r.Resolve(context.Background(), "job123")
	assert.ErrorIs(t, err, ErrManifestParse)
}

func TestResolveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewResolver(testGetter(), "http://127.0.0.1:1/{jobId}")
	_, err := r.Resolve(ctx, "job123")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrManifestFetch)
}
