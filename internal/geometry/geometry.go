package geometry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// WKID is the spatial reference of every AOI sent to the survey service
// (EPSG:27700, British National Grid).
const WKID = 27700

// ErrInvalidGeometry is returned when the input cannot be reduced to a single
// polygon ring.
var ErrInvalidGeometry = errors.New("geometry: invalid area of interest")

// Policy decides what happens to multi-part input.
type Policy int

const (
	// PolicyFirst keeps the first polygon and drops the rest.
	PolicyFirst Policy = iota
	// PolicyReject fails when the input has more than one polygon.
	PolicyReject
)

// ParsePolicy parses "first" or "reject".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "first":
		return PolicyFirst, nil
	case "reject":
		return PolicyReject, nil
	default:
		return 0, fmt.Errorf("geometry: unknown policy %q", s)
	}
}

// AOI is a single closed polygon ring in British National Grid coordinates.
type AOI struct {
	Ring orb.Ring
}

// Reduction describes how an input was reduced to an AOI.
type Reduction struct {
	// Parts is the number of single-part polygons found in the input.
	Parts int
	// Dropped is the number of parts discarded by PolicyFirst.
	Dropped int
	// Holes is the number of interior rings discarded from the kept polygon.
	Holes int
	// Closed is true when the kept ring had to be closed.
	Closed bool
}

// Load reads a GeoJSON file containing a FeatureCollection, a Feature or a
// bare geometry and returns its geometries in document order.
func Load(path string) ([]orb.Geometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read aoi: %w", err)
	}
	return Parse(data)
}

// Parse decodes GeoJSON bytes. See Load.
func Parse(data []byte) ([]orb.Geometry, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}

	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
		}
		geoms := make([]orb.Geometry, 0, len(fc.Features))
		for _, f := range fc.Features {
			geoms = append(geoms, f.Geometry)
		}
		return geoms, nil
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
		}
		return []orb.Geometry{f.Geometry}, nil
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
		}
		return []orb.Geometry{g.Geometry()}, nil
	}
}

// Reduce converts geometries to a single AOI ring. Multi-part input is
// exploded into single-part polygons first; the policy then decides whether
// extra parts are dropped or rejected. Only the exterior ring of the kept
// polygon is used.
func Reduce(geoms []orb.Geometry, policy Policy) (AOI, Reduction, error) {
	var polys []orb.Polygon
	for i, g := range geoms {
		parts, err := singleParts(g)
		if err != nil {
			return AOI{}, Reduction{}, fmt.Errorf("%w: feature %d: %v", ErrInvalidGeometry, i, err)
		}
		polys = append(polys, parts...)
	}

	if len(polys) == 0 {
		return AOI{}, Reduction{}, fmt.Errorf("%w: no polygon features", ErrInvalidGeometry)
	}

	red := Reduction{Parts: len(polys)}
	if len(polys) > 1 {
		if policy == PolicyReject {
			return AOI{}, red, fmt.Errorf("%w: %d polygon parts, expected 1", ErrInvalidGeometry, len(polys))
		}
		red.Dropped = len(polys) - 1
	}

	poly := polys[0]
	if len(poly) == 0 {
		return AOI{}, red, fmt.Errorf("%w: polygon has no rings", ErrInvalidGeometry)
	}
	red.Holes = len(poly) - 1

	ring := append(orb.Ring(nil), poly[0]...)
	if len(ring) > 0 && !ring.Closed() {
		ring = append(ring, ring[0])
		red.Closed = true
	}
	if len(ring) < 4 {
		return AOI{}, red, fmt.Errorf("%w: ring has %d points, need at least 4", ErrInvalidGeometry, len(ring))
	}

	return AOI{Ring: ring}, red, nil
}

func singleParts(g orb.Geometry) ([]orb.Polygon, error) {
	switch v := g.(type) {
	case orb.Polygon:
		return []orb.Polygon{v}, nil
	case orb.MultiPolygon:
		return []orb.Polygon(v), nil
	case orb.Collection:
		var out []orb.Polygon
		for _, c := range v {
			parts, err := singleParts(c)
			if err != nil {
				return nil, err
			}
			out = append(out, parts...)
		}
		return out, nil
	case nil:
		return nil, errors.New("missing geometry")
	default:
		return nil, fmt.Errorf("unsupported geometry type %s", g.GeoJSONType())
	}
}

type spatialReference struct {
	WKID       int `json:"wkid"`
	LatestWKID int `json:"latestWkid"`
}

type envelope struct {
	GeometryType string            `json:"geometryType"`
	Features     []envelopeFeature `json:"features"`
	SR           spatialReference  `json:"sr"`
}

type envelopeFeature struct {
	Geometry envelopeGeometry `json:"geometry"`
}

type envelopeGeometry struct {
	Rings            [][][2]float64   `json:"rings"`
	SpatialReference spatialReference `json:"spatialReference"`
}

// Envelope renders the AOI as the ESRI feature set the submitJob endpoint
// expects in its AOI parameter.
func (a AOI) Envelope() (string, error) {
	ring := make([][2]float64, len(a.Ring))
	for i, p := range a.Ring {
		ring[i] = [2]float64{p[0], p[1]}
	}

	sr := spatialReference{WKID: WKID, LatestWKID: WKID}
	env := envelope{
		GeometryType: "esriGeometryPolygon",
		Features: []envelopeFeature{{
			Geometry: envelopeGeometry{
				Rings:            [][][2]float64{ring},
				SpatialReference: sr,
			},
		}},
		SR: sr,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode aoi envelope: %w", err)
	}
	return string(data), nil
}

// Polygon returns the AOI as an orb polygon.
func (a AOI) Polygon() orb.Polygon {
	return orb.Polygon{a.Ring}
}

// WriteCutline writes the AOI as a GeoJSON FeatureCollection suitable for
// gdalwarp -cutline. The legacy crs member pins the coordinates to
// EPSG:27700.
func (a AOI) WriteCutline(path string) error {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(a.Polygon()))
	fc.ExtraMembers = geojson.Properties{
		"crs": map[string]any{
			"type": "name",
			"properties": map[string]any{
				"name": fmt.Sprintf("urn:ogc:def:crs:EPSG::%d", WKID),
			},
		},
	}

	data, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode cutline: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write cutline: %w", err)
	}
	return nil
}
