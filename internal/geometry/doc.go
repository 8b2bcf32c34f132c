// Package geometry reduces an input polygon to the single ring the survey
// service accepts.
//
// Input is GeoJSON in British National Grid coordinates. Multi-part input
// (MultiPolygon, several features, GeometryCollection) is exploded into
// single-part polygons; [PolicyFirst] keeps the first and [PolicyReject]
// refuses the input. Interior rings are discarded and open rings are closed.
//
// [AOI.Envelope] renders the ESRI feature set used by submitJob and
// [AOI.WriteCutline] the GeoJSON cutline used for clipping.
package geometry
