// Package manifest reads the results.json document a finished survey job
// publishes and turns it into tile records.
//
// The document nests tiles four levels deep:
//
//	data[] -> productName, years[] -> resolutions[] -> resolutionName, tiles[] -> url
//
// [Flatten] produces one [TileRecord] per tile and [Filter] narrows them to
// the configured products and resolution.
package manifest
