// Package pipeline runs a complete LiDAR retrieval: reduce the AOI, submit a
// survey job, wait for it, select tiles from its manifest, download and unzip
// them, then merge them into a mosaic and optionally clip it to the AOI.
//
// Cancelling the context stops the run between steps. Requests and raster
// processes already started run to completion, after which Run returns a
// Result with Aborted set.
package pipeline
