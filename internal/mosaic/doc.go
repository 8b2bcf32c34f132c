// Package mosaic assembles downloaded rasters into a virtual mosaic and clips
// it to the area of interest.
//
// The raster work is delegated to an [Engine]; [GDAL] implements it with
// gdalbuildvrt, gdalwarp and gdalinfo.
package mosaic
