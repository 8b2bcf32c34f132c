// Package config defines configuration structures for the lidarfetch CLI.
//
// Configuration can be provided via:
//   - Command-line flags (applied with [Config.Merge])
//   - Environment variables (LIDARFETCH_ prefix)
//   - YAML configuration file
//
// # YAML
//
//	aoi: site.geojson
//	work_dir: ./tiles
//	output: ./tiles/mosaic.vrt
//	clip: true
//	clip_output: ./clipped.tif
//	service:
//	  token: 419jqfa+uOZgYod4xPOQ8Q==
//	  request_timeout: 60s
//	poll:
//	  timeout: 2m
//	  interval: 5s
//	filter:
//	  products: ["LIDAR Composite DTM", "National LIDAR Programme DTM"]
//	  product: LIDAR Composite DTM
//	  resolution: DTM 2M
//	retry:
//	  attempts: 3
//	  backoff: 1s
//	  max_backoff: 30s
//	  submit:
//	    attempts: 1
//	download:
//	  max_archive_size: 2GiB
//	publish:
//	  bucket: s3://survey-mosaics?region=eu-west-2
//	  prefix: runs/site-a
//
// Durations use time.ParseDuration syntax and sizes accept binary (MiB) or SI
// (MB) suffixes.
package config
