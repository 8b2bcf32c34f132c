// Package progress provides the observability channel for a lidarfetch run.
//
// Every stage receives a [Feedback] for stage changes, status messages and
// non-fatal errors. [Reporter] is the terminal implementation; it also keeps
// tile download counters and, between [Reporter.Start] and [Reporter.Stop],
// rewrites a single status line.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{Output: os.Stderr})
//
//	reporter.SetStage("Downloading lidar tiles... (Step 2/4)", 25)
//	reporter.TilesQueued(len(tiles))
//	reporter.Start()
//	defer reporter.Stop()
//
// # Output Format
//
//	[lidarfetch] Searching for lidar tiles... (Step 1/4) [0%]
//	[lidarfetch] Job job123: esriJobExecuting
//	[lidarfetch] Tiles: 4/10 | 1 failed | 48.2 MiB | 3.1 MiB/s
//	[lidarfetch] Error: download SU12NE.zip: http: resource not found
package progress
