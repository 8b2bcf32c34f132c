// Package downloader retrieves tile archives and unpacks them into the working
// directory.
//
// # Usage
//
//	d := downloader.New(client, downloader.Options{
//	    Feedback:       reporter,
//	    MaxArchiveSize: 2 << 30,
//	})
//	fetched, err := d.Fetch(ctx, tiles, workDir)
//	extracted, err := d.Extract(ctx, fetched.Files, workDir)
//
// # Fault isolation
//
// Downloads run one at a time. A tile that fails to download or extract is
// reported once through [progress.Feedback], recorded in the result and
// skipped; it never stops the batch. Only cancellation and the optional
// circuit breaker end a batch early, and both return the partial result.
//
// Archives are written through a temporary file and renamed into place, so a
// partial download never appears under the archive's name.
package downloader
