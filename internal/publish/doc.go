// Package publish copies run outputs to object storage.
//
// Buckets are opened by URL through gocloud.dev/blob, so the same code writes
// to S3 (s3://), Google Cloud Storage (gs://) or a local directory (file://).
// Uploads run in parallel up to Options.Concurrency.
package publish
