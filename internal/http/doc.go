// Package http provides the HTTP client used for every remote call made by
// lidarfetch: job submission, status polling, manifest retrieval and tile
// archive downloads.
//
// This package handles:
//   - Connection pooling
//   - Retry with exponential backoff and jitter on 5xx, 429 and transport errors
//   - Per-endpoint retry policies via [Client.WithRetry]
//   - Static headers (credentials, user agent) on every request
//   - JSON decoding with [ErrMalformedResponse] on bad bodies
//
// # Cancellation
//
// A request that has been sent is never aborted by the caller's context; it
// completes or fails on [Options].Timeout. Cancellation stops the next
// attempt and interrupts backoff waits.
//
// # Usage
//
//	client := http.NewClient(http.Options{
//	    Timeout:       60 * time.Second,
//	    RetryAttempts: 3,
//	    Header:        header,
//	})
//
//	var status struct{ JobStatus string `json:"jobStatus"` }
//	err := client.GetJSON(ctx, url, &status)
//
//	body, err := client.Get(ctx, tileURL)
//	defer body.Close()
package http
