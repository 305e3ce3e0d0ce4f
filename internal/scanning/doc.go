// Package scanning provides the per-target scan step of camwatch.
//
// A scan fetches a single HTTP target, streams the response body through an
// incremental title classifier and matches the extracted title against the
// active detection rules.
//
// # Overview
//
// The package is built around three pieces:
//   - ScanRequest: an immutable, normalised target with an ID
//   - Fetcher: the capability that retrieves a URL and streams its body
//   - Job: runs one request and produces exactly one Result
//
// The transfer is stopped as soon as the title element has been closed, so
// large pages and endless streams cost no more than their head.
//
// # Usage
//
//	req, err := scanning.NewScanRequest("192.168.1.20")
//	if err != nil {
//		return err
//	}
//
//	fetcher := scanning.NewHTTPFetcher(scanning.DefaultFetcherConfig())
//	result := scanning.NewJob(req, fetcher, rules).Run(ctx)
//
//	for _, msg := range result.Messages("scanner") {
//		b.Publish(msg)
//	}
//
// # Errors
//
// Transport failures are reported as NETWORK_ERROR, and timeouts as TIMEOUT.
// Both are published under the kind name "NetworkError". Any HTTP status
// counts as a successful fetch, and a page without a title is simply not a
// camera.
//
// # Thread Safety
//
// HTTPFetcher is safe for concurrent use. A Job and its classifier belong to
// the goroutine running it.
package scanning
