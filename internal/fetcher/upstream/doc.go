// Package upstream implements fetcher.ContentFetcher on top of an HTTP/JSON
// fetch gateway.
//
// Overview
//
// The gateway owns everything platform specific (sessions, markup, CDN
// signing). This package only speaks its small JSON API:
//
//	GET /profiles/{username}             profile description
//	GET /profiles/{username}/posts?limit  newest posts with media URLs
//	GET /posts/{shortcode}                a single post
//
// Media URLs returned by the gateway are downloaded directly and written
// into the caller's sink as "<YYYY-MM-DD>-<shortcode>/<file>", with an
// optional "metadata.txt" sidecar per post. The media of one post are
// fetched concurrently, bounded by Config.MediaConcurrency.
//
// Error Mapping
//
// Gateway statuses translate to the fetcher sentinels:
//
//	404 -> fetcher.ErrNotFound
//	401 -> fetcher.ErrLoginRequired
//	403 -> fetcher.ErrPrivate
//	410 -> fetcher.ErrSuspended
//	429 -> *fetcher.ThrottledError (Retry-After honoured)
//
// Retry Semantics
//
// Transport errors and 5xx responses from the API are retried up to
// Config.MaxAttempts times with Config.RetryInterval between attempts. 4xx
// responses, including 429, are returned immediately. Media downloads are
// not retried.
package upstream
