// Package server hosts the download API behind a single chi router.
//
// Every request passes the same middleware chain: request ID, client key
// resolution, request logging, metrics, security headers, CORS and panic
// recovery. Handlers can therefore rely on a request ID and a client key
// being present in the request context.
package server
