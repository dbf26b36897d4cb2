// Package api hosts the HTTP handlers of the download service.
//
// Handlers validate path and query parameters, hand the request to a
// DownloadService and shape the outcome: a streamed file with download
// statistics in response headers, or a JSON error envelope whose status and
// error_code follow the failure kind.
//
// Handlers assume the middleware from internal/server has already attached a
// request ID and the client key used for admission to the request context.
package api
