package server

import (
	"net/http"

	"feedpack/internal/api"
)

// writeMiddlewareError normalises middleware error responses to the API JSON shape.
func writeMiddlewareError(w http.ResponseWriter, status int, code, message string) {
	api.WriteError(w, status, code, message)
}
