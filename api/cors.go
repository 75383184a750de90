package api

import (
	"encoding/json"
	"net/http"
)

// ResponseBuilder stamps every response leaving the service with permissive
// CORS headers and the service build version. Every handler exit path,
// including panics, method mismatches and route misses, must write through
// it: a response missing these headers surfaces in browsers as an opaque
// CORS failure that masks the real error.
type ResponseBuilder struct {
	version string
}

// NewResponseBuilder creates a builder stamping the given build version.
func NewResponseBuilder(version string) *ResponseBuilder {
	return &ResponseBuilder{version: version}
}

// Apply sets the CORS and version headers without writing a body. Used for
// responses whose body is produced elsewhere, such as the prometheus
// handler.
func (b *ResponseBuilder) Apply(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("X-Service-Version", b.version)
}

// JSON sends a JSON response
func (b *ResponseBuilder) JSON(w http.ResponseWriter, status int, data interface{}) {
	b.Apply(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response
func (b *ResponseBuilder) Error(w http.ResponseWriter, status int, message string) {
	b.JSON(w, status, map[string]string{
		"error": message,
	})
}

// Binary relays raw bytes verbatim with the origin's content type.
func (b *ResponseBuilder) Binary(w http.ResponseWriter, status int, contentType string, data []byte) {
	b.Apply(w)
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(data)
}

// Preflight answers an OPTIONS request, uniformly for any path.
func (b *ResponseBuilder) Preflight(w http.ResponseWriter) {
	b.Apply(w)
	w.WriteHeader(http.StatusOK)
}
