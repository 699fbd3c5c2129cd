// Package health exposes the process liveness endpoint.
//
// The package serves a single route:
//
//   - /health — returns 200 with a JSON object reporting the process is
//     alive and how many streams are currently active.
package health

import (
	"encoding/json"
	"net/http"
)

// result is the JSON response body for the health endpoint.
type result struct {
	Status        string `json:"status"`
	ActiveStreams int    `json:"active_streams"`
}

// ActiveStreamsFunc reports the current count of streams in PENDING,
// RUNNING, or STOPPING. Implemented by StreamRegistry.
type ActiveStreamsFunc func() int

// Handler serves /health. It is safe for concurrent use.
type Handler struct {
	activeStreams ActiveStreamsFunc
}

// New creates a [Handler] that reports liveness and the active stream count
// returned by activeStreams on each request.
func New(activeStreams ActiveStreamsFunc) *Handler {
	return &Handler{activeStreams: activeStreams}
}

// Health writes the liveness response. A running process that can serve
// HTTP is considered alive; there is no dependency probing beyond that.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	n := 0
	if h.activeStreams != nil {
		n = h.activeStreams()
	}
	writeJSON(w, http.StatusOK, result{Status: "ok", ActiveStreams: n})
}

// Register adds the /health route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
