// Package apiutil holds the JSON response helpers shared by the API handlers.
package apiutil

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the shape of every error response: {"error": "..."}.
type ErrorBody struct {
	Error string `json:"error"`
}

// WriteJSON writes v as JSON with status. Encoding errors are ignored since
// the status line has already been sent.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}

// SetCacheStatus sets X-Cache to HIT or MISS.
func SetCacheStatus(w http.ResponseWriter, hit bool) {
	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
}
