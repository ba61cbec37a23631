// Package httputil writes JSON responses for the service's HTTP handlers.
package httputil

import (
	"encoding/json"
	"net/http"
)

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an error body. Server errors never expose the
// description.
func WriteError(w http.ResponseWriter, status int, description string) {
	body := errorResponse{Error: errorCode(status)}
	if status < http.StatusInternalServerError {
		body.Description = description
	}
	WriteJSON(w, status, body)
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	if status >= http.StatusInternalServerError {
		return "internal_error"
	}
	return "request_failed"
}
