package httpx

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorPayload struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	Interval         int    `json:"interval,omitempty"`
}

// writeError sends an OAuth style {error, error_description} body.
func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorPayload{Error: code, ErrorDescription: description})
}

// writeInternal reports an unexpected failure. The body carries no error code.
func writeInternal(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal server error"})
}
