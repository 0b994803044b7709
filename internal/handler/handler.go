// Package handler contains the HTTP webhook ingress: the messaging
// platform's user webhook and the two payment provider callbacks.
package handler

import (
	"encoding/json"
	"net/http"
)

// writeJSON is a helper that writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
