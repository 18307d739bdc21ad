package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/veolab/igeo-bridge/internal/database"
)

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Error    string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Workers  string `json:"workers"`
	Error    string `json:"error,omitempty"`
}

type statusResponse struct {
	Workers    string                `json:"workers"`
	Generation int                   `json:"generation"`
	Database   database.HealthStatus `json:"database"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Headers are already sent; nothing useful to do with an encode error.
	_ = json.NewEncoder(w).Encode(v)
}
