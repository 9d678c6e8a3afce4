package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"stokbro/internal/metrics"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, m *metrics.Metrics, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
	m.RequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

func writeError(w http.ResponseWriter, m *metrics.Metrics, status int, msg string) {
	writeJSON(w, m, status, errorResponse{Error: msg})
}
