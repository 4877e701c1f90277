// Package handler exposes the HTTP control plane of the bridge.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nextcloud/talk-transcription-bridge/pkg/logger"
)

// SetupRoutes registers all control plane routes on the router.
func SetupRoutes(router *mux.Router, h *TranscriptionHandler) {
	router.HandleFunc("/heartbeat", h.Heartbeat).Methods(http.MethodGet)
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/call/transcribe", h.Transcribe).Methods(http.MethodPost)
	api.HandleFunc("/call/leave", h.Leave).Methods(http.MethodPost)
	api.HandleFunc("/call/set-language", h.SetLanguage).Methods(http.MethodPost)
	api.HandleFunc("/status", h.Status).Methods(http.MethodGet)
	api.HandleFunc("/languages", h.Languages).Methods(http.MethodGet)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Errorw("failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
