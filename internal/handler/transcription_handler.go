package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nextcloud/talk-transcription-bridge/internal/config"
	"github.com/nextcloud/talk-transcription-bridge/internal/room"
	"github.com/nextcloud/talk-transcription-bridge/internal/watchdog"
	"github.com/nextcloud/talk-transcription-bridge/pkg/logger"
)

// TranscriptionHandler serves the call transcription control plane.
type TranscriptionHandler struct {
	cfg      *config.Config
	registry *room.Registry
	memory   *watchdog.Watchdog
}

// NewTranscriptionHandler wires the handler to the room registry.
func NewTranscriptionHandler(cfg *config.Config, registry *room.Registry, memory *watchdog.Watchdog) *TranscriptionHandler {
	return &TranscriptionHandler{cfg: cfg, registry: registry, memory: memory}
}

type transcribeRequest struct {
	RoomToken string `json:"roomToken"`
	SessionID string `json:"sessionId"`
	Language  string `json:"language"`
	// Enable defaults to true; false unsubscribes the session instead.
	Enable *bool `json:"enable"`
}

type leaveRequest struct {
	RoomToken string `json:"roomToken"`
}

type setLanguageRequest struct {
	RoomToken string `json:"roomToken"`
	Language  string `json:"language"`
}

// Heartbeat answers liveness probes.
func (h *TranscriptionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health reports readiness. An unconfigured bridge is alive but not ready.
func (h *TranscriptionHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.HPBConfigured() || !h.cfg.STTConfigured() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unconfigured",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_rooms": h.registry.ActiveRooms(),
		"memory_bytes": h.memory.UsageBytes(),
	})
}

// Transcribe enables live transcription of a call for one session. Unknown
// languages silently fall back to the default.
func (h *TranscriptionHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	var req transcribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RoomToken == "" || req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "roomToken and sessionId are required")
		return
	}
	if !h.cfg.HPBConfigured() || !h.cfg.STTConfigured() {
		respondError(w, http.StatusServiceUnavailable, "transcription backend is not configured")
		return
	}
	if req.Enable != nil && !*req.Enable {
		h.registry.Disable(req.RoomToken, req.SessionID)
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "enabled": false})
		return
	}
	if h.memory.OverBudget() {
		respondError(w, http.StatusServiceUnavailable, "service is over its memory budget")
		return
	}

	language := config.ResolveLanguage(req.Language)
	if err := h.registry.Enable(r.Context(), req.RoomToken, req.SessionID, language); err != nil {
		if errors.Is(err, room.ErrRoomDefunct) {
			respondError(w, http.StatusServiceUnavailable, "transcription for this call is in a failed state")
			return
		}
		logger.Base().Error("failed to enable transcription",
			zap.String("room_token", req.RoomToken), zap.Error(err))
		respondError(w, http.StatusBadGateway, "could not join the call")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":   "transcribing",
		"language": language,
	})
}

// Leave makes the bridge leave a call outright, ending transcription for
// every recipient of that room.
func (h *TranscriptionHandler) Leave(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RoomToken == "" {
		respondError(w, http.StatusBadRequest, "roomToken is required")
		return
	}

	h.registry.Leave(req.RoomToken)
	respondJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

// SetLanguage switches the language of an active transcription.
func (h *TranscriptionHandler) SetLanguage(w http.ResponseWriter, r *http.Request) {
	var req setLanguageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !config.IsLanguageSupported(req.Language) {
		respondError(w, http.StatusBadRequest, "unsupported language")
		return
	}
	if err := h.registry.SetLanguage(req.RoomToken, req.Language); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "language": req.Language})
}

// Status lists the active rooms.
func (h *TranscriptionHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"rooms": h.registry.Status()})
}

// Languages lists the supported transcription languages.
func (h *TranscriptionHandler) Languages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"languages": config.SupportedLanguages(),
		"default":   config.DefaultLanguage,
	})
}
