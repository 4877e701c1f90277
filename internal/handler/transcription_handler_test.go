package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextcloud/talk-transcription-bridge/internal/config"
	"github.com/nextcloud/talk-transcription-bridge/internal/domain"
	"github.com/nextcloud/talk-transcription-bridge/internal/room"
	"github.com/nextcloud/talk-transcription-bridge/internal/watchdog"
)

var upgrader = websocket.Upgrader{}

// fakeHPB serves just enough of the signaling handshake for a room to come
// up.
func fakeHPB(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"hello","hello":{"sessionid":"bridge-session","resumeid":"r1"}}`))
		for {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

type noSettings struct{}

func (noSettings) SignalingSettings(ctx context.Context, roomToken string) (domain.HPBSettings, error) {
	return domain.HPBSettings{}, nil
}

func newTestRouter(t *testing.T, cfg *config.Config) (*mux.Router, *room.Registry) {
	t.Helper()
	registry := room.NewRegistry(cfg, noSettings{})
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })

	router := mux.NewRouter()
	SetupRoutes(router, NewTranscriptionHandler(cfg, registry, watchdog.New(cfg.MemoryLimitMB, registry)))
	return router, registry
}

func configuredConfig(hpbURL string) *config.Config {
	return &config.Config{
		HPBURL:               hpbURL,
		InternalSecret:       "secret",
		NextcloudURL:         "https://cloud.example.com",
		STTWorkspace:         "ws",
		STTKey:               "k",
		STTSecret:            "s",
		CallLeaveTimeout:     time.Minute,
		MaxConnectionRetries: 1,
		RetryBackoffBase:     1,
		STTConnectTimeout:    time.Second,
		StaleTimeout:         30 * time.Second,
		MemoryLimitMB:        512,
	}
}

func doJSON(router *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHeartbeat(t *testing.T) {
	router, _ := newTestRouter(t, configuredConfig(fakeHPB(t)))
	rec := doJSON(router, http.MethodGet, "/heartbeat", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHealthUnconfigured(t *testing.T) {
	cfg := configuredConfig(fakeHPB(t))
	cfg.STTWorkspace = ""
	router, _ := newTestRouter(t, cfg)

	rec := doJSON(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTranscribeValidation(t *testing.T) {
	router, _ := newTestRouter(t, configuredConfig(fakeHPB(t)))

	rec := doJSON(router, http.MethodPost, "/api/v1/call/transcribe", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(router, http.MethodPost, "/api/v1/call/transcribe", `{"roomToken":"r1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTranscribeUnconfiguredReturns503(t *testing.T) {
	cfg := configuredConfig(fakeHPB(t))
	cfg.STTSecret = ""
	router, _ := newTestRouter(t, cfg)

	rec := doJSON(router, http.MethodPost, "/api/v1/call/transcribe",
		`{"roomToken":"r1","sessionId":"nc-1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTranscribeJoinsCallAndFallsBackLanguage(t *testing.T) {
	router, registry := newTestRouter(t, configuredConfig(fakeHPB(t)))

	rec := doJSON(router, http.MethodPost, "/api/v1/call/transcribe",
		`{"roomToken":"r1","sessionId":"nc-1","language":"xx"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, config.DefaultLanguage, resp["language"])
	assert.Equal(t, 1, registry.ActiveRooms())
}

func TestSetLanguage(t *testing.T) {
	router, _ := newTestRouter(t, configuredConfig(fakeHPB(t)))

	rec := doJSON(router, http.MethodPost, "/api/v1/call/transcribe",
		`{"roomToken":"r1","sessionId":"nc-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(router, http.MethodPost, "/api/v1/call/set-language",
		`{"roomToken":"r1","language":"fr"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(router, http.MethodPost, "/api/v1/call/set-language",
		`{"roomToken":"r1","language":"klingon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(router, http.MethodPost, "/api/v1/call/set-language",
		`{"roomToken":"unknown","language":"fr"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLanguagesEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, configuredConfig(fakeHPB(t)))

	rec := doJSON(router, http.MethodGet, "/api/v1/languages", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Languages []config.Language `json:"languages"`
		Default   string            `json:"default"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "en", resp.Default)
	require.Len(t, resp.Languages, 2)
	assert.Equal(t, "en", resp.Languages[0].Code)
	assert.Equal(t, "fr", resp.Languages[1].Code)
}

func TestStatusEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, configuredConfig(fakeHPB(t)))

	rec := doJSON(router, http.MethodPost, "/api/v1/call/transcribe",
		`{"roomToken":"r1","sessionId":"nc-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(router, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Rooms []room.RoomStatus `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Rooms, 1)
	assert.Equal(t, "r1", resp.Rooms[0].RoomToken)
	assert.Equal(t, 1, resp.Rooms[0].Recipients)
}

// transcribe with enable=false unsubscribes the session without leaving the
// call.
func TestTranscribeDisableRemovesRecipient(t *testing.T) {
	router, registry := newTestRouter(t, configuredConfig(fakeHPB(t)))

	rec := doJSON(router, http.MethodPost, "/api/v1/call/transcribe",
		`{"roomToken":"r1","sessionId":"nc-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(router, http.MethodPost, "/api/v1/call/transcribe",
		`{"roomToken":"r1","sessionId":"nc-1","enable":false}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	statuses := registry.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, 0, statuses[0].Recipients)
}

// leave takes just the room token and ends the whole call.
func TestLeaveClosesRoom(t *testing.T) {
	router, registry := newTestRouter(t, configuredConfig(fakeHPB(t)))

	rec := doJSON(router, http.MethodPost, "/api/v1/call/transcribe",
		`{"roomToken":"r1","sessionId":"nc-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, registry.ActiveRooms())

	rec = doJSON(router, http.MethodPost, "/api/v1/call/leave", `{"roomToken":"r1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	deadline := time.Now().Add(3 * time.Second)
	for registry.ActiveRooms() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, 0, registry.ActiveRooms())
}

func TestLeaveValidation(t *testing.T) {
	router, _ := newTestRouter(t, configuredConfig(fakeHPB(t)))

	rec := doJSON(router, http.MethodPost, "/api/v1/call/leave", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLeaveUnknownRoomIsOK(t *testing.T) {
	router, _ := newTestRouter(t, configuredConfig(fakeHPB(t)))

	rec := doJSON(router, http.MethodPost, "/api/v1/call/leave",
		`{"roomToken":"ghost"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}
