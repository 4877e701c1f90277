package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nextcloud/talk-transcription-bridge/internal/config"
	"github.com/nextcloud/talk-transcription-bridge/internal/domain"
	"github.com/nextcloud/talk-transcription-bridge/pkg/logger"
)

// ErrRoomDefunct is returned when a room is in terminal failure and cannot
// accept recipients until its state is cleaned up.
var ErrRoomDefunct = errors.New("room is in failed state")

// SettingsSource resolves the ICE configuration for a room. Implemented by
// the Nextcloud OCS client.
type SettingsSource interface {
	SignalingSettings(ctx context.Context, roomToken string) (domain.HPBSettings, error)
}

// RoomStatus is a point-in-time view of one active room.
type RoomStatus struct {
	RoomToken    string `json:"roomToken"`
	Language     string `json:"language"`
	Recipients   int    `json:"recipients"`
	Transcribers int    `json:"transcribers"`
	Defunct      bool   `json:"defunct"`
}

// Registry owns the orchestrators of all active rooms.
type Registry struct {
	cfg      *config.Config
	settings SettingsSource

	mu    sync.Mutex
	rooms map[string]*Orchestrator
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg *config.Config, settings SettingsSource) *Registry {
	return &Registry{
		cfg:      cfg,
		settings: settings,
		rooms:    make(map[string]*Orchestrator),
	}
}

// Enable subscribes a Nextcloud session to live transcripts of a room,
// joining the call first if the bridge is not in it yet.
func (r *Registry) Enable(ctx context.Context, roomToken, ncSessionID, language string) error {
	r.mu.Lock()
	orc, exists := r.rooms[roomToken]
	if exists && orc.IsDefunct() {
		r.mu.Unlock()
		return ErrRoomDefunct
	}
	if !exists {
		settings, err := r.settings.SignalingSettings(ctx, roomToken)
		if err != nil {
			logger.Base().Warn("could not fetch signaling settings, continuing without ICE servers",
				zap.String("room_token", roomToken), zap.Error(err))
			settings = domain.HPBSettings{}
		}
		orc = NewOrchestrator(r.cfg, roomToken, language, settings, r.roomClosed)
		r.rooms[roomToken] = orc
		r.mu.Unlock()

		if err := orc.Start(context.WithoutCancel(ctx)); err != nil {
			r.roomClosed(roomToken)
			return fmt.Errorf("failed to join call %s: %w", roomToken, err)
		}
	} else {
		r.mu.Unlock()
	}

	orc.AddRecipient(ncSessionID)
	return nil
}

// Disable unsubscribes a Nextcloud session from a room's transcripts.
// Unknown rooms are a no-op.
func (r *Registry) Disable(roomToken, ncSessionID string) {
	r.mu.Lock()
	orc := r.rooms[roomToken]
	r.mu.Unlock()
	if orc != nil {
		orc.RemoveRecipient(ncSessionID)
	}
}

// Leave makes the bridge leave a call outright, regardless of remaining
// recipients. Unknown rooms are a no-op.
func (r *Registry) Leave(roomToken string) {
	r.mu.Lock()
	orc := r.rooms[roomToken]
	r.mu.Unlock()
	if orc != nil {
		orc.Close("left on request")
	}
}

// SetLanguage changes the transcription language of an active room.
func (r *Registry) SetLanguage(roomToken, language string) error {
	r.mu.Lock()
	orc := r.rooms[roomToken]
	r.mu.Unlock()
	if orc == nil {
		return fmt.Errorf("no active transcription for room %s", roomToken)
	}
	orc.SetLanguage(language)
	return nil
}

// Status reports every active room.
func (r *Registry) Status() []RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]RoomStatus, 0, len(r.rooms))
	for token, orc := range r.rooms {
		statuses = append(statuses, RoomStatus{
			RoomToken:    token,
			Language:     orc.Language(),
			Recipients:   orc.RecipientCount(),
			Transcribers: orc.TranscriberCount(),
			Defunct:      orc.IsDefunct(),
		})
	}
	return statuses
}

// ActiveRooms returns how many rooms are currently tracked.
func (r *Registry) ActiveRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// ActiveTranscribers returns the total number of speaker streams across all
// rooms.
func (r *Registry) ActiveTranscribers() int {
	r.mu.Lock()
	orcs := make([]*Orchestrator, 0, len(r.rooms))
	for _, orc := range r.rooms {
		orcs = append(orcs, orc)
	}
	r.mu.Unlock()

	total := 0
	for _, orc := range orcs {
		total += orc.TranscriberCount()
	}
	return total
}

// Shutdown leaves every call and waits for the teardowns to finish.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	orcs := make([]*Orchestrator, 0, len(r.rooms))
	for _, orc := range r.rooms {
		orcs = append(orcs, orc)
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, orc := range orcs {
		g.Go(func() error {
			orc.Close("service shutting down")
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) roomClosed(roomToken string) {
	r.mu.Lock()
	delete(r.rooms, roomToken)
	r.mu.Unlock()
	logger.Base().Info("room removed from registry", zap.String("room_token", roomToken))
}
