package rtc

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextcloud/talk-transcription-bridge/internal/domain"
)

type fakeSignaler struct {
	mu         sync.Mutex
	answerSDP  string
	answerSID  string
	candidates []string
	closed     []string
	tracks     []string
}

func (f *fakeSignaler) SendAnswer(sessionID, offerSID, sdp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerSID = offerSID
	f.answerSDP = sdp
}

func (f *fakeSignaler) SendCandidate(sessionID, offerSID, candidate, sdpMid string, sdpMLineIndex int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
}

func (f *fakeSignaler) TrackStarted(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, sessionID)
}

func (f *fakeSignaler) SubscriberClosed(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
}

// buildOffer creates a publishing peer connection and a complete SDP offer
// with one Opus audio track.
func buildOffer(t *testing.T) (*webrtc.PeerConnection, string) {
	t.Helper()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
	}, "audio", "publisher")
	require.NoError(t, err)
	_, err = pc.AddTrack(track)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	select {
	case <-gathered:
	case <-time.After(10 * time.Second):
		t.Fatal("offer gathering timed out")
	}
	return pc, pc.LocalDescription().SDP
}

func TestNewSubscriberAnswersOffer(t *testing.T) {
	offerer, offerSDP := buildOffer(t)
	defer offerer.Close()

	signaler := &fakeSignaler{}
	sub, err := NewSubscriber(domain.HPBSettings{}, "speaker-1", "sid-1", offerSDP,
		signaler, func(domain.PCMFrame) {})
	require.NoError(t, err)
	defer sub.Close()

	signaler.mu.Lock()
	defer signaler.mu.Unlock()

	assert.Equal(t, "sid-1", signaler.answerSID)
	require.NotEmpty(t, signaler.answerSDP)
	assert.Contains(t, signaler.answerSDP, "recvonly")

	// Candidates come from the gathered local description, not trickle
	// callbacks, so they must all start with the attribute value.
	require.NotEmpty(t, signaler.candidates)
	for _, cand := range signaler.candidates {
		assert.True(t, strings.HasPrefix(cand, "candidate:"), "candidate %q", cand)
	}
	assert.Equal(t, strings.Count(signaler.answerSDP, "a=candidate:"), len(signaler.candidates))
}

func TestSubscriberCompletesHandshake(t *testing.T) {
	offerer, offerSDP := buildOffer(t)
	defer offerer.Close()

	signaler := &fakeSignaler{}
	sub, err := NewSubscriber(domain.HPBSettings{}, "speaker-2", "sid-2", offerSDP,
		signaler, func(domain.PCMFrame) {})
	require.NoError(t, err)
	defer sub.Close()

	signaler.mu.Lock()
	answer := signaler.answerSDP
	signaler.mu.Unlock()

	err = offerer.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	})
	assert.NoError(t, err)
}

// A fresh subscriber is live until its peer connection closes or fails.
func TestLiveReflectsConnectionState(t *testing.T) {
	offerer, offerSDP := buildOffer(t)
	defer offerer.Close()

	sub, err := NewSubscriber(domain.HPBSettings{}, "speaker-4", "sid-4", offerSDP,
		&fakeSignaler{}, func(domain.PCMFrame) {})
	require.NoError(t, err)

	assert.True(t, sub.Live())
	sub.Close()
	require.Eventually(t, func() bool { return !sub.Live() },
		2*time.Second, 50*time.Millisecond)
}

func TestAddCandidateRejectsGarbage(t *testing.T) {
	offerer, offerSDP := buildOffer(t)
	defer offerer.Close()

	sub, err := NewSubscriber(domain.HPBSettings{}, "speaker-3", "sid-3", offerSDP,
		&fakeSignaler{}, func(domain.PCMFrame) {})
	require.NoError(t, err)
	defer sub.Close()

	assert.Error(t, sub.AddCandidate("not a candidate line", "0", 0))
}
