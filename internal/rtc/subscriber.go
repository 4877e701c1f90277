// Package rtc receives publisher audio over WebRTC. The bridge is always the
// answering side: it never publishes media and subscribes with a recvonly
// audio transceiver.
package rtc

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"layeh.com/gopus"

	"github.com/nextcloud/talk-transcription-bridge/internal/config"
	"github.com/nextcloud/talk-transcription-bridge/internal/domain"
	"github.com/nextcloud/talk-transcription-bridge/pkg/logger"
)

// maxOpusFrameSamples is 120 ms at 48 kHz per channel, the largest frame
// Opus can carry.
const maxOpusFrameSamples = 5760

// gatherTimeout bounds ICE gathering before the answer is sent.
const gatherTimeout = 10 * time.Second

// Signaler is the slice of the signaling layer a subscriber needs to answer
// an offer and report its lifecycle.
type Signaler interface {
	SendAnswer(sessionID, offerSID, sdp string)
	SendCandidate(sessionID, offerSID, candidate, sdpMid string, sdpMLineIndex int)
	TrackStarted(sessionID string)
	SubscriberClosed(sessionID string)
}

// Subscriber is one answering peer connection to a publishing participant.
type Subscriber struct {
	sessionID string
	offerSID  string
	pc        *webrtc.PeerConnection
	signaler  Signaler
	onFrame   func(frame domain.PCMFrame)
	log       *zap.Logger
}

// NewSubscriber answers an SDP offer from a publisher. ICE candidates are
// gathered up front and trickled from the final local description, so the
// answer carries a complete session. Decoded audio is delivered through
// onFrame from the track reader goroutine.
func NewSubscriber(settings domain.HPBSettings, sessionID, offerSID, sdp string,
	signaler Signaler, onFrame func(frame domain.PCMFrame)) (*Subscriber, error) {

	var iceServers []webrtc.ICEServer
	for _, stun := range settings.StunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stun.URLs})
	}
	for _, turn := range settings.TurnServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       turn.URLs,
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &Subscriber{
		sessionID: sessionID,
		offerSID:  offerSID,
		pc:        pc,
		signaler:  signaler,
		onFrame:   onFrame,
		log: logger.Base().With(
			zap.String("session_id", sessionID),
			zap.String("offer_sid", offerSID)),
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to add recvonly transceiver: %w", err)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("peer connection state changed", zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			signaler.SubscriberClosed(sessionID)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		s.log.Info("audio track started",
			zap.String("codec", track.Codec().MimeType),
			zap.Uint32("clock_rate", track.Codec().ClockRate),
			zap.Uint16("channels", track.Codec().Channels))
		signaler.TrackStarted(sessionID)
		go s.drainRTCP(receiver)
		go s.readTrack(track)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(gatherTimeout):
		s.log.Warn("ICE gathering incomplete, answering with partial candidates")
	}

	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return nil, fmt.Errorf("no local description after gathering")
	}

	signaler.SendAnswer(sessionID, offerSID, local.SDP)
	s.trickleFromSDP(local.SDP)

	return s, nil
}

// SessionID returns the publisher session this subscriber is attached to.
func (s *Subscriber) SessionID() string {
	return s.sessionID
}

// Live reports whether the peer connection is still usable. Only closed or
// failed subscribers may be replaced by a fresh offer.
func (s *Subscriber) Live() bool {
	state := s.pc.ConnectionState()
	return state != webrtc.PeerConnectionStateClosed &&
		state != webrtc.PeerConnectionStateFailed
}

// AddCandidate applies a remote ICE candidate trickled by the publisher.
func (s *Subscriber) AddCandidate(candidate, sdpMid string, sdpMLineIndex int) error {
	mid := sdpMid
	idx := uint16(sdpMLineIndex)
	err := s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
	if err != nil {
		return fmt.Errorf("failed to add remote candidate: %w", err)
	}
	return nil
}

// Close tears down the peer connection.
func (s *Subscriber) Close() {
	_ = s.pc.Close()
}

// trickleFromSDP sends every gathered candidate found in the local
// description. The HPB forwards them to the publisher alongside the answer.
func (s *Subscriber) trickleFromSDP(sdp string) {
	for _, line := range strings.Split(sdp, "\r\n") {
		if !strings.HasPrefix(line, "a=candidate:") {
			continue
		}
		s.signaler.SendCandidate(s.sessionID, s.offerSID,
			strings.TrimPrefix(line, "a="), "0", 0)
	}
}

func (s *Subscriber) readTrack(track *webrtc.TrackRemote) {
	defer s.log.Info("audio track reader stopped")

	channels := int(track.Codec().Channels)
	if channels == 0 {
		channels = config.ChannelsStereo
	}

	dec, err := gopus.NewDecoder(config.WebRTCSampleRate, channels)
	if err != nil {
		s.log.Error("failed to create opus decoder", zap.Error(err))
		return
	}

	buf := make([]byte, 4096)
	packet := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			s.log.Debug("track read ended", zap.Error(err))
			return
		}
		if n == 0 {
			continue
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if len(packet.Payload) == 0 {
			continue
		}

		samples, err := dec.Decode(packet.Payload, maxOpusFrameSamples, false)
		if err != nil {
			s.log.Debug("opus decode error", zap.Error(err))
			continue
		}
		if len(samples) == 0 {
			continue
		}

		s.onFrame(domain.PCMFrame{
			Samples:    samples,
			SampleRate: config.WebRTCSampleRate,
			Channels:   channels,
		})
	}
}

// drainRTCP keeps the receiver's report stream flowing and surfaces sender
// reports at debug level.
func (s *Subscriber) drainRTCP(receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		n, _, err := receiver.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range packets {
			if sr, ok := p.(*rtcp.SenderReport); ok {
				s.log.Debug("rtcp sender report",
					zap.Uint32("ssrc", sr.SSRC),
					zap.Uint32("packets", sr.PacketCount))
			}
		}
	}
}
