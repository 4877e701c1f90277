// Package domain holds the shared value types passed between the signaling,
// audio and transcription layers.
package domain

// Transcript is a single transcription result for one speaker.
type Transcript struct {
	// SessionID is the HPB session id of the speaker the text belongs to.
	SessionID string
	// LangID is the language the text was transcribed in.
	LangID string
	// Message is the transcribed text.
	Message string
	// Final marks a completed utterance; non-final entries are rolling
	// partials that later results supersede.
	Final bool
}

// PCMFrame is one decoded audio frame from a publisher track.
type PCMFrame struct {
	// Samples is interleaved signed 16-bit PCM.
	Samples []int16
	// SampleRate in Hz.
	SampleRate int
	// Channels is 1 for mono, 2 for stereo.
	Channels int
}

// StunServer is a STUN entry from the Nextcloud signaling settings.
type StunServer struct {
	URLs []string `json:"urls"`
}

// TurnServer is a TURN entry from the Nextcloud signaling settings.
type TurnServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

// HPBSettings is the subset of the Nextcloud signaling settings the bridge
// needs to build peer connections.
type HPBSettings struct {
	StunServers []StunServer `json:"stunservers"`
	TurnServers []TurnServer `json:"turnservers"`
}
