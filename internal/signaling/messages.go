// Package signaling implements the client side of the Nextcloud Talk
// high-performance backend (HPB) JSON-over-WebSocket protocol.
package signaling

import "encoding/json"

// Call participation flags as reported in participant updates.
const (
	CallFlagDisconnected = 0
	CallFlagInCall       = 1
	CallFlagWithAudio    = 2
	CallFlagWithVideo    = 4
	CallFlagWithPhone    = 8
)

// Message is the envelope of every HPB frame. Exactly one of the payload
// pointers is set, matching Type.
type Message struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`

	Hello    *Hello          `json:"hello,omitempty"`
	Error    *Error          `json:"error,omitempty"`
	Bye      *Bye            `json:"bye,omitempty"`
	Room     *Room           `json:"room,omitempty"`
	Internal *Internal       `json:"internal,omitempty"`
	Event    *Event          `json:"event,omitempty"`
	Message  *DataMessage    `json:"message,omitempty"`
	Welcome  json.RawMessage `json:"welcome,omitempty"`
}

// Hello carries both directions of the hello handshake: auth or resumeid on
// the way out, session and resume ids on the way back.
type Hello struct {
	Version  string     `json:"version,omitempty"`
	Auth     *HelloAuth `json:"auth,omitempty"`
	ResumeID string     `json:"resumeid,omitempty"`

	SessionID string `json:"sessionid,omitempty"`
}

// HelloAuth is the internal-client authentication block.
type HelloAuth struct {
	Type   string          `json:"type"`
	Params HelloAuthParams `json:"params"`
}

// HelloAuthParams proves knowledge of the shared internal secret.
type HelloAuthParams struct {
	Random  string `json:"random"`
	Token   string `json:"token"`
	Backend string `json:"backend"`
}

// Error is an HPB error payload.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Bye is sent by either side to end a session.
type Bye struct {
	Reason string `json:"reason,omitempty"`
}

// Room joins or leaves a room. An empty RoomID leaves.
type Room struct {
	RoomID    string `json:"roomid"`
	SessionID string `json:"sessionid,omitempty"`
}

// Internal wraps internal-client commands.
type Internal struct {
	Type   string  `json:"type"`
	InCall *InCall `json:"incall,omitempty"`
}

// InCall announces the client's call flags.
type InCall struct {
	InCall int `json:"incall"`
}

// Event is a server-initiated notification.
type Event struct {
	Target string              `json:"target"`
	Type   string              `json:"type"`
	Update *ParticipantsUpdate `json:"update,omitempty"`
}

// ParticipantsUpdate describes participant state changes in a room.
type ParticipantsUpdate struct {
	RoomID string        `json:"roomid"`
	All    bool          `json:"all,omitempty"`
	InCall int           `json:"incall,omitempty"`
	Users  []Participant `json:"users,omitempty"`
}

// Participant is one entry of a participants update.
type Participant struct {
	SessionID          string `json:"sessionId"`
	NextcloudSessionID string `json:"nextcloudSessionId,omitempty"`
	InCall             int    `json:"inCall"`
	Internal           bool   `json:"internal,omitempty"`
}

// DataMessage routes application payloads between sessions.
type DataMessage struct {
	Recipient *Recipient `json:"recipient,omitempty"`
	Sender    *Sender    `json:"sender,omitempty"`
	Data      *Payload   `json:"data,omitempty"`
}

// Recipient addresses a data message.
type Recipient struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionid,omitempty"`
}

// Sender identifies the origin of a data message.
type Sender struct {
	Type      string `json:"type,omitempty"`
	SessionID string `json:"sessionid,omitempty"`
	UserID    string `json:"userid,omitempty"`
}

// Payload is the data part of a routed message. Offers, answers, candidates
// and transcripts all travel in this shape, distinguished by Type.
type Payload struct {
	Type     string `json:"type"`
	RoomType string `json:"roomType,omitempty"`
	SID      string `json:"sid,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`

	Payload *SDPPayload `json:"payload,omitempty"`

	// Transcript fields.
	Message          string `json:"message,omitempty"`
	Final            *bool  `json:"final,omitempty"`
	LangID           string `json:"langId,omitempty"`
	SpeakerSessionID string `json:"speakerSessionId,omitempty"`
}

// SDPPayload carries session descriptions and ICE candidates.
type SDPPayload struct {
	Type      string         `json:"type,omitempty"`
	SDP       string         `json:"sdp,omitempty"`
	Nick      string         `json:"nick,omitempty"`
	Candidate *CandidateInit `json:"candidate,omitempty"`
}

// CandidateInit is one trickled ICE candidate.
type CandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}
