// Package stt connects to the streaming speech-to-text service and parses
// its message protocol.
package stt

import "encoding/json"

// MessageType identifies a downstream STT message.
type MessageType string

const (
	// MessageToken carries an incremental transcription token.
	MessageToken MessageType = "token"
	// MessageVADEnd signals the end of an utterance.
	MessageVADEnd MessageType = "vad_end"
	// MessageError carries a service-side error description.
	MessageError MessageType = "error"
	// MessagePing is a service keepalive and carries no payload.
	MessagePing MessageType = "ping"
	// MessageUnknown marks a frame with a missing or unrecognized type.
	// Consumers skip these.
	MessageUnknown MessageType = "unknown"
)

// Message is one parsed downstream frame from the STT service.
type Message struct {
	Type MessageType

	// Text is the token text of a MessageToken.
	Text string

	// ErrorMessage describes a MessageError.
	ErrorMessage string

	// Raw is the original frame, kept for diagnostics.
	Raw string
}

// ParseMessage decodes a downstream STT frame. Malformed JSON comes back as
// an error message and unrecognized frames as MessageUnknown, so a single
// odd frame never tears down the stream.
func ParseMessage(data []byte) Message {
	raw := string(data)

	var frame struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return Message{Type: MessageError, ErrorMessage: "Invalid JSON: " + truncate(raw, 100), Raw: raw}
	}

	switch MessageType(frame.Type) {
	case MessageToken:
		return Message{Type: MessageToken, Text: frame.Text, Raw: raw}
	case MessageVADEnd:
		return Message{Type: MessageVADEnd, Raw: raw}
	case MessageError:
		errMsg := frame.Message
		if errMsg == "" {
			errMsg = "Unknown error"
		}
		return Message{Type: MessageError, ErrorMessage: errMsg, Raw: raw}
	case MessagePing:
		return Message{Type: MessagePing, Raw: raw}
	default:
		return Message{Type: MessageUnknown, Raw: raw}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
