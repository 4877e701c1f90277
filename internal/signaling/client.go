package signaling

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nextcloud/talk-transcription-bridge/internal/config"
	"github.com/nextcloud/talk-transcription-bridge/internal/domain"
	"github.com/nextcloud/talk-transcription-bridge/pkg/logger"
)

// ErrRateLimited is returned when the HPB rejects a connection attempt with
// too_many_requests. It is terminal, retrying would make it worse.
var ErrRateLimited = errors.New("rate limited by HPB")

// ConnectResult classifies one connection attempt.
type ConnectResult int

const (
	// ConnectSuccess means the session is established and the monitor runs.
	ConnectSuccess ConnectResult = iota
	// ConnectRetry means this attempt failed but a full reconnect may work.
	ConnectRetry
	// ConnectFailure is terminal for this client.
	ConnectFailure
)

// ReconnectMethod selects how a connection attempt restores state.
type ReconnectMethod int

const (
	// ShortResume replays the resume id of the previous session.
	ShortResume ReconnectMethod = iota
	// FullReconnect authenticates from scratch and discards session state.
	FullReconnect
)

// Handler receives the decoded signaling traffic of one room. Calls arrive
// from the client's monitor goroutine, one at a time.
type Handler interface {
	// ConnectionEstablished runs after the handshake, incall announcement
	// and room join. full is true when the session was built from scratch,
	// which invalidates previously learned session id mappings.
	ConnectionEstablished(full bool)
	// HandleParticipantsUpdate delivers a participants update event.
	HandleParticipantsUpdate(update *ParticipantsUpdate)
	// HandleOffer delivers an incoming SDP offer.
	HandleOffer(senderSessionID, offerSID, from, sdp string)
	// HandleCandidate delivers a trickled ICE candidate.
	HandleCandidate(senderSessionID string, candidate *CandidateInit)
	// Teardown runs exactly once when the client goes defunct.
	Teardown(reason string)
}

// Options configures a signaling client for one room.
type Options struct {
	RoomToken      string
	HPBURL         string
	BackendURL     string
	InternalSecret string
	SkipCertVerify bool
	MaxRetries     int
	BackoffBase    int
}

// Client is the HPB connection of one room. It owns the WebSocket, the
// hello/resume state machine and the reconnect loop, and dispatches decoded
// traffic to its Handler.
type Client struct {
	opts    Options
	wsURL   string
	handler Handler
	log     *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	resumeID  string
	cancel    context.CancelFunc

	msgID   atomic.Int64
	defunct atomic.Bool
}

// NewClient builds a client for one room. Connect must be called before any
// send.
func NewClient(opts Options, handler Handler) *Client {
	return &Client{
		opts:    opts,
		wsURL:   SanitizeWebSocketURL(opts.HPBURL),
		handler: handler,
		log:     logger.Base().With(zap.String("room_token", opts.RoomToken)),
	}
}

// SessionID returns the HPB session id of this client, empty before the
// first successful handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// IsDefunct reports whether the client has been terminally closed.
func (c *Client) IsDefunct() bool {
	return c.defunct.Load()
}

// Connected reports whether a socket is currently attached. False during a
// reconnect window.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect establishes (or re-establishes) the HPB session. On success a
// monitor goroutine is running and the client has announced itself in the
// call and joined the room.
func (c *Client) Connect(ctx context.Context, method ReconnectMethod) (ConnectResult, error) {
	if c.defunct.Load() {
		return ConnectFailure, errors.New("client is defunct")
	}

	c.mu.Lock()

	if method == FullReconnect {
		c.dropConnectionLocked()
		c.sessionID = ""
		c.resumeID = ""
	}

	dialer := websocket.Dialer{HandshakeTimeout: config.MsgReceiveTimeout}
	if c.opts.SkipCertVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		c.mu.Unlock()
		c.log.Error("failed to dial HPB", zap.String("url", c.wsURL), zap.Error(err))
		return ConnectRetry, fmt.Errorf("failed to dial HPB: %w", err)
	}
	c.conn = conn

	full := true
	if method == ShortResume && c.resumeID != "" {
		resumed, err := c.resumeSession()
		if err != nil {
			c.dropConnectionLocked()
			c.mu.Unlock()
			if errors.Is(err, ErrRateLimited) {
				return ConnectFailure, err
			}
			return ConnectRetry, err
		}
		if !resumed {
			c.dropConnectionLocked()
			c.mu.Unlock()
			return ConnectRetry, nil
		}
		full = false
	} else {
		result, err := c.helloHandshake()
		if result != ConnectSuccess {
			c.dropConnectionLocked()
			c.mu.Unlock()
			return result, err
		}
	}

	monCtx, monCancel := context.WithCancel(ctx)
	c.cancel = monCancel
	go c.monitor(monCtx, conn)

	// Ordering matters: the incall announcement must precede the room join
	// or the HPB reports the client as a lobby participant.
	c.sendLocked(Message{
		Type: "internal",
		Internal: &Internal{
			Type:   "incall",
			InCall: &InCall{InCall: CallFlagInCall},
		},
	})
	c.sendLocked(Message{
		Type: "room",
		Room: &Room{RoomID: c.opts.RoomToken, SessionID: c.sessionID},
	})
	c.mu.Unlock()

	c.log.Info("connected to signaling server", zap.Bool("full", full))
	c.handler.ConnectionEstablished(full)
	return ConnectSuccess, nil
}

// helloHandshake authenticates a fresh session. Caller holds c.mu.
func (c *Client) helloHandshake() (ConnectResult, error) {
	nonce, err := generateNonce()
	if err != nil {
		return ConnectFailure, fmt.Errorf("failed to generate nonce: %w", err)
	}

	c.sendLocked(Message{
		Type: "hello",
		Hello: &Hello{
			Version: "2.0",
			Auth: &HelloAuth{
				Type: "internal",
				Params: HelloAuthParams{
					Random:  nonce,
					Token:   hmacSHA256(c.opts.InternalSecret, nonce),
					Backend: c.opts.BackendURL,
				},
			},
		},
	})

	noise := 0
	for {
		msg, err := c.receive(config.MsgReceiveTimeout)
		if err != nil {
			return ConnectFailure, fmt.Errorf("no hello response: %w", err)
		}

		switch msg.Type {
		case "welcome":
			continue

		case "hello":
			if msg.Hello == nil {
				return ConnectFailure, errors.New("hello response without payload")
			}
			c.sessionID = msg.Hello.SessionID
			c.resumeID = msg.Hello.ResumeID
			c.log.Info("hello handshake complete", zap.String("session_id", c.sessionID))
			return ConnectSuccess, nil

		case "error":
			code := ""
			if msg.Error != nil {
				code = msg.Error.Code
			}
			c.log.Error("signaling error during handshake", zap.String("code", code))
			switch code {
			case "duplicate_session":
				return ConnectFailure, errors.New("duplicate session")
			case "room_join_failed":
				return ConnectRetry, errors.New("room join failed")
			}
			return ConnectFailure, fmt.Errorf("signaling error: %s", code)

		case "bye":
			return ConnectFailure, errors.New("received bye during handshake")

		default:
			// Only unrecognized frames count against the budget, welcome
			// frames may come in any number.
			noise++
			if noise > 10 {
				c.log.Warn("too many frames without hello, reconnecting")
				return ConnectRetry, errors.New("no hello response within frame budget")
			}
		}
	}
}

// resumeSession replays the resume id. It returns false when the HPB no
// longer knows the session and a full reconnect is required. Caller holds
// c.mu.
func (c *Client) resumeSession() (bool, error) {
	c.sendLocked(Message{
		Type:  "hello",
		Hello: &Hello{Version: "2.0", ResumeID: c.resumeID},
	})

	for i := 0; i < 10; i++ {
		msg, err := c.receive(config.MsgReceiveTimeout)
		if err != nil {
			return false, err
		}

		switch msg.Type {
		case "hello":
			if msg.Hello != nil {
				c.sessionID = msg.Hello.SessionID
				c.log.Info("resumed session", zap.String("session_id", c.sessionID))
				return true, nil
			}
			return false, nil

		case "error":
			code := ""
			if msg.Error != nil {
				code = msg.Error.Code
			}
			switch code {
			case "no_such_session":
				return false, nil
			case "too_many_requests":
				return false, ErrRateLimited
			}
			return false, nil
		}
	}
	return false, nil
}

// monitor reads frames until conn dies or the context ends. conn is pinned
// so a reconnect never races a stale reader against the new socket.
func (c *Client) monitor(ctx context.Context, conn *websocket.Conn) {
	c.log.Debug("signaling monitor started")
	defer c.log.Debug("signaling monitor stopped")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.defunct.Load() {
				return
			}
			c.log.Warn("signaling connection lost, reconnecting", zap.Error(err))
			go c.reconnect(ctx)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("discarding unparseable signaling frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "error":
			code := ""
			if msg.Error != nil {
				code = msg.Error.Code
			}
			if code == "processing_failed" {
				c.log.Warn("HPB failed to process a message", zap.String("code", code))
				continue
			}
			c.Shutdown(fmt.Sprintf("signaling error: %s", code))
			return

		case "event":
			if msg.Event != nil && msg.Event.Target == "participants" &&
				msg.Event.Type == "update" && msg.Event.Update != nil {
				c.handler.HandleParticipantsUpdate(msg.Event.Update)
			}

		case "message":
			c.dispatchDataMessage(&msg)

		case "bye":
			c.Shutdown("received bye")
			return
		}
	}
}

func (c *Client) dispatchDataMessage(msg *Message) {
	if msg.Message == nil || msg.Message.Data == nil || msg.Message.Sender == nil {
		return
	}
	data := msg.Message.Data
	sender := msg.Message.Sender.SessionID

	switch data.Type {
	case "offer":
		if data.Payload == nil {
			return
		}
		c.handler.HandleOffer(sender, data.SID, data.From, data.Payload.SDP)

	case "candidate":
		if data.Payload == nil || data.Payload.Candidate == nil {
			return
		}
		c.handler.HandleCandidate(sender, data.Payload.Candidate)
	}
}

// reconnect restores the session, first by short resume, then by full
// reconnects with exponential backoff. Exhausting the attempts makes the
// client defunct.
func (c *Client) reconnect(ctx context.Context) {
	method := ShortResume
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(float64(c.opts.BackoffBase), float64(attempt))) * time.Second
			c.log.Info("waiting before reconnect attempt",
				zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		result, err := c.Connect(ctx, method)
		switch result {
		case ConnectSuccess:
			return
		case ConnectRetry:
			method = FullReconnect
		case ConnectFailure:
			c.Shutdown(fmt.Sprintf("reconnect failed: %v", err))
			return
		}
	}
	c.Shutdown("reconnect attempts exhausted")
}

// Shutdown terminally closes the client and notifies the handler once.
func (c *Client) Shutdown(reason string) {
	if c.defunct.Swap(true) {
		return
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		c.sendLocked(Message{Type: "bye", Bye: &Bye{}})
	}
	c.dropConnectionLocked()
	c.mu.Unlock()

	c.log.Info("signaling client closed", zap.String("reason", reason))
	c.handler.Teardown(reason)
}

// dropConnectionLocked closes the socket without touching session state.
// Caller holds c.mu.
func (c *Client) dropConnectionLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// RequestOffer asks a publishing participant to send us an SDP offer.
func (c *Client) RequestOffer(publisherSessionID string) {
	c.send(Message{
		Type: "message",
		Message: &DataMessage{
			Recipient: &Recipient{Type: "session", SessionID: publisherSessionID},
			Data:      &Payload{Type: "requestoffer", RoomType: "video"},
		},
	})
}

// SendAnswer replies to an offer with our SDP answer.
func (c *Client) SendAnswer(recipientSessionID, offerSID, sdp string) {
	c.send(Message{
		Type: "message",
		Message: &DataMessage{
			Recipient: &Recipient{Type: "session", SessionID: recipientSessionID},
			Data: &Payload{
				Type:     "answer",
				RoomType: "video",
				SID:      offerSID,
				To:       recipientSessionID,
				Payload: &SDPPayload{
					Type: "answer",
					Nick: config.DefaultNick,
					SDP:  sdp,
				},
			},
		},
	})
}

// SendCandidate trickles one of our ICE candidates to the offerer.
func (c *Client) SendCandidate(recipientSessionID, offerSID string, candidate CandidateInit) {
	c.send(Message{
		Type: "message",
		Message: &DataMessage{
			Recipient: &Recipient{Type: "session", SessionID: recipientSessionID},
			Data: &Payload{
				Type:     "candidate",
				RoomType: "video",
				SID:      offerSID,
				To:       recipientSessionID,
				Payload:  &SDPPayload{Candidate: &candidate},
			},
		},
	})
}

// SendTranscript delivers one transcript to a recipient session.
func (c *Client) SendTranscript(recipientSessionID string, t domain.Transcript) {
	final := t.Final
	c.send(Message{
		Type: "message",
		Message: &DataMessage{
			Recipient: &Recipient{Type: "session", SessionID: recipientSessionID},
			Data: &Payload{
				Type:             "transcript",
				Message:          t.Message,
				Final:            &final,
				LangID:           t.LangID,
				SpeakerSessionID: t.SessionID,
			},
		},
	})
}

func (c *Client) send(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendLocked(msg)
}

// sendLocked writes one frame, stamping a monotonically increasing id.
// Caller holds c.mu.
func (c *Client) sendLocked(msg Message) {
	if c.conn == nil {
		return
	}
	msg.ID = strconv.FormatInt(c.msgID.Add(1), 10)

	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal signaling message", zap.Error(err))
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(config.TranscriptSendTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Error("failed to send signaling message", zap.Error(err))
	}
}

// receive reads one frame with an optional deadline. Caller holds c.mu.
func (c *Client) receive(timeout time.Duration) (*Message, error) {
	if c.conn == nil {
		return nil, errors.New("not connected")
	}
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode signaling frame: %w", err)
	}
	return &msg, nil
}
