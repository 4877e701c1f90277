package stt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nextcloud/talk-transcription-bridge/pkg/logger"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second
)

// ErrNotConfigured is returned by Dial when the service credentials are not
// set.
var ErrNotConfigured = errors.New("STT service is not configured")

// Config holds the STT service connection options.
type Config struct {
	Workspace  string
	Key        string
	Secret     string
	HostSuffix string

	// BaseURL overrides the workspace-derived endpoint when set.
	BaseURL        string
	ConnectTimeout time.Duration
	SkipCertVerify bool

	// StaleTimeout is how long a stream may stay silent before consumers
	// warn about it.
	StaleTimeout time.Duration
}

// Configured reports whether the service can be dialed at all.
func (c Config) Configured() bool {
	if c.BaseURL != "" {
		return true
	}
	return c.Workspace != "" && c.Key != "" && c.Secret != ""
}

// StreamURL builds the streaming endpoint. The model is multilingual, the
// language is not part of the URL.
func (c Config) StreamURL() string {
	if c.BaseURL != "" {
		return c.BaseURL + "/v1/stream"
	}
	return fmt.Sprintf("wss://%s--%s/v1/stream", c.Workspace, c.HostSuffix)
}

// Client is one authenticated STT stream. Audio goes up as binary frames,
// parsed Messages come back on Messages().
type Client struct {
	conn     *websocket.Conn
	streamID string

	writeMu  sync.Mutex
	messages chan Message

	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a stream to the STT service. The handshake respects both ctx and
// the configured connect timeout.
func Dial(ctx context.Context, cfg Config, language string) (*Client, error) {
	if !cfg.Configured() {
		return nil, ErrNotConfigured
	}

	streamID := uuid.NewString()
	url := cfg.StreamURL()

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.ConnectTimeout,
	}
	if cfg.SkipCertVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	header := http.Header{}
	header.Set("Modal-Key", cfg.Key)
	header.Set("Modal-Secret", cfg.Secret)

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to STT service: %w", err)
	}

	logger.Base().Info("connected to STT service",
		zap.String("stream_id", streamID),
		zap.String("language", language))

	c := &Client{
		conn:     conn,
		streamID: streamID,
		messages: make(chan Message, 32),
		done:     make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// StreamID returns the log correlation id of this stream.
func (c *Client) StreamID() string {
	return c.streamID
}

// Messages returns the downstream message channel. It is closed when the
// stream ends.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// SendAudio writes one binary audio chunk to the service.
func (c *Client) SendAudio(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send audio chunk: %w", err)
	}
	return nil
}

// Close tears down the stream. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.messages)
	_ = c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				logger.Base().Warn("STT stream read failed",
					zap.String("stream_id", c.streamID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		msg := ParseMessage(data)
		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout))
			c.writeMu.Unlock()
			if err != nil {
				logger.Base().Warn("STT keepalive ping failed",
					zap.String("stream_id", c.streamID), zap.Error(err))
				return
			}
		}
	}
}
