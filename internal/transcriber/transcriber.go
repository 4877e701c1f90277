// Package transcriber runs the per-speaker pipeline between decoded WebRTC
// audio and the streaming STT service.
package transcriber

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nextcloud/talk-transcription-bridge/internal/audio"
	"github.com/nextcloud/talk-transcription-bridge/internal/config"
	"github.com/nextcloud/talk-transcription-bridge/internal/domain"
	"github.com/nextcloud/talk-transcription-bridge/internal/stt"
	"github.com/nextcloud/talk-transcription-bridge/pkg/logger"
)

// partialThreshold is how many accumulated characters trigger a rolling
// partial transcript before the utterance completes.
const partialThreshold = 50

// bytesPerSample is the size of one float32 sample on the wire.
const bytesPerSample = 4

// Transcriber streams one speaker's audio to the STT service and turns the
// token stream into transcripts.
type Transcriber struct {
	sessionID string
	client    *stt.Client

	langMu   sync.Mutex
	language string

	results   chan<- domain.Transcript
	onFailure func(sessionID string, err error)

	minBufferBytes int
	staleTimeout   time.Duration
	audioSent      atomic.Bool

	bufMu sync.Mutex
	buf   []byte

	stopOnce sync.Once
	done     chan struct{}
}

// New dials the STT service for one speaker and starts consuming its
// results. Transcripts are delivered on the shared results channel; a dead or
// erroring stream is reported once through onFailure.
func New(ctx context.Context, cfg stt.Config, sessionID, language string,
	results chan<- domain.Transcript, onFailure func(sessionID string, err error)) (*Transcriber, error) {

	client, err := stt.Dial(ctx, cfg, language)
	if err != nil {
		return nil, fmt.Errorf("failed to start transcriber for session %s: %w", sessionID, err)
	}

	staleTimeout := cfg.StaleTimeout
	if staleTimeout <= 0 {
		staleTimeout = 30 * time.Second
	}

	t := &Transcriber{
		sessionID:      sessionID,
		language:       language,
		client:         client,
		results:        results,
		onFailure:      onFailure,
		minBufferBytes: config.STTSampleRate * config.MinBufferMs / 1000 * bytesPerSample,
		staleTimeout:   staleTimeout,
		done:           make(chan struct{}),
	}
	go t.consumeResults()
	return t, nil
}

// SessionID returns the HPB session id of the speaker this transcriber serves.
func (t *Transcriber) SessionID() string {
	return t.sessionID
}

// Language returns the transcription language of this stream.
func (t *Transcriber) Language() string {
	t.langMu.Lock()
	defer t.langMu.Unlock()
	return t.language
}

// SetLanguage switches the language tagged on transcripts from now on. The
// model is multilingual, so the stream itself stays up.
func (t *Transcriber) SetLanguage(language string) {
	t.langMu.Lock()
	t.language = language
	t.langMu.Unlock()
	logger.Base().Info("transcriber language changed",
		zap.String("session_id", t.sessionID), zap.String("language", language))
}

// Feed converts one decoded frame to the STT wire format and forwards it once
// at least MinBufferMs of audio has accumulated.
func (t *Transcriber) Feed(frame domain.PCMFrame) error {
	packed, err := audio.PackFrame(frame, config.STTSampleRate)
	if err != nil {
		return fmt.Errorf("failed to pack audio frame: %w", err)
	}

	t.bufMu.Lock()
	t.buf = append(t.buf, packed...)
	if len(t.buf) < t.minBufferBytes {
		t.bufMu.Unlock()
		return nil
	}
	chunk := t.buf
	t.buf = nil
	t.bufMu.Unlock()

	if err := t.client.SendAudio(chunk); err != nil {
		return fmt.Errorf("failed to forward audio for session %s: %w", t.sessionID, err)
	}
	t.audioSent.Store(true)
	return nil
}

// Close stops the stream. A closed transcriber never reports a failure.
func (t *Transcriber) Close() {
	t.stopOnce.Do(func() {
		close(t.done)
		_ = t.client.Close()
	})
}

func (t *Transcriber) consumeResults() {
	var acc strings.Builder

	staleTimer := time.NewTimer(t.staleTimeout)
	defer staleTimer.Stop()

	for {
		select {
		case <-t.done:
			return

		case <-staleTimer.C:
			// A silent stream is only stale once audio actually went up.
			if t.audioSent.Load() {
				logger.Base().Warn("no messages from STT service",
					zap.String("session_id", t.sessionID),
					zap.String("stream_id", t.client.StreamID()),
					zap.Duration("stale_after", t.staleTimeout))
			}
			staleTimer.Reset(t.staleTimeout)

		case msg, ok := <-t.client.Messages():
			if !ok {
				t.fail(errors.New("STT stream closed unexpectedly"))
				return
			}
			if !staleTimer.Stop() {
				<-staleTimer.C
			}
			staleTimer.Reset(t.staleTimeout)

			switch msg.Type {
			case stt.MessageToken:
				acc.WriteString(msg.Text)
				if acc.Len() > partialThreshold {
					t.deliver(domain.Transcript{
						SessionID: t.sessionID,
						LangID:    t.Language(),
						Message:   acc.String(),
						Final:     false,
					})
				}

			case stt.MessageVADEnd:
				text := strings.TrimSpace(acc.String())
				acc.Reset()
				if text != "" {
					t.deliver(domain.Transcript{
						SessionID: t.sessionID,
						LangID:    t.Language(),
						Message:   text,
						Final:     true,
					})
				}

			case stt.MessageError:
				t.fail(fmt.Errorf("STT service error: %s", msg.ErrorMessage))
				return

			case stt.MessagePing:
				// Keepalive only, the timer reset above is the point.

			case stt.MessageUnknown:
				logger.Base().Debug("ignoring unrecognized STT frame",
					zap.String("session_id", t.sessionID),
					zap.String("raw", msg.Raw))
			}
		}
	}
}

func (t *Transcriber) deliver(transcript domain.Transcript) {
	select {
	case t.results <- transcript:
	case <-t.done:
	}
}

func (t *Transcriber) fail(err error) {
	select {
	case <-t.done:
		return
	default:
	}
	logger.Base().Error("transcriber stream failed",
		zap.String("session_id", t.sessionID), zap.Error(err))
	if t.onFailure != nil {
		t.onFailure(t.sessionID, err)
	}
}
