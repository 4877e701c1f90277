// Package room coordinates everything that happens for one Talk call: the
// signaling session, the per-speaker subscribers and transcribers, and the
// fan-out of transcripts to recipients.
package room

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nextcloud/talk-transcription-bridge/internal/config"
	"github.com/nextcloud/talk-transcription-bridge/internal/domain"
	"github.com/nextcloud/talk-transcription-bridge/internal/rtc"
	"github.com/nextcloud/talk-transcription-bridge/internal/signaling"
	"github.com/nextcloud/talk-transcription-bridge/internal/stt"
	"github.com/nextcloud/talk-transcription-bridge/internal/transcriber"
	"github.com/nextcloud/talk-transcription-bridge/pkg/logger"
)

// minPartialInterval throttles rolling partial transcripts per room. Finals
// are never dropped.
const minPartialInterval = 300 * time.Millisecond

// connPollInterval is how long the fan-out consumer waits before rechecking
// a disconnected signaling client.
const connPollInterval = 500 * time.Millisecond

// Orchestrator runs the transcription of one room. It implements both
// signaling.Handler and rtc.Signaler, stitching the layers together.
type Orchestrator struct {
	roomToken string
	cfg       *config.Config
	sttCfg    stt.Config
	settings  domain.HPBSettings
	client    *signaling.Client
	onClosed  func(roomToken string)
	log       *zap.Logger

	mu          sync.Mutex
	language    string
	recipients  map[string]struct{} // HPB session ids receiving transcripts
	ncToHPB     map[string]string   // Nextcloud session id -> HPB session id
	pending     map[string]struct{} // recipients awaiting an id mapping
	subscribers map[string]*rtc.Subscriber
	transcripts map[string]*transcriber.Transcriber
	answerTo    map[string]string // speaker session id -> session to address replies to
	leaveTimer  *time.Timer

	runCtx  context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
	queue   chan domain.Transcript
	closed  atomic.Bool
	done    chan struct{}
}

// NewOrchestrator builds the room state and its signaling client. Start must
// be called to go live.
func NewOrchestrator(cfg *config.Config, roomToken, language string,
	settings domain.HPBSettings, onClosed func(roomToken string)) *Orchestrator {

	o := &Orchestrator{
		roomToken: roomToken,
		cfg:       cfg,
		settings:  settings,
		language:  config.ResolveLanguage(language),
		onClosed:  onClosed,
		log:       logger.Base().With(zap.String("room_token", roomToken)),

		recipients:  make(map[string]struct{}),
		ncToHPB:     make(map[string]string),
		pending:     make(map[string]struct{}),
		subscribers: make(map[string]*rtc.Subscriber),
		transcripts: make(map[string]*transcriber.Transcriber),
		answerTo:    make(map[string]string),

		limiter: rate.NewLimiter(rate.Every(minPartialInterval), 1),
		queue:   make(chan domain.Transcript, 1000),
		done:    make(chan struct{}),
	}
	o.sttCfg = stt.Config{
		Workspace:      cfg.STTWorkspace,
		Key:            cfg.STTKey,
		Secret:         cfg.STTSecret,
		HostSuffix:     cfg.STTHostSuffix,
		ConnectTimeout: cfg.STTConnectTimeout,
		SkipCertVerify: cfg.SkipCertVerify,
		StaleTimeout:   cfg.StaleTimeout,
	}
	o.client = signaling.NewClient(signaling.Options{
		RoomToken:      roomToken,
		HPBURL:         cfg.HPBURL,
		BackendURL:     cfg.BackendURL(),
		InternalSecret: cfg.InternalSecret,
		SkipCertVerify: cfg.SkipCertVerify,
		MaxRetries:     cfg.MaxConnectionRetries,
		BackoffBase:    cfg.RetryBackoffBase,
	}, o)
	return o
}

// Start connects to the HPB, retrying retryable failures with exponential
// backoff, and launches the transcript fan-out.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runCtx, o.cancel = context.WithCancel(ctx)
	go o.consumeQueue()

	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxConnectionRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(float64(o.cfg.RetryBackoffBase), float64(attempt))) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := o.client.Connect(o.runCtx, signaling.FullReconnect)
		switch result {
		case signaling.ConnectSuccess:
			return nil
		case signaling.ConnectRetry:
			lastErr = err
			continue
		case signaling.ConnectFailure:
			o.client.Shutdown("initial connect failed")
			return err
		}
	}
	o.client.Shutdown("initial connect attempts exhausted")
	return lastErr
}

// RoomToken returns the Talk room this orchestrator serves.
func (o *Orchestrator) RoomToken() string {
	return o.roomToken
}

// Language returns the current transcription language.
func (o *Orchestrator) Language() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.language
}

// SetLanguage changes the transcription language of the room and of every
// running speaker stream.
func (o *Orchestrator) SetLanguage(language string) {
	o.mu.Lock()
	o.language = config.ResolveLanguage(language)
	resolved := o.language
	trs := make([]*transcriber.Transcriber, 0, len(o.transcripts))
	for _, tr := range o.transcripts {
		trs = append(trs, tr)
	}
	o.mu.Unlock()

	for _, tr := range trs {
		tr.SetLanguage(resolved)
	}
}

// IsDefunct reports whether this room has been terminally torn down.
func (o *Orchestrator) IsDefunct() bool {
	return o.closed.Load() || o.client.IsDefunct()
}

// RecipientCount returns how many sessions currently receive transcripts,
// including ones still waiting for their id mapping.
func (o *Orchestrator) RecipientCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.recipients) + len(o.pending)
}

// TranscriberCount returns how many speaker streams are active.
func (o *Orchestrator) TranscriberCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.transcripts)
}

// AddRecipient subscribes a Nextcloud session to transcripts. Sessions whose
// HPB mapping is not yet known are parked until a participants update
// resolves them.
func (o *Orchestrator) AddRecipient(ncSessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cancelDeferredCloseLocked()

	hpbSID, ok := o.ncToHPB[ncSessionID]
	if !ok {
		o.pending[ncSessionID] = struct{}{}
		o.log.Debug("recipient awaiting session mapping", zap.String("nc_session_id", ncSessionID))
		return
	}
	delete(o.pending, ncSessionID)
	o.recipients[hpbSID] = struct{}{}
	o.log.Info("added transcript recipient", zap.String("session_id", hpbSID))
}

// RemoveRecipient unsubscribes a Nextcloud session. When the last recipient
// is gone the room is closed after a grace period, so a quick re-enable does
// not tear the call down.
func (o *Orchestrator) RemoveRecipient(ncSessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.pending, ncSessionID)
	if hpbSID, ok := o.ncToHPB[ncSessionID]; ok {
		delete(o.recipients, hpbSID)
		o.log.Info("removed transcript recipient", zap.String("session_id", hpbSID))
	}
	if len(o.recipients) == 0 && len(o.pending) == 0 {
		o.startDeferredCloseLocked()
	}
}

// Close tears the room down terminally.
func (o *Orchestrator) Close(reason string) {
	o.client.Shutdown(reason)
}

// ConnectionEstablished implements signaling.Handler. A full reconnect means
// the HPB forgot everything about us, so learned session id mappings are
// stale.
func (o *Orchestrator) ConnectionEstablished(full bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if full {
		for nc, hpb := range o.ncToHPB {
			delete(o.recipients, hpb)
			o.pending[nc] = struct{}{}
			delete(o.ncToHPB, nc)
		}
	}
	if len(o.recipients) == 0 && len(o.pending) == 0 {
		o.startDeferredCloseLocked()
	}
}

// HandleParticipantsUpdate implements signaling.Handler.
func (o *Orchestrator) HandleParticipantsUpdate(update *signaling.ParticipantsUpdate) {
	if update.All && update.InCall == signaling.CallFlagDisconnected {
		o.log.Info("call ended for everyone")
		o.Close("call ended")
		return
	}

	for i := range update.Users {
		user := &update.Users[i]
		if user.Internal {
			continue
		}
		if user.InCall == signaling.CallFlagDisconnected {
			o.participantLeft(user)
			continue
		}
		o.participantPresent(user)
	}

	if len(update.Users) == 2 {
		o.checkLastParticipant(update.Users)
	}
}

func (o *Orchestrator) participantLeft(user *signaling.Participant) {
	o.mu.Lock()
	delete(o.recipients, user.SessionID)
	if user.NextcloudSessionID != "" {
		delete(o.ncToHPB, user.NextcloudSessionID)
	}
	sub := o.subscribers[user.SessionID]
	delete(o.subscribers, user.SessionID)
	tr := o.transcripts[user.SessionID]
	delete(o.transcripts, user.SessionID)
	delete(o.answerTo, user.SessionID)
	noRecipients := len(o.recipients) == 0 && len(o.pending) == 0
	if noRecipients {
		o.startDeferredCloseLocked()
	}
	o.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if tr != nil {
		tr.Close()
	}
	o.log.Debug("participant left", zap.String("session_id", user.SessionID))
}

func (o *Orchestrator) participantPresent(user *signaling.Participant) {
	requestOffer := false

	o.mu.Lock()
	if user.NextcloudSessionID != "" {
		o.ncToHPB[user.NextcloudSessionID] = user.SessionID
		if _, waiting := o.pending[user.NextcloudSessionID]; waiting {
			delete(o.pending, user.NextcloudSessionID)
			o.recipients[user.SessionID] = struct{}{}
			o.log.Info("resolved pending recipient",
				zap.String("nc_session_id", user.NextcloudSessionID),
				zap.String("session_id", user.SessionID))
		}
	}
	if user.InCall&signaling.CallFlagInCall != 0 && user.InCall&signaling.CallFlagWithAudio != 0 {
		if _, exists := o.subscribers[user.SessionID]; !exists {
			requestOffer = true
		}
	}
	o.mu.Unlock()

	if requestOffer {
		o.log.Debug("participant publishing audio, requesting offer",
			zap.String("session_id", user.SessionID))
		o.client.RequestOffer(user.SessionID)
	}
}

// checkLastParticipant closes the room when the bridge and one other session
// are the only entries and that other session disconnected. Without this the
// bridge would keep an otherwise empty call alive.
func (o *Orchestrator) checkLastParticipant(users []signaling.Participant) {
	own := o.client.SessionID()
	var us, them *signaling.Participant
	for i := range users {
		if users[i].SessionID == own {
			us = &users[i]
		} else {
			them = &users[i]
		}
	}
	if us == nil || them == nil {
		return
	}
	if us.InCall&signaling.CallFlagInCall != 0 && them.InCall == signaling.CallFlagDisconnected {
		o.log.Info("last participant left the call")
		o.Close("last participant left")
	}
}

// HandleOffer implements signaling.Handler. Repeated offers for a speaker
// with a live peer connection are ignored; only a dead subscriber is
// replaced.
func (o *Orchestrator) HandleOffer(senderSessionID, offerSID, from, sdp string) {
	replyTo := senderSessionID
	if from != "" {
		replyTo = from
	}

	o.mu.Lock()
	old := o.subscribers[senderSessionID]
	if old != nil && old.Live() {
		o.mu.Unlock()
		o.log.Debug("subscriber already exists, ignoring offer",
			zap.String("session_id", senderSessionID))
		return
	}
	delete(o.subscribers, senderSessionID)
	o.answerTo[senderSessionID] = replyTo
	o.mu.Unlock()
	if old != nil {
		old.Close()
	}

	sub, err := rtc.NewSubscriber(o.settings, senderSessionID, offerSID, sdp, o,
		func(frame domain.PCMFrame) { o.handleFrame(senderSessionID, frame) })
	if err != nil {
		o.log.Error("failed to answer offer",
			zap.String("session_id", senderSessionID), zap.Error(err))
		return
	}

	o.mu.Lock()
	if o.closed.Load() {
		o.mu.Unlock()
		sub.Close()
		return
	}
	o.subscribers[senderSessionID] = sub
	o.mu.Unlock()
}

// HandleCandidate implements signaling.Handler.
func (o *Orchestrator) HandleCandidate(senderSessionID string, candidate *signaling.CandidateInit) {
	o.mu.Lock()
	sub := o.subscribers[senderSessionID]
	o.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.AddCandidate(candidate.Candidate, candidate.SDPMid, candidate.SDPMLineIndex); err != nil {
		o.log.Warn("failed to add remote candidate",
			zap.String("session_id", senderSessionID), zap.Error(err))
	}
}

// Teardown implements signaling.Handler and runs exactly once when the
// signaling client goes defunct.
func (o *Orchestrator) Teardown(reason string) {
	if o.closed.Swap(true) {
		return
	}

	o.mu.Lock()
	o.cancelDeferredCloseLocked()
	subs := make([]*rtc.Subscriber, 0, len(o.subscribers))
	for _, sub := range o.subscribers {
		subs = append(subs, sub)
	}
	o.subscribers = make(map[string]*rtc.Subscriber)
	trs := make([]*transcriber.Transcriber, 0, len(o.transcripts))
	for _, tr := range o.transcripts {
		trs = append(trs, tr)
	}
	o.transcripts = make(map[string]*transcriber.Transcriber)
	o.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	for _, tr := range trs {
		tr.Close()
	}

	close(o.done)
	if o.cancel != nil {
		o.cancel()
	}

	o.log.Info("room torn down", zap.String("reason", reason))
	if o.onClosed != nil {
		go o.onClosed(o.roomToken)
	}
}

// SendAnswer implements rtc.Signaler.
func (o *Orchestrator) SendAnswer(sessionID, offerSID, sdp string) {
	o.client.SendAnswer(o.replyTarget(sessionID), offerSID, sdp)
}

// SendCandidate implements rtc.Signaler.
func (o *Orchestrator) SendCandidate(sessionID, offerSID, candidate, sdpMid string, sdpMLineIndex int) {
	o.client.SendCandidate(o.replyTarget(sessionID), offerSID, signaling.CandidateInit{
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	})
}

func (o *Orchestrator) replyTarget(sessionID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if to, ok := o.answerTo[sessionID]; ok {
		return to
	}
	return sessionID
}

// TrackStarted implements rtc.Signaler. The first media from a speaker
// starts their transcriber stream.
func (o *Orchestrator) TrackStarted(sessionID string) {
	o.mu.Lock()
	if _, exists := o.transcripts[sessionID]; exists || o.closed.Load() {
		o.mu.Unlock()
		return
	}
	language := o.language
	o.mu.Unlock()

	tr, err := transcriber.New(o.runCtx, o.sttCfg, sessionID, language,
		o.queue, o.transcriberFailed)
	if err != nil {
		o.log.Error("failed to start transcriber",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	o.mu.Lock()
	if o.closed.Load() {
		o.mu.Unlock()
		tr.Close()
		return
	}
	o.transcripts[sessionID] = tr
	o.mu.Unlock()
}

// SubscriberClosed implements rtc.Signaler.
func (o *Orchestrator) SubscriberClosed(sessionID string) {
	o.mu.Lock()
	sub := o.subscribers[sessionID]
	delete(o.subscribers, sessionID)
	tr := o.transcripts[sessionID]
	delete(o.transcripts, sessionID)
	o.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if tr != nil {
		tr.Close()
	}
}

func (o *Orchestrator) transcriberFailed(sessionID string, err error) {
	o.log.Warn("dropping failed transcriber stream",
		zap.String("session_id", sessionID), zap.Error(err))

	o.mu.Lock()
	tr := o.transcripts[sessionID]
	delete(o.transcripts, sessionID)
	o.mu.Unlock()
	if tr != nil {
		tr.Close()
	}
}

func (o *Orchestrator) handleFrame(sessionID string, frame domain.PCMFrame) {
	o.mu.Lock()
	tr := o.transcripts[sessionID]
	o.mu.Unlock()
	if tr == nil {
		return
	}
	if err := tr.Feed(frame); err != nil {
		o.log.Debug("failed to feed audio frame",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// consumeQueue fans transcripts out to every recipient. Partials are rate
// limited per room; finals always go out.
func (o *Orchestrator) consumeQueue() {
	for {
		// Hold transcripts while the signaling connection is down so a
		// reconnect window does not drain the queue into nothing.
		if !o.client.Connected() {
			select {
			case <-o.done:
				return
			case <-time.After(connPollInterval):
			}
			continue
		}

		select {
		case <-o.done:
			return
		case t := <-o.queue:
			if !t.Final && !o.limiter.Allow() {
				continue
			}

			o.mu.Lock()
			recipients := make([]string, 0, len(o.recipients))
			for sid := range o.recipients {
				recipients = append(recipients, sid)
			}
			o.mu.Unlock()

			for _, sid := range recipients {
				o.client.SendTranscript(sid, t)
			}
		}
	}
}

// startDeferredCloseLocked arms the grace timer that closes the room when no
// recipients remain. Caller holds o.mu.
func (o *Orchestrator) startDeferredCloseLocked() {
	o.cancelDeferredCloseLocked()
	o.log.Debug("no transcript recipients, arming leave timer",
		zap.Duration("timeout", o.cfg.CallLeaveTimeout))

	o.leaveTimer = time.AfterFunc(o.cfg.CallLeaveTimeout, func() {
		if o.closed.Load() {
			return
		}
		o.mu.Lock()
		empty := len(o.recipients) == 0 && len(o.pending) == 0
		o.mu.Unlock()
		if empty {
			o.log.Info("no transcript recipients after grace period, leaving call")
			o.Close("no transcript recipients")
		}
	})
}

// cancelDeferredCloseLocked disarms the leave timer. Caller holds o.mu.
func (o *Orchestrator) cancelDeferredCloseLocked() {
	if o.leaveTimer != nil {
		o.leaveTimer.Stop()
		o.leaveTimer = nil
	}
}
