// Package recognition turns continuous speech recognition into de-duplicated
// chat turns that drive the avatar.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lukasbauer/avatarchat/internal/device"
	"github.com/lukasbauer/avatarchat/internal/eventlog"
	"github.com/lukasbauer/avatarchat/internal/metrics"
	"github.com/lukasbauer/avatarchat/internal/state"
	"github.com/lukasbauer/avatarchat/internal/stt"
)

// ErrServiceUnavailable means the recognizer could not be created because the
// speech service is not configured.
var ErrServiceUnavailable = errors.New("speech recognition unavailable")

var errClosed = errors.New("recognition engine closed")

// DefaultLanguage is recorded when the recognizer reports no language.
const DefaultLanguage = "en-US"

const (
	msgPermissionDenied = "Microphone permission denied. Please allow microphone access in your system settings."
	msgNoMicrophone     = "Could not access microphone. Please check your device settings."
	msgUnavailable      = "Speech recognition unavailable: speech service credentials not properly configured. Please check your environment setup."
	msgNetwork          = "Speech recognition failed due to network issues. Please check your internet connection."
)

// Avatar is the part of the session the engine drives.
type Avatar interface {
	Speak(ctx context.Context, text string) error
	MuteInputAudio()
}

// EventRecorder persists conversation events.
type EventRecorder interface {
	LogAsync(conversationID string, eventType eventlog.EventType, data map[string]any)
}

// Microphone hands out capture streams.
type Microphone interface {
	CheckPermission(ctx context.Context) state.PermissionState
	Open(ctx context.Context) (device.Stream, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics records transcript and listening metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEventLog records transcript verdicts and recognition errors.
func WithEventLog(l EventRecorder) Option {
	return func(e *Engine) {
		if l != nil {
			e.events = l
		}
	}
}

// WithSpeakTimeout bounds each speak call.
func WithSpeakTimeout(d time.Duration) Option {
	return func(e *Engine) { e.speakTimeout = d }
}

// Engine listens to the microphone, filters final transcripts and forwards
// accepted ones to the avatar.
type Engine struct {
	store  *state.Store
	shared *stt.Shared
	mic    Microphone
	avatar Avatar
	logger zerolog.Logger

	clock        Clock
	metrics      *metrics.Metrics
	events       EventRecorder
	speakTimeout time.Duration

	dedup Deduplicator

	mu        sync.Mutex
	handle    *stt.Handle
	stream    device.Stream
	listening bool
	closed    bool

	// timerMu guards release separately so recognizer callbacks never wait
	// on a lifecycle call that is itself waiting for them.
	timerMu sync.Mutex
	release Timer

	// Accepted transcripts reach the avatar one at a time, in acceptance order.
	speakMu     sync.Mutex
	speakQueue  chan speakJob
	speakClosed bool
	speakDone   chan struct{}
	speaking    sync.WaitGroup
}

type speakJob struct {
	conversationID string
	text           string
}

func NewEngine(store *state.Store, shared *stt.Shared, mic Microphone, avatar Avatar, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		shared:       shared,
		mic:          mic,
		avatar:       avatar,
		logger:       logger.With().Str("component", "recognition").Logger(),
		clock:        realClock{},
		events:       (*eventlog.Logger)(nil),
		speakTimeout: 30 * time.Second,
		speakQueue:   make(chan speakJob, 16),
		speakDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.speakLoop()
	return e
}

// Listening reports whether continuous recognition is running.
func (e *Engine) Listening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listening
}

// StartListening opens the microphone and starts continuous recognition.
// Failures are also reported through the store's error field.
func (e *Engine) StartListening(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errClosed
	}
	if e.listening {
		return nil
	}

	if perm := e.mic.CheckPermission(ctx); perm != state.PermissionUnknown {
		e.store.Dispatch(state.PermissionChanged{State: perm})
	}

	stream, err := e.mic.Open(ctx)
	if err != nil {
		if errors.Is(err, device.ErrPermissionDenied) {
			e.store.Dispatch(state.PermissionChanged{State: state.PermissionDenied})
			e.fail(msgPermissionDenied, "permission")
		} else {
			e.fail(msgNoMicrophone, "device")
		}
		return fmt.Errorf("open microphone: %w", err)
	}
	e.store.Dispatch(state.PermissionChanged{State: state.PermissionGranted})

	if e.handle == nil {
		h, err := e.shared.Acquire()
		if err != nil {
			e.closeStream(stream)
			if errors.Is(err, stt.ErrMissingCredentials) {
				e.fail(msgUnavailable, "credentials")
				return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
			}
			e.fail("Failed to initialize speech recognizer: "+err.Error(), "init")
			return fmt.Errorf("initialize recognizer: %w", err)
		}
		e.handle = h
	}

	rec := e.handle.Recognizer()
	rec.SetHandlers(stt.Handlers{
		Recognizing: e.onRecognizing,
		Recognized:  e.onRecognized,
		Canceled:    e.onCanceled,
	})

	if e.avatar != nil {
		e.avatar.MuteInputAudio()
	}
	e.dedup.ClearLast()

	if err := rec.StartContinuousRecognition(ctx, stream); err != nil {
		e.closeStream(stream)
		if isNetworkError(err) {
			e.fail(msgNetwork, "network")
		} else {
			e.fail("Failed to start listening: "+err.Error(), "start")
		}
		return fmt.Errorf("start recognition: %w", err)
	}

	e.stream = stream
	e.listening = true
	e.store.Dispatch(state.ListeningChanged{Listening: true})
	e.store.Dispatch(state.ErrorRaised{Message: ""})
	e.metrics.RecordListening(true)
	e.events.LogAsync(e.conversationID(), eventlog.EventListeningStarted, nil)
	e.logger.Info().Msg("listening started")
	return nil
}

// StopListening stops recognition and releases the microphone. Cleanup runs
// even when the recognizer fails to stop.
func (e *Engine) StopListening(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked(ctx)
}

func (e *Engine) stopLocked(ctx context.Context) error {
	var stopErr error
	if e.handle != nil && e.listening {
		if err := e.handle.Recognizer().StopContinuousRecognition(ctx); err != nil && !errors.Is(err, stt.ErrNotRunning) {
			stopErr = err
		}
	}

	wasListening := e.listening
	e.listening = false
	e.store.Dispatch(state.ListeningChanged{Listening: false})

	if e.stream != nil {
		e.closeStream(e.stream)
		e.stream = nil
	}

	e.timerMu.Lock()
	if e.release != nil {
		e.release.Stop()
		e.release = nil
	}
	e.timerMu.Unlock()
	e.dedup.Reset()

	if wasListening {
		e.metrics.RecordListening(false)
		e.events.LogAsync(e.conversationID(), eventlog.EventListeningStopped, nil)
		e.logger.Info().Msg("listening stopped")
	}

	if stopErr != nil {
		e.store.Dispatch(state.ErrorRaised{Message: "Failed to stop listening: " + stopErr.Error()})
		return fmt.Errorf("stop listening: %w", stopErr)
	}
	return nil
}

// Close stops listening and drops this engine's reference to the shared
// recognizer. Queued speak calls are delivered before it returns.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	err := e.stopLocked(context.Background())
	if e.handle != nil {
		err = errors.Join(err, e.handle.Release())
		e.handle = nil
	}
	e.mu.Unlock()

	e.speakMu.Lock()
	e.speakClosed = true
	close(e.speakQueue)
	e.speakMu.Unlock()
	<-e.speakDone
	return err
}

func (e *Engine) onRecognizing(res stt.Result) {
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return
	}
	e.store.Dispatch(state.RecognizedTextChanged{Text: res.Text})
	e.store.Dispatch(state.UserTalkingChanged{Talking: true})
}

func (e *Engine) onRecognized(res stt.Result) {
	text := res.Text
	if strings.TrimSpace(text) == "" {
		return
	}
	e.store.Dispatch(state.RecognizedTextChanged{Text: text})
	e.detectLanguage(res.Language)

	verdict := e.dedup.Check(text, e.clock.Now())
	e.metrics.RecordTranscript(verdict == Accepted)
	if verdict != Accepted {
		e.logger.Debug().Str("text", text).Str("reason", string(verdict)).Msg("duplicate transcript ignored")
		e.events.LogAsync(e.conversationID(), eventlog.EventTranscriptRejected, map[string]any{
			"text":   text,
			"reason": string(verdict),
		})
		e.store.Dispatch(state.UserTalkingChanged{Talking: false})
		return
	}

	conversationID := e.conversationID()
	e.logger.Info().Str("text", text).Msg("transcript accepted")
	e.events.LogAsync(conversationID, eventlog.EventTranscriptAccepted, map[string]any{
		"text":       text,
		"confidence": res.Confidence,
	})

	e.store.Dispatch(state.UserTalkingMessage{Text: text})

	e.enqueueSpeak(speakJob{conversationID: conversationID, text: text})

	e.store.Dispatch(state.EndMessage{})
	e.scheduleRelease()
	e.store.Dispatch(state.UserTalkingChanged{Talking: false})
}

func (e *Engine) onCanceled(c stt.Cancellation) {
	if c.Reason == stt.CancellationError {
		e.store.Dispatch(state.ErrorRaised{Message: "Speech recognition error: " + c.ErrorDetails})
		e.metrics.RecordRecognitionError("canceled")
		e.events.LogAsync(e.conversationID(), eventlog.EventRecognitionError, map[string]any{
			"details": c.ErrorDetails,
		})
	}
	// The recognizer may be delivering this from a goroutine its Stop waits on.
	go func() {
		if err := e.StopListening(context.Background()); err != nil {
			e.logger.Warn().Err(err).Msg("stop after cancellation failed")
		}
	}()
}

// detectLanguage records the session language once per conversation.
func (e *Engine) detectLanguage(detected string) {
	snap := e.store.Snapshot()
	if snap.Session.ConversationID == "" || snap.Session.DetectedLanguage != "" {
		return
	}
	lang := detected
	if lang == "" {
		lang = DefaultLanguage
	}
	e.store.Dispatch(state.LanguageDetected{Language: lang})
	e.events.LogAsync(snap.Session.ConversationID, eventlog.EventLanguageDetected, map[string]any{
		"language": lang,
	})
	e.logger.Info().Str("language", lang).Str("conversation_id", snap.Session.ConversationID).Msg("language detected")
}

func (e *Engine) enqueueSpeak(job speakJob) {
	e.speakMu.Lock()
	defer e.speakMu.Unlock()
	if e.speakClosed {
		e.logger.Debug().Str("text", job.text).Msg("engine closed, transcript not forwarded")
		return
	}
	e.speaking.Add(1)
	e.speakQueue <- job
}

func (e *Engine) speakLoop() {
	defer close(e.speakDone)
	for job := range e.speakQueue {
		e.speak(job.conversationID, job.text)
		e.speaking.Done()
	}
}

func (e *Engine) speak(conversationID, text string) {
	if e.avatar == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.speakTimeout)
	defer cancel()

	start := time.Now()
	err := e.avatar.Speak(ctx, text)
	e.metrics.RecordSpeak(err, time.Since(start))
	if err != nil {
		e.logger.Error().Err(err).Str("text", text).Msg("avatar speak failed")
		e.events.LogAsync(conversationID, eventlog.EventSpeakFailed, map[string]any{
			"text":  text,
			"error": err.Error(),
		})
	}
}

func (e *Engine) scheduleRelease() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.release != nil {
		e.release.Stop()
	}
	e.release = e.clock.AfterFunc(DuplicateWindow, e.dedup.Release)
}

// fail records a user-visible error and clears the listening flag.
func (e *Engine) fail(message, kind string) {
	e.logger.Warn().Str("kind", kind).Msg(message)
	e.metrics.RecordRecognitionError(kind)
	e.store.Dispatch(state.ErrorRaised{Message: message})
	e.store.Dispatch(state.ListeningChanged{Listening: false})
}

func (e *Engine) closeStream(s device.Stream) {
	if err := s.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("failed to release microphone")
	}
}

func (e *Engine) conversationID() string {
	return e.store.Snapshot().Session.ConversationID
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "network") || strings.Contains(msg, "connection") || strings.Contains(msg, "connect")
}
