// Package session owns the avatar session lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/avatarchat/internal/avatar"
	"github.com/lukasbauer/avatarchat/internal/eventlog"
	"github.com/lukasbauer/avatarchat/internal/metrics"
	"github.com/lukasbauer/avatarchat/internal/state"
)

var (
	// ErrSessionActive is returned when starting while a session is connecting or connected.
	ErrSessionActive = errors.New("there is already an active session")
	// ErrTokenRequired is returned when starting without a token and without an avatar client.
	ErrTokenRequired = errors.New("token is required")
)

// ClientFactory builds an avatar client for a session token.
type ClientFactory func(token string) avatar.Client

// Listener is the recognition side the controller stops with the session.
type Listener interface {
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
}

// Option configures a Controller.
type Option func(*Controller)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithEventLog(l *eventlog.Logger) Option {
	return func(c *Controller) { c.events = l }
}

// WithWelcomeMessage makes the avatar say text once its stream is ready.
func WithWelcomeMessage(text string) Option {
	return func(c *Controller) { c.welcome = text }
}

// WithAutoListen starts listening once the stream is ready.
func WithAutoListen(enabled bool) Option {
	return func(c *Controller) { c.autoListen = enabled }
}

// Controller starts and stops the single avatar session and relays avatar
// events into the store.
type Controller struct {
	store     *state.Store
	newClient ClientFactory
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	events    *eventlog.Logger

	welcome    string
	autoListen bool

	// mu serializes Start and Stop.
	mu        sync.Mutex
	unsubs    []func()
	startedAt time.Time

	clientMu sync.Mutex
	client   avatar.Client
	listener Listener
}

func NewController(store *state.Store, newClient ClientFactory, logger zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:     store,
		newClient: newClient,
		logger:    logger.With().Str("component", "session").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AttachListener sets the recognition listener stopped along with the session.
func (c *Controller) AttachListener(l Listener) {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	c.listener = l
}

func (c *Controller) currentClient() avatar.Client {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	return c.client
}

func (c *Controller) currentListener() Listener {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	return c.listener
}

// Start begins a new avatar session. A non-empty token replaces the avatar
// client. Event handlers are registered before the avatar is started.
func (c *Controller) Start(ctx context.Context, req avatar.StartRequest, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store.SessionState() != state.SessionInactive {
		return ErrSessionActive
	}

	c.clientMu.Lock()
	if token != "" {
		c.client = c.newClient(token)
	}
	client := c.client
	c.clientMu.Unlock()
	if client == nil {
		return ErrTokenRequired
	}

	conversationID := uuid.NewString()
	c.store.Dispatch(state.ConversationAssigned{ID: conversationID})
	c.store.Dispatch(state.SessionStateChanged{State: state.SessionConnecting})

	c.subscribe(client)

	log := c.logger.With().Str("conversation_id", conversationID).Logger()
	log.Info().Str("avatar", req.AvatarName).Msg("starting avatar session")

	if _, err := client.CreateStartAvatar(ctx, req); err != nil {
		log.Error().Err(err).Msg("avatar start failed")
		c.metrics.RecordSessionStart(false)
		c.events.LogAsync(conversationID, eventlog.EventSessionStartFailed, map[string]any{"error": err.Error()})
		if stopErr := c.stopLocked(context.WithoutCancel(ctx)); stopErr != nil {
			log.Warn().Err(stopErr).Msg("cleanup after failed start")
		}
		return fmt.Errorf("start avatar: %w", err)
	}

	c.startedAt = time.Now()
	c.metrics.RecordSessionStart(true)
	c.events.LogAsync(conversationID, eventlog.EventSessionStarted, map[string]any{
		"avatar":   req.AvatarName,
		"quality":  req.Quality,
		"language": req.Language,
	})
	return nil
}

func (c *Controller) subscribe(client avatar.Client) {
	on := func(t avatar.EventType, h avatar.Handler) {
		c.unsubs = append(c.unsubs, client.Subscribe(t, h))
	}

	on(avatar.EventStreamReady, c.handleStreamReady)
	on(avatar.EventStreamDisconnected, c.handleDisconnected)
	on(avatar.EventConnectionQualityChanged, func(ev avatar.Event) {
		c.store.Dispatch(state.ConnectionQualityChanged{Quality: ev.Quality})
		c.events.LogAsync(c.store.Snapshot().Session.ConversationID, eventlog.EventConnectionQuality, map[string]any{
			"quality": string(ev.Quality),
		})
	})
	on(avatar.EventUserStart, func(avatar.Event) {
		c.store.Dispatch(state.UserTalkingChanged{Talking: true})
	})
	on(avatar.EventUserStop, func(avatar.Event) {
		c.store.Dispatch(state.UserTalkingChanged{Talking: false})
	})
	on(avatar.EventAvatarStartTalking, func(avatar.Event) {
		c.store.Dispatch(state.AvatarTalkingChanged{Talking: true})
	})
	on(avatar.EventAvatarStopTalking, func(avatar.Event) {
		c.store.Dispatch(state.AvatarTalkingChanged{Talking: false})
	})
	on(avatar.EventUserTalkingMessage, func(ev avatar.Event) {
		c.store.Dispatch(state.UserTalkingMessage{Text: ev.Message})
	})
	on(avatar.EventAvatarTalkingMessage, func(ev avatar.Event) {
		c.store.Dispatch(state.AvatarTalkingMessage{Text: ev.Message})
	})
	on(avatar.EventUserEndMessage, func(avatar.Event) {
		c.store.Dispatch(state.EndMessage{})
	})
	on(avatar.EventAvatarEndMessage, c.handleAvatarEndMessage)
}

func (c *Controller) handleStreamReady(ev avatar.Event) {
	c.store.Dispatch(state.StreamAttached{Stream: ev.Stream})
	c.store.Dispatch(state.SessionStateChanged{State: state.SessionConnected})
	c.logger.Info().Msg("avatar stream ready")

	if c.welcome != "" || c.autoListen {
		go c.greet()
	}
}

// greet runs the stream-ready follow-ups off the avatar's event goroutine.
func (c *Controller) greet() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if c.welcome != "" {
		if err := c.Speak(ctx, c.welcome); err != nil {
			c.logger.Warn().Err(err).Msg("failed to send welcome message")
		}
	}
	if c.autoListen {
		if l := c.currentListener(); l != nil {
			if err := l.StartListening(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("failed to start listening on stream ready")
			}
		}
	}
}

// handleDisconnected stops the session on a fresh goroutine so the avatar's
// read loop is not waiting on its own teardown.
func (c *Controller) handleDisconnected(avatar.Event) {
	c.events.LogAsync(c.store.Snapshot().Session.ConversationID, eventlog.EventStreamDisconnected, nil)
	c.logger.Warn().Msg("avatar stream disconnected")
	go func() {
		if err := c.Stop(context.Background()); err != nil {
			c.logger.Warn().Err(err).Msg("stop after disconnect")
		}
	}()
}

func (c *Controller) handleAvatarEndMessage(avatar.Event) {
	snap := c.store.Snapshot()
	if n := len(snap.Messages); n > 0 && snap.Messages[n-1].Sender == state.SenderAvatar {
		c.events.LogAsync(snap.Session.ConversationID, eventlog.EventAvatarMessage, map[string]any{
			"text": snap.Messages[n-1].Content,
		})
	}
	c.store.Dispatch(state.EndMessage{})
}

// Stop tears the session down. Every step runs even if an earlier one fails
// or panics; the session always ends inactive with no messages.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(ctx)
}

func (c *Controller) stopLocked(ctx context.Context) error {
	conversationID := c.store.Snapshot().Session.ConversationID
	client := c.currentClient()

	var errs []error
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				errs = append(errs, fmt.Errorf("%s: panic: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	defer func() {
		c.store.Dispatch(state.MessagesCleared{})
		c.store.Dispatch(state.SessionStateChanged{State: state.SessionInactive})
	}()

	step("detach handlers", func() error {
		unsubs := c.unsubs
		c.unsubs = nil
		for _, unsub := range unsubs {
			unsub()
		}
		return nil
	})
	step("clear messages", func() error {
		c.store.Dispatch(state.MessagesCleared{})
		return nil
	})
	step("stop voice chat", func() error {
		c.StopVoiceChat()
		return nil
	})
	step("stop listening", func() error {
		if l := c.currentListener(); l != nil {
			return l.StopListening(ctx)
		}
		return nil
	})
	step("reset flags", func() error {
		c.store.Dispatch(state.ListeningChanged{Listening: false})
		c.store.Dispatch(state.UserTalkingChanged{Talking: false})
		c.store.Dispatch(state.AvatarTalkingChanged{Talking: false})
		c.store.Dispatch(state.StreamAttached{Stream: nil})
		c.store.Dispatch(state.ConversationAssigned{ID: ""})
		c.store.Dispatch(state.LanguageDetected{Language: ""})
		return nil
	})
	step("stop avatar", func() error {
		if client == nil {
			return nil
		}
		return client.StopAvatar(ctx)
	})

	if !c.startedAt.IsZero() {
		c.metrics.RecordSessionEnd(time.Since(c.startedAt))
		c.startedAt = time.Time{}
	}
	c.events.LogAsync(conversationID, eventlog.EventSessionStopped, nil)

	if len(errs) > 0 {
		err := errors.Join(errs...)
		c.logger.Warn().Err(err).Msg("session stopped with errors")
		return err
	}
	c.logger.Info().Str("conversation_id", conversationID).Msg("session stopped")
	return nil
}

// StartVoiceChat enables voice chat with the avatar's own input forced muted.
func (c *Controller) StartVoiceChat(ctx context.Context) error {
	client := c.currentClient()
	if client == nil {
		return nil
	}

	c.store.Dispatch(state.VoiceChatLoadingChanged{Loading: true})
	err := client.StartVoiceChat(ctx, true)
	c.store.Dispatch(state.VoiceChatLoadingChanged{Loading: false})
	if err != nil {
		return fmt.Errorf("start voice chat: %w", err)
	}
	c.store.Dispatch(state.VoiceChatActiveChanged{Active: true})
	c.store.Dispatch(state.MutedChanged{Muted: true})
	return nil
}

func (c *Controller) StopVoiceChat() {
	client := c.currentClient()
	if client == nil {
		return
	}
	client.CloseVoiceChat()
	c.store.Dispatch(state.VoiceChatActiveChanged{Active: false})
	c.store.Dispatch(state.MutedChanged{Muted: true})
}

func (c *Controller) MuteInputAudio() {
	client := c.currentClient()
	if client == nil {
		return
	}
	client.MuteInputAudio()
	c.store.Dispatch(state.MutedChanged{Muted: true})
}

// UnmuteInputAudio keeps the avatar's input muted; recognition runs here
// instead of inside the avatar.
func (c *Controller) UnmuteInputAudio() {
	client := c.currentClient()
	if client == nil {
		return
	}
	client.MuteInputAudio()
	c.store.Dispatch(state.MutedChanged{Muted: true})
	c.logger.Info().Msg("unmute requested, avatar input stays muted")
}

// Speak makes the avatar repeat text verbatim.
func (c *Controller) Speak(ctx context.Context, text string) error {
	client := c.currentClient()
	if client == nil {
		c.logger.Warn().Msg("speak requested without an avatar client")
		return nil
	}
	return client.Speak(ctx, avatar.SpeakRequest{
		Text:     text,
		TaskType: avatar.TaskTypeRepeat,
		TaskMode: avatar.TaskModeSync,
	})
}

// Interrupt stops whatever the avatar is saying.
func (c *Controller) Interrupt(ctx context.Context) error {
	client := c.currentClient()
	if client == nil {
		return nil
	}
	c.events.LogAsync(c.store.Snapshot().Session.ConversationID, eventlog.EventInterruptRequested, nil)
	return client.Interrupt(ctx)
}
