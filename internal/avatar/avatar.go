// Package avatar talks to the streaming avatar service.
package avatar

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/lukasbauer/avatarchat/internal/state"
)

// ErrNoSession is returned by operations that need a started avatar session.
var ErrNoSession = errors.New("avatar session not started")

// EventType names an event emitted by the avatar service.
type EventType string

const (
	EventStreamReady              EventType = "stream_ready"
	EventStreamDisconnected       EventType = "stream_disconnected"
	EventConnectionQualityChanged EventType = "connection_quality_changed"
	EventUserStart                EventType = "user_start"
	EventUserStop                 EventType = "user_stop"
	EventAvatarStartTalking       EventType = "avatar_start_talking"
	EventAvatarStopTalking        EventType = "avatar_stop_talking"
	EventUserTalkingMessage       EventType = "user_talking_message"
	EventAvatarTalkingMessage     EventType = "avatar_talking_message"
	EventUserEndMessage           EventType = "user_end_message"
	EventAvatarEndMessage         EventType = "avatar_end_message"
)

// Event carries the payload for an avatar event. Only the fields relevant to
// Type are set.
type Event struct {
	Type    EventType
	TaskID  string
	Message string
	Quality state.ConnectionQuality
	Stream  *state.MediaStream
}

// Handler receives avatar events.
type Handler func(Event)

type TaskType string

const (
	TaskTypeRepeat TaskType = "repeat"
	TaskTypeTalk   TaskType = "talk"
)

type TaskMode string

const (
	TaskModeSync  TaskMode = "sync"
	TaskModeAsync TaskMode = "async"
)

// VoiceSetting configures the avatar voice.
type VoiceSetting struct {
	VoiceID string  `json:"voiceId,omitempty"`
	Rate    float64 `json:"rate"`
	Emotion string  `json:"emotion"`
	Model   string  `json:"model"`
}

// StartRequest configures a new avatar session.
type StartRequest struct {
	Quality             string       `json:"quality"`
	AvatarName          string       `json:"avatarName"`
	Voice               VoiceSetting `json:"voice"`
	Language            string       `json:"language"`
	VoiceChatTransport  string       `json:"voiceChatTransport"`
	ActivityIdleTimeout int          `json:"activityIdleTimeout"`
	KnowledgeBaseID     string       `json:"knowledgeId,omitempty"`
}

// SpeakRequest asks the avatar to say something.
type SpeakRequest struct {
	Text     string
	TaskType TaskType
	TaskMode TaskMode
}

// SessionInfo describes a created avatar session.
type SessionInfo struct {
	SessionID   string
	URL         string
	AccessToken string
}

// Client is the avatar capability the session layer consumes.
type Client interface {
	CreateStartAvatar(ctx context.Context, req StartRequest) (*SessionInfo, error)
	StopAvatar(ctx context.Context) error
	Speak(ctx context.Context, req SpeakRequest) error
	Interrupt(ctx context.Context) error
	StartVoiceChat(ctx context.Context, inputMuted bool) error
	CloseVoiceChat()
	MuteInputAudio()
	UnmuteInputAudio()
	Subscribe(t EventType, h Handler) (unsubscribe func())
}

// Emitter fans events out to subscribed handlers. The zero value is ready to use.
type Emitter struct {
	mu       sync.Mutex
	nextID   int
	handlers map[EventType]map[int]Handler
}

// Subscribe registers h for events of type t and returns a function that
// removes it.
func (e *Emitter) Subscribe(t EventType, h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[EventType]map[int]Handler)
	}
	if e.handlers[t] == nil {
		e.handlers[t] = make(map[int]Handler)
	}
	id := e.nextID
	e.nextID++
	e.handlers[t][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.handlers[t], id)
		})
	}
}

// Emit calls every handler registered for ev.Type in registration order.
// Handlers run on the caller's goroutine without the emitter lock held.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	hs := e.handlers[ev.Type]
	ids := make([]int, 0, len(hs))
	for id := range hs {
		ids = append(ids, id)
	}
	snapshot := make([]Handler, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		snapshot = append(snapshot, hs[id])
	}
	e.mu.Unlock()

	for _, h := range snapshot {
		h(ev)
	}
}

// Count reports the number of handlers registered for t.
func (e *Emitter) Count(t EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[t])
}
