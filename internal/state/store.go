// Package state holds the shared conversation state and the single dispatcher
// that mutates it. Avatar, recognition and session events all flow through
// Store.Dispatch so the flags can't drift apart.
package state

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store owns the process-wide conversation state.
type Store struct {
	logger zerolog.Logger
	newID  func() string

	mu            sync.Mutex
	snap          Snapshot
	currentSender *Sender

	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

// NewStore creates a store in the inactive, muted state.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		logger: logger.With().Str("component", "state").Logger(),
		newID:  uuid.NewString,
		snap: Snapshot{
			Session:           Session{State: SessionInactive},
			VoiceChat:         VoiceChat{Muted: true},
			ConnectionQuality: QualityUnknown,
			Permission:        PermissionUnknown,
		},
		subs: make(map[int]chan Snapshot),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.clone()
}

// SessionState is a shortcut for Snapshot().Session.State.
func (s *Store) SessionState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Session.State
}

// Dispatch applies ev and notifies subscribers.
func (s *Store) Dispatch(ev Event) {
	s.mu.Lock()
	if !s.apply(ev) {
		s.mu.Unlock()
		return
	}
	snap := s.snap.clone()
	// Taking subMu before releasing mu keeps broadcasts in dispatch order.
	s.subMu.Lock()
	s.mu.Unlock()
	defer s.subMu.Unlock()

	s.broadcast(snap)
}

// apply must be called with mu held. It reports whether anything changed.
func (s *Store) apply(ev Event) bool {
	switch e := ev.(type) {
	case SessionStateChanged:
		if s.snap.Session.State == e.State {
			return false
		}
		s.snap.Session.State = e.State
	case ConversationAssigned:
		s.snap.Session.ConversationID = e.ID
	case StreamAttached:
		s.snap.Session.Stream = e.Stream
	case LanguageDetected:
		s.snap.Session.DetectedLanguage = e.Language
	case ConnectionQualityChanged:
		s.snap.ConnectionQuality = e.Quality
	case UserTalkingChanged:
		if s.snap.Talking.User == e.Talking {
			return false
		}
		s.snap.Talking.User = e.Talking
	case AvatarTalkingChanged:
		if s.snap.Talking.Avatar == e.Talking {
			return false
		}
		s.snap.Talking.Avatar = e.Talking
	case UserTalkingMessage:
		return s.appendFragment(SenderClient, e.Text)
	case AvatarTalkingMessage:
		return s.appendFragment(SenderAvatar, e.Text)
	case EndMessage:
		s.currentSender = nil
		return false
	case MessagesCleared:
		s.snap.Messages = nil
		s.currentSender = nil
	case ListeningChanged:
		s.snap.Listening = e.Listening
	case RecognizedTextChanged:
		s.snap.RecognizedText = e.Text
	case MutedChanged:
		s.snap.VoiceChat.Muted = e.Muted
	case VoiceChatLoadingChanged:
		s.snap.VoiceChat.Loading = e.Loading
	case VoiceChatActiveChanged:
		s.snap.VoiceChat.Active = e.Active
	case ErrorRaised:
		s.snap.Error = e.Message
	case PermissionChanged:
		s.snap.Permission = e.State
	default:
		s.logger.Warn().Msgf("unhandled event %T", ev)
		return false
	}
	return true
}

// appendFragment concatenates onto the last message while the same sender
// keeps talking, otherwise it starts a new entry.
func (s *Store) appendFragment(sender Sender, text string) bool {
	if text == "" {
		s.logger.Debug().Str("sender", string(sender)).Msg("ignoring empty message fragment")
		return false
	}

	n := len(s.snap.Messages)
	if s.currentSender != nil && *s.currentSender == sender && n > 0 {
		s.snap.Messages[n-1].Content += text
		return true
	}

	s.currentSender = &sender
	s.snap.Messages = append(s.snap.Messages, Message{
		ID:      s.newID(),
		Sender:  sender,
		Content: text,
	})
	return true
}

// Subscribe returns a channel receiving the latest snapshot after each change.
// Slow readers only ever see the most recent snapshot. Call cancel to detach.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	// Same lock order as Dispatch: no change can land between the first
	// snapshot and the registration.
	s.mu.Lock()
	ch <- s.snap.clone()
	s.subMu.Lock()
	s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// broadcast must be called with subMu held.
func (s *Store) broadcast(snap Snapshot) {
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
