package state

// SessionState models the avatar session lifecycle.
type SessionState string

const (
	SessionInactive   SessionState = "inactive"
	SessionConnecting SessionState = "connecting"
	SessionConnected  SessionState = "connected"
)

// Sender identifies who produced a chat message.
type Sender string

const (
	SenderClient Sender = "CLIENT"
	SenderAvatar Sender = "AVATAR"
)

// ConnectionQuality mirrors the avatar transport's quality indicator.
type ConnectionQuality string

const (
	QualityUnknown ConnectionQuality = "UNKNOWN"
	QualityGood    ConnectionQuality = "GOOD"
	QualityBad     ConnectionQuality = "BAD"
)

// PermissionState is the microphone permission as last observed.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
	PermissionUnknown PermissionState = "unknown"
)

// MediaStream is the handle a browser uses to attach to the avatar's media room.
type MediaStream struct {
	SessionID   string `json:"sessionId"`
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`
}

// Message is one chat history entry.
type Message struct {
	ID      string `json:"id"`
	Sender  Sender `json:"sender"`
	Content string `json:"content"`
}

// Session groups the per-session fields.
type Session struct {
	State            SessionState `json:"state"`
	ConversationID   string       `json:"conversationId,omitempty"`
	DetectedLanguage string       `json:"detectedLanguage,omitempty"`
	Stream           *MediaStream `json:"stream,omitempty"`
}

// VoiceChat holds the avatar-side voice chat flags.
type VoiceChat struct {
	Muted   bool `json:"muted"`
	Loading bool `json:"loading"`
	Active  bool `json:"active"`
}

// Talking tracks who is currently speaking.
type Talking struct {
	User   bool `json:"user"`
	Avatar bool `json:"avatar"`
}

// Snapshot is an immutable copy of the store state.
type Snapshot struct {
	Session           Session           `json:"session"`
	VoiceChat         VoiceChat         `json:"voiceChat"`
	Talking           Talking           `json:"talking"`
	Listening         bool              `json:"listening"`
	ConnectionQuality ConnectionQuality `json:"connectionQuality"`
	Messages          []Message         `json:"messages"`
	RecognizedText    string            `json:"recognizedText,omitempty"`
	Error             string            `json:"error,omitempty"`
	Permission        PermissionState   `json:"permission"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	if s.Session.Stream != nil {
		stream := *s.Session.Stream
		out.Session.Stream = &stream
	}
	return out
}
