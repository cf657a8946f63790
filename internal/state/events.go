package state

// Event is a state transition request handled by Store.Dispatch.
type Event interface {
	isEvent()
}

type SessionStateChanged struct{ State SessionState }

type ConversationAssigned struct{ ID string }

type StreamAttached struct{ Stream *MediaStream }

type LanguageDetected struct{ Language string }

type ConnectionQualityChanged struct{ Quality ConnectionQuality }

type UserTalkingChanged struct{ Talking bool }

type AvatarTalkingChanged struct{ Talking bool }

// UserTalkingMessage is a transcript fragment attributed to the client.
type UserTalkingMessage struct{ Text string }

// AvatarTalkingMessage is a transcript fragment attributed to the avatar.
type AvatarTalkingMessage struct{ Text string }

// EndMessage closes the current message so the next fragment starts a new entry.
type EndMessage struct{}

type MessagesCleared struct{}

type ListeningChanged struct{ Listening bool }

// RecognizedTextChanged updates the live recognition preview.
type RecognizedTextChanged struct{ Text string }

type MutedChanged struct{ Muted bool }

type VoiceChatLoadingChanged struct{ Loading bool }

type VoiceChatActiveChanged struct{ Active bool }

// ErrorRaised sets the user-visible error. An empty message clears it.
type ErrorRaised struct{ Message string }

type PermissionChanged struct{ State PermissionState }

func (SessionStateChanged) isEvent()      {}
func (ConversationAssigned) isEvent()     {}
func (StreamAttached) isEvent()           {}
func (LanguageDetected) isEvent()         {}
func (ConnectionQualityChanged) isEvent() {}
func (UserTalkingChanged) isEvent()       {}
func (AvatarTalkingChanged) isEvent()     {}
func (UserTalkingMessage) isEvent()       {}
func (AvatarTalkingMessage) isEvent()     {}
func (EndMessage) isEvent()               {}
func (MessagesCleared) isEvent()          {}
func (ListeningChanged) isEvent()         {}
func (RecognizedTextChanged) isEvent()    {}
func (MutedChanged) isEvent()             {}
func (VoiceChatLoadingChanged) isEvent()  {}
func (VoiceChatActiveChanged) isEvent()   {}
func (ErrorRaised) isEvent()              {}
func (PermissionChanged) isEvent()        {}
