package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// EventType represents the type of conversation event
type EventType string

const (
	EventSessionStarted     EventType = "session_started"
	EventSessionStartFailed EventType = "session_start_failed"
	EventSessionStopped     EventType = "session_stopped"
	EventStreamDisconnected EventType = "stream_disconnected"
	EventLanguageDetected   EventType = "language_detected"
	EventTranscriptAccepted EventType = "transcript_accepted"
	EventTranscriptRejected EventType = "transcript_rejected"
	EventSpeakFailed        EventType = "speak_failed"
	EventRecognitionError   EventType = "recognition_error"
	EventListeningStarted   EventType = "listening_started"
	EventListeningStopped   EventType = "listening_stopped"
	EventAvatarMessage      EventType = "avatar_message"
	EventConnectionQuality  EventType = "connection_quality"
	EventInterruptRequested EventType = "interrupt_requested"
)

// Event is a stored conversation event.
type Event struct {
	ID             int64          `json:"id"`
	ConversationID string         `json:"conversationId"`
	Type           EventType      `json:"type"`
	Data           map[string]any `json:"data"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Logger provides async event logging to the database
type Logger struct {
	db     *pgxpool.Pool
	logger zerolog.Logger
}

// New creates a new event logger. A nil pool turns every call into a no-op.
func New(db *pgxpool.Pool, logger zerolog.Logger) *Logger {
	return &Logger{db: db, logger: logger.With().Str("component", "eventlog").Logger()}
}

// Enabled reports whether events are persisted.
func (l *Logger) Enabled() bool {
	return l != nil && l.db != nil
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, conversationID string, eventType EventType, data map[string]any) error {
	if !l.Enabled() || conversationID == "" {
		return nil // Silently skip if no DB or conversation ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO conversation_events (conversation_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, conversationID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(conversationID string, eventType EventType, data map[string]any) {
	if !l.Enabled() || conversationID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Log(ctx, conversationID, eventType, data); err != nil {
			l.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("failed to log event")
		}
	}()
}

// List returns up to limit events for a conversation, oldest first.
func (l *Logger) List(ctx context.Context, conversationID string, limit int) ([]Event, error) {
	if !l.Enabled() || conversationID == "" {
		return []Event{}, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	rows, err := l.db.Query(ctx, `
		SELECT id, conversation_id, event_type, event_data, created_at
		FROM conversation_events
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e        Event
			typ      string
			dataJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &typ, &dataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
				e.Data = map[string]any{}
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
