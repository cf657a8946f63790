package stt

import (
	"context"
	"errors"
	"io"
)

// ErrMissingCredentials is returned when the speech service key or region is not configured.
var ErrMissingCredentials = errors.New("speech service credentials are not configured")

// Result represents a speech-to-text recognition result.
type Result struct {
	Text       string  // The recognized text
	Confidence float64 // Confidence score (0-1)
	IsFinal    bool    // Whether this is a final or interim result
	Language   string  // Detected language, only set on final results when detection is enabled
}

// CancellationReason says why recognition stopped on its own.
type CancellationReason int

const (
	CancellationEndOfStream CancellationReason = iota
	CancellationError
)

// Cancellation is delivered when the recognizer stops without being asked to.
type Cancellation struct {
	Reason       CancellationReason
	ErrorDetails string
}

// Handlers receive recognizer callbacks. Nil handlers are skipped.
type Handlers struct {
	Recognizing func(Result)
	Recognized  func(Result)
	Canceled    func(Cancellation)
}

// Recognizer performs continuous recognition over an audio stream.
type Recognizer interface {
	// SetHandlers replaces the callbacks used for subsequent results.
	SetHandlers(h Handlers)

	// StartContinuousRecognition starts recognizing audio until stopped.
	// Audio must be 16-bit little-endian PCM at the configured sample rate.
	StartContinuousRecognition(ctx context.Context, audio io.Reader) error

	// StopContinuousRecognition stops recognition; the recognizer can be started again.
	StopContinuousRecognition(ctx context.Context) error

	// Close releases the recognizer.
	Close() error
}
