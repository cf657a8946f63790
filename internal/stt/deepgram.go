package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultLanguages are the candidate languages for automatic detection.
var DefaultLanguages = []string{"en-US", "ar-SA", "ur-IN"}

const audioChunkSize = 3200 // 100ms of 16kHz mono s16le

// ErrNotRunning is returned when stopping a recognizer that is not running.
var ErrNotRunning = errors.New("recognition is not running")

// DeepgramConfig holds configuration for the Deepgram recognizer.
type DeepgramConfig struct {
	APIKey      string
	Region      string   // "us" or "eu"
	Endpoint    string   // overrides the region-derived websocket URL when set
	Model       string   // e.g., "nova-3"
	Languages   []string // candidate languages; more than one enables detection
	SampleRate  int
	Channels    int
	Endpointing int // milliseconds of silence before a segment is finalized, 0 for default

	// FinalizeGrace is how long pending results may still arrive after the
	// audio stream ends. Defaults to 500ms.
	FinalizeGrace time.Duration
}

// deepgramResponse represents a Deepgram WebSocket response.
type deepgramResponse struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string   `json:"transcript"`
			Confidence float64  `json:"confidence"`
			Languages  []string `json:"languages"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal bool `json:"is_final"`
}

// DeepgramRecognizer implements Recognizer using Deepgram's streaming API.
// One recognition runs at a time; Start after Stop opens a new connection.
type DeepgramRecognizer struct {
	cfg    DeepgramConfig
	logger zerolog.Logger
	dialer *websocket.Dialer

	handlersMu sync.RWMutex
	handlers   Handlers

	mu  sync.Mutex
	run *deepgramRun
}

type deepgramRun struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	done       chan struct{}
	closeOnce  sync.Once
	cancelOnce sync.Once
	wg         sync.WaitGroup // readLoop only; the pump may block on a capture read
}

// NewDeepgramRecognizer validates credentials and returns a recognizer.
// No connection is opened until recognition starts.
func NewDeepgramRecognizer(cfg DeepgramConfig, logger zerolog.Logger) (*DeepgramRecognizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.Region) == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.Model == "" {
		cfg.Model = "nova-3"
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = DefaultLanguages
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.FinalizeGrace <= 0 {
		cfg.FinalizeGrace = 500 * time.Millisecond
	}
	return &DeepgramRecognizer{
		cfg:    cfg,
		logger: logger.With().Str("provider", "deepgram").Logger(),
		dialer: websocket.DefaultDialer,
	}, nil
}

func (r *DeepgramRecognizer) SetHandlers(h Handlers) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers = h
}

func (r *DeepgramRecognizer) currentHandlers() Handlers {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	return r.handlers
}

// listenURL builds the streaming endpoint with query parameters.
func (r *DeepgramRecognizer) listenURL() (string, error) {
	base := r.cfg.Endpoint
	if base == "" {
		host, err := regionHost(r.cfg.Region)
		if err != nil {
			return "", err
		}
		base = "wss://" + host + "/v1/listen"
	}

	language := "multi"
	if len(r.cfg.Languages) == 1 {
		language = r.cfg.Languages[0]
	}

	q := url.Values{}
	q.Set("model", r.cfg.Model)
	q.Set("language", language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(r.cfg.SampleRate))
	q.Set("channels", strconv.Itoa(r.cfg.Channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if r.cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(r.cfg.Endpointing))
	}
	return base + "?" + q.Encode(), nil
}

func regionHost(region string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(region)) {
	case "us", "":
		return "api.deepgram.com", nil
	case "eu":
		return "api.eu.deepgram.com", nil
	default:
		return "", fmt.Errorf("%w: unknown region %q", ErrMissingCredentials, region)
	}
}

func (r *DeepgramRecognizer) StartContinuousRecognition(ctx context.Context, audio io.Reader) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run != nil {
		return errors.New("recognition already running")
	}

	u, err := r.listenURL()
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.cfg.APIKey)

	conn, _, err := r.dialer.DialContext(ctx, u, headers)
	if err != nil {
		return fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	run := &deepgramRun{conn: conn, done: make(chan struct{})}
	r.run = run

	run.wg.Add(1)
	go r.readLoop(run)
	go r.pumpAudio(run, audio)

	r.logger.Info().Str("model", r.cfg.Model).Strs("languages", r.cfg.Languages).Msg("recognition started")
	return nil
}

func (r *DeepgramRecognizer) StopContinuousRecognition(ctx context.Context) error {
	r.mu.Lock()
	run := r.run
	r.run = nil
	r.mu.Unlock()

	if run == nil {
		return ErrNotRunning
	}
	err := run.close()

	waited := make(chan struct{})
	go func() {
		run.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.logger.Info().Msg("recognition stopped")
	return err
}

func (r *DeepgramRecognizer) Close() error {
	err := r.StopContinuousRecognition(context.Background())
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

// close sends CloseStream and tears down the connection once.
func (run *deepgramRun) close() error {
	var err error
	run.closeOnce.Do(func() {
		close(run.done)

		run.writeMu.Lock()
		_ = run.conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "CloseStream"}`))
		run.writeMu.Unlock()

		err = run.conn.Close()
	})
	return err
}

func (run *deepgramRun) stopped() bool {
	select {
	case <-run.done:
		return true
	default:
		return false
	}
}

// pumpAudio forwards captured audio until the reader ends or the run stops.
// The end of the capture stream cancels the run once pending results are in.
func (r *DeepgramRecognizer) pumpAudio(run *deepgramRun, audio io.Reader) {
	buf := make([]byte, audioChunkSize)
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			if run.stopped() {
				return
			}
			run.writeMu.Lock()
			werr := run.conn.WriteMessage(websocket.BinaryMessage, buf[:n])
			run.writeMu.Unlock()
			if werr != nil {
				if !run.stopped() {
					r.logger.Warn().Err(werr).Msg("failed to send audio")
				}
				return
			}
		}
		if err != nil {
			if run.stopped() {
				return
			}
			if errors.Is(err, io.EOF) {
				r.logger.Info().Msg("audio stream ended")
				run.writeMu.Lock()
				_ = run.conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "Finalize"}`))
				run.writeMu.Unlock()

				grace := time.NewTimer(r.cfg.FinalizeGrace)
				defer grace.Stop()
				select {
				case <-run.done:
					return
				case <-grace.C:
				}
				r.cancel(run, Cancellation{Reason: CancellationError, ErrorDetails: "audio capture ended"})
				return
			}
			r.logger.Warn().Err(err).Msg("audio read failed")
			r.cancel(run, Cancellation{Reason: CancellationError, ErrorDetails: "audio capture failed: " + err.Error()})
			return
		}
	}
}

// readLoop reads responses from Deepgram and dispatches them to the handlers.
func (r *DeepgramRecognizer) readLoop(run *deepgramRun) {
	defer run.wg.Done()

	for {
		_, msg, err := run.conn.ReadMessage()
		if err != nil {
			if run.stopped() {
				return
			}
			reason := CancellationError
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				reason = CancellationEndOfStream
			}
			r.cancel(run, Cancellation{Reason: reason, ErrorDetails: err.Error()})
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			r.logger.Warn().Err(err).Msg("failed to parse response")
			continue
		}
		if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
			continue
		}

		alt := resp.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}

		result := Result{
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
			IsFinal:    resp.IsFinal,
		}
		if resp.IsFinal && len(r.cfg.Languages) > 1 && len(alt.Languages) > 0 {
			result.Language = matchLanguage(alt.Languages[0], r.cfg.Languages)
		}

		h := r.currentHandlers()
		if result.IsFinal {
			if h.Recognized != nil {
				h.Recognized(result)
			}
		} else if h.Recognizing != nil {
			h.Recognizing(result)
		}
	}
}

// cancel closes the run and reports why.
func (r *DeepgramRecognizer) cancel(run *deepgramRun, c Cancellation) {
	r.mu.Lock()
	if r.run == run {
		r.run = nil
	}
	r.mu.Unlock()

	if run.stopped() {
		return
	}
	run.cancelOnce.Do(func() {
		_ = run.close()

		r.logger.Warn().Str("details", c.ErrorDetails).Msg("recognition canceled")
		if h := r.currentHandlers(); h.Canceled != nil {
			h.Canceled(c)
		}
	})
}

// matchLanguage maps a detected code such as "ar" onto a configured
// candidate such as "ar-SA".
func matchLanguage(detected string, candidates []string) string {
	detected = strings.ToLower(detected)
	for _, c := range candidates {
		lc := strings.ToLower(c)
		if lc == detected || strings.HasPrefix(lc, detected+"-") {
			return c
		}
	}
	return detected
}
