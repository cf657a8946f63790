package stt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDeepgram accepts one listen connection and replays scripted responses
// after the first audio frame arrives.
type fakeDeepgram struct {
	t         *testing.T
	responses []string
	closeCode int

	mu      sync.Mutex
	query   url.Values
	auth    string
	audio   int
	control []string
}

func (f *fakeDeepgram) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.query = r.URL.Query()
	f.auth = r.Header.Get("Authorization")
	f.mu.Unlock()

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	sent := false
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f.mu.Lock()
		if mt == websocket.BinaryMessage {
			f.audio++
		} else {
			f.control = append(f.control, string(msg))
		}
		f.mu.Unlock()

		if mt == websocket.BinaryMessage && !sent {
			sent = true
			for _, resp := range f.responses {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(resp)); err != nil {
					return
				}
			}
			if f.closeCode != 0 {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(f.closeCode, "bye"))
				return
			}
		}
	}
}

func (f *fakeDeepgram) start(t *testing.T) string {
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen"
}

// endlessAudio yields silence until closed.
type endlessAudio struct {
	once sync.Once
	done chan struct{}
}

func newEndlessAudio() *endlessAudio {
	return &endlessAudio{done: make(chan struct{})}
}

func (a *endlessAudio) Read(p []byte) (int, error) {
	select {
	case <-a.done:
		return 0, io.EOF
	case <-time.After(10 * time.Millisecond):
	}
	n := len(p)
	if n > 320 {
		n = 320
	}
	for i := range p[:n] {
		p[i] = 0
	}
	return n, nil
}

func (a *endlessAudio) Close() {
	a.once.Do(func() { close(a.done) })
}

func newTestRecognizer(t *testing.T, endpoint string, languages []string) *DeepgramRecognizer {
	t.Helper()
	r, err := NewDeepgramRecognizer(DeepgramConfig{
		APIKey:    "test-key",
		Region:    "us",
		Endpoint:  endpoint,
		Languages: languages,
	}, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestNewDeepgramRecognizerRequiresCredentials(t *testing.T) {
	tests := []struct {
		name string
		cfg  DeepgramConfig
	}{
		{"no key", DeepgramConfig{Region: "us"}},
		{"no region", DeepgramConfig{APIKey: "k"}},
		{"blank key", DeepgramConfig{APIKey: "  ", Region: "us"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDeepgramRecognizer(tt.cfg, zerolog.Nop())
			assert.ErrorIs(t, err, ErrMissingCredentials)
		})
	}
}

func TestListenURL(t *testing.T) {
	r, err := NewDeepgramRecognizer(DeepgramConfig{APIKey: "k", Region: "eu"}, zerolog.Nop())
	require.NoError(t, err)

	raw, err := r.listenURL()
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "api.eu.deepgram.com", u.Host)
	assert.Equal(t, "/v1/listen", u.Path)
	assert.Equal(t, "multi", u.Query().Get("language"))
	assert.Equal(t, "nova-3", u.Query().Get("model"))
	assert.Equal(t, "linear16", u.Query().Get("encoding"))
	assert.Equal(t, "16000", u.Query().Get("sample_rate"))
	assert.Equal(t, "true", u.Query().Get("interim_results"))
}

func TestListenURLSingleLanguage(t *testing.T) {
	r, err := NewDeepgramRecognizer(DeepgramConfig{APIKey: "k", Region: "us", Languages: []string{"en-US"}}, zerolog.Nop())
	require.NoError(t, err)

	raw, err := r.listenURL()
	require.NoError(t, err)
	assert.Contains(t, raw, "language=en-US")
	assert.Contains(t, raw, "api.deepgram.com")
}

func TestListenURLUnknownRegion(t *testing.T) {
	r, err := NewDeepgramRecognizer(DeepgramConfig{APIKey: "k", Region: "mars"}, zerolog.Nop())
	require.NoError(t, err)

	_, err = r.listenURL()
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		detected string
		want     string
	}{
		{"en", "en-US"},
		{"ar", "ar-SA"},
		{"ur", "ur-IN"},
		{"EN-us", "en-US"},
		{"fr", "fr"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchLanguage(tt.detected, DefaultLanguages), tt.detected)
	}
}

func TestRecognizerDeliversResults(t *testing.T) {
	fake := &fakeDeepgram{t: t, responses: []string{
		`{"type":"Metadata"}`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.4}]}}`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":""}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello there","confidence":0.93,"languages":["ar"]}]}}`,
	}}
	r := newTestRecognizer(t, fake.start(t), nil)

	var mu sync.Mutex
	var interim, final []Result
	finalCh := make(chan struct{}, 1)
	r.SetHandlers(Handlers{
		Recognizing: func(res Result) {
			mu.Lock()
			interim = append(interim, res)
			mu.Unlock()
		},
		Recognized: func(res Result) {
			mu.Lock()
			final = append(final, res)
			mu.Unlock()
			finalCh <- struct{}{}
		},
	})

	audio := newEndlessAudio()
	defer audio.Close()
	require.NoError(t, r.StartContinuousRecognition(context.Background(), audio))

	select {
	case <-finalCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for final result")
	}
	require.NoError(t, r.StopContinuousRecognition(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, interim, 1)
	assert.Equal(t, "hel", interim[0].Text)
	assert.False(t, interim[0].IsFinal)
	assert.Empty(t, interim[0].Language)

	require.Len(t, final, 1)
	assert.Equal(t, "hello there", final[0].Text)
	assert.True(t, final[0].IsFinal)
	assert.InDelta(t, 0.93, final[0].Confidence, 0.001)
	assert.Equal(t, "ar-SA", final[0].Language)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "Token test-key", fake.auth)
	assert.Equal(t, "multi", fake.query.Get("language"))
	assert.Positive(t, fake.audio)
}

func TestRecognizerCanceledOnServerClose(t *testing.T) {
	fake := &fakeDeepgram{t: t, closeCode: websocket.CloseInternalServerErr}
	r := newTestRecognizer(t, fake.start(t), nil)

	canceled := make(chan Cancellation, 1)
	r.SetHandlers(Handlers{Canceled: func(c Cancellation) { canceled <- c }})

	audio := newEndlessAudio()
	defer audio.Close()
	require.NoError(t, r.StartContinuousRecognition(context.Background(), audio))

	select {
	case c := <-canceled:
		assert.Equal(t, CancellationError, c.Reason)
		assert.NotEmpty(t, c.ErrorDetails)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}

	err := r.StopContinuousRecognition(context.Background())
	assert.True(t, errors.Is(err, ErrNotRunning), "canceled run is already torn down")
}

// finiteAudio yields n chunks of silence and then io.EOF.
type finiteAudio struct {
	chunks int
}

func (a *finiteAudio) Read(p []byte) (int, error) {
	if a.chunks == 0 {
		return 0, io.EOF
	}
	a.chunks--
	n := min(len(p), 320)
	clear(p[:n])
	return n, nil
}

func TestRecognizerCanceledWhenCaptureEnds(t *testing.T) {
	fake := &fakeDeepgram{t: t, responses: []string{
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"last words","confidence":0.9}]}}`,
	}}
	r, err := NewDeepgramRecognizer(DeepgramConfig{
		APIKey:        "test-key",
		Region:        "us",
		Endpoint:      fake.start(t),
		Languages:     []string{"en-US"},
		FinalizeGrace: 200 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)

	finals := make(chan Result, 1)
	canceled := make(chan Cancellation, 1)
	r.SetHandlers(Handlers{
		Recognized: func(res Result) { finals <- res },
		Canceled:   func(c Cancellation) { canceled <- c },
	})

	require.NoError(t, r.StartContinuousRecognition(context.Background(), &finiteAudio{chunks: 3}))

	select {
	case c := <-canceled:
		assert.Equal(t, CancellationError, c.Reason)
		assert.Equal(t, "audio capture ended", c.ErrorDetails)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}

	select {
	case res := <-finals:
		assert.Equal(t, "last words", res.Text)
	default:
		t.Error("results sent before the grace period ended should be delivered")
	}

	assert.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		for _, c := range fake.control {
			if strings.Contains(c, "Finalize") {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "Finalize is sent when capture ends")

	assert.ErrorIs(t, r.StopContinuousRecognition(context.Background()), ErrNotRunning)
}

func TestRecognizerRestartAfterStop(t *testing.T) {
	fake := &fakeDeepgram{t: t}
	r := newTestRecognizer(t, fake.start(t), []string{"en-US"})

	for i := 0; i < 2; i++ {
		audio := newEndlessAudio()
		require.NoError(t, r.StartContinuousRecognition(context.Background(), audio))
		assert.Error(t, r.StartContinuousRecognition(context.Background(), audio), "second start while running")
		require.NoError(t, r.StopContinuousRecognition(context.Background()))
		audio.Close()
	}
	assert.NoError(t, r.Close())
}

func TestRecognizerDialFailure(t *testing.T) {
	r := newTestRecognizer(t, "ws://127.0.0.1:1/v1/listen", nil)

	err := r.StartContinuousRecognition(context.Background(), newEndlessAudio())
	assert.Error(t, err)
	assert.ErrorIs(t, r.StopContinuousRecognition(context.Background()), ErrNotRunning)
}
