package avatar

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukasbauer/avatarchat/internal/state"
)

// fakeHeyGen records REST calls and serves the chat websocket.
type fakeHeyGen struct {
	t *testing.T

	mu     sync.Mutex
	calls  []string
	bodies map[string][]byte
	auth   map[string]string
	chatQ  map[string]string
	chat   *websocket.Conn
	ready  chan struct{}

	failPath string
}

func newFakeHeyGen(t *testing.T) (*fakeHeyGen, *httptest.Server) {
	f := &fakeHeyGen{
		t:      t,
		bodies: make(map[string][]byte),
		auth:   make(map[string]string),
		ready:  make(chan struct{}),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeHeyGen) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/ws/streaming.chat" {
		f.mu.Lock()
		f.chatQ = map[string]string{
			"session_id":    r.URL.Query().Get("session_id"),
			"session_token": r.URL.Query().Get("session_token"),
			"stt_language":  r.URL.Query().Get("stt_language"),
		}
		f.mu.Unlock()

		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.t.Errorf("upgrade: %v", err)
			return
		}
		f.mu.Lock()
		f.chat = conn
		f.mu.Unlock()
		close(f.ready)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, r.URL.Path)
	f.bodies[r.URL.Path] = body
	f.auth[r.URL.Path] = r.Header.Get("Authorization") + r.Header.Get("x-api-key")
	fail := f.failPath == r.URL.Path
	f.mu.Unlock()

	if fail {
		http.Error(w, "nope", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/v1/streaming.create_token":
		_, _ = w.Write([]byte(`{"error":null,"data":{"token":"tok-123"}}`))
	case "/v1/streaming.new":
		_, _ = w.Write([]byte(`{"code":100,"data":{"session_id":"sess-1","url":"wss://room.example","access_token":"lk-token"},"message":"success"}`))
	default:
		_, _ = w.Write([]byte(`{"code":100,"data":null,"message":"success"}`))
	}
}

func (f *fakeHeyGen) send(t *testing.T, eventType, message string) {
	t.Helper()
	f.mu.Lock()
	conn := f.chat
	f.mu.Unlock()
	require.NotNil(t, conn)
	payload, _ := json.Marshal(map[string]string{"event_type": eventType, "task_id": "task-1", "message": message})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func (f *fakeHeyGen) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestCreateToken(t *testing.T) {
	f, srv := newFakeHeyGen(t)

	token, err := CreateToken(context.Background(), srv.Client(), srv.URL, "api-key")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "api-key", f.auth["/v1/streaming.create_token"])
}

func TestCreateTokenError(t *testing.T) {
	f, srv := newFakeHeyGen(t)
	f.failPath = "/v1/streaming.create_token"

	_, err := CreateToken(context.Background(), srv.Client(), srv.URL, "api-key")
	assert.ErrorContains(t, err, "400")
}

func TestChatURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://api.heygen.com", "wss://api.heygen.com/v1/ws/streaming.chat?"},
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/v1/ws/streaming.chat?"},
		{"api.heygen.com", "wss://api.heygen.com/v1/ws/streaming.chat?"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			assert.Contains(t, chatURL(tt.base, "s", "t", "en"), tt.want)
		})
	}
}

func TestHeyGenSessionLifecycle(t *testing.T) {
	f, srv := newFakeHeyGen(t)
	c := NewHeyGenClient(HeyGenConfig{BaseURL: srv.URL, Token: "tok-123", HTTPClient: srv.Client(), PingInterval: time.Hour}, zerolog.Nop())

	readyCh := make(chan Event, 1)
	c.Subscribe(EventStreamReady, func(ev Event) { readyCh <- ev })

	msgs := make(chan Event, 4)
	c.Subscribe(EventUserTalkingMessage, func(ev Event) { msgs <- ev })
	c.Subscribe(EventAvatarEndMessage, func(ev Event) { msgs <- ev })

	info, err := c.CreateStartAvatar(context.Background(), StartRequest{
		Quality:    "low",
		AvatarName: "Ann_Therapist_public",
		Voice:      VoiceSetting{Rate: 1.5, Emotion: "excited", Model: "eleven_flash_v2_5"},
		Language:   "en",
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", info.SessionID)

	select {
	case ev := <-readyCh:
		require.NotNil(t, ev.Stream)
		assert.Equal(t, state.MediaStream{SessionID: "sess-1", URL: "wss://room.example", AccessToken: "lk-token"}, *ev.Stream)
	case <-time.After(2 * time.Second):
		t.Fatal("no stream_ready event")
	}

	<-f.ready
	f.mu.Lock()
	assert.Equal(t, "sess-1", f.chatQ["session_id"])
	assert.Equal(t, "tok-123", f.chatQ["session_token"])
	assert.Equal(t, "en", f.chatQ["stt_language"])
	var created map[string]any
	require.NoError(t, json.Unmarshal(f.bodies["/v1/streaming.new"], &created))
	assert.Equal(t, "Bearer tok-123", f.auth["/v1/streaming.new"])
	f.mu.Unlock()
	assert.Equal(t, "Ann_Therapist_public", created["avatar_name"])
	assert.Equal(t, "low", created["quality"])

	f.send(t, "user_talking_message", "hi")
	f.send(t, "unknown_event", "")
	f.send(t, "avatar_end_message", "")

	for _, want := range []EventType{EventUserTalkingMessage, EventAvatarEndMessage} {
		select {
		case ev := <-msgs:
			assert.Equal(t, want, ev.Type)
			if want == EventUserTalkingMessage {
				assert.Equal(t, "hi", ev.Message)
				assert.Equal(t, "task-1", ev.TaskID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s event", want)
		}
	}

	require.NoError(t, c.Speak(context.Background(), SpeakRequest{Text: "hello", TaskType: TaskTypeRepeat, TaskMode: TaskModeSync}))
	f.mu.Lock()
	var task map[string]any
	require.NoError(t, json.Unmarshal(f.bodies["/v1/streaming.task"], &task))
	f.mu.Unlock()
	assert.Equal(t, map[string]any{"session_id": "sess-1", "text": "hello", "task_type": "repeat", "task_mode": "sync"}, task)

	require.NoError(t, c.Interrupt(context.Background()))

	require.NoError(t, c.StartVoiceChat(context.Background(), true))
	active, muted := c.VoiceChat()
	assert.True(t, active)
	assert.True(t, muted)

	disconnected := make(chan struct{}, 1)
	c.Subscribe(EventStreamDisconnected, func(Event) { disconnected <- struct{}{} })

	require.NoError(t, c.StopAvatar(context.Background()))
	active, _ = c.VoiceChat()
	assert.False(t, active)
	select {
	case <-disconnected:
		t.Fatal("requested stop must not emit stream_disconnected")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, []string{
		"/v1/streaming.new",
		"/v1/streaming.start",
		"/v1/streaming.task",
		"/v1/streaming.interrupt",
		"/v1/streaming.stop",
	}, f.callList())

	assert.ErrorIs(t, c.Speak(context.Background(), SpeakRequest{Text: "x"}), ErrNoSession)
	assert.NoError(t, c.StopAvatar(context.Background()), "stop without a session is a no-op")
}

func TestHeyGenRemoteDisconnect(t *testing.T) {
	f, srv := newFakeHeyGen(t)
	c := NewHeyGenClient(HeyGenConfig{BaseURL: srv.URL, Token: "tok", HTTPClient: srv.Client(), PingInterval: time.Hour}, zerolog.Nop())

	disconnected := make(chan struct{}, 1)
	c.Subscribe(EventStreamDisconnected, func(Event) { disconnected <- struct{}{} })

	_, err := c.CreateStartAvatar(context.Background(), StartRequest{})
	require.NoError(t, err)
	<-f.ready

	f.mu.Lock()
	_ = f.chat.Close()
	f.mu.Unlock()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("no stream_disconnected event")
	}
	require.NoError(t, c.StopAvatar(context.Background()))
}

func TestHeyGenStartFailureStopsRemoteSession(t *testing.T) {
	f, srv := newFakeHeyGen(t)
	f.failPath = "/v1/streaming.start"
	c := NewHeyGenClient(HeyGenConfig{BaseURL: srv.URL, Token: "tok", HTTPClient: srv.Client()}, zerolog.Nop())

	_, err := c.CreateStartAvatar(context.Background(), StartRequest{})
	require.Error(t, err)
	assert.Equal(t, []string{"/v1/streaming.new", "/v1/streaming.start", "/v1/streaming.stop"}, f.callList())
	assert.ErrorIs(t, c.Interrupt(context.Background()), ErrNoSession)
}

func TestObserveRTTEmitsOnChange(t *testing.T) {
	c := NewHeyGenClient(HeyGenConfig{}, zerolog.Nop())
	chat := &chatConn{done: make(chan struct{})}
	chat.quality.Store(state.QualityUnknown)

	var got []state.ConnectionQuality
	c.Subscribe(EventConnectionQualityChanged, func(ev Event) { got = append(got, ev.Quality) })

	c.observeRTT(chat, 50*time.Millisecond)
	c.observeRTT(chat, 80*time.Millisecond)
	c.observeRTT(chat, 900*time.Millisecond)

	assert.Equal(t, []state.ConnectionQuality{state.QualityGood, state.QualityBad}, got)
}

func TestEmitterSubscribeAndUnsubscribe(t *testing.T) {
	var e Emitter
	var order []int

	unsubA := e.Subscribe(EventUserStart, func(Event) { order = append(order, 1) })
	e.Subscribe(EventUserStart, func(Event) { order = append(order, 2) })
	e.Subscribe(EventUserStop, func(Event) { order = append(order, 3) })

	e.Emit(Event{Type: EventUserStart})
	assert.Equal(t, []int{1, 2}, order)

	unsubA()
	unsubA()
	assert.Equal(t, 1, e.Count(EventUserStart))

	order = nil
	e.Emit(Event{Type: EventUserStart})
	assert.Equal(t, []int{2}, order)
}
