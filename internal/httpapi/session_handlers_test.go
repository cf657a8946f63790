package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/lukasbauer/avatarchat/internal/avatar"
	"github.com/lukasbauer/avatarchat/internal/device"
	"github.com/lukasbauer/avatarchat/internal/recognition"
	"github.com/lukasbauer/avatarchat/internal/session"
	"github.com/lukasbauer/avatarchat/internal/state"
)

func TestStartSession(t *testing.T) {
	t.Run("uses supplied token and default config", func(t *testing.T) {
		env := newTestEnv(t, RouterConfig{Avatar: defaultAvatarConfig()})

		rec := env.do(http.MethodPost, "/api/session/start", `{"token":"browser-token"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}

		if len(env.session.starts) != 1 {
			t.Fatalf("starts = %d, want 1", len(env.session.starts))
		}
		call := env.session.starts[0]
		if call.token != "browser-token" {
			t.Errorf("token = %q", call.token)
		}
		if call.req != defaultAvatarConfig() {
			t.Errorf("config = %+v", call.req)
		}

		var snap state.Snapshot
		if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if snap.Session.State != state.SessionConnected {
			t.Errorf("state = %q", snap.Session.State)
		}
	})

	t.Run("config override", func(t *testing.T) {
		env := newTestEnv(t, RouterConfig{Avatar: defaultAvatarConfig()})

		rec := env.do(http.MethodPost, "/api/session/start",
			`{"token":"t","config":{"quality":"high","avatarName":"Ann_Therapist_public","language":"ar"}}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		got := env.session.starts[0].req
		if got.Quality != "high" || got.AvatarName != "Ann_Therapist_public" || got.Language != "ar" {
			t.Errorf("config = %+v", got)
		}
	})

	t.Run("mints token with server key", func(t *testing.T) {
		srv, _ := newTokenServer(t, http.StatusOK)
		env := newTestEnv(t, RouterConfig{BaseAPIURL: srv.URL, HeyGenAPIKey: "server-key", HTTPClient: srv.Client()})

		if rec := env.do(http.MethodPost, "/api/session/start", ""); rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		if got := env.session.starts[0].token; got != "minted-token" {
			t.Errorf("token = %q, want minted-token", got)
		}
	})

	t.Run("token mint failure", func(t *testing.T) {
		srv, _ := newTokenServer(t, http.StatusForbidden)
		env := newTestEnv(t, RouterConfig{BaseAPIURL: srv.URL, HeyGenAPIKey: "server-key", HTTPClient: srv.Client()})

		if rec := env.do(http.MethodPost, "/api/session/start", ""); rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", rec.Code)
		}
		if len(env.session.starts) != 0 {
			t.Error("session should not start without a token")
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		env := newTestEnv(t, RouterConfig{})
		if rec := env.do(http.MethodPost, "/api/session/start", `{"token":`); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestStartSessionErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"already active", session.ErrSessionActive, http.StatusConflict},
		{"no token", session.ErrTokenRequired, http.StatusBadRequest},
		{"upstream", fmt.Errorf("start avatar: %w", errors.New("quota exceeded")), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, RouterConfig{})
			env.session.startErr = tt.err

			rec := env.do(http.MethodPost, "/api/session/start", `{"token":"t"}`)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStopSessionAlwaysSucceeds(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	env.session.stopErr = errors.New("stop avatar: timeout")

	rec := env.do(http.MethodPost, "/api/session/stop", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if env.session.stops != 1 {
		t.Errorf("stops = %d", env.session.stops)
	}
}

func TestVoiceChatEndpoints(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	var vc state.VoiceChat
	rec := env.do(http.MethodPost, "/api/voice-chat/start", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &vc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !vc.Active || !vc.Muted {
		t.Errorf("voice chat = %+v, want active and muted", vc)
	}

	env.do(http.MethodPost, "/api/voice-chat/unmute", "")
	if env.session.unmutes != 1 {
		t.Errorf("unmutes = %d", env.session.unmutes)
	}
	env.do(http.MethodPost, "/api/voice-chat/mute", "")

	rec = env.do(http.MethodPost, "/api/voice-chat/stop", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &vc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if vc.Active {
		t.Error("voice chat should be inactive after stop")
	}
}

func TestListeningEndpoints(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	rec := env.do(http.MethodPost, "/api/listening/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d", rec.Code)
	}
	if !env.store.Snapshot().Listening {
		t.Error("listening should be true")
	}

	rec = env.do(http.MethodPost, "/api/listening/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d", rec.Code)
	}
	if env.store.Snapshot().Listening {
		t.Error("listening should be false")
	}
}

func TestStartListeningErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		msg     string
		want    int
		wantMsg string
	}{
		{
			name:    "permission denied",
			err:     fmt.Errorf("open microphone: %w", device.ErrPermissionDenied),
			msg:     "Microphone permission denied.",
			want:    http.StatusForbidden,
			wantMsg: "Microphone permission denied.",
		},
		{
			name: "no device",
			err:  fmt.Errorf("open microphone: %w", device.ErrDeviceUnavailable),
			msg:  "No microphone found.",
			want: http.StatusConflict,
		},
		{
			name: "credentials",
			err:  fmt.Errorf("%w: missing key", recognition.ErrServiceUnavailable),
			msg:  "Speech recognition unavailable.",
			want: http.StatusServiceUnavailable,
		},
		{
			name:    "generic without store message",
			err:     errors.New("boom"),
			want:    http.StatusInternalServerError,
			wantMsg: "boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, RouterConfig{})
			env.listener.startErr = tt.err
			env.listener.errMsg = tt.msg

			rec := env.do(http.MethodPost, "/api/listening/start", "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}

			wantMsg := tt.wantMsg
			if wantMsg == "" {
				wantMsg = tt.msg
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != wantMsg {
				t.Errorf("error = %q, want %q", body["error"], wantMsg)
			}
		})
	}
}

func TestSpeak(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	if rec := env.do(http.MethodPost, "/api/speak", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid json = %d, want 400", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/speak", `{"text":"   "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("blank text = %d, want 400", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/speak", `{"text":" Hello there. "}`); rec.Code != http.StatusNoContent {
		t.Errorf("speak = %d, want 204", rec.Code)
	}
	if len(env.session.spoken) != 1 || env.session.spoken[0] != "Hello there." {
		t.Errorf("spoken = %q", env.session.spoken)
	}

	env.session.speakErr = avatar.ErrNoSession
	if rec := env.do(http.MethodPost, "/api/speak", `{"text":"hi"}`); rec.Code != http.StatusConflict {
		t.Errorf("no session = %d, want 409", rec.Code)
	}
}

func TestInterrupt(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	if rec := env.do(http.MethodPost, "/api/interrupt", ""); rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if env.session.interrupts != 1 {
		t.Errorf("interrupts = %d", env.session.interrupts)
	}
}

func TestPermissionEndpoints(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	var body map[string]state.PermissionState
	rec := env.do(http.MethodGet, "/api/permission", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["permission"] != state.PermissionUnknown {
		t.Errorf("permission = %q, want unknown", body["permission"])
	}

	env.perms.request = state.PermissionDenied
	rec = env.do(http.MethodPost, "/api/permission/request", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["permission"] != state.PermissionDenied {
		t.Errorf("permission = %q, want denied", body["permission"])
	}
	if got := env.store.Snapshot().Permission; got != state.PermissionDenied {
		t.Errorf("store permission = %q, want denied", got)
	}

	env.perms.check = state.PermissionGranted
	env.do(http.MethodGet, "/api/permission", "")
	if got := env.store.Snapshot().Permission; got != state.PermissionGranted {
		t.Errorf("store permission = %q, want granted", got)
	}
}

func TestConversationEvents(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	id := uuid.NewString()

	if rec := env.do(http.MethodGet, "/api/conversations/not-a-uuid/events", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid id = %d, want 400", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/conversations/"+id+"/events?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid limit = %d, want 400", rec.Code)
	}

	rec := env.do(http.MethodGet, "/api/conversations/"+id+"/events?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		ConversationID string            `json:"conversationId"`
		Persisted      bool              `json:"persisted"`
		Events         []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ConversationID != id || body.Persisted || body.Events == nil || len(body.Events) != 0 {
		t.Errorf("body = %+v", body)
	}
	if !strings.Contains(rec.Body.String(), `"events":[]`) {
		t.Errorf("events should encode as an empty array: %s", rec.Body.String())
	}
}
