package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/lukasbauer/avatarchat/internal/avatar"
	"github.com/lukasbauer/avatarchat/internal/device"
	"github.com/lukasbauer/avatarchat/internal/recognition"
	"github.com/lukasbauer/avatarchat/internal/session"
	"github.com/lukasbauer/avatarchat/internal/state"
)

type startSessionRequest struct {
	Token  string               `json:"token"`
	Config *avatar.StartRequest `json:"config,omitempty"`
}

type speakRequest struct {
	Text string `json:"text"`
}

// decodeOptionalJSON decodes a request body that may be empty.
func decodeOptionalJSON(req *http.Request, v any) error {
	if req.Body == nil {
		return nil
	}
	err := json.NewDecoder(req.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (r *Router) handleGetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.store.Snapshot())
}

func (r *Router) handleStartSession(w http.ResponseWriter, req *http.Request) {
	var body startSessionRequest
	if err := decodeOptionalJSON(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := r.cfg.Avatar
	if body.Config != nil {
		cfg = *body.Config
	}

	// Without a browser-supplied token, mint one with the server key.
	token := body.Token
	if token == "" && r.cfg.HeyGenAPIKey != "" {
		t, err := avatar.CreateToken(req.Context(), r.cfg.HTTPClient, r.cfg.BaseAPIURL, r.cfg.HeyGenAPIKey)
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to retrieve access token")
			captureError(req, err, "create streaming token")
			writeError(w, http.StatusBadGateway, "Failed to retrieve access token")
			return
		}
		token = t
	}

	r.logger.Info().Str("subject", authSubject(req.Context())).Str("avatar", cfg.AvatarName).Msg("session start requested")

	if err := r.session.Start(req.Context(), cfg, token); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionActive):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, session.ErrTokenRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			captureError(req, err, "start avatar session")
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, r.store.Snapshot())
}

// handleStopSession always reports the resulting state; teardown errors are
// logged because the session ends inactive regardless.
func (r *Router) handleStopSession(w http.ResponseWriter, req *http.Request) {
	if err := r.session.Stop(req.Context()); err != nil {
		r.logger.Warn().Err(err).Msg("session stopped with errors")
	}
	writeJSON(w, http.StatusOK, r.store.Snapshot())
}

func (r *Router) handleStartVoiceChat(w http.ResponseWriter, req *http.Request) {
	if err := r.session.StartVoiceChat(req.Context()); err != nil {
		captureError(req, err, "start voice chat")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, r.store.Snapshot().VoiceChat)
}

func (r *Router) handleStopVoiceChat(w http.ResponseWriter, _ *http.Request) {
	r.session.StopVoiceChat()
	writeJSON(w, http.StatusOK, r.store.Snapshot().VoiceChat)
}

func (r *Router) handleMute(w http.ResponseWriter, _ *http.Request) {
	r.session.MuteInputAudio()
	writeJSON(w, http.StatusOK, r.store.Snapshot().VoiceChat)
}

func (r *Router) handleUnmute(w http.ResponseWriter, _ *http.Request) {
	r.session.UnmuteInputAudio()
	writeJSON(w, http.StatusOK, r.store.Snapshot().VoiceChat)
}

func (r *Router) handleStartListening(w http.ResponseWriter, req *http.Request) {
	if err := r.listener.StartListening(req.Context()); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, device.ErrPermissionDenied):
			status = http.StatusForbidden
		case errors.Is(err, device.ErrDeviceUnavailable):
			status = http.StatusConflict
		case errors.Is(err, recognition.ErrServiceUnavailable):
			status = http.StatusServiceUnavailable
		default:
			captureError(req, err, "start listening")
		}
		// The store carries the user-facing message.
		msg := r.store.Snapshot().Error
		if msg == "" {
			msg = err.Error()
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, r.store.Snapshot())
}

func (r *Router) handleStopListening(w http.ResponseWriter, req *http.Request) {
	if err := r.listener.StopListening(req.Context()); err != nil {
		r.logger.Warn().Err(err).Msg("stop listening")
	}
	writeJSON(w, http.StatusOK, r.store.Snapshot())
}

func (r *Router) handleSpeak(w http.ResponseWriter, req *http.Request) {
	var body speakRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	text := strings.TrimSpace(body.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := r.session.Speak(req.Context(), text); err != nil {
		if errors.Is(err, avatar.ErrNoSession) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		captureError(req, err, "speak")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleInterrupt(w http.ResponseWriter, req *http.Request) {
	if err := r.session.Interrupt(req.Context()); err != nil {
		if errors.Is(err, avatar.ErrNoSession) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		captureError(req, err, "interrupt")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleGetPermission(w http.ResponseWriter, req *http.Request) {
	perm := r.devices.CheckPermission(req.Context())
	if perm != state.PermissionUnknown {
		r.store.Dispatch(state.PermissionChanged{State: perm})
	}
	writeJSON(w, http.StatusOK, map[string]state.PermissionState{"permission": perm})
}

func (r *Router) handleRequestPermission(w http.ResponseWriter, req *http.Request) {
	perm := r.devices.RequestPermission(req.Context())
	r.store.Dispatch(state.PermissionChanged{State: perm})
	writeJSON(w, http.StatusOK, map[string]state.PermissionState{"permission": perm})
}
