package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/avatarchat/internal/avatar"
	"github.com/lukasbauer/avatarchat/internal/eventlog"
	"github.com/lukasbauer/avatarchat/internal/metrics"
	"github.com/lukasbauer/avatarchat/internal/state"
)

type RouterConfig struct {
	// HeyGen
	BaseAPIURL   string
	HeyGenAPIKey string
	HTTPClient   *http.Client

	// Defaults served by /api/get-avatar-config and used when a start
	// request carries no config.
	Avatar avatar.StartRequest

	// JWT Authentication (control endpoints are open when empty)
	JWTSecret string
}

// SessionControl is the avatar session surface the router drives.
type SessionControl interface {
	Start(ctx context.Context, req avatar.StartRequest, token string) error
	Stop(ctx context.Context) error
	StartVoiceChat(ctx context.Context) error
	StopVoiceChat()
	MuteInputAudio()
	UnmuteInputAudio()
	Speak(ctx context.Context, text string) error
	Interrupt(ctx context.Context) error
}

// Listener starts and stops speech recognition.
type Listener interface {
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
}

// Permissions reports and requests microphone access.
type Permissions interface {
	CheckPermission(ctx context.Context) state.PermissionState
	RequestPermission(ctx context.Context) state.PermissionState
}

// Services bundles what the handlers act on.
type Services struct {
	Store    *state.Store
	Session  SessionControl
	Listener Listener
	Devices  Permissions
	EventLog *eventlog.Logger
	Metrics  *metrics.Metrics
	Streams  *StreamRegistry
}

type Router struct {
	cfg      RouterConfig
	logger   zerolog.Logger
	store    *state.Store
	session  SessionControl
	listener Listener
	devices  Permissions
	eventLog *eventlog.Logger
	metrics  *metrics.Metrics
	streams  *StreamRegistry
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger zerolog.Logger, svc Services) http.Handler {
	if cfg.BaseAPIURL == "" {
		cfg.BaseAPIURL = avatar.DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	streams := svc.Streams
	if streams == nil {
		streams = NewStreamRegistry()
	}

	r := &Router{
		cfg:      cfg,
		logger:   logger.With().Str("component", "http").Logger(),
		store:    svc.Store,
		session:  svc.Session,
		listener: svc.Listener,
		devices:  svc.Devices,
		eventLog: svc.EventLog,
		metrics:  svc.Metrics,
		streams:  streams,
		mux:      http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)

	// Browser configuration (public)
	r.mux.HandleFunc("GET /api/get-avatar-config", r.handleGetAvatarConfig)
	r.mux.HandleFunc("GET /api/get-base-api-url", r.handleGetBaseAPIURL)
	r.mux.HandleFunc("POST /api/get-access-token", r.handleGetAccessToken)
	r.mux.HandleFunc("GET /api/avatars", r.handleListAvatars)
	r.mux.HandleFunc("GET /api/stt-languages", r.handleListSTTLanguages)

	// State (public, read-only)
	r.mux.HandleFunc("GET /api/state", r.handleGetState)
	r.mux.HandleFunc("GET /ws/state", r.handleStateWS)
	r.mux.HandleFunc("GET /api/permission", r.handleGetPermission)
	r.mux.HandleFunc("GET /api/conversations/{id}/events", r.handleConversationEvents)

	// Session control (protected)
	r.mux.HandleFunc("POST /api/session/start", r.withAuth(r.handleStartSession))
	r.mux.HandleFunc("POST /api/session/stop", r.withAuth(r.handleStopSession))
	r.mux.HandleFunc("POST /api/voice-chat/start", r.withAuth(r.handleStartVoiceChat))
	r.mux.HandleFunc("POST /api/voice-chat/stop", r.withAuth(r.handleStopVoiceChat))
	r.mux.HandleFunc("POST /api/voice-chat/mute", r.withAuth(r.handleMute))
	r.mux.HandleFunc("POST /api/voice-chat/unmute", r.withAuth(r.handleUnmute))
	r.mux.HandleFunc("POST /api/listening/start", r.withAuth(r.handleStartListening))
	r.mux.HandleFunc("POST /api/listening/stop", r.withAuth(r.handleStopListening))
	r.mux.HandleFunc("POST /api/speak", r.withAuth(r.handleSpeak))
	r.mux.HandleFunc("POST /api/interrupt", r.withAuth(r.handleInterrupt))
	r.mux.HandleFunc("POST /api/permission/request", r.withAuth(r.handleRequestPermission))

	if r.metrics != nil {
		r.mux.Handle("GET /metrics", r.metrics.Handler())
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.streams.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
