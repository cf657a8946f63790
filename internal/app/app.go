package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/avatarchat/internal/avatar"
	"github.com/lukasbauer/avatarchat/internal/device"
	"github.com/lukasbauer/avatarchat/internal/eventlog"
	"github.com/lukasbauer/avatarchat/internal/httpapi"
	"github.com/lukasbauer/avatarchat/internal/metrics"
	"github.com/lukasbauer/avatarchat/internal/recognition"
	"github.com/lukasbauer/avatarchat/internal/session"
	"github.com/lukasbauer/avatarchat/internal/state"
	"github.com/lukasbauer/avatarchat/internal/stt"
)

type App struct {
	cfg        Config
	logger     zerolog.Logger
	db         *pgxpool.Pool
	store      *state.Store
	devices    *device.Manager
	recognizer *stt.Shared
	session    *session.Controller
	engine     *recognition.Engine
	metrics    *metrics.Metrics
	eventLog   *eventlog.Logger
	streams    *httpapi.StreamRegistry
	httpClient *http.Client // shared by HeyGen REST calls
}

func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*App, error) {
	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		pool, err := pgxpool.New(dbCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := pool.Ping(dbCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		if err := eventlog.Migrate(dbCtx, pool, logger); err != nil {
			pool.Close()
			return nil, err
		}
		db = pool
	} else {
		logger.Warn().Msg("DATABASE_URL not set, conversation events are not persisted")
	}

	// Keeps TCP connections to the HeyGen API alive across session calls.
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	m := metrics.New("")
	el := eventlog.New(db, logger)
	store := state.NewStore(logger)

	devices := NewDeviceManager(cfg, logger)

	recognizer := stt.NewShared(func() (stt.Recognizer, error) {
		rec, err := stt.NewDeepgramRecognizer(stt.DeepgramConfig{
			APIKey:    cfg.SpeechKey,
			Region:    cfg.SpeechRegion,
			Model:     cfg.SpeechModel,
			Languages: stt.DefaultLanguages,
		}, logger)
		if err != nil {
			return nil, err
		}
		return rec, nil
	})

	newClient := func(token string) avatar.Client {
		return avatar.NewHeyGenClient(avatar.HeyGenConfig{
			BaseURL:    cfg.BaseAPIURL,
			Token:      token,
			HTTPClient: httpClient,
		}, logger)
	}

	ctrl := session.NewController(store, newClient, logger,
		session.WithMetrics(m),
		session.WithEventLog(el),
		session.WithWelcomeMessage(cfg.WelcomeMessage),
		session.WithAutoListen(cfg.AutoListen),
	)
	engine := recognition.NewEngine(store, recognizer, devices, ctrl, logger,
		recognition.WithMetrics(m),
		recognition.WithEventLog(el),
	)
	ctrl.AttachListener(engine)

	return &App{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		store:      store,
		devices:    devices,
		recognizer: recognizer,
		session:    ctrl,
		engine:     engine,
		metrics:    m,
		eventLog:   el,
		streams:    httpapi.NewStreamRegistry(),
		httpClient: httpClient,
	}, nil
}

// NewDeviceManager builds the microphone manager over the ffmpeg capture backend.
func NewDeviceManager(cfg Config, logger zerolog.Logger) *device.Manager {
	return device.NewManager(device.NewFFmpegPlatform(device.CaptureConfig{
		Command:     cfg.FFmpegPath,
		InputFormat: cfg.AudioInputFormat,
		InputDevice: cfg.AudioInputDevice,
	}), logger)
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		BaseAPIURL:   a.cfg.BaseAPIURL,
		HeyGenAPIKey: a.cfg.HeyGenAPIKey,
		HTTPClient:   a.httpClient,
		Avatar:       a.cfg.Avatar.StartRequest(),
		JWTSecret:    a.cfg.JWTSecret,
	}
	return httpapi.NewRouter(routerCfg, a.logger, httpapi.Services{
		Store:    a.store,
		Session:  a.session,
		Listener: a.engine,
		Devices:  a.devices,
		EventLog: a.eventLog,
		Metrics:  a.metrics,
		Streams:  a.streams,
	})
}

// Drain stops accepting state feeds and closes the open ones.
func (a *App) Drain() {
	a.streams.StartDraining()
	a.streams.Wait()
}

// Close ends the session and releases the recognizer, microphone and database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.session.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop session: %w", err))
	}
	if err := a.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close recognition: %w", err))
	}
	if err := a.recognizer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close recognizer: %w", err))
	}
	if a.db != nil {
		a.db.Close()
	}
	return errors.Join(errs...)
}

// StartRequest converts the configured defaults into an avatar start request.
func (c AvatarConfig) StartRequest() avatar.StartRequest {
	return avatar.StartRequest{
		Quality:    c.Quality,
		AvatarName: c.AvatarName,
		Voice: avatar.VoiceSetting{
			VoiceID: c.VoiceID,
			Rate:    c.VoiceRate,
			Emotion: c.VoiceEmotion,
			Model:   c.VoiceModel,
		},
		Language:            c.Language,
		VoiceChatTransport:  c.VoiceChatTransport,
		ActivityIdleTimeout: c.ActivityIdleTimeout,
	}
}
