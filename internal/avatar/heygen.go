package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/avatarchat/internal/state"
)

// DefaultBaseURL is the public HeyGen API origin.
const DefaultBaseURL = "https://api.heygen.com"

// goodQualityRTT is the round trip below which the connection counts as good.
const goodQualityRTT = 300 * time.Millisecond

// HeyGenConfig holds configuration for the HeyGen streaming client.
type HeyGenConfig struct {
	BaseURL      string
	Token        string // session token from streaming.create_token
	HTTPClient   *http.Client
	PingInterval time.Duration
}

// HeyGenClient implements Client over HeyGen's streaming REST API and the
// streaming.chat websocket.
type HeyGenClient struct {
	Emitter

	baseURL      string
	token        string
	httpClient   *http.Client
	pingInterval time.Duration
	logger       zerolog.Logger

	mu              sync.Mutex
	session         *SessionInfo
	chat            *chatConn
	voiceChatActive bool
	inputMuted      bool
}

type chatConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	pingSent atomic.Int64
	quality  atomic.Value // state.ConnectionQuality
}

// NewHeyGenClient creates a client bound to one session token.
func NewHeyGenClient(cfg HeyGenConfig, logger zerolog.Logger) *HeyGenClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 5 * time.Second
	}
	return &HeyGenClient{
		baseURL:      baseURL,
		token:        cfg.Token,
		httpClient:   httpClient,
		pingInterval: pingInterval,
		logger:       logger.With().Str("provider", "heygen").Logger(),
	}
}

// apiResponse is the envelope HeyGen wraps every REST response in.
type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// CreateToken exchanges an API key for a short-lived streaming session token.
func CreateToken(ctx context.Context, httpClient *http.Client, baseURL, apiKey string) (string, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/v1/streaming.create_token"

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", apiKey)

	var data struct {
		Token string `json:"token"`
	}
	if err := doJSON(httpClient, httpReq, &data); err != nil {
		return "", err
	}
	if data.Token == "" {
		return "", errors.New("HeyGen API returned an empty token")
	}
	return data.Token, nil
}

func doJSON(httpClient *http.Client, httpReq *http.Request, out any) error {
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HeyGen API error: %s - %s", resp.Status, string(respBody))
	}
	if out == nil {
		return nil
	}

	var env apiResponse
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

func (c *HeyGenClient) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	return doJSON(c.httpClient, httpReq, out)
}

type newSessionRequest struct {
	Version             string           `json:"version"`
	Quality             string           `json:"quality,omitempty"`
	AvatarName          string           `json:"avatar_name,omitempty"`
	Voice               *newSessionVoice `json:"voice,omitempty"`
	Language            string           `json:"language,omitempty"`
	KnowledgeBaseID     string           `json:"knowledge_base_id,omitempty"`
	VoiceChatTransport  string           `json:"voice_chat_transport,omitempty"`
	ActivityIdleTimeout int              `json:"activity_idle_timeout,omitempty"`
	VideoEncoding       string           `json:"video_encoding"`
	Source              string           `json:"source"`
}

type newSessionVoice struct {
	VoiceID string  `json:"voice_id,omitempty"`
	Rate    float64 `json:"rate,omitempty"`
	Emotion string  `json:"emotion,omitempty"`
	Model   string  `json:"model,omitempty"`
}

type newSessionResponse struct {
	SessionID   string `json:"session_id"`
	URL         string `json:"url"`
	AccessToken string `json:"access_token"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type taskRequest struct {
	SessionID string   `json:"session_id"`
	Text      string   `json:"text"`
	TaskType  TaskType `json:"task_type"`
	TaskMode  TaskMode `json:"task_mode"`
}

// CreateStartAvatar creates and starts a streaming session, opens the chat
// event stream and emits stream_ready.
func (c *HeyGenClient) CreateStartAvatar(ctx context.Context, req StartRequest) (*SessionInfo, error) {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return nil, errors.New("avatar session already started")
	}
	c.mu.Unlock()

	body := newSessionRequest{
		Version:             "v2",
		Quality:             req.Quality,
		AvatarName:          req.AvatarName,
		Language:            req.Language,
		KnowledgeBaseID:     req.KnowledgeBaseID,
		VoiceChatTransport:  req.VoiceChatTransport,
		ActivityIdleTimeout: req.ActivityIdleTimeout,
		VideoEncoding:       "H264",
		Source:              "sdk",
	}
	if req.Voice != (VoiceSetting{}) {
		body.Voice = &newSessionVoice{
			VoiceID: req.Voice.VoiceID,
			Rate:    req.Voice.Rate,
			Emotion: req.Voice.Emotion,
			Model:   req.Voice.Model,
		}
	}

	var created newSessionResponse
	if err := c.post(ctx, "/v1/streaming.new", body, &created); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if created.SessionID == "" {
		return nil, errors.New("create session: empty session id")
	}
	info := &SessionInfo{
		SessionID:   created.SessionID,
		URL:         created.URL,
		AccessToken: created.AccessToken,
	}

	if err := c.post(ctx, "/v1/streaming.start", sessionRequest{SessionID: info.SessionID}, nil); err != nil {
		c.stopRemote(info.SessionID)
		return nil, fmt.Errorf("start session: %w", err)
	}

	chat, err := c.dialChat(ctx, info.SessionID, req.Language)
	if err != nil {
		c.stopRemote(info.SessionID)
		return nil, fmt.Errorf("open chat stream: %w", err)
	}

	c.mu.Lock()
	c.session = info
	c.chat = chat
	c.mu.Unlock()

	chat.wg.Add(2)
	go c.readChat(chat)
	go c.pingChat(chat)

	c.logger.Info().Str("session_id", info.SessionID).Str("avatar", req.AvatarName).Msg("avatar session started")

	c.Emit(Event{
		Type: EventStreamReady,
		Stream: &state.MediaStream{
			SessionID:   info.SessionID,
			URL:         info.URL,
			AccessToken: info.AccessToken,
		},
	})
	return info, nil
}

// chatURL derives the websocket endpoint from the REST base URL.
func chatURL(baseURL, sessionID, token, language string) string {
	wsBase := baseURL
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		wsBase = "wss://" + baseURL
	}

	q := url.Values{}
	q.Set("session_id", sessionID)
	q.Set("session_token", token)
	q.Set("silence_response", "false")
	if language != "" {
		q.Set("stt_language", language)
	}
	return strings.TrimRight(wsBase, "/") + "/v1/ws/streaming.chat?" + q.Encode()
}

func (c *HeyGenClient) dialChat(ctx context.Context, sessionID, language string) (*chatConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, chatURL(c.baseURL, sessionID, c.token, language), nil)
	if err != nil {
		return nil, err
	}
	chat := &chatConn{conn: conn, done: make(chan struct{})}
	chat.quality.Store(state.QualityUnknown)
	conn.SetPongHandler(func(string) error {
		sent := chat.pingSent.Load()
		if sent == 0 {
			return nil
		}
		c.observeRTT(chat, time.Since(time.Unix(0, sent)))
		return nil
	})
	return chat, nil
}

func (c *HeyGenClient) observeRTT(chat *chatConn, rtt time.Duration) {
	q := state.QualityBad
	if rtt < goodQualityRTT {
		q = state.QualityGood
	}
	if prev, _ := chat.quality.Swap(q).(state.ConnectionQuality); prev == q {
		return
	}
	c.logger.Debug().Dur("rtt", rtt).Str("quality", string(q)).Msg("connection quality changed")
	c.Emit(Event{Type: EventConnectionQualityChanged, Quality: q})
}

func (chat *chatConn) close() {
	chat.once.Do(func() {
		close(chat.done)
		_ = chat.conn.Close()
	})
}

func (chat *chatConn) closed() bool {
	select {
	case <-chat.done:
		return true
	default:
		return false
	}
}

// chatMessage is an event frame on the streaming.chat websocket.
type chatMessage struct {
	EventType string `json:"event_type"`
	TaskID    string `json:"task_id"`
	Message   string `json:"message"`
}

var chatEvents = map[string]EventType{
	"user_start":             EventUserStart,
	"user_stop":              EventUserStop,
	"avatar_start_talking":   EventAvatarStartTalking,
	"avatar_stop_talking":    EventAvatarStopTalking,
	"user_talking_message":   EventUserTalkingMessage,
	"avatar_talking_message": EventAvatarTalkingMessage,
	"user_end_message":       EventUserEndMessage,
	"avatar_end_message":     EventAvatarEndMessage,
}

func (c *HeyGenClient) readChat(chat *chatConn) {
	defer chat.wg.Done()

	for {
		_, msg, err := chat.conn.ReadMessage()
		if err != nil {
			if chat.closed() {
				return
			}
			c.logger.Warn().Err(err).Msg("chat stream closed")
			chat.close()
			c.Emit(Event{Type: EventStreamDisconnected})
			return
		}

		var m chatMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			c.logger.Warn().Err(err).Msg("failed to parse chat event")
			continue
		}
		t, ok := chatEvents[m.EventType]
		if !ok {
			c.logger.Debug().Str("event_type", m.EventType).Msg("ignoring chat event")
			continue
		}
		c.Emit(Event{Type: t, TaskID: m.TaskID, Message: m.Message})
	}
}

func (c *HeyGenClient) pingChat(chat *chatConn) {
	defer chat.wg.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-chat.done:
			return
		case <-ticker.C:
			chat.pingSent.Store(time.Now().UnixNano())
			chat.writeMu.Lock()
			err := chat.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			chat.writeMu.Unlock()
			if err != nil && !chat.closed() {
				c.logger.Debug().Err(err).Msg("chat ping failed")
			}
		}
	}
}

// stopRemote tells HeyGen to end a session we failed to finish starting.
func (c *HeyGenClient) stopRemote(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.post(ctx, "/v1/streaming.stop", sessionRequest{SessionID: sessionID}, nil); err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to stop half-started session")
	}
}

// StopAvatar closes the chat stream and ends the session. It is a no-op
// without a session.
func (c *HeyGenClient) StopAvatar(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	chat := c.chat
	c.session = nil
	c.chat = nil
	c.voiceChatActive = false
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	if chat != nil {
		chat.close()
		chat.wg.Wait()
	}

	if err := c.post(ctx, "/v1/streaming.stop", sessionRequest{SessionID: session.SessionID}, nil); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	c.logger.Info().Str("session_id", session.SessionID).Msg("avatar session stopped")
	return nil
}

func (c *HeyGenClient) currentSession() (*SessionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrNoSession
	}
	return c.session, nil
}

// Speak sends a speech task. TaskType defaults to talk and TaskMode to async.
func (c *HeyGenClient) Speak(ctx context.Context, req SpeakRequest) error {
	session, err := c.currentSession()
	if err != nil {
		return err
	}
	if req.TaskType == "" {
		req.TaskType = TaskTypeTalk
	}
	if req.TaskMode == "" {
		req.TaskMode = TaskModeAsync
	}
	body := taskRequest{
		SessionID: session.SessionID,
		Text:      req.Text,
		TaskType:  req.TaskType,
		TaskMode:  req.TaskMode,
	}
	if err := c.post(ctx, "/v1/streaming.task", body, nil); err != nil {
		return fmt.Errorf("speak: %w", err)
	}
	return nil
}

func (c *HeyGenClient) Interrupt(ctx context.Context) error {
	session, err := c.currentSession()
	if err != nil {
		return err
	}
	if err := c.post(ctx, "/v1/streaming.interrupt", sessionRequest{SessionID: session.SessionID}, nil); err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	return nil
}

// StartVoiceChat enables the avatar's own listening mode. Browser clients
// publish audio to the media room; this service only tracks the flags.
func (c *HeyGenClient) StartVoiceChat(ctx context.Context, inputMuted bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ErrNoSession
	}
	c.voiceChatActive = true
	c.inputMuted = inputMuted
	return nil
}

func (c *HeyGenClient) CloseVoiceChat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voiceChatActive = false
}

func (c *HeyGenClient) MuteInputAudio() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputMuted = true
}

func (c *HeyGenClient) UnmuteInputAudio() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputMuted = false
}

// VoiceChat reports whether voice chat is active and whether input is muted.
func (c *HeyGenClient) VoiceChat() (active, muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voiceChatActive, c.inputMuted
}
