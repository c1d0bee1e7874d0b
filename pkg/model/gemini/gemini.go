// Package gemini implements the model.Gateway contract for Google's Gemini
// Live API.
//
// It maintains one bidirectional WebSocket per call session speaking the
// BidiGenerateContent protocol. Audio travels as base64 PCM chunks. The
// session transparently reconnects on transport failure with exponential
// backoff (1 s, 2 s, 4 s, three attempts) and emits a FatalError event when
// the attempts are exhausted.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/voxline/voxline/pkg/model"
)

// Compile-time assertions that Provider and session satisfy the model contracts.
var (
	_ model.Gateway       = (*Provider)(nil)
	_ model.SessionHandle = (*session)(nil)
)

const (
	defaultModel    = "gemini-2.0-flash-live-001"
	defaultBaseURL  = "wss://generativelanguage.googleapis.com/ws"
	defaultRESTBase = "https://generativelanguage.googleapis.com/v1beta"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// Reconnect policy: delays of base, 2×base, 4×base before each of the
	// three attempts. The production base is one second.
	defaultReconnectBase = 1 * time.Second
	maxReconnectAttempts = 3

	eventBuffer = 256
)

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(m string) Option {
	return func(p *Provider) { p.model = m }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithReconnectBase overrides the first reconnect delay. The second and third
// delays remain 2× and 4× the base. Used in tests to keep suites fast.
func WithReconnectBase(d time.Duration) Option {
	return func(p *Provider) { p.reconnectBase = d }
}

// ── Provider ──────────────────────────────────────────────────────────────────

// Provider implements model.Gateway for the Gemini Live API.
type Provider struct {
	apiKey        string
	model         string
	baseURL       string
	restBase      string
	reconnectBase time.Duration

	cacheRejects atomic.Uint64
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:        apiKey,
		model:         defaultModel,
		baseURL:       defaultBaseURL,
		restBase:      defaultRESTBase,
		reconnectBase: defaultReconnectBase,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// CacheRejects returns the number of malformed cache handles rewritten to an
// inline system instruction since the provider was created.
func (p *Provider) CacheRejects() uint64 {
	return p.cacheRejects.Load()
}

// Connect establishes a new Gemini Live session. The returned handle emits
// model.Ready once the provider confirms setup; audio sent before that is
// rejected with model.ErrNotReady.
func (p *Provider) Connect(ctx context.Context, cfg model.SessionConfig) (model.SessionHandle, error) {
	if cfg.CacheHandle != "" && !model.ValidCacheHandle(cfg.CacheHandle) {
		slog.Warn("malformed cache handle, falling back to inline instruction",
			"handle", cfg.CacheHandle)
		p.cacheRejects.Add(1)
		cfg.CacheHandle = ""
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		provider: p,
		cfg:      cfg,
		conn:     conn,
		events:   make(chan model.Event, eventBuffer),
		done:     make(chan struct{}),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.sendSetup(); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.run()
	go sess.keepaliveLoop()

	return sess, nil
}

// dial opens the BidiGenerateContent WebSocket.
func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	return conn, err
}

// ── Protocol message types (outgoing) ────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
	CachedContent     string             `json:"cachedContent,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
	VoiceSpeed         float64       `json:"voiceSpeed,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ── session ───────────────────────────────────────────────────────────────────

type session struct {
	provider *Provider
	cfg      model.SessionConfig
	events   chan model.Event

	mu     sync.Mutex
	conn   *websocket.Conn
	ready  bool
	closed bool

	readySignalled bool // Ready emitted once, on the first setupComplete

	audioDropped atomic.Uint64
	reconnects   atomic.Uint64

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message. Exactly one
// of cachedContent or systemInstruction is present.
func (s *session) sendSetup() error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", s.provider.model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				VoiceSpeed:         s.cfg.VoiceSpeed,
			},
		},
	}

	if s.cfg.CacheHandle != "" {
		msg.Setup.CachedContent = s.cfg.CacheHandle
	} else {
		instruction := model.BuildSystemInstruction(s.cfg.Prompt, s.cfg.Knowledge)
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: instruction}},
		}
	}

	if s.cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: s.cfg.Voice},
			},
		}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message on the
// current connection.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("gemini: reconnect in progress")
	}
	return conn.Write(s.ctx, websocket.MessageText, data)
}

// ── Receive / reconnect loops ────────────────────────────────────────────────

// run owns the events channel: it reads server messages until the session is
// closed intentionally or reconnection is exhausted, then closes events.
func (s *session) run() {
	defer s.closeEvents()

	for {
		err := s.readLoop()
		if err == nil || s.isClosed() || s.ctx.Err() != nil {
			return
		}

		slog.Warn("model transport error, reconnecting", "err", err)
		if !s.reconnect() {
			s.emit(model.FatalError{Err: err})
			return
		}
	}
}

// readLoop reads and dispatches server messages on the current connection.
// Returns nil on intentional close, otherwise the transport error.
func (s *session) readLoop() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("gemini: no connection")
	}

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || s.isClosed() {
				return nil
			}
			return err
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("skipping malformed model frame", "err", err)
			continue
		}
		s.handleServerMessage(&msg)
	}
}

// reconnect dials the provider again with backoff delays of base, 2×base and
// 4×base. On success it resends setup on the fresh connection and emits
// Reconnected. Returns false when all attempts fail.
func (s *session) reconnect() bool {
	s.mu.Lock()
	s.ready = false
	if old := s.conn; old != nil {
		old.Close(websocket.StatusAbnormalClosure, "reconnecting")
		s.conn = nil
	}
	s.mu.Unlock()

	backoff := s.provider.reconnectBase
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		s.emit(model.Reconnecting{Attempt: attempt})

		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(backoff):
		}

		dialCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		conn, err := s.provider.dial(dialCtx)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()

			if err := s.sendSetup(); err != nil {
				slog.Warn("model reconnect setup failed", "attempt", attempt, "err", err)
				conn.Close(websocket.StatusInternalError, "setup failed")
				s.mu.Lock()
				s.conn = nil
				s.mu.Unlock()
			} else {
				s.reconnects.Add(1)
				s.emit(model.Reconnected{})
				slog.Info("model session reconnected", "attempt", attempt)
				return true
			}
		} else {
			slog.Warn("model reconnect attempt failed", "attempt", attempt, "err", err)
		}

		backoff *= 2
	}
	return false
}

// keepaliveLoop pings the provider to hold the connection open through NAT
// and idle timeouts.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				continue
			}
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Message dispatch ─────────────────────────────────────────────────────────

// handleServerMessage classifies one server message into typed events.
func (s *session) handleServerMessage(msg *serverMessage) {
	switch {
	case msg.SetupComplete != nil:
		s.mu.Lock()
		s.ready = true
		first := !s.readySignalled
		s.readySignalled = true
		s.mu.Unlock()
		if first {
			s.emit(model.Ready{})
		}

	case msg.ServerContent != nil:
		s.handleServerContent(msg.ServerContent)

	case msg.ToolCall != nil:
		for _, call := range msg.ToolCall.FunctionCalls {
			s.emit(model.ToolCall{ID: call.ID, Name: call.Name, Args: call.Args})
		}

	case msg.Error != nil:
		slog.Warn("model error frame",
			"code", msg.Error.Code,
			"status", msg.Error.Status,
			"message", msg.Error.Message,
		)
	}
}

// handleServerContent classifies modelTurn parts and turn signals.
func (s *session) handleServerContent(sc *serverContent) {
	if sc.Interrupted {
		s.emit(model.Interrupted{})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			switch {
			case p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "audio/"):
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					slog.Debug("undecodable audio part", "err", err)
					continue
				}
				s.emitAudio(model.Audio{PCM: pcm})

			case p.InlineData != nil:
				slog.Debug("ignoring non-audio inline data", "mime", p.InlineData.MIMEType)

			case p.Text != "":
				s.emit(model.Text{Content: p.Text})
			}
		}
	}

	if sc.TurnComplete {
		s.emit(model.TurnComplete{})
	}
}

// emit delivers a control event, blocking until the consumer takes it or the
// session ends. Control events are rare and must not be lost.
func (s *session) emit(ev model.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// emitAudio delivers an audio chunk without blocking: when the consumer falls
// behind, the chunk is dropped and counted. Freshness beats completeness on
// the audio path.
func (s *session) emitAudio(ev model.Audio) {
	select {
	case s.events <- ev:
	default:
		s.audioDropped.Add(1)
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

// ── SessionHandle methods ────────────────────────────────────────────────────

// SendAudio delivers one PCM16 chunk at model.SendRate.
func (s *session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.ErrSessionClosed
	}
	if !s.ready {
		s.mu.Unlock()
		return model.ErrNotReady
	}
	s.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", model.SendRate),
				Data:     base64.StdEncoding.EncodeToString(pcm),
			}},
		},
	}
	return s.writeJSON(msg)
}

// SendText injects a completed text turn so the model responds to it.
func (s *session) SendText(role, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.ErrSessionClosed
	}
	s.mu.Unlock()

	switch role {
	case "model", "user":
	case "assistant":
		role = "model"
	default:
		role = "user"
	}

	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: role, Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	}
	return s.writeJSON(msg)
}

// Interrupt abandons the in-flight model turn by committing an empty client
// turn, which cancels generation under the BidiGenerateContent protocol.
func (s *session) Interrupt() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.ErrSessionClosed
	}
	s.mu.Unlock()

	msg := clientContentMessage{
		ClientContent: clientContent{TurnComplete: true},
	}
	return s.writeJSON(msg)
}

// Events returns the session's event stream.
func (s *session) Events() <-chan model.Event { return s.events }

// Stats returns a snapshot of the session counters.
func (s *session) Stats() model.Stats {
	return model.Stats{
		AudioDropped: s.audioDropped.Load(),
		Reconnects:   s.reconnects.Load(),
	}
}

// Close ends the session intentionally. The cache TTL refresh is best-effort:
// failures are logged and never affect the session outcome.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if s.cfg.CacheHandle != "" {
		go s.provider.refreshCacheTTL(s.cfg.CacheHandle)
	}

	s.cancel()
	close(s.done)
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	return nil
}

// refreshCacheTTL nudges the cached context's expiry so a follow-up call can
// reuse it. Non-critical by design of the caller; errors are only logged.
func (p *Provider) refreshCacheTTL(handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/%s?key=%s", p.restBase, handle, p.apiKey)
	body := strings.NewReader(`{"ttl":"300s"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, body)
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Debug("cache ttl refresh failed", "handle", handle, "err", err)
		return
	}
	resp.Body.Close()
}
