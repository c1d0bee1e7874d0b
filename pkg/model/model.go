// Package model defines the gateway contract for the speech-in/speech-out
// model provider.
//
// A gateway owns one streaming WebSocket per call session. Audio in is PCM16
// mono at 16 kHz; audio out is PCM16 mono at 24 kHz. Everything the model
// produces — audio, text, turn boundaries, interruption acknowledgements,
// tool calls, transport failures — is surfaced as a typed event on a single
// bounded channel so the session loop remains the sole consumer and ordering
// point.
package model

import (
	"context"
	"errors"
	"regexp"
)

// SendRate and ReceiveRate are the fixed PCM16 sample rates on the model leg.
const (
	SendRate    = 16000
	ReceiveRate = 24000
)

// Errors returned by SessionHandle methods.
var (
	// ErrNotReady is returned by SendAudio before the provider has confirmed
	// session setup. Sending audio before setup is a programming error in
	// the caller.
	ErrNotReady = errors.New("model: session setup not confirmed")

	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("model: session closed")
)

// cacheHandlePattern is the only accepted shape for a model-side context
// cache identifier. Anything else is rewritten to the empty handle and the
// system instruction is sent inline instead.
var cacheHandlePattern = regexp.MustCompile(`^cachedContents/[A-Za-z0-9_-]+$`)

// ValidCacheHandle reports whether handle names a well-formed cached context.
func ValidCacheHandle(handle string) bool {
	return cacheHandlePattern.MatchString(handle)
}

// KnowledgeDoc is one document of background knowledge folded into the
// system instruction when no cache handle is available.
type KnowledgeDoc struct {
	Title string
	Text  string
}

// SessionConfig is the per-call configuration for a model session.
type SessionConfig struct {
	// Voice selects the provider voice profile.
	Voice string

	// VoiceSpeed scales speaking rate; 0 means provider default.
	VoiceSpeed float64

	// Prompt is the agent's system prompt.
	Prompt string

	// Knowledge is concatenated into the system instruction, subject to the
	// assembly budget (see BuildSystemInstruction).
	Knowledge []KnowledgeDoc

	// CacheHandle, when valid, replaces the inline system instruction with a
	// pre-warmed server-side context. Exactly one of the two appears in the
	// setup message.
	CacheHandle string
}

// Event is a typed occurrence on the model leg. Exactly one concrete type
// below is delivered per event.
type Event interface {
	isEvent()
}

// Ready signals that the provider confirmed session setup. Audio may be sent
// from this point on.
type Ready struct{}

// Audio carries one synthesised audio chunk (PCM16 mono at ReceiveRate).
type Audio struct {
	PCM []byte
}

// Text carries a fragment of the model's textual output for the current turn.
type Text struct {
	Content string
}

// TurnComplete marks the end of the model's current response turn.
type TurnComplete struct{}

// Interrupted is the model's acknowledgement of a user barge-in.
type Interrupted struct{}

// ToolCall is a model-initiated tool invocation, forwarded upward untouched.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Reconnecting reports a transparent reconnect attempt after a transport
// failure. Attempt counts from 1.
type Reconnecting struct {
	Attempt int
}

// Reconnected reports a successful reconnect; the session continues.
type Reconnected struct{}

// FatalError reports an unrecoverable session failure. It is the final event
// before the channel closes.
type FatalError struct {
	Err error
}

func (Ready) isEvent()        {}
func (Audio) isEvent()        {}
func (Text) isEvent()         {}
func (TurnComplete) isEvent() {}
func (Interrupted) isEvent()  {}
func (ToolCall) isEvent()     {}
func (Reconnecting) isEvent() {}
func (Reconnected) isEvent()  {}
func (FatalError) isEvent()   {}

// Stats are monotonic per-session counters. Safe to read concurrently.
type Stats struct {
	// AudioDropped counts model audio chunks discarded because the event
	// channel was full.
	AudioDropped uint64

	// Reconnects counts successful transparent reconnects.
	Reconnects uint64
}

// SessionHandle is an open model session. Events() is closed when the
// session ends; after a FatalError no further events are delivered. All
// methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one PCM16 chunk at SendRate. Returns ErrNotReady
	// before setup confirmation and ErrSessionClosed after Close.
	SendAudio(pcm []byte) error

	// SendText injects a text turn (e.g. the welcome message trigger) and
	// marks it complete so the model responds immediately.
	SendText(role, text string) error

	// Interrupt tells the provider to abandon the in-flight response.
	Interrupt() error

	// Events returns the bounded event stream. The session drops Audio
	// events rather than block when the consumer falls behind.
	Events() <-chan Event

	// Stats returns a snapshot of the session counters.
	Stats() Stats

	// Close ends the session intentionally; no reconnect is attempted.
	// Idempotent.
	Close() error
}

// Gateway opens model sessions. Implementations must be safe for concurrent
// use; the runtime opens one session per active call.
type Gateway interface {
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
