// Package mock provides an in-memory model.Gateway for tests. Sessions
// record everything sent to them and let the test script events back.
package mock

import (
	"context"
	"sync"

	"github.com/voxline/voxline/pkg/model"
)

var (
	_ model.Gateway       = (*Gateway)(nil)
	_ model.SessionHandle = (*Session)(nil)
)

// Gateway hands out scripted sessions. The zero value is usable.
type Gateway struct {
	mu       sync.Mutex
	sessions []*Session

	// ConnectErr, when set, is returned by Connect instead of a session.
	ConnectErr error

	// AutoReady, when true, emits model.Ready immediately on Connect.
	AutoReady bool
}

// Connect returns a fresh scripted session.
func (g *Gateway) Connect(_ context.Context, cfg model.SessionConfig) (model.SessionHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ConnectErr != nil {
		return nil, g.ConnectErr
	}

	s := &Session{
		Config: cfg,
		events: make(chan model.Event, 64),
		ready:  g.AutoReady,
	}
	if g.AutoReady {
		s.events <- model.Ready{}
	}
	g.sessions = append(g.sessions, s)
	return s, nil
}

// Sessions returns all sessions handed out so far.
func (g *Gateway) Sessions() []*Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Session, len(g.sessions))
	copy(out, g.sessions)
	return out
}

// Last returns the most recent session, or nil.
func (g *Gateway) Last() *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sessions) == 0 {
		return nil
	}
	return g.sessions[len(g.sessions)-1]
}

// TextTurn is one recorded SendText call.
type TextTurn struct {
	Role string
	Text string
}

// Session is a scriptable model session.
type Session struct {
	Config model.SessionConfig

	mu         sync.Mutex
	ready      bool
	closed     bool
	audio      [][]byte
	texts      []TextTurn
	interrupts int
	stats      model.Stats

	events    chan model.Event
	closeOnce sync.Once
}

// Emit scripts one event onto the session's stream.
func (s *Session) Emit(ev model.Event) {
	if _, ok := ev.(model.Ready); ok {
		s.mu.Lock()
		s.ready = true
		s.mu.Unlock()
	}
	s.events <- ev
}

// End closes the event stream, as the real session does when it finishes.
func (s *Session) End() {
	s.closeOnce.Do(func() { close(s.events) })
}

// SentAudio returns all audio chunks received so far.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// SentTexts returns all text turns received so far.
func (s *Session) SentTexts() []TextTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TextTurn, len(s.texts))
	copy(out, s.texts)
	return out
}

// Interrupts returns how many times Interrupt was called.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── model.SessionHandle ──────────────────────────────────────────────────────

func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrSessionClosed
	}
	if !s.ready {
		return model.ErrNotReady
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.audio = append(s.audio, cp)
	return nil
}

func (s *Session) SendText(role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrSessionClosed
	}
	s.texts = append(s.texts, TextTurn{Role: role, Text: text})
	return nil
}

func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrSessionClosed
	}
	s.interrupts++
	return nil
}

func (s *Session) Events() <-chan model.Event { return s.events }

func (s *Session) Stats() model.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.End()
	return nil
}
