// Package hedge masks model latency with pre-generated filler audio.
//
// When the caller finishes speaking, a timer is armed. If the model's first
// audio chunk arrives before it fires, nothing is played; otherwise a
// language-appropriate filler clip goes out on the egress path until the real
// response arrives, at which point the filler is crossfaded out over one
// frame.
package hedge

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// ArmDelay is how long the engine waits for the model before playing a
// filler.
const ArmDelay = 400 * time.Millisecond

// Languages with built-in filler sets.
const (
	LangHinglish = "hinglish"
	LangEnglish  = "english"
	LangSpanish  = "spanish"
	LangFrench   = "french"
)

// Clip is one pre-generated filler buffer, PCM16 mono at the egress rate.
type Clip struct {
	Name string
	PCM  []byte
}

// Library is the read-only filler store shared by all sessions. Built once at
// startup; safe for concurrent use after that.
type Library struct {
	clips map[string][]Clip
}

// NewLibrary builds a library from per-language clip sets. Language keys are
// matched exactly; use the Lang constants.
func NewLibrary(clips map[string][]Clip) (*Library, error) {
	if len(clips) == 0 {
		return nil, fmt.Errorf("hedge: empty filler library")
	}
	for lang, set := range clips {
		if len(set) == 0 {
			return nil, fmt.Errorf("hedge: language %q has no clips", lang)
		}
	}
	return &Library{clips: clips}, nil
}

// Languages returns the configured language keys.
func (l *Library) Languages() []string {
	out := make([]string, 0, len(l.clips))
	for lang := range l.clips {
		out = append(out, lang)
	}
	return out
}

// clipSet returns the clips for lang, falling back to English.
func (l *Library) clipSet(lang string) []Clip {
	if set, ok := l.clips[lang]; ok {
		return set
	}
	return l.clips[LangEnglish]
}

// ── Per-session scheduler ────────────────────────────────────────────────────

// Engine is the per-session hedge scheduler. Play callbacks are invoked from
// the timer goroutine; everything else is called from the session loop.
type Engine struct {
	lib  *Library
	lang string

	// play emits a filler clip on the egress path.
	play func(Clip)

	mu      sync.Mutex
	next    int // round-robin cursor into the language's clip set
	timer   *time.Timer
	playing bool
	armed   bool
}

// NewEngine creates a scheduler bound to one session's language and egress
// path.
func NewEngine(lib *Library, lang string, play func(Clip)) *Engine {
	return &Engine{lib: lib, lang: lang, play: play}
}

// UserSpeechEnded arms the filler timer. Re-arming while armed restarts it.
func (e *Engine) UserSpeechEnded() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}
	e.armed = true
	e.timer = time.AfterFunc(ArmDelay, e.fire)
}

// fire plays the next filler in the language's rotation.
func (e *Engine) fire() {
	e.mu.Lock()
	if !e.armed {
		e.mu.Unlock()
		return
	}
	e.armed = false
	e.playing = true

	set := e.lib.clipSet(e.lang)
	clip := set[e.next%len(set)]
	e.next++
	play := e.play
	e.mu.Unlock()

	play(clip)
}

// ModelFirstAudio cancels a pending filler, or reports that a playing one
// must be crossfaded out. Returns true when the caller should apply
// CrossfadeOut to the tail of the filler audio.
func (e *Engine) ModelFirstAudio() (fading bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}
	e.armed = false
	if e.playing {
		e.playing = false
		return true
	}
	return false
}

// Stop cancels any pending or playing filler without a fade, for teardown.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.armed = false
	e.playing = false
}

// CrossfadeOut applies a linear fade to zero across one frame of PCM16 so a
// filler never hard-cuts under the model's first chunk. Modifies pcm in
// place; odd trailing bytes are left untouched.
func CrossfadeOut(pcm []byte) {
	n := len(pcm) / 2
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		gain := 1 - float64(i+1)/float64(n)
		v := int16(math.Round(float64(s) * gain))
		pcm[i*2] = byte(uint16(v))
		pcm[i*2+1] = byte(uint16(v) >> 8)
	}
}
