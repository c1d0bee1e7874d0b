package callfsm

import "strings"

// Voicemail scoring: each independent signal contributes a fixed weight and
// the sum is capped at 1.0. A score at or above the threshold triggers the
// configured voicemail action.
const (
	VoicemailSignalWeight = 0.4
	VoicemailThreshold    = 0.5
)

// voicemailPhrases are greeting fragments typical of answering machines.
// Matching is case-insensitive substring search over the user-text
// hypothesis.
var voicemailPhrases = []string{
	"leave a message",
	"leave your message",
	"after the beep",
	"after the tone",
	"at the tone",
	"voicemail",
	"voice mail",
	"not available right now",
	"unable to take your call",
	"leave your name and number",
	"deje su mensaje",
	"apres le bip",
	"after beep",
}

// VoicemailSignals are the independent contributors to the voicemail score.
type VoicemailSignals struct {
	// PhraseMatch: the user-text hypothesis contains a known greeting phrase.
	PhraseMatch bool

	// RoboticSignature: flat pitch and low energy variation, typical of
	// synthesized greetings.
	RoboticSignature bool

	// NoHumanSpectrum: prolonged absence of human-speech energy patterns.
	NoHumanSpectrum bool
}

// Score sums the active signal weights, capped at 1.0.
func (s VoicemailSignals) Score() float64 {
	score := 0.0
	if s.PhraseMatch {
		score += VoicemailSignalWeight
	}
	if s.RoboticSignature {
		score += VoicemailSignalWeight
	}
	if s.NoHumanSpectrum {
		score += VoicemailSignalWeight
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Detected reports whether the combined score crosses the action threshold.
func (s VoicemailSignals) Detected() bool {
	return s.Score() >= VoicemailThreshold
}

// MatchesVoicemailPhrase reports whether the transcript fragment contains a
// known answering-machine phrase.
func MatchesVoicemailPhrase(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range voicemailPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ── Acoustic contributors ────────────────────────────────────────────────────

// acousticWindow is the number of frames the acoustic heuristics need before
// they report anything.
const acousticWindow = 25

// VoicemailObserver accumulates per-frame energy statistics for the acoustic
// voicemail signals. Owned by the session loop, not safe for concurrent use.
type VoicemailObserver struct {
	frames      int
	voiceFrames int
	sum         float64
	sumSq       float64
}

// ObserveFrame records one inbound frame's RMS.
func (o *VoicemailObserver) ObserveFrame(rms float64) {
	o.frames++
	o.sum += rms
	o.sumSq += rms * rms
	if rms > 0.003 {
		o.voiceFrames++
	}
}

// RoboticSignature reports flat, sustained energy: the greeting plays at a
// near-constant level, unlike conversational speech.
func (o *VoicemailObserver) RoboticSignature() bool {
	if o.frames < acousticWindow {
		return false
	}
	mean := o.sum / float64(o.frames)
	if mean < 0.01 {
		return false
	}
	variance := o.sumSq/float64(o.frames) - mean*mean
	if variance < 0 {
		variance = 0
	}
	// Coefficient of variation below 0.15 reads as machine-flat.
	return variance < (0.15*mean)*(0.15*mean)
}

// NoHumanSpectrum reports a prolonged absence of voice-level energy.
func (o *VoicemailObserver) NoHumanSpectrum() bool {
	if o.frames < acousticWindow {
		return false
	}
	return float64(o.voiceFrames)/float64(o.frames) < 0.1
}

// Reset clears the accumulated statistics.
func (o *VoicemailObserver) Reset() {
	*o = VoicemailObserver{}
}
