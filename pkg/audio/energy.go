package audio

import (
	"math"
	"time"
)

// Default RMS thresholds for the voice-active predicate. Live calls use the
// lower threshold; test sessions run slightly hotter to compensate for the
// cleaner audio path.
const (
	DefaultVoiceThreshold = 0.003
	TestVoiceThreshold    = 0.004
)

// RMS computes the root-mean-square energy of little-endian PCM16 audio,
// normalised by 32768 so the result lies in [0, 1]. A trailing odd byte is
// ignored.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := range samples {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768
}

// VoiceDetector is the energy-based voice activity predicate plus the silence
// tracker that drives end-of-utterance and silence-hangup decisions. It is
// stateful and owned by a single session loop; it is not safe for concurrent
// use.
type VoiceDetector struct {
	// Threshold is the RMS level at or above which a frame counts as voice.
	Threshold float64

	// Disabled turns detection off entirely (quality-priority test mode).
	// When set, IsVoiceActive always returns false and the silence timer
	// never fires.
	Disabled bool

	silenceStart time.Time
	silent       bool
}

// NewVoiceDetector returns a detector with the given threshold, falling back
// to DefaultVoiceThreshold when threshold is zero.
func NewVoiceDetector(threshold float64) *VoiceDetector {
	if threshold <= 0 {
		threshold = DefaultVoiceThreshold
	}
	return &VoiceDetector{Threshold: threshold}
}

// IsVoiceActive reports whether rms meets the voice threshold.
func (d *VoiceDetector) IsVoiceActive(rms float64) bool {
	if d.Disabled {
		return false
	}
	return rms >= d.Threshold
}

// Observe feeds one frame's RMS at time now and returns the length of the
// continuous silence run ending at now. Any voice-active frame resets the
// run to zero.
func (d *VoiceDetector) Observe(rms float64, now time.Time) time.Duration {
	if d.Disabled {
		return 0
	}
	if rms >= d.Threshold {
		d.silent = false
		return 0
	}
	if !d.silent {
		d.silent = true
		d.silenceStart = now
	}
	return now.Sub(d.silenceStart)
}

// Reset clears the silence run, e.g. when the session changes state.
func (d *VoiceDetector) Reset() {
	d.silent = false
}
