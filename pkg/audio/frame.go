// Package audio provides the codec and signal-level primitives of the voxline
// pipeline: G.711 mulaw transcoding, linear-interpolation resampling, and
// RMS-based voice activity detection.
//
// All PCM buffers in this package are little-endian signed 16-bit mono unless
// a function documents otherwise. Frames are the atomic unit of audio
// transport between carrier adapters, the call session, and the model gateway.
package audio

import "time"

// Frame is a single chunk of audio flowing through the pipeline. It is a pure
// value type: producers fill it once and it is never mutated downstream.
type Frame struct {
	// PCM is little-endian int16 mono audio data.
	PCM []byte

	// SampleRate in Hz (16000 on the carrier→model path, 24000 on the
	// model→carrier path).
	SampleRate int

	// RMS is the normalised root-mean-square energy of PCM, in [0, 1].
	// Computed once at ingress by the carrier adapter.
	RMS float64

	// Seq is a per-session monotonically increasing sequence number.
	Seq uint32

	// CaptureTime marks when the frame entered the process.
	CaptureTime time.Time
}

// Duration returns the play time of the frame at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
