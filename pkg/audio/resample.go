package audio

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Resample.
var (
	// ErrBadRate is returned when a sample rate outside the supported set is
	// requested.
	ErrBadRate = errors.New("audio: unsupported sample rate")

	// ErrOddLength is returned when a PCM16 buffer has an odd byte count.
	ErrOddLength = errors.New("audio: odd PCM byte count")
)

// supportedRates is the closed set of sample rates the pipeline converts
// between: 8 kHz carrier mulaw, 16 kHz model ingress, 24 kHz model egress,
// 44.1 kHz carrier PCM, and 48 kHz.
var supportedRates = map[int]bool{
	8000:  true,
	16000: true,
	24000: true,
	44100: true,
	48000: true,
}

// SupportedRate reports whether rate is in the supported conversion set.
func SupportedRate(rate int) bool { return supportedRates[rate] }

// Resample converts little-endian PCM16 mono audio from srcRate to dstRate
// using linear interpolation between adjacent samples, clamped to the int16
// range. The conversion is deterministic: no dithering, no filtering.
//
// Returns ErrBadRate if either rate is outside the supported set and
// ErrOddLength if pcm is not an even number of bytes. When srcRate equals
// dstRate the input slice is returned unchanged.
func Resample(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	if !supportedRates[srcRate] {
		return nil, fmt.Errorf("%w: %d Hz", ErrBadRate, srcRate)
	}
	if !supportedRates[dstRate] {
		return nil, fmt.Errorf("%w: %d Hz", ErrBadRate, dstRate)
	}
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm, nil
	}

	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil, nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := float64(s0)*(1-frac) + float64(s1)*frac
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		s := int16(v)
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out, nil
}
