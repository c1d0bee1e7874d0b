package audio

// G.711 mulaw companding. Telephony carriers that stream 8 kHz audio (Twilio
// media streams) use this encoding; everything past the adapter boundary is
// linear PCM16.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// mulawDecodeTable maps each mulaw byte to its linear PCM16 value. Built once
// at package init from the inverse of the segmented companding curve.
var mulawDecodeTable [256]int16

func init() {
	for i := range 256 {
		u := ^uint8(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := (int32(mantissa)<<3 + mulawBias) << exponent
		sample -= mulawBias
		if sign != 0 {
			sample = -sample
		}
		mulawDecodeTable[i] = int16(sample)
	}
}

// DecodeMulaw converts G.711 mulaw bytes to little-endian PCM16. The output
// is exactly twice the length of the input.
func DecodeMulaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := mulawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// EncodeMulaw converts little-endian PCM16 to G.711 mulaw bytes. Input length
// must be even; a trailing odd byte is ignored.
func EncodeMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = encodeMulawSample(s)
	}
	return out
}

// encodeMulawSample compands a single linear sample using the standard
// segment search over the biased magnitude.
func encodeMulawSample(sample int16) byte {
	sign := uint8(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := uint8(7)
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}

	mantissa := uint8((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}
