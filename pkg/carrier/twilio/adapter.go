// Package twilio implements the carrier.Adapter contract for Twilio Media
// Streams: a JSON WebSocket protocol carrying base64 G.711 mulaw at 8 kHz.
//
// Inbound media is decoded to PCM16 and upsampled to the internal 16 kHz
// ingress rate; outbound audio arrives at 24 kHz and is downsampled to 8 kHz
// and mulaw-encoded. Mark frames are emitted on request (ControlMark) and the
// carrier echoes them back when playback reaches that point.
package twilio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/carrier"
)

// Compile-time assertion that Adapter satisfies the carrier contract.
var _ carrier.Adapter = (*Adapter)(nil)

const carrierRate = 8000

// Adapter is a per-connection Twilio Media Streams codec. Not safe for
// concurrent use; owned by one WebSocket handler.
type Adapter struct {
	streamSID string
	callSID   string
	seq       uint32
	markSeq   uint64
}

// New returns an empty adapter. Stream identifiers are learned from the
// carrier's start event.
func New() *Adapter {
	return &Adapter{}
}

// Name implements carrier.Adapter.
func (a *Adapter) Name() string { return "twilio" }

// StreamID implements carrier.Adapter.
func (a *Adapter) StreamID() string { return a.streamSID }

// CallID implements carrier.Adapter.
func (a *Adapter) CallID() string { return a.callSID }

// ── Wire schema ───────────────────────────────────────────────────────────────

type inboundFrame struct {
	Event string `json:"event"`
	Start *struct {
		StreamSID string `json:"streamSid"`
		CallSID   string `json:"callSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

type mediaFrame struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type markFrame struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	Mark      markName `json:"mark"`
}

type markName struct {
	Name string `json:"name"`
}

type clearFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// ── Adapter methods ───────────────────────────────────────────────────────────

// Parse implements carrier.Adapter.
func (a *Adapter) Parse(wire []byte) (carrier.Event, error) {
	var f inboundFrame
	if err := json.Unmarshal(wire, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", carrier.ErrMalformed, err)
	}

	switch f.Event {
	case "connected":
		return carrier.Connected{}, nil

	case "start":
		if f.Start == nil {
			return nil, fmt.Errorf("%w: start without body", carrier.ErrMalformed)
		}
		a.streamSID = f.Start.StreamSID
		a.callSID = f.Start.CallSID
		return carrier.Started{StreamID: a.streamSID, CallID: a.callSID}, nil

	case "media":
		if f.Media == nil {
			return nil, fmt.Errorf("%w: media without body", carrier.ErrMalformed)
		}
		return a.parseMedia(f.Media.Payload)

	case "mark":
		name := ""
		if f.Mark != nil {
			name = f.Mark.Name
		}
		return carrier.Mark{Name: name}, nil

	case "stop":
		return carrier.Stopped{CallID: a.callSID}, nil

	default:
		return nil, fmt.Errorf("%w: %q", carrier.ErrUnknownEvent, f.Event)
	}
}

// parseMedia decodes a base64 mulaw payload and normalises it to a 16 kHz
// PCM16 frame with RMS computed.
func (a *Adapter) parseMedia(payload string) (carrier.Event, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: media payload: %v", carrier.ErrMalformed, err)
	}

	pcm8k := audio.DecodeMulaw(raw)
	pcm16k, err := audio.Resample(pcm8k, carrierRate, carrier.IngressRate)
	if err != nil {
		return nil, fmt.Errorf("twilio: resample ingress: %w", err)
	}

	a.seq++
	return carrier.Media{Frame: audio.Frame{
		PCM:         pcm16k,
		SampleRate:  carrier.IngressRate,
		RMS:         audio.RMS(pcm16k),
		Seq:         a.seq,
		CaptureTime: time.Now(),
	}}, nil
}

// Send implements carrier.Adapter. Audio is downsampled from the 24 kHz
// egress rate to 8 kHz mulaw; a ControlMark request appends a named mark
// frame after any audio in the same outbound.
func (a *Adapter) Send(out carrier.Outbound) ([][]byte, error) {
	var frames [][]byte

	if len(out.PCM) > 0 {
		pcm8k, err := audio.Resample(out.PCM, carrier.EgressRate, carrierRate)
		if err != nil {
			return nil, fmt.Errorf("twilio: resample egress: %w", err)
		}
		payload := base64.StdEncoding.EncodeToString(audio.EncodeMulaw(pcm8k))
		wire, err := json.Marshal(mediaFrame{
			Event:     "media",
			StreamSID: a.streamSID,
			Media:     mediaPayload{Payload: payload},
		})
		if err != nil {
			return nil, fmt.Errorf("twilio: marshal media: %w", err)
		}
		frames = append(frames, wire)
	}

	switch out.Control {
	case carrier.ControlNone:
	case carrier.ControlMark:
		name := out.MarkName
		if name == "" {
			a.markSeq++
			name = fmt.Sprintf("chunk-%d", a.markSeq)
		}
		wire, err := json.Marshal(markFrame{
			Event:     "mark",
			StreamSID: a.streamSID,
			Mark:      markName{Name: name},
		})
		if err != nil {
			return nil, fmt.Errorf("twilio: marshal mark: %w", err)
		}
		frames = append(frames, wire)
	case carrier.ControlClear:
		wire, err := json.Marshal(clearFrame{Event: "clear", StreamSID: a.streamSID})
		if err != nil {
			return nil, fmt.Errorf("twilio: marshal clear: %w", err)
		}
		frames = append(frames, wire)
	default:
		return nil, fmt.Errorf("twilio: control %d not supported", out.Control)
	}

	return frames, nil
}
