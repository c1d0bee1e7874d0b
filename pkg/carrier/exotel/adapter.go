// Package exotel implements the carrier.Adapter contract for Exotel voice
// streams: a framed WebSocket protocol carrying base64 linear PCM16 at
// 44.1 kHz inside JSON envelopes, with occasional raw binary PCM frames
// outside any envelope.
//
// The answer event must be acknowledged with an answer_ack frame within one
// second; the WebSocket handler drives that by replying with
// carrier.ControlAnswerAck as soon as it sees the Answered event.
package exotel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/carrier"
)

var _ carrier.Adapter = (*Adapter)(nil)

const carrierRate = 44100

// Adapter is a per-connection Exotel stream codec. Not safe for concurrent
// use; owned by one WebSocket handler.
type Adapter struct {
	streamID  string
	channelID string
	callID    string
	seq       uint32
	chunk     uint64
}

// New returns an empty adapter. Identifiers are learned from the answer event.
func New() *Adapter {
	return &Adapter{}
}

// Name implements carrier.Adapter.
func (a *Adapter) Name() string { return "exotel" }

// StreamID implements carrier.Adapter.
func (a *Adapter) StreamID() string { return a.streamID }

// CallID implements carrier.Adapter.
func (a *Adapter) CallID() string { return a.callID }

// ── Wire schema ───────────────────────────────────────────────────────────────

type inboundFrame struct {
	Type       string `json:"type"`
	StreamID   string `json:"streamId,omitempty"`
	ChannelID  string `json:"channelId,omitempty"`
	CallID     string `json:"callId,omitempty"`
	Chunk      uint64 `json:"chunk,omitempty"`
	Payload    string `json:"payload,omitempty"`
	Digit      string `json:"digit,omitempty"`
	DurationMs int    `json:"durationMs,omitempty"`

	DisconnectedBy string `json:"disconnectedBy,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

type outboundMedia struct {
	Type    string `json:"type"`
	Chunk   uint64 `json:"chunk"`
	Payload string `json:"payload"`
}

type answerAck struct {
	Type string `json:"type"`
}

// looksLikeJSON sniffs the frame type the way the carrier transmits today: a
// first byte of '{' or '[' means a JSON envelope, anything else is raw PCM.
// Fragile if the carrier ever sends PCM starting with those bytes; a proper
// sub-protocol negotiation is tracked with the carrier.
func looksLikeJSON(wire []byte) bool {
	return len(wire) > 0 && (wire[0] == 0x7B || wire[0] == 0x5B)
}

// ── Adapter methods ───────────────────────────────────────────────────────────

// Parse implements carrier.Adapter. Frames that are not JSON envelopes are
// treated as raw PCM16 at the carrier rate.
func (a *Adapter) Parse(wire []byte) (carrier.Event, error) {
	if !looksLikeJSON(wire) {
		return a.mediaEvent(wire)
	}

	var f inboundFrame
	if err := json.Unmarshal(wire, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", carrier.ErrMalformed, err)
	}

	switch f.Type {
	case "answer":
		a.streamID = f.StreamID
		a.channelID = f.ChannelID
		a.callID = f.CallID
		return carrier.Answered{
			StreamID:  a.streamID,
			ChannelID: a.channelID,
			CallID:    a.callID,
		}, nil

	case "start":
		return carrier.Started{StreamID: a.streamID, CallID: a.callID}, nil

	case "media":
		raw, err := base64.StdEncoding.DecodeString(f.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: media payload: %v", carrier.ErrMalformed, err)
		}
		return a.mediaEvent(raw)

	case "dtmf":
		return carrier.DTMF{Digit: f.Digit, DurationMs: f.DurationMs}, nil

	case "stop":
		return carrier.Stopped{CallID: f.CallID, DisconnectedBy: f.DisconnectedBy}, nil

	default:
		return nil, fmt.Errorf("%w: %q", carrier.ErrUnknownEvent, f.Type)
	}
}

// mediaEvent normalises raw 44.1 kHz PCM16 to a 16 kHz ingress frame.
func (a *Adapter) mediaEvent(pcm441 []byte) (carrier.Event, error) {
	if len(pcm441)%2 != 0 {
		// The carrier occasionally truncates a frame mid-sample; drop the
		// trailing byte rather than the whole frame.
		pcm441 = pcm441[:len(pcm441)-1]
	}
	pcm16k, err := audio.Resample(pcm441, carrierRate, carrier.IngressRate)
	if err != nil {
		return nil, fmt.Errorf("exotel: resample ingress: %w", err)
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

// Send implements carrier.Adapter. Audio is upsampled from the 24 kHz egress
// rate to 44.1 kHz and wrapped in a JSON media frame.
func (a *Adapter) Send(out carrier.Outbound) ([][]byte, error) {
	var frames [][]byte

	if len(out.PCM) > 0 {
		pcm441, err := audio.Resample(out.PCM, carrier.EgressRate, carrierRate)
		if err != nil {
			return nil, fmt.Errorf("exotel: resample egress: %w", err)
		}
		a.chunk++
		wire, err := json.Marshal(outboundMedia{
			Type:    "media",
			Chunk:   a.chunk,
			Payload: base64.StdEncoding.EncodeToString(pcm441),
		})
		if err != nil {
			return nil, fmt.Errorf("exotel: marshal media: %w", err)
		}
		frames = append(frames, wire)
	}

	switch out.Control {
	case carrier.ControlNone:
	case carrier.ControlAnswerAck:
		wire, err := json.Marshal(answerAck{Type: "answer_ack"})
		if err != nil {
			return nil, fmt.Errorf("exotel: marshal answer_ack: %w", err)
		}
		frames = append(frames, wire)
	case carrier.ControlClear:
		// Exotel has no buffer-flush message; barge-in relies on the session
		// simply not sending further audio.
	default:
		return nil, fmt.Errorf("exotel: control %d not supported", out.Control)
	}

	return frames, nil
}
