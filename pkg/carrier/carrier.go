// Package carrier defines the adapter contract shared by all telephony
// carriers. An adapter translates a carrier's WebSocket wire framing into the
// internal audio contract and back:
//
//   - Ingress: every adapter normalises inbound audio to PCM16 mono at
//     16 kHz before it reaches the call session.
//   - Egress: every adapter accepts PCM16 mono at 24 kHz and converts to the
//     carrier-native encoding and rate.
//
// Wire events are modelled as a closed set of tagged variants so that untyped
// JSON never propagates past the adapter boundary. Unknown or malformed
// frames surface as typed errors for the session loop to count and discard.
package carrier

import (
	"errors"

	"github.com/voxline/voxline/pkg/audio"
)

// IngressRate and EgressRate are the fixed internal sample rates on either
// side of the adapter boundary.
const (
	IngressRate = 16000
	EgressRate  = 24000
)

// Errors returned by Adapter.Parse. Both are non-fatal: the caller logs,
// increments the protocol-error counter, and drops the frame.
var (
	// ErrUnknownEvent marks a structurally valid frame whose event type is
	// not part of the carrier's protocol.
	ErrUnknownEvent = errors.New("carrier: unknown event")

	// ErrMalformed marks a frame that could not be decoded at all.
	ErrMalformed = errors.New("carrier: malformed frame")
)

// Event is a normalised inbound carrier event. Exactly one concrete type
// below is returned per parsed wire frame.
type Event interface {
	isEvent()
}

// Connected is the carrier's initial protocol handshake (carrier A only).
type Connected struct{}

// Answered carries the stream identifiers from a carrier that announces the
// call before media starts (carrier B). The adapter contract requires an
// answer acknowledgement to be sent within one second of receiving it.
type Answered struct {
	StreamID  string
	ChannelID string
	CallID    string
}

// Started signals the beginning of the media stream.
type Started struct {
	StreamID string
	CallID   string
}

// Media carries one inbound audio frame, already normalised to PCM16 mono at
// IngressRate with RMS computed.
type Media struct {
	Frame audio.Frame
}

// Mark is the carrier's playback-position acknowledgement (carrier A only).
type Mark struct {
	Name string
}

// DTMF is a keypad digit press (carrier B only).
type DTMF struct {
	Digit      string
	DurationMs int
}

// Stopped signals the end of the media stream.
type Stopped struct {
	CallID         string
	DisconnectedBy string
}

func (Connected) isEvent() {}
func (Answered) isEvent()  {}
func (Started) isEvent()   {}
func (Media) isEvent()     {}
func (Mark) isEvent()      {}
func (DTMF) isEvent()      {}
func (Stopped) isEvent()   {}

// Control selects a non-audio outbound message.
type Control int

const (
	// ControlNone sends no control message (audio-only Outbound).
	ControlNone Control = iota

	// ControlAnswerAck acknowledges an Answered event (carrier B).
	ControlAnswerAck

	// ControlMark requests a playback-position callback (carrier A).
	ControlMark

	// ControlClear flushes the carrier's outbound audio buffer, used on
	// barge-in so stale agent audio stops playing immediately.
	ControlClear
)

// Outbound is a message from the session to the carrier: an audio chunk at
// EgressRate, a control message, or both (audio followed by control).
type Outbound struct {
	// PCM is PCM16 mono at EgressRate. Nil for control-only messages.
	PCM []byte

	Control Control

	// MarkName names the mark for ControlMark.
	MarkName string
}

// Adapter translates between a single carrier WebSocket connection and the
// internal contract. Adapters are stateful (stream identifiers, sequence
// counters) and owned by one connection handler; they are not safe for
// concurrent use.
type Adapter interface {
	// Name identifies the carrier ("twilio", "exotel") for logs and metrics.
	Name() string

	// Parse decodes one wire frame into an Event. Returns ErrUnknownEvent or
	// ErrMalformed for frames to be counted and dropped.
	Parse(wire []byte) (Event, error)

	// Send encodes an Outbound into zero or more wire frames in send order.
	Send(out Outbound) ([][]byte, error)

	// StreamID returns the carrier stream identifier once known, else "".
	StreamID() string

	// CallID returns the carrier call identifier once known, else "".
	CallID() string
}
