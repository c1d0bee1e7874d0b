// Package callfsm implements the call lifecycle state machine.
//
// The machine is pure and single-owner: the session loop feeds it one typed
// event at a time and executes the returned actions. Guards are functions of
// (current state, event, accumulated audio context) only. The machine never
// performs I/O.
package callfsm

import (
	"fmt"
	"sort"

	"github.com/voxline/voxline/pkg/audio"
)

// State is one node of the call lifecycle.
type State int

const (
	StateInit State = iota
	StateWelcome
	StateListening
	StateHumanSpeaking
	StateProcessing
	StateResponding
	StateResponseComplete
	StateCallEnding
	StateEnded
)

var stateNames = map[State]string{
	StateInit:             "INIT",
	StateWelcome:          "WELCOME",
	StateListening:        "LISTENING",
	StateHumanSpeaking:    "HUMAN_SPEAKING",
	StateProcessing:       "PROCESSING_REQUEST",
	StateResponding:       "RESPONDING",
	StateResponseComplete: "RESPONSE_COMPLETE",
	StateCallEnding:       "CALL_ENDING",
	StateEnded:            "ENDED",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further events are processed in s.
func (s State) Terminal() bool { return s == StateEnded }

// End reasons recorded on the session when the machine reaches CALL_ENDING.
const (
	ReasonDurationExceeded = "duration-exceeded"
	ReasonSilence          = "silence"
	ReasonResponseTimeout  = "response-timeout"
	ReasonVoicemail        = "voicemail"
	ReasonCarrier          = "carrier-disconnect"
	ReasonModelError       = "model-error"
	ReasonProtocol         = "protocol"
	ReasonStopped          = "stopped"
	ReasonCompleted        = "completed"
)

// ── Events ───────────────────────────────────────────────────────────────────

// Event is one typed occurrence fed to the machine by the session loop.
type Event interface {
	isEvent()
	// priority orders events applied in the same scheduling cycle. Lower
	// runs first; the duration cap beats everything else.
	priority() int
}

// ModelReady fires when the model session confirms setup.
type ModelReady struct{}

// WelcomePlayed fires when the welcome audio has fully drained to the carrier.
type WelcomePlayed struct{}

// AudioIn carries the RMS of one inbound caller frame.
type AudioIn struct {
	RMS float64
}

// SilenceObserved reports a continuous quiet span on the caller leg, in
// milliseconds.
type SilenceObserved struct {
	DurMs int64
}

// ModelAudio fires on each synthesized audio chunk from the model.
type ModelAudio struct{}

// ModelTurnComplete marks the model's turn boundary.
type ModelTurnComplete struct{}

// ModelInterruptedAck is the model's acknowledgement of a barge-in.
type ModelInterruptedAck struct{}

// DurationExceeded fires once when the call hits its wall-clock cap.
type DurationExceeded struct{}

// SilenceExceeded fires once when total caller silence passes the hangup
// threshold.
type SilenceExceeded struct{}

// ResponseTimeout fires when the model produces no audio for too long.
type ResponseTimeout struct{}

// VoicemailDetected fires when the answering-machine scorer crosses its
// threshold. Action is the configured agent.VoicemailAction.
type VoicemailDetected struct {
	Confidence float64
	Action     string
}

// FatalError reports an unrecoverable model-leg failure.
type FatalError struct {
	Err error
}

// CarrierStopped reports that the carrier ended the stream.
type CarrierStopped struct {
	DisconnectedBy string
}

// ProtocolFault fires when malformed-frame tolerance is exhausted.
type ProtocolFault struct{}

// StopRequested is an external stop (operator or dispatcher).
type StopRequested struct{}

// ShutdownComplete is fed by the session loop once teardown I/O finished.
type ShutdownComplete struct{}

func (ModelReady) isEvent()          {}
func (WelcomePlayed) isEvent()       {}
func (AudioIn) isEvent()             {}
func (SilenceObserved) isEvent()     {}
func (ModelAudio) isEvent()          {}
func (ModelTurnComplete) isEvent()   {}
func (ModelInterruptedAck) isEvent() {}
func (DurationExceeded) isEvent()    {}
func (SilenceExceeded) isEvent()     {}
func (ResponseTimeout) isEvent()     {}
func (VoicemailDetected) isEvent()   {}
func (FatalError) isEvent()          {}
func (CarrierStopped) isEvent()      {}
func (ProtocolFault) isEvent()       {}
func (StopRequested) isEvent()       {}
func (ShutdownComplete) isEvent()    {}

func (DurationExceeded) priority() int    { return 0 }
func (SilenceExceeded) priority() int     { return 1 }
func (ResponseTimeout) priority() int     { return 1 }
func (FatalError) priority() int          { return 1 }
func (CarrierStopped) priority() int      { return 1 }
func (ProtocolFault) priority() int       { return 1 }
func (StopRequested) priority() int       { return 1 }
func (VoicemailDetected) priority() int   { return 2 }
func (ModelReady) priority() int          { return 3 }
func (WelcomePlayed) priority() int       { return 3 }
func (AudioIn) priority() int             { return 3 }
func (SilenceObserved) priority() int     { return 3 }
func (ModelAudio) priority() int          { return 3 }
func (ModelTurnComplete) priority() int   { return 3 }
func (ModelInterruptedAck) priority() int { return 3 }
func (ShutdownComplete) priority() int    { return 4 }

// ── Actions ──────────────────────────────────────────────────────────────────

// Action is a side-effect the session loop must execute after a transition.
type Action int

const (
	// ActionSendWelcome injects the welcome message and starts the duration
	// timer.
	ActionSendWelcome Action = iota

	// ActionResetSilenceTimer restarts the caller-silence hangup clock.
	ActionResetSilenceTimer

	// ActionSignalSpeechEnded arms the hedge engine and marks t0 for the
	// response latency measurement.
	ActionSignalSpeechEnded

	// ActionStopFiller crossfades out any playing filler.
	ActionStopFiller

	// ActionInterruptModel tells the model to abandon its turn and truncates
	// the pending agent turn.
	ActionInterruptModel

	// ActionClearEgress flushes buffered outbound audio at the carrier.
	ActionClearEgress

	// ActionFinalizeAgentTurn closes the pending agent turn.
	ActionFinalizeAgentTurn

	// ActionQueueVoicemailMessage plays the pre-recorded leave-a-message
	// audio before hangup.
	ActionQueueVoicemailMessage

	// ActionShutdown closes the model session intentionally and tears the
	// call down.
	ActionShutdown

	// ActionPersist writes the finished session to the store.
	ActionPersist
)

var actionNames = map[Action]string{
	ActionSendWelcome:           "sendWelcome",
	ActionResetSilenceTimer:     "resetSilenceTimer",
	ActionSignalSpeechEnded:     "signalSpeechEnded",
	ActionStopFiller:            "stopFiller",
	ActionInterruptModel:        "interruptModel",
	ActionClearEgress:           "clearEgress",
	ActionFinalizeAgentTurn:     "finalizeAgentTurn",
	ActionQueueVoicemailMessage: "queueVoicemailMessage",
	ActionShutdown:              "shutdown",
	ActionPersist:               "persist",
}

func (a Action) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Result describes one applied transition.
type Result struct {
	From    State
	To      State
	Actions []Action

	// Reason is set when To is CALL_ENDING or later.
	Reason string
}

// Changed reports whether the event moved the machine.
func (r Result) Changed() bool { return r.From != r.To }

// ── Machine ──────────────────────────────────────────────────────────────────

// consecutiveVoiceRequired is how many back-to-back voice-active frames the
// medium and low sensitivity bands demand before a barge-in.
const consecutiveVoiceRequired = 3

// Machine is the per-call state machine. Not safe for concurrent use; it is
// owned by one session loop.
type Machine struct {
	state  State
	reason string

	sensitivity     float64
	silenceBoundary int64 // ms of quiet that ends a user utterance

	maxObservedRMS   float64
	consecutiveVoice int
}

// New creates a machine in INIT.
func New(interruptionSensitivity float64, silenceBoundaryMs int64) *Machine {
	if silenceBoundaryMs <= 0 {
		silenceBoundaryMs = 800
	}
	return &Machine{
		state:           StateInit,
		sensitivity:     interruptionSensitivity,
		silenceBoundary: silenceBoundaryMs,
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Reason returns the end reason, empty before CALL_ENDING.
func (m *Machine) Reason() string { return m.reason }

// StepAll applies a batch of events that arrived in one scheduling cycle,
// ordering them so that the duration cap wins ties against turn completion.
func (m *Machine) StepAll(events []Event) []Result {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].priority() < events[j].priority()
	})
	results := make([]Result, 0, len(events))
	for _, ev := range events {
		results = append(results, m.Step(ev))
	}
	return results
}

// Step applies one event and returns the transition taken. Events that do not
// match the current state are ignored (From == To, no actions).
func (m *Machine) Step(ev Event) Result {
	from := m.state

	if m.state == StateEnded {
		return Result{From: from, To: from, Reason: m.reason}
	}

	m.observeAudio(ev)

	// Terminal-bound events apply in any non-terminal state.
	if res, ok := m.stepEnding(ev, from); ok {
		return res
	}

	switch m.state {
	case StateInit:
		if _, ok := ev.(ModelReady); ok {
			return m.to(StateWelcome, ActionSendWelcome)
		}

	case StateWelcome:
		if _, ok := ev.(WelcomePlayed); ok {
			return m.to(StateListening)
		}

	case StateListening:
		if in, ok := ev.(AudioIn); ok && in.RMS > audio.DefaultVoiceThreshold {
			return m.to(StateHumanSpeaking, ActionResetSilenceTimer)
		}

	case StateHumanSpeaking:
		if sil, ok := ev.(SilenceObserved); ok && sil.DurMs >= m.silenceBoundary {
			return m.to(StateProcessing, ActionSignalSpeechEnded)
		}

	case StateProcessing:
		if _, ok := ev.(ModelAudio); ok {
			// Consecutive-voice counting restarts with the response so the
			// caller's own utterance does not pre-arm the barge-in guard.
			m.consecutiveVoice = 0
			return m.to(StateResponding, ActionStopFiller)
		}

	case StateResponding:
		switch e := ev.(type) {
		case AudioIn:
			if m.bargeInPermitted(e.RMS) {
				return m.to(StateListening, ActionInterruptModel, ActionClearEgress)
			}
		case ModelInterruptedAck:
			// Model noticed the barge-in on its own; treat like a local one.
			return m.to(StateListening, ActionInterruptModel, ActionClearEgress)
		case ModelTurnComplete:
			// RESPONSE_COMPLETE is transient: the duration cap is checked
			// first in the same cycle (StepAll ordering), so reaching this
			// point means the call continues and the machine settles in
			// LISTENING.
			res := m.to(StateResponseComplete, ActionFinalizeAgentTurn)
			m.state = StateListening
			res.To = StateListening
			return res
		}

	case StateCallEnding:
		if _, ok := ev.(ShutdownComplete); ok {
			m.state = StateEnded
			return Result{From: from, To: StateEnded, Reason: m.reason,
				Actions: []Action{ActionPersist}}
		}
	}

	return Result{From: from, To: from, Reason: m.reason}
}

// stepEnding handles events that force CALL_ENDING from any non-terminal
// state.
func (m *Machine) stepEnding(ev Event, from State) (Result, bool) {
	if m.state == StateCallEnding {
		// Already ending: absorb everything but ShutdownComplete.
		if _, ok := ev.(ShutdownComplete); !ok {
			return Result{From: from, To: from, Reason: m.reason}, true
		}
		return Result{}, false
	}

	switch e := ev.(type) {
	case DurationExceeded:
		return m.ending(ReasonDurationExceeded), true
	case SilenceExceeded:
		return m.ending(ReasonSilence), true
	case ResponseTimeout:
		return m.ending(ReasonResponseTimeout), true
	case FatalError:
		return m.ending(ReasonModelError), true
	case ProtocolFault:
		return m.ending(ReasonProtocol), true
	case StopRequested:
		return m.ending(ReasonStopped), true
	case CarrierStopped:
		return m.ending(ReasonCarrier), true
	case VoicemailDetected:
		res := m.ending(ReasonVoicemail)
		if e.Action == "leaveMessage" {
			res.Actions = append([]Action{ActionQueueVoicemailMessage}, res.Actions...)
		}
		return res, true
	}
	return Result{}, false
}

// to moves the machine and returns the transition.
func (m *Machine) to(next State, actions ...Action) Result {
	from := m.state
	m.state = next
	return Result{From: from, To: next, Actions: actions, Reason: m.reason}
}

// ending moves to CALL_ENDING with the given reason.
func (m *Machine) ending(reason string) Result {
	from := m.state
	m.state = StateCallEnding
	m.reason = reason
	return Result{From: from, To: StateCallEnding, Reason: reason,
		Actions: []Action{ActionShutdown}}
}

// ── Interruption policy ──────────────────────────────────────────────────────

// observeAudio maintains the running audio context every guard depends on.
func (m *Machine) observeAudio(ev Event) {
	in, ok := ev.(AudioIn)
	if !ok {
		return
	}
	if in.RMS > m.maxObservedRMS {
		m.maxObservedRMS = in.RMS
	}
	if in.RMS > audio.DefaultVoiceThreshold {
		m.consecutiveVoice++
	} else {
		m.consecutiveVoice = 0
	}
}

// bargeInPermitted applies the sensitivity bands to one inbound frame while
// the agent is speaking.
func (m *Machine) bargeInPermitted(rms float64) bool {
	switch s := m.sensitivity; {
	case s >= 0.8:
		return rms > audio.DefaultVoiceThreshold
	case s >= 0.4:
		return rms > 0.7*m.maxObservedRMS && m.consecutiveVoice >= consecutiveVoiceRequired
	default:
		return rms > 0.05 && m.consecutiveVoice >= consecutiveVoiceRequired
	}
}
