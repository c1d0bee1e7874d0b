// Package session hosts one live call: the loop that owns the state machine,
// shuttles audio between carrier and model, applies the hedge engine, runs
// the policy timers, and persists the transcript when the call ends.
//
// Everything a session owns is mutated from a single goroutine (Run). The
// carrier WebSocket reader and external controllers push typed events into a
// bounded inbox; the model gateway delivers its own typed stream. The loop is
// the only consumer of both and therefore the single ordering point.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxline/voxline/internal/agent"
	"github.com/voxline/voxline/internal/callfsm"
	"github.com/voxline/voxline/internal/hedge"
	"github.com/voxline/voxline/internal/router"
	"github.com/voxline/voxline/internal/store"
	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/carrier"
	"github.com/voxline/voxline/pkg/model"
)

// inboxSize bounds the session inbox. Media events are dropped rather than
// block the carrier reader when the loop falls behind.
const inboxSize = 256

// protocolFaultLimit ends the call when this many malformed frames arrive
// within protocolFaultWindow.
const (
	protocolFaultLimit  = 10
	protocolFaultWindow = 5 * time.Second
)

// egressFrameBytes is one 20 ms frame at the 24 kHz egress rate.
const egressFrameBytes = carrier.EgressRate / 50 * 2

// Config wires one session's collaborators.
type Config struct {
	CallID     string
	Direction  string
	CampaignID string
	LeadID     string
	UserID     string

	Agent   agent.Config
	Adapter carrier.Adapter

	// CarrierWrite delivers framed wire messages to the carrier socket.
	CarrierWrite router.WriteFunc

	Gateway model.Gateway
	Store   store.Store
	Fillers *hedge.Library

	// Knowledge is folded into the system instruction when no cache handle
	// is set.
	Knowledge []model.KnowledgeDoc

	// VoicemailClip, when set, is played before hangup under the
	// leaveMessage action. PCM16 at the egress rate.
	VoicemailClip []byte
}

// Stats is the session counter snapshot, merged into the persisted metrics.
type Stats struct {
	MediaDropped   uint64
	ProtocolFaults uint64
}

// loop-internal event variants pushed by the carrier reader and controllers.
type inboxEvent interface{ isInbox() }

type carrierEvent struct{ ev carrier.Event }
type malformedFrame struct{ err error }
type stopRequest struct{}

func (carrierEvent) isInbox()   {}
func (malformedFrame) isInbox() {}
func (stopRequest) isInbox()    {}

// Session is one live call.
type Session struct {
	cfg     Config
	machine *callfsm.Machine
	vad     *audio.VoiceDetector
	hedger  *hedge.Engine
	rtr     *router.Router

	inbox chan inboxEvent

	// Counters shared between the loop and producer goroutines.
	mediaDropped   atomic.Uint64
	protocolFaults atomic.Uint64

	handle model.SessionHandle
	timers policyTimers

	// Loop-owned call record under construction.
	turns      []store.Turn
	agentBuf   string
	agentStart time.Time
	userStart  time.Time
	userOpen   bool

	speechEndedAt  time.Time // t0 for the response latency measurement
	latencyPending bool
	latencyMs      int64

	durationHits int
	silenceHits  int

	faultTimes []time.Time

	voicemail callfsm.VoicemailObserver

	// Pending filler for the one-frame crossfade under the model's first
	// chunk. Written by the hedge timer goroutine, consumed by the loop.
	fillerMu   sync.Mutex
	fillerTail []byte

	startedAt time.Time
}

// New builds a session. The agent config is defaulted and validated here so a
// bad snapshot never reaches an established call.
func New(cfg Config) (*Session, error) {
	cfg.Agent = cfg.Agent.WithDefaults()
	if err := cfg.Agent.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if cfg.Adapter == nil || cfg.CarrierWrite == nil || cfg.Gateway == nil || cfg.Store == nil {
		return nil, fmt.Errorf("session: missing collaborator")
	}

	s := &Session{
		cfg: cfg,
		machine: callfsm.New(
			cfg.Agent.Speech.InterruptionSensitivity,
			cfg.Agent.Call.SilenceDetection.Milliseconds(),
		),
		vad:   &audio.VoiceDetector{Threshold: audio.DefaultVoiceThreshold},
		inbox: make(chan inboxEvent, inboxSize),
	}
	s.rtr = router.New(cfg.Adapter, cfg.CarrierWrite)
	if cfg.Fillers != nil {
		s.hedger = hedge.NewEngine(cfg.Fillers, cfg.Agent.Language, s.playFiller)
	}
	return s, nil
}

// ── Producer-side API (other goroutines) ─────────────────────────────────────

// HandleWire parses one carrier wire frame and feeds the session. Called from
// the carrier WebSocket reader goroutine; frame order is preserved.
func (s *Session) HandleWire(data []byte) {
	ev, err := s.cfg.Adapter.Parse(data)
	if err != nil {
		s.push(malformedFrame{err: err}, false)
		return
	}
	_, droppable := ev.(carrier.Media)
	s.push(carrierEvent{ev: ev}, droppable)
}

// Stop requests an orderly teardown from outside the loop.
func (s *Session) Stop() {
	s.push(stopRequest{}, false)
}

// push delivers an inbox event; droppable events are discarded when the
// inbox is full.
func (s *Session) push(ev inboxEvent, droppable bool) {
	if droppable {
		select {
		case s.inbox <- ev:
		default:
			s.mediaDropped.Add(1)
		}
		return
	}
	s.inbox <- ev
}

// ── The session loop ─────────────────────────────────────────────────────────

// Run drives the call to completion and persists it. Returns nil on a normal
// call end (whatever the reason); an error only when the model session could
// not be established at all.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.startedAt = time.Now()

	handle, err := s.cfg.Gateway.Connect(ctx, model.SessionConfig{
		Voice:       s.cfg.Agent.Speech.Voice,
		VoiceSpeed:  s.cfg.Agent.Speech.VoiceSpeed,
		Prompt:      s.cfg.Agent.Prompt,
		Knowledge:   s.cfg.Knowledge,
		CacheHandle: s.cfg.Agent.CacheHandle,
	})
	if err != nil {
		return fmt.Errorf("session: model connect: %w", err)
	}
	s.handle = handle
	defer handle.Close()

	go s.rtr.Run(ctx)

	// Policy timers. The duration timer starts with the welcome; silence and
	// response timers are armed on demand.
	durationTimer := newStoppedTimer()
	silenceTimer := newStoppedTimer()
	responseTimer := newStoppedTimer()
	defer durationTimer.Stop()
	defer silenceTimer.Stop()
	defer responseTimer.Stop()
	s.timers = policyTimers{durationTimer, silenceTimer, responseTimer}

	slog.Info("call session started",
		"call_id", s.cfg.CallID,
		"carrier", s.cfg.Adapter.Name(),
		"direction", s.cfg.Direction,
		"agent", s.cfg.Agent.ID,
	)

	for !s.machine.State().Terminal() {
		// The duration cap wins any tie against events already queued.
		select {
		case <-durationTimer.C:
			s.step(ctx, callfsm.DurationExceeded{})
			continue
		default:
		}

		select {
		case <-ctx.Done():
			s.step(ctx, callfsm.StopRequested{})
		case <-durationTimer.C:
			s.step(ctx, callfsm.DurationExceeded{})
		case <-silenceTimer.C:
			s.step(ctx, callfsm.SilenceExceeded{})
		case <-responseTimer.C:
			s.step(ctx, callfsm.ResponseTimeout{})
		case ev := <-s.inbox:
			s.handleInbox(ctx, ev)
		case mev, ok := <-handle.Events():
			if !ok {
				// The gateway closed the stream without a fatal event only
				// when we closed it ourselves.
				if s.machine.State() != callfsm.StateCallEnding {
					s.step(ctx, callfsm.FatalError{Err: model.ErrSessionClosed})
				}
				continue
			}
			s.handleModel(ctx, mev)
		}
	}
	return nil
}

// policyTimers groups the three one-shot policy timers for action handling.
// Set once at the top of Run before any event is processed.
type policyTimers struct {
	duration *time.Timer
	silence  *time.Timer
	response *time.Timer
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

// ── Inbox handling ───────────────────────────────────────────────────────────

func (s *Session) handleInbox(ctx context.Context, ev inboxEvent) {
	switch e := ev.(type) {
	case stopRequest:
		s.step(ctx, callfsm.StopRequested{})

	case malformedFrame:
		s.protocolFault(ctx, e.err)

	case carrierEvent:
		switch ce := e.ev.(type) {
		case carrier.Connected, carrier.Started:
			// Identifiers are captured by the adapter.

		case carrier.Answered:
			// The carrier expects the acknowledgement within one second;
			// enqueue it ahead of any audio.
			s.rtr.Enqueue(carrier.Outbound{Control: carrier.ControlAnswerAck})

		case carrier.Media:
			s.handleMedia(ctx, ce.Frame)

		case carrier.Mark:
			if s.machine.State() == callfsm.StateWelcome {
				s.finishWelcome(ctx)
			}

		case carrier.DTMF:
			slog.Debug("dtmf received", "call_id", s.cfg.CallID, "digit", ce.Digit)

		case carrier.Stopped:
			s.step(ctx, callfsm.CarrierStopped{DisconnectedBy: ce.DisconnectedBy})
		}
	}
}

// handleMedia is the per-frame ingress path: VAD, policy timers, machine
// guards, model forwarding.
func (s *Session) handleMedia(ctx context.Context, f audio.Frame) {
	now := time.Now()
	voice := s.vad.IsVoiceActive(f.RMS)
	silenceRun := s.vad.Observe(f.RMS, now)

	if voice {
		s.timers.silence.Stop()
		drain(s.timers.silence)
		s.timers.silence.Reset(s.cfg.Agent.Call.SilenceHangup)
		if !s.userOpen {
			s.userOpen = true
			s.userStart = now
		}
	}

	if s.cfg.Agent.Call.VoicemailDetection {
		s.observeVoicemail(ctx, f.RMS)
	}

	s.step(ctx, callfsm.AudioIn{RMS: f.RMS})
	if silenceRun > 0 {
		s.step(ctx, callfsm.SilenceObserved{DurMs: silenceRun.Milliseconds()})
	}

	// The model hears everything once the session is up; it runs its own
	// turn detection server-side.
	if err := s.handle.SendAudio(f.PCM); err != nil &&
		err != model.ErrNotReady && err != model.ErrSessionClosed {
		slog.Debug("model audio send failed", "call_id", s.cfg.CallID, "err", err)
	}
}

func (s *Session) observeVoicemail(ctx context.Context, rms float64) {
	state := s.machine.State()
	if state != callfsm.StateHumanSpeaking && state != callfsm.StateProcessing {
		return
	}
	s.voicemail.ObserveFrame(rms)
	signals := callfsm.VoicemailSignals{
		RoboticSignature: s.voicemail.RoboticSignature(),
		NoHumanSpectrum:  s.voicemail.NoHumanSpectrum(),
	}
	if signals.Detected() {
		action := s.cfg.Agent.Call.VoicemailAction
		if action == agent.VoicemailTransfer {
			slog.Warn("voicemail transfer not implemented, hanging up",
				"call_id", s.cfg.CallID)
			action = agent.VoicemailHangup
		}
		s.step(ctx, callfsm.VoicemailDetected{
			Confidence: signals.Score(),
			Action:     action,
		})
	}
}

func (s *Session) protocolFault(ctx context.Context, err error) {
	s.protocolFaults.Add(1)
	now := time.Now()
	s.faultTimes = append(s.faultTimes, now)
	cutoff := now.Add(-protocolFaultWindow)
	i := 0
	for i < len(s.faultTimes) && s.faultTimes[i].Before(cutoff) {
		i++
	}
	s.faultTimes = s.faultTimes[i:]

	slog.Debug("malformed carrier frame",
		"call_id", s.cfg.CallID, "err", err, "recent", len(s.faultTimes))
	if len(s.faultTimes) >= protocolFaultLimit {
		s.step(ctx, callfsm.ProtocolFault{})
	}
}

// ── Model event handling ─────────────────────────────────────────────────────

func (s *Session) handleModel(ctx context.Context, ev model.Event) {
	switch e := ev.(type) {
	case model.Ready:
		s.step(ctx, callfsm.ModelReady{})

	case model.Audio:
		s.handleModelAudio(ctx, e)

	case model.Text:
		s.agentBuf += e.Content
		if s.agentStart.IsZero() {
			s.agentStart = time.Now()
		}

	case model.TurnComplete:
		if s.machine.State() == callfsm.StateWelcome {
			s.finishWelcome(ctx)
			return
		}
		s.step(ctx, callfsm.ModelTurnComplete{})

	case model.Interrupted:
		s.step(ctx, callfsm.ModelInterruptedAck{})

	case model.ToolCall:
		// Knowledge-retrieval hook; outside the call path, forwarded to logs
		// so operators can see it.
		slog.Info("model tool call",
			"call_id", s.cfg.CallID, "tool", e.Name, "id", e.ID)

	case model.Reconnecting:
		slog.Warn("model reconnecting", "call_id", s.cfg.CallID, "attempt", e.Attempt)

	case model.Reconnected:
		// A turn interrupted by the drop is closed with the marker; the
		// session resumes listening.
		if s.agentBuf != "" {
			s.appendAgentTurn(s.agentBuf+" [interrupted]", true)
		}

	case model.FatalError:
		s.step(ctx, callfsm.FatalError{Err: e.Err})
	}
}

// finishWelcome closes the welcome turn and moves the machine to LISTENING.
// Reached from a carrier playback mark or the model's first turn boundary,
// whichever the carrier supports.
func (s *Session) finishWelcome(ctx context.Context) {
	s.appendAgentTurn(s.agentBuf, false)
	s.step(ctx, callfsm.WelcomePlayed{})
}

func (s *Session) handleModelAudio(ctx context.Context, e model.Audio) {
	// Response latency: first chunk after the user finished speaking.
	if s.latencyPending {
		s.latencyPending = false
		s.latencyMs = time.Since(s.speechEndedAt).Milliseconds()
	}

	// Fresh model audio resets the response timer.
	s.timers.response.Stop()
	drain(s.timers.response)
	s.timers.response.Reset(s.cfg.Agent.Call.ResponseTimeout)

	if s.hedger != nil {
		if fading := s.hedger.ModelFirstAudio(); fading {
			s.fadeOutFiller()
		}
	}
	if s.agentStart.IsZero() {
		s.agentStart = time.Now()
	}

	s.step(ctx, callfsm.ModelAudio{})

	// Audio goes out in every speaking state, including the welcome.
	switch s.machine.State() {
	case callfsm.StateWelcome, callfsm.StateResponding:
		s.rtr.Enqueue(carrier.Outbound{PCM: e.PCM})
	}
}

// ── Filler path ──────────────────────────────────────────────────────────────

// playFiller is invoked by the hedge engine's timer goroutine. It only
// enqueues on the router, which is safe from any goroutine.
func (s *Session) playFiller(clip hedge.Clip) {
	pcm := clip.PCM
	for len(pcm) > 0 {
		n := egressFrameBytes
		if n > len(pcm) {
			n = len(pcm)
		}
		s.rtr.Enqueue(carrier.Outbound{PCM: pcm[:n]})
		pcm = pcm[n:]
	}
	// Remember the clip tail for the crossfade if the model lands mid-play.
	tail := clip.PCM
	if len(tail) > egressFrameBytes {
		tail = tail[len(tail)-egressFrameBytes:]
	}
	s.fillerMu.Lock()
	s.fillerTail = append([]byte(nil), tail...)
	s.fillerMu.Unlock()
}

// fadeOutFiller flushes buffered filler at the carrier and replaces the hard
// cut with one faded frame.
func (s *Session) fadeOutFiller() {
	s.rtr.Enqueue(carrier.Outbound{Control: carrier.ControlClear})
	s.fillerMu.Lock()
	tail := s.fillerTail
	s.fillerTail = nil
	s.fillerMu.Unlock()
	if len(tail) > 0 {
		faded := append([]byte(nil), tail...)
		hedge.CrossfadeOut(faded)
		s.rtr.Enqueue(carrier.Outbound{PCM: faded})
	}
}

// ── Stepping and actions ─────────────────────────────────────────────────────

func (s *Session) step(ctx context.Context, ev callfsm.Event) {
	res := s.machine.Step(ev)
	if !res.Changed() && len(res.Actions) == 0 {
		return
	}
	if res.Changed() {
		slog.Debug("call state transition",
			"call_id", s.cfg.CallID,
			"from", res.From.String(),
			"to", res.To.String(),
			"reason", res.Reason,
		)
		if err := s.cfg.Store.AppendCallEvent(ctx, store.CallEvent{
			CallID: s.cfg.CallID, State: res.To.String(), At: time.Now(),
		}); err != nil {
			slog.Debug("call event log failed", "call_id", s.cfg.CallID, "err", err)
		}
	}
	for _, action := range res.Actions {
		s.apply(ctx, action, res)
	}
}

func (s *Session) apply(ctx context.Context, action callfsm.Action, res callfsm.Result) {
	switch action {
	case callfsm.ActionSendWelcome:
		s.timers.duration.Reset(s.cfg.Agent.Call.MaxCallDuration)
		s.timers.silence.Reset(s.cfg.Agent.Call.SilenceHangup)
		welcome := s.cfg.Agent.WelcomeMessage
		if welcome == "" {
			welcome = "Hello!"
		}
		if err := s.handle.SendText("user",
			fmt.Sprintf("Greet the caller by saying exactly: %q", welcome)); err != nil {
			slog.Warn("welcome send failed", "call_id", s.cfg.CallID, "err", err)
		}
		s.agentBuf = welcome
		s.agentStart = time.Now()

	case callfsm.ActionResetSilenceTimer:
		s.timers.silence.Stop()
		drain(s.timers.silence)
		s.timers.silence.Reset(s.cfg.Agent.Call.SilenceHangup)

	case callfsm.ActionSignalSpeechEnded:
		now := time.Now()
		s.speechEndedAt = now
		s.latencyPending = true
		s.appendUserTurn(now)
		if s.hedger != nil {
			s.hedger.UserSpeechEnded()
		}
		s.timers.response.Stop()
		drain(s.timers.response)
		s.timers.response.Reset(s.cfg.Agent.Call.ResponseTimeout)

	case callfsm.ActionStopFiller:
		// Handled inline on the model audio path, where the crossfade frame
		// is built.

	case callfsm.ActionInterruptModel:
		if err := s.handle.Interrupt(); err != nil {
			slog.Debug("model interrupt failed", "call_id", s.cfg.CallID, "err", err)
		}
		s.appendAgentTurn(s.agentBuf+" [interrupted]", true)
		s.timers.response.Stop()
		drain(s.timers.response)

	case callfsm.ActionClearEgress:
		s.rtr.Enqueue(carrier.Outbound{Control: carrier.ControlClear})

	case callfsm.ActionFinalizeAgentTurn:
		// The machine fires this both for the welcome and for regular
		// responses; the welcome buffer was pre-seeded.
		s.appendAgentTurn(s.agentBuf, false)
		s.timers.response.Stop()
		drain(s.timers.response)

	case callfsm.ActionQueueVoicemailMessage:
		if len(s.cfg.VoicemailClip) > 0 {
			s.rtr.Enqueue(carrier.Outbound{PCM: s.cfg.VoicemailClip})
		}

	case callfsm.ActionShutdown:
		s.shutdown(ctx, res.Reason)

	case callfsm.ActionPersist:
		s.persist(ctx, res.Reason)
	}
}

// shutdown ends the model session intentionally and accounts the reason.
func (s *Session) shutdown(ctx context.Context, reason string) {
	switch reason {
	case callfsm.ReasonDurationExceeded:
		s.durationHits++
	case callfsm.ReasonSilence:
		s.silenceHits++
	}
	if s.hedger != nil {
		s.hedger.Stop()
	}
	if s.agentBuf != "" && s.machine.State() == callfsm.StateCallEnding {
		// A response in flight when the call ends is kept, marked.
		s.appendAgentTurn(s.agentBuf+" [interrupted]", true)
	}
	if err := s.handle.Close(); err != nil {
		slog.Debug("model close failed", "call_id", s.cfg.CallID, "err", err)
	}
	s.step(ctx, callfsm.ShutdownComplete{})
}

// ── Turn bookkeeping ─────────────────────────────────────────────────────────

func (s *Session) appendUserTurn(end time.Time) {
	start := s.userStart
	if start.IsZero() {
		start = end
	}
	s.turns = append(s.turns, store.Turn{
		Role:      "user",
		StartTime: start,
		EndTime:   end,
	})
	s.userOpen = false
	s.userStart = time.Time{}
}

func (s *Session) appendAgentTurn(content string, interrupted bool) {
	if content == "" {
		s.agentBuf = ""
		s.agentStart = time.Time{}
		return
	}
	start := s.agentStart
	if start.IsZero() {
		start = time.Now()
	}
	s.turns = append(s.turns, store.Turn{
		Role:        "agent",
		Content:     content,
		StartTime:   start,
		EndTime:     time.Now(),
		Interrupted: interrupted,
		LatencyMs:   s.latencyMs,
	})
	s.agentBuf = ""
	s.agentStart = time.Time{}
	s.latencyMs = 0
}

// ── Persistence ──────────────────────────────────────────────────────────────

func (s *Session) persist(ctx context.Context, reason string) {
	now := time.Now()
	modelStats := s.handle.Stats()

	call := &store.Call{
		ID:          s.cfg.CallID,
		CampaignID:  s.cfg.CampaignID,
		Direction:   s.cfg.Direction,
		Carrier:     s.cfg.Adapter.Name(),
		AgentID:     s.cfg.Agent.ID,
		LeadID:      s.cfg.LeadID,
		UserID:      s.cfg.UserID,
		StartTime:   s.startedAt,
		EndTime:     now,
		DurationSec: int(now.Sub(s.startedAt).Seconds()),
		Status:      store.CallCompleted,
		EndReason:   reason,
		Transcript:  store.FormatTranscript(s.turns),
		Turns:       s.turns,
		Metrics: store.CallMetrics{
			ChunksSent:           s.rtr.Summary().ChunksSent,
			ChunksFailed:         s.rtr.Summary().ChunksFailed,
			ChunksDropped:        s.rtr.Summary().Dropped + s.mediaDropped.Load(),
			Bytes:                s.rtr.Summary().Bytes,
			ModelReconnects:      modelStats.Reconnects,
			ModelAudioDropped:    modelStats.AudioDropped,
			DurationEnforcements: s.durationHits,
			SilenceDetections:    s.silenceHits,
		},
		AIProcessed: false,
	}

	if err := s.cfg.Store.SaveCall(ctx, call); err != nil {
		slog.Error("call persist failed", "call_id", s.cfg.CallID, "err", err)
		return
	}
	slog.Info("call session ended",
		"call_id", s.cfg.CallID,
		"reason", reason,
		"duration_s", call.DurationSec,
		"turns", len(call.Turns),
	)
}

// Turns returns the recorded turns; only safe after Run returned.
func (s *Session) Turns() []store.Turn { return s.turns }

// Stats returns the live counter snapshot. Safe from any goroutine.
func (s *Session) Stats() Stats {
	return Stats{
		MediaDropped:   s.mediaDropped.Load(),
		ProtocolFaults: s.protocolFaults.Load(),
	}
}

// State returns the machine state; only safe from the loop or after Run
// returned.
func (s *Session) State() callfsm.State { return s.machine.State() }

// drain clears a fired-but-unread timer channel before Reset.
func drain(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}
