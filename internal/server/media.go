package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/agent"
	"github.com/voxline/voxline/internal/session"
	"github.com/voxline/voxline/internal/store"
	"github.com/voxline/voxline/pkg/carrier"
	"github.com/voxline/voxline/pkg/carrier/exotel"
	"github.com/voxline/voxline/pkg/carrier/twilio"
)

// callResolveTimeout bounds how long a Twilio media stream may wait for its
// call session document to appear before the socket is closed.
const callResolveTimeout = 60 * time.Second

// sessionParams collects everything runSession needs to start a call.
type sessionParams struct {
	callID     string
	direction  string
	campaignID string
	leadID     string
	userID     string
	agent      agent.Config
	adapter    carrier.Adapter
}

// handleTwilioMedia accepts a Twilio Media Streams WebSocket. The callSid
// path segment must resolve to a persisted call session within
// callResolveTimeout or the socket is closed with reason "session-timeout".
func (s *Server) handleTwilioMedia(w http.ResponseWriter, r *http.Request) {
	callSid := r.PathValue("callSid")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("media stream accept failed", "call_id", callSid, "err", err)
		return
	}

	call, err := s.waitForCall(r.Context(), callSid)
	if err != nil {
		slog.Warn("media stream without call session", "call_id", callSid, "err", err)
		conn.Close(websocket.StatusPolicyViolation, "session-timeout")
		return
	}

	agentCfg, ok := s.agentFor(call.AgentID)
	if !ok {
		slog.Warn("media stream for unknown agent", "call_id", callSid, "agent_id", call.AgentID)
		conn.Close(websocket.StatusPolicyViolation, "unknown-agent")
		return
	}

	s.runSession(r.Context(), conn, sessionParams{
		callID:     callSid,
		direction:  call.Direction,
		campaignID: call.CampaignID,
		leadID:     call.LeadID,
		userID:     call.UserID,
		agent:      agentCfg,
		adapter:    twilio.New(),
	})
}

// handleExotelMedia accepts an Exotel voicebot WebSocket. Exotel does not
// carry an identifier in the path; the session learns the carrier call ID
// from the answer event and is keyed by a generated ID until then.
func (s *Server) handleExotelMedia(w http.ResponseWriter, r *http.Request) {
	agentCfg, ok := s.agentFor(r.URL.Query().Get("agent"))
	if !ok {
		http.Error(w, "unknown agent", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("media stream accept failed", "carrier", "exotel", "err", err)
		return
	}

	s.runSession(r.Context(), conn, sessionParams{
		callID:    uuid.NewString(),
		direction: store.DirectionInbound,
		agent:     agentCfg,
		adapter:   exotel.New(),
	})
}

// waitForCall polls the store until the call session document exists.
func (s *Server) waitForCall(ctx context.Context, callID string) (*store.Call, error) {
	ctx, cancel := context.WithTimeout(ctx, s.resolveTimeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval(s.resolveTimeout))
	defer ticker.Stop()

	for {
		call, err := s.deps.Store.GetCall(ctx, callID)
		if err == nil {
			return call, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollInterval keeps the store poll proportional to the resolve window.
func pollInterval(window time.Duration) time.Duration {
	if iv := window / 120; iv < 500*time.Millisecond {
		if iv < time.Millisecond {
			return time.Millisecond
		}
		return iv
	}
	return 500 * time.Millisecond
}

// runSession owns one call from WebSocket accept to close: it builds the
// session, pumps wire frames into it, and records call metrics when it ends.
func (s *Server) runSession(ctx context.Context, conn *websocket.Conn, p sessionParams) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	write := func(wctx context.Context, frame []byte) error {
		typ := websocket.MessageText
		if len(frame) > 0 && frame[0] != '{' {
			typ = websocket.MessageBinary
		}
		return conn.Write(wctx, typ, frame)
	}

	sess, err := session.New(session.Config{
		CallID:       p.callID,
		Direction:    p.direction,
		CampaignID:   p.campaignID,
		LeadID:       p.leadID,
		UserID:       p.userID,
		Agent:        p.agent,
		Adapter:      p.adapter,
		CarrierWrite: write,
		Gateway:      s.deps.Gateway,
		Store:        s.deps.Store,
		Fillers:      s.deps.Fillers,
	})
	if err != nil {
		slog.Error("session setup failed", "call_id", p.callID, "err", err)
		conn.Close(websocket.StatusInternalError, "session-setup")
		return
	}

	s.deps.Metrics.ActiveCalls.Add(ctx, 1)
	defer s.deps.Metrics.ActiveCalls.Add(ctx, -1)

	// Reader pump. The session treats a read error as a carrier disconnect.
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				sess.Stop()
				return
			}
			sess.HandleWire(data)
		}
	}()

	start := time.Now()
	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("session ended with error", "call_id", p.callID, "err", err)
	}

	s.recordCallEnd(p.callID, time.Since(start))
	conn.Close(websocket.StatusNormalClosure, "call-ended")
}

// recordCallEnd emits the end-of-call metrics from the persisted document.
func (s *Server) recordCallEnd(callID string, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reason := "unknown"
	if call, err := s.deps.Store.GetCall(ctx, callID); err == nil && call.EndReason != "" {
		reason = call.EndReason
	}
	s.deps.Metrics.RecordCallEnded(ctx, reason, elapsed.Seconds())
}
