package server

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voxline/voxline/internal/store"
)

// twimlResponse renders the <Connect><Stream> instruction that points the
// carrier at this deployment's media WebSocket.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// handleTwilioVoice answers Twilio's voice webhook. It persists the call
// session document (the media stream handler resolves the CallSid against
// it) and returns TwiML directing Twilio to open the media WebSocket.
func (s *Server) handleTwilioVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callSid := r.PostFormValue("CallSid")
	if callSid == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}
	if s.cfg.Server.PublicBaseURL == "" {
		http.Error(w, "public base URL not configured", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	direction := store.DirectionInbound
	if q.Get("campaign") != "" {
		direction = store.DirectionOutbound
	}

	call := &store.Call{
		ID:         callSid,
		CampaignID: q.Get("campaign"),
		Direction:  direction,
		Carrier:    "twilio",
		AgentID:    q.Get("agent"),
		LeadID:     q.Get("lead"),
		UserID:     q.Get("user"),
		StartTime:  time.Now(),
		Status:     store.CallAnswered,
	}
	if err := s.deps.Store.SaveCall(r.Context(), call); err != nil {
		slog.Error("call session save failed", "call_id", callSid, "err", err)
		http.Error(w, "store failure", http.StatusInternalServerError)
		return
	}

	streamURL := wsBaseURL(s.cfg.Server.PublicBaseURL) + "/media-stream/" + callSid

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	fmt.Fprint(w, xml.Header)
	if err := xml.NewEncoder(w).Encode(twimlResponse{
		Connect: twimlConnect{Stream: twimlStream{URL: streamURL}},
	}); err != nil {
		slog.Warn("twiml encode failed", "call_id", callSid, "err", err)
	}
}

// handleTwilioStatus receives status callbacks and feeds terminal ones into
// campaign reconciliation. Unknown statuses are logged and ignored.
func (s *Server) handleTwilioStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callSid := r.PostFormValue("CallSid")
	status, ok := mapTwilioStatus(r.PostFormValue("CallStatus"))
	if callSid == "" || !ok {
		slog.Debug("ignoring status callback",
			"call_id", callSid, "status", r.PostFormValue("CallStatus"))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.deps.Store.UpdateCallStatus(r.Context(), callSid, status); err != nil {
		slog.Warn("call status update failed", "call_id", callSid, "err", err)
	}

	if !store.InFlight(status) {
		if err := s.deps.Dispatcher.OnCallStatus(r.Context(), callSid, status); err != nil {
			slog.Warn("campaign reconcile failed", "call_id", callSid, "err", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// mapTwilioStatus translates carrier vocabulary into store constants.
func mapTwilioStatus(s string) (string, bool) {
	switch s {
	case "initiated", "queued":
		return store.CallInitiated, true
	case "ringing":
		return store.CallRinging, true
	case "in-progress", "answered":
		return store.CallAnswered, true
	case "completed":
		return store.CallCompleted, true
	case "busy", "failed":
		return store.CallFailed, true
	case "no-answer":
		return store.CallNoAnswer, true
	case "canceled":
		return store.CallMissed, true
	default:
		return "", false
	}
}

// wsBaseURL converts an http(s) base URL into its ws(s) equivalent.
func wsBaseURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
