package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/campaign"
	"github.com/voxline/voxline/internal/store"
)

// createCampaignRequest is the POST /campaigns body.
type createCampaignRequest struct {
	Name    string   `json:"name"`
	UserID  string   `json:"user_id"`
	AgentID string   `json:"agent_id"`
	LeadIDs []string `json:"lead_ids"`
}

type campaignResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleCampaignCreate admits and starts an outbound campaign.
//
// Admission failures map to status codes: 400 when the request is malformed
// or no dial provider is configured, 429 when the user's rate bucket is
// full, and 500 when the deployment has no public base URL to hand to the
// carrier.
func (s *Server) handleCampaignCreate(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || len(req.LeadIDs) == 0 {
		writeError(w, http.StatusBadRequest, "user_id and lead_ids are required")
		return
	}
	if _, ok := s.agentFor(req.AgentID); !ok {
		writeError(w, http.StatusBadRequest, "no agent assigned")
		return
	}
	if !s.cfg.Carriers.Twilio.Enabled() && !s.cfg.Carriers.Exotel.Enabled() {
		writeError(w, http.StatusBadRequest, "no call provider configured")
		return
	}
	if s.cfg.Server.PublicBaseURL == "" {
		writeError(w, http.StatusInternalServerError, "public base URL not configured")
		return
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = s.defaultAgent
	}
	c := &store.Campaign{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		AgentID:   agentID,
		Name:      req.Name,
		LeadIDs:   req.LeadIDs,
		CreatedAt: time.Now(),
	}

	if err := s.deps.Dispatcher.Start(r.Context(), c); err != nil {
		if errors.Is(err, campaign.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		slog.Error("campaign start failed", "campaign_id", c.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "campaign start failed")
		return
	}

	writeJSON(w, http.StatusCreated, campaignResponse{ID: c.ID, Status: store.CampaignRunning})
}

// campaignControl returns a handler for pause, resume, or stop.
func (s *Server) campaignControl(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		var err error
		switch action {
		case "pause":
			err = s.deps.Dispatcher.Pause(r.Context(), id)
		case "resume":
			err = s.deps.Dispatcher.Resume(r.Context(), id)
		case "stop":
			err = s.deps.Dispatcher.Stop(r.Context(), id)
		}
		if errors.Is(err, campaign.ErrUnknownCampaign) {
			writeError(w, http.StatusNotFound, "unknown campaign")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, campaignResponse{ID: id, Status: action})
	}
}

// handleCampaignGet returns the dispatcher's live view of a campaign,
// falling back to the persisted document for finished ones.
func (s *Server) handleCampaignGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if snap := s.deps.Dispatcher.Snapshot(r.Context(), id); snap != nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	c, err := s.deps.Store.GetCampaign(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown campaign")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
