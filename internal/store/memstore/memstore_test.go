package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxline/voxline/internal/store"
)

func TestSaveAndGetCall(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	call := &store.Call{
		ID:        "c1",
		Direction: store.DirectionOutbound,
		Carrier:   "twilio",
		AgentID:   "a1",
		StartTime: time.Now(),
		Status:    store.CallCompleted,
		EndReason: "completed",
		Turns: []store.Turn{
			{Role: "agent", Content: "Hi there"},
		},
	}
	if err := s.SaveCall(ctx, call); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}

	// Mutating the original must not leak into the stored copy.
	call.Turns[0].Content = "changed"

	got, err := s.GetCall(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if got.Turns[0].Content != "Hi there" {
		t.Errorf("stored turn aliased caller memory: %q", got.Turns[0].Content)
	}

	if _, err := s.GetCall(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing call: got %v", err)
	}
}

func TestCallStatusAndEvents(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	if err := s.UpdateCallStatus(ctx, "c1", store.CallRinging); err != nil {
		t.Fatalf("UpdateCallStatus: %v", err)
	}
	if status, ok := s.CallStatus("c1"); !ok || status != store.CallRinging {
		t.Errorf("status: %q %v", status, ok)
	}

	for _, state := range []string{"INIT", "WELCOME", "LISTENING"} {
		if err := s.AppendCallEvent(ctx, store.CallEvent{CallID: "c1", State: state}); err != nil {
			t.Fatalf("AppendCallEvent: %v", err)
		}
	}
	events := s.CallEvents("c1")
	if len(events) != 3 || events[2].State != "LISTENING" {
		t.Errorf("events: %+v", events)
	}
	if events[0].At.IsZero() {
		t.Errorf("event timestamp not defaulted")
	}
}

func TestSaveAndGetCampaign(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	c := &store.Campaign{
		ID:      "camp1",
		UserID:  "u1",
		AgentID: "a1",
		Name:    "spring outreach",
		LeadIDs: []string{"l1", "l2"},
		Status:  store.CampaignRunning,
	}
	if err := s.SaveCampaign(ctx, c); err != nil {
		t.Fatalf("SaveCampaign: %v", err)
	}
	c.LeadIDs[0] = "mutated"

	got, err := s.GetCampaign(ctx, "camp1")
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got.LeadIDs[0] != "l1" {
		t.Errorf("stored leads aliased caller memory: %v", got.LeadIDs)
	}

	if _, err := s.GetCampaign(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing campaign: got %v", err)
	}
}
