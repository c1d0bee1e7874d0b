// Package memstore is the in-memory store.Store used in tests and for
// single-process development runs. Documents are copied on the way in and
// out, so callers can never alias internal state.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/voxline/voxline/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store holds everything in maps under one mutex.
type Store struct {
	mu        sync.RWMutex
	calls     map[string]*store.Call
	campaigns map[string]*store.Campaign
	events    map[string][]store.CallEvent
	statuses  map[string]string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		calls:     make(map[string]*store.Call),
		campaigns: make(map[string]*store.Campaign),
		events:    make(map[string][]store.CallEvent),
		statuses:  make(map[string]string),
	}
}

func copyCall(c *store.Call) *store.Call {
	cp := *c
	cp.Turns = append([]store.Turn(nil), c.Turns...)
	return &cp
}

func copyCampaign(c *store.Campaign) *store.Campaign {
	cp := *c
	cp.LeadIDs = append([]string(nil), c.LeadIDs...)
	cp.Attempted = append([]string(nil), c.Attempted...)
	return &cp
}

// ── store.CallStore ──────────────────────────────────────────────────────────

func (s *Store) SaveCall(_ context.Context, call *store.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call.ID] = copyCall(call)
	return nil
}

func (s *Store) GetCall(_ context.Context, id string) (*store.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyCall(call), nil
}

func (s *Store) UpdateCallStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	if call, ok := s.calls[id]; ok {
		call.Status = status
	}
	return nil
}

// CallStatus returns the latest carrier-reported status for id, if any.
func (s *Store) CallStatus(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[id]
	return status, ok
}

func (s *Store) AppendCallEvent(_ context.Context, ev store.CallEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events[ev.CallID] = append(s.events[ev.CallID], ev)
	return nil
}

// CallEvents returns the logged transitions for a call, in append order.
func (s *Store) CallEvents(callID string) []store.CallEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.CallEvent(nil), s.events[callID]...)
}

// ── store.CampaignStore ──────────────────────────────────────────────────────

func (s *Store) SaveCampaign(_ context.Context, c *store.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = copyCampaign(c)
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id string) (*store.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyCampaign(c), nil
}
