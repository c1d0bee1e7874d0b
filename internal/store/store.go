// Package store defines the persistence contract for finished calls,
// campaigns and call-lifecycle events. The runtime treats the layout as
// opaque; implementations live in the memstore and postgres subpackages.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("store: not found")

// Call directions.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Call statuses as reported by the carrier and the runtime.
const (
	CallInitiated = "initiated"
	CallDialing   = "dialing"
	CallRinging   = "ringing"
	CallAnswered  = "answered"
	CallCompleted = "completed"
	CallFailed    = "failed"
	CallNoAnswer  = "no_answer"
	CallMissed    = "missed"
)

// InFlight reports whether status counts against a campaign's concurrency
// window.
func InFlight(status string) bool {
	switch status {
	case CallInitiated, CallDialing, CallRinging, CallAnswered:
		return true
	}
	return false
}

// Campaign statuses.
const (
	CampaignPending   = "pending"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
)

// Turn is one contiguous attributed span of speech within a call.
type Turn struct {
	Role        string // "agent" or "user"
	Content     string
	StartTime   time.Time
	EndTime     time.Time
	Interrupted bool
	LatencyMs   int64
}

// CallMetrics is the per-call counter snapshot persisted with the session.
type CallMetrics struct {
	ChunksSent           uint64 `json:"chunksSent"`
	ChunksFailed         uint64 `json:"chunksFailed"`
	ChunksDropped        uint64 `json:"chunksDropped"`
	Bytes                uint64 `json:"bytes"`
	ModelReconnects      uint64 `json:"modelReconnects"`
	ModelAudioDropped    uint64 `json:"modelAudioDropped"`
	DurationEnforcements int    `json:"durationEnforcements"`
	SilenceDetections    int    `json:"silenceDetections"`
}

// Call is the persisted call-session document.
type Call struct {
	ID           string
	CampaignID   string
	Direction    string
	Carrier      string
	AgentID      string
	LeadID       string
	UserID       string
	StartTime    time.Time
	EndTime      time.Time
	DurationSec  int
	Status       string
	EndReason    string
	Transcript   string
	Turns        []Turn
	Metrics      CallMetrics
	RecordingURL string

	// AIProcessed is false until the external post-processor has analysed
	// the transcript.
	AIProcessed bool
}

// CallEvent is one state-transition log entry.
type CallEvent struct {
	CallID string
	State  string
	At     time.Time
}

// CampaignCounters summarise dispatch progress.
type CampaignCounters struct {
	Dispatched int `json:"dispatched"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Retried    int `json:"retried"`
}

// Campaign is the persisted campaign document.
type Campaign struct {
	ID        string
	UserID    string
	AgentID   string
	Name      string
	LeadIDs   []string
	Attempted []string
	Status    string
	Counters  CampaignCounters
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CallStore persists finished calls and their lifecycle events.
type CallStore interface {
	// SaveCall inserts or replaces the call document.
	SaveCall(ctx context.Context, call *Call) error

	// GetCall returns the call or ErrNotFound.
	GetCall(ctx context.Context, id string) (*Call, error)

	// UpdateCallStatus records a carrier status transition before the
	// session document exists or after it ended.
	UpdateCallStatus(ctx context.Context, id, status string) error

	// AppendCallEvent logs one state transition.
	AppendCallEvent(ctx context.Context, ev CallEvent) error
}

// CampaignStore persists campaign documents.
type CampaignStore interface {
	SaveCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
}

// Store is the combined persistence surface the runtime wires in.
type Store interface {
	CallStore
	CampaignStore
}

// FormatTranscript renders one line per turn, in order: `Agent: …` for agent
// turns, `Lead: …` for the caller.
func FormatTranscript(turns []Turn) string {
	var b strings.Builder
	for i, turn := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		if turn.Role == "agent" {
			b.WriteString("Agent: ")
		} else {
			b.WriteString("Lead: ")
		}
		b.WriteString(turn.Content)
	}
	return b.String()
}
