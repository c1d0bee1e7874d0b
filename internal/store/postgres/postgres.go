// Package postgres is the PostgreSQL store.Store used in production. Calls
// and campaigns are row-per-document with jsonb columns for the nested
// arrays, so the external post-processor can query transcripts directly.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voxline/voxline/internal/store"
)

//go:embed schema.sql
var schema string

var _ store.Store = (*Store)(nil)

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ── store.CallStore ──────────────────────────────────────────────────────────

func (s *Store) SaveCall(ctx context.Context, call *store.Call) error {
	turns, err := json.Marshal(call.Turns)
	if err != nil {
		return fmt.Errorf("postgres: marshal turns: %w", err)
	}
	metrics, err := json.Marshal(call.Metrics)
	if err != nil {
		return fmt.Errorf("postgres: marshal metrics: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO calls (
			id, campaign_id, direction, carrier, agent_id, lead_id, user_id,
			start_time, end_time, duration_sec, status, end_reason,
			transcript, turns, metrics, recording_url, ai_processed
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			duration_sec = EXCLUDED.duration_sec,
			status = EXCLUDED.status,
			end_reason = EXCLUDED.end_reason,
			transcript = EXCLUDED.transcript,
			turns = EXCLUDED.turns,
			metrics = EXCLUDED.metrics,
			recording_url = EXCLUDED.recording_url,
			ai_processed = EXCLUDED.ai_processed`,
		call.ID, nullable(call.CampaignID), call.Direction, call.Carrier,
		call.AgentID, nullable(call.LeadID), nullable(call.UserID),
		call.StartTime, call.EndTime, call.DurationSec, call.Status,
		call.EndReason, call.Transcript, turns, metrics,
		nullable(call.RecordingURL), call.AIProcessed,
	)
	if err != nil {
		return fmt.Errorf("postgres: save call: %w", err)
	}
	return nil
}

func (s *Store) GetCall(ctx context.Context, id string) (*store.Call, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(campaign_id,''), direction, carrier, agent_id,
			COALESCE(lead_id,''), COALESCE(user_id,''), start_time, end_time,
			duration_sec, status, end_reason, transcript, turns, metrics,
			COALESCE(recording_url,''), ai_processed
		FROM calls WHERE id = $1`, id)

	var (
		call           store.Call
		turns, metrics []byte
	)
	err := row.Scan(
		&call.ID, &call.CampaignID, &call.Direction, &call.Carrier,
		&call.AgentID, &call.LeadID, &call.UserID, &call.StartTime,
		&call.EndTime, &call.DurationSec, &call.Status, &call.EndReason,
		&call.Transcript, &turns, &metrics, &call.RecordingURL,
		&call.AIProcessed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get call: %w", err)
	}

	if err := json.Unmarshal(turns, &call.Turns); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal turns: %w", err)
	}
	if err := json.Unmarshal(metrics, &call.Metrics); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal metrics: %w", err)
	}
	return &call, nil
}

func (s *Store) UpdateCallStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_statuses (call_id, status, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (call_id) DO UPDATE SET
			status = EXCLUDED.status, updated_at = now()`, id, status)
	if err != nil {
		return fmt.Errorf("postgres: update call status: %w", err)
	}
	return nil
}

func (s *Store) AppendCallEvent(ctx context.Context, ev store.CallEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_events (call_id, state, at) VALUES ($1, $2, $3)`,
		ev.CallID, ev.State, at)
	if err != nil {
		return fmt.Errorf("postgres: append call event: %w", err)
	}
	return nil
}

// ── store.CampaignStore ──────────────────────────────────────────────────────

func (s *Store) SaveCampaign(ctx context.Context, c *store.Campaign) error {
	leads, err := json.Marshal(c.LeadIDs)
	if err != nil {
		return fmt.Errorf("postgres: marshal leads: %w", err)
	}
	attempted, err := json.Marshal(c.Attempted)
	if err != nil {
		return fmt.Errorf("postgres: marshal attempted: %w", err)
	}
	counters, err := json.Marshal(c.Counters)
	if err != nil {
		return fmt.Errorf("postgres: marshal counters: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO campaigns (
			id, user_id, agent_id, name, lead_ids, attempted, status,
			counters, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
		ON CONFLICT (id) DO UPDATE SET
			attempted = EXCLUDED.attempted,
			status = EXCLUDED.status,
			counters = EXCLUDED.counters,
			updated_at = now()`,
		c.ID, c.UserID, c.AgentID, c.Name, leads, attempted, c.Status,
		counters, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save campaign: %w", err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*store.Campaign, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, agent_id, name, lead_ids, attempted, status,
			counters, created_at, updated_at
		FROM campaigns WHERE id = $1`, id)

	var (
		c                        store.Campaign
		leads, attempted, counts []byte
	)
	err := row.Scan(&c.ID, &c.UserID, &c.AgentID, &c.Name, &leads,
		&attempted, &c.Status, &counts, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get campaign: %w", err)
	}

	if err := json.Unmarshal(leads, &c.LeadIDs); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal leads: %w", err)
	}
	if err := json.Unmarshal(attempted, &c.Attempted); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal attempted: %w", err)
	}
	if err := json.Unmarshal(counts, &c.Counters); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal counters: %w", err)
	}
	return &c, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
