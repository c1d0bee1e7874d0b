// Package campaign paces outbound call creation. One dispatcher task owns
// every campaign's attempted-lead set and in-flight accounting; external
// mutations (start, pause, resume, stop, carrier status callbacks) arrive as
// commands on a channel, so no locks guard campaign state.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxline/voxline/internal/ratelimit"
	"github.com/voxline/voxline/internal/store"
)

// MaxInFlight is the per-campaign concurrency window.
const MaxInFlight = 5

// MaxRetries is how many times a transient dial failure is retried.
const MaxRetries = 2

// DefaultRetryBackoff is the pause before a retry dial.
const DefaultRetryBackoff = 2 * time.Second

// ErrRateLimited is returned by Start when the user's rate bucket is full.
var ErrRateLimited = errors.New("campaign: rate limit exceeded")

// ErrUnknownCampaign is returned by controls addressing a campaign the
// dispatcher does not know.
var ErrUnknownCampaign = errors.New("campaign: unknown campaign")

// Dialer initiates one outbound carrier call and returns its call ID.
type Dialer interface {
	Dial(ctx context.Context, campaignID, agentID, leadID string) (callID string, err error)
}

// RetryableError wraps a transient dial failure.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("campaign: transient: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether a dial error should be retried.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// ── Commands ─────────────────────────────────────────────────────────────────

type command interface{ isCommand() }

type startCmd struct {
	campaign *store.Campaign
	reply    chan error
}

type controlCmd struct {
	id     string
	action string // "pause", "resume", "stop"
	reply  chan error
}

type statusCmd struct {
	callID string
	status string
}

type dialResultCmd struct {
	campaignID string
	leadID     string
	callID     string
	err        error
}

type retryCmd struct {
	campaignID string
	leadID     string
}

type refillCmd struct {
	campaignID string
}

type snapshotCmd struct {
	id    string
	reply chan *store.Campaign
}

func (startCmd) isCommand()      {}
func (controlCmd) isCommand()    {}
func (statusCmd) isCommand()     {}
func (dialResultCmd) isCommand() {}
func (retryCmd) isCommand()      {}
func (refillCmd) isCommand()     {}
func (snapshotCmd) isCommand()   {}

// ── Dispatcher ───────────────────────────────────────────────────────────────

// campaignState is the dispatcher-private view of one campaign.
type campaignState struct {
	doc       *store.Campaign
	attempted map[string]bool
	inFlight  map[string]string // callID -> leadID
	pending   int               // dials issued, callID not yet known
	retries   map[string]int
	paused    bool
	stopped   bool
}

// Dispatcher is the single control-plane task pacing all campaigns.
type Dispatcher struct {
	store        store.Store
	limiter      *ratelimit.Limiter
	dialer       Dialer
	retryBackoff time.Duration
	maxInFlight  int

	cmds      chan command
	campaigns map[string]*campaignState
	callIndex map[string]string // callID -> campaignID
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetryBackoff overrides the retry pause, for tests.
func WithRetryBackoff(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.retryBackoff = d }
}

// WithMaxInFlight overrides the concurrency window, for tests.
func WithMaxInFlight(n int) Option {
	return func(dp *Dispatcher) {
		if n > 0 {
			dp.maxInFlight = n
		}
	}
}

// New creates a dispatcher. Call Run before using it.
func New(st store.Store, limiter *ratelimit.Limiter, dialer Dialer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        st,
		limiter:      limiter,
		dialer:       dialer,
		retryBackoff: DefaultRetryBackoff,
		maxInFlight:  MaxInFlight,
		cmds:         make(chan command, 64),
		campaigns:    make(map[string]*campaignState),
		callIndex:    make(map[string]string),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run processes commands until ctx ends. Must run exactly once.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-d.cmds:
			d.handle(ctx, cmd)
		}
	}
}

// send delivers a command unless the dispatcher has shut down.
func (d *Dispatcher) send(ctx context.Context, cmd command) error {
	select {
	case d.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start admits and launches a campaign. Returns ErrRateLimited when the
// user's bucket has no room for even the first call.
func (d *Dispatcher) Start(ctx context.Context, c *store.Campaign) error {
	if dec := d.limiter.Check(c.UserID); !dec.Allowed {
		return fmt.Errorf("%w: retry in %dms", ErrRateLimited, dec.ResetTimeMs)
	}
	reply := make(chan error, 1)
	if err := d.send(ctx, startCmd{campaign: c, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause suppresses new dials; in-flight calls continue. Idempotent.
func (d *Dispatcher) Pause(ctx context.Context, id string) error {
	return d.control(ctx, id, "pause")
}

// Resume re-enters the admission loop. Idempotent.
func (d *Dispatcher) Resume(ctx context.Context, id string) error {
	return d.control(ctx, id, "resume")
}

// Stop ends the campaign; no further dials, in-flight calls continue.
// Idempotent.
func (d *Dispatcher) Stop(ctx context.Context, id string) error {
	return d.control(ctx, id, "stop")
}

func (d *Dispatcher) control(ctx context.Context, id, action string) error {
	reply := make(chan error, 1)
	if err := d.send(ctx, controlCmd{id: id, action: action, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnCallStatus feeds one carrier status callback into reconciliation.
func (d *Dispatcher) OnCallStatus(ctx context.Context, callID, status string) error {
	return d.send(ctx, statusCmd{callID: callID, status: status})
}

// Snapshot returns a copy of the campaign document, or nil.
func (d *Dispatcher) Snapshot(ctx context.Context, id string) *store.Campaign {
	reply := make(chan *store.Campaign, 1)
	if err := d.send(ctx, snapshotCmd{id: id, reply: reply}); err != nil {
		return nil
	}
	select {
	case c := <-reply:
		return c
	case <-ctx.Done():
		return nil
	}
}

// ── Command handling (dispatcher goroutine only) ─────────────────────────────

func (d *Dispatcher) handle(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case startCmd:
		c.reply <- d.start(ctx, c.campaign)
	case controlCmd:
		c.reply <- d.applyControl(ctx, c.id, c.action)
	case statusCmd:
		d.reconcile(ctx, c.callID, c.status)
	case dialResultCmd:
		d.dialResult(ctx, c)
	case retryCmd:
		d.retryDial(ctx, c.campaignID, c.leadID)
	case refillCmd:
		if st, ok := d.campaigns[c.campaignID]; ok {
			d.fill(ctx, st)
		}
	case snapshotCmd:
		if st, ok := d.campaigns[c.id]; ok {
			cp := *st.doc
			cp.Attempted = append([]string(nil), st.doc.Attempted...)
			c.reply <- &cp
		} else {
			c.reply <- nil
		}
	}
}

func (d *Dispatcher) start(ctx context.Context, c *store.Campaign) error {
	if _, exists := d.campaigns[c.ID]; exists {
		return fmt.Errorf("campaign: %s already running", c.ID)
	}
	c.Status = store.CampaignRunning
	st := &campaignState{
		doc:       c,
		attempted: make(map[string]bool),
		inFlight:  make(map[string]string),
		retries:   make(map[string]int),
	}
	for _, lead := range c.Attempted {
		st.attempted[lead] = true
	}
	d.campaigns[c.ID] = st

	if err := d.store.SaveCampaign(ctx, c); err != nil {
		slog.Warn("campaign save failed", "campaign", c.ID, "err", err)
	}
	slog.Info("campaign started", "campaign", c.ID, "leads", len(c.LeadIDs))

	d.fill(ctx, st)
	return nil
}

func (d *Dispatcher) applyControl(ctx context.Context, id, action string) error {
	st, ok := d.campaigns[id]
	if !ok {
		return ErrUnknownCampaign
	}
	switch action {
	case "pause":
		if !st.paused && !st.stopped {
			st.paused = true
			st.doc.Status = store.CampaignPaused
		}
	case "resume":
		if st.paused && !st.stopped {
			st.paused = false
			st.doc.Status = store.CampaignRunning
			d.fill(ctx, st)
		}
	case "stop":
		if !st.stopped {
			st.stopped = true
			st.doc.Status = store.CampaignFailed
			if d.allAttempted(st) {
				st.doc.Status = store.CampaignCompleted
			}
		}
	}
	d.persist(ctx, st)
	return nil
}

// reconcile advances the campaign on a carrier status callback.
func (d *Dispatcher) reconcile(ctx context.Context, callID, status string) {
	if err := d.store.UpdateCallStatus(ctx, callID, status); err != nil {
		slog.Warn("call status update failed", "call", callID, "err", err)
	}

	campaignID, ok := d.callIndex[callID]
	if !ok {
		return
	}
	st, ok := d.campaigns[campaignID]
	if !ok {
		return
	}
	if store.InFlight(status) {
		return
	}

	leadID, tracked := st.inFlight[callID]
	if !tracked {
		return
	}
	delete(st.inFlight, callID)
	delete(d.callIndex, callID)

	switch status {
	case store.CallCompleted:
		st.doc.Counters.Completed++
	default:
		st.doc.Counters.Failed++
	}
	slog.Debug("campaign call finished",
		"campaign", campaignID, "lead", leadID, "status", status)

	d.fill(ctx, st)
	d.maybeComplete(ctx, st)
}

// fill dials leads until the window is full, the campaign is exhausted, or
// the rate bucket runs dry.
func (d *Dispatcher) fill(ctx context.Context, st *campaignState) {
	if st.paused || st.stopped || st.doc.Status == store.CampaignCompleted {
		return
	}
	for len(st.inFlight)+st.pending < d.maxInFlight {
		leadID, ok := d.nextLead(st)
		if !ok {
			break
		}

		if dec := d.limiter.Check(st.doc.UserID); !dec.Allowed {
			// Re-enter admission when the window slides.
			id := st.doc.ID
			wait := time.Duration(dec.ResetTimeMs)*time.Millisecond + 10*time.Millisecond
			time.AfterFunc(wait, func() {
				_ = d.send(context.Background(), refillCmd{campaignID: id})
			})
			slog.Debug("campaign throttled by rate bucket",
				"campaign", id, "reset_ms", dec.ResetTimeMs)
			return
		}
		d.limiter.Record(st.doc.UserID)

		st.attempted[leadID] = true
		st.doc.Attempted = append(st.doc.Attempted, leadID)
		st.doc.Counters.Dispatched++
		d.launchDial(ctx, st.doc.ID, st.doc.AgentID, leadID)
	}
	d.persist(ctx, st)
}

// nextLead selects the smallest-index lead not yet attempted.
func (d *Dispatcher) nextLead(st *campaignState) (string, bool) {
	for _, leadID := range st.doc.LeadIDs {
		if !st.attempted[leadID] {
			return leadID, true
		}
	}
	return "", false
}

// launchDial issues the carrier call off the dispatcher goroutine.
func (d *Dispatcher) launchDial(ctx context.Context, campaignID, agentID, leadID string) {
	st := d.campaigns[campaignID]
	st.pending++
	go func() {
		callID, err := d.dialer.Dial(ctx, campaignID, agentID, leadID)
		_ = d.send(ctx, dialResultCmd{
			campaignID: campaignID, leadID: leadID, callID: callID, err: err,
		})
	}()
}

func (d *Dispatcher) dialResult(ctx context.Context, res dialResultCmd) {
	st, ok := d.campaigns[res.campaignID]
	if !ok {
		return
	}
	st.pending--

	if res.err == nil {
		st.inFlight[res.callID] = res.leadID
		d.callIndex[res.callID] = res.campaignID
		if err := d.store.UpdateCallStatus(ctx, res.callID, store.CallInitiated); err != nil {
			slog.Warn("call status update failed", "call", res.callID, "err", err)
		}
		return
	}

	if IsRetryable(res.err) && st.retries[res.leadID] < MaxRetries {
		st.retries[res.leadID]++
		st.doc.Counters.Retried++
		slog.Debug("campaign dial retry scheduled",
			"campaign", res.campaignID, "lead", res.leadID,
			"attempt", st.retries[res.leadID], "err", res.err)
		campaignID, leadID := res.campaignID, res.leadID
		st.pending++ // the slot stays reserved across the backoff
		time.AfterFunc(d.retryBackoff, func() {
			_ = d.send(context.Background(), retryCmd{campaignID: campaignID, leadID: leadID})
		})
		return
	}

	// Exhausted or non-retryable: the lead stays attempted, the campaign
	// advances.
	st.doc.Counters.Failed++
	slog.Warn("campaign dial failed",
		"campaign", res.campaignID, "lead", res.leadID, "err", res.err)
	d.fill(ctx, st)
	d.maybeComplete(ctx, st)
}

func (d *Dispatcher) retryDial(ctx context.Context, campaignID, leadID string) {
	st, ok := d.campaigns[campaignID]
	if !ok {
		return
	}
	st.pending-- // release the reservation; launchDial takes a fresh one
	if st.stopped {
		d.maybeComplete(ctx, st)
		return
	}
	d.launchDial(ctx, campaignID, st.doc.AgentID, leadID)
}

func (d *Dispatcher) allAttempted(st *campaignState) bool {
	return len(st.attempted) == len(st.doc.LeadIDs)
}

func (d *Dispatcher) maybeComplete(ctx context.Context, st *campaignState) {
	if !d.allAttempted(st) || len(st.inFlight) > 0 || st.pending > 0 {
		return
	}
	if st.doc.Status == store.CampaignCompleted {
		return
	}
	st.doc.Status = store.CampaignCompleted
	slog.Info("campaign completed",
		"campaign", st.doc.ID,
		"completed", st.doc.Counters.Completed,
		"failed", st.doc.Counters.Failed,
	)
	d.persist(ctx, st)
}

func (d *Dispatcher) persist(ctx context.Context, st *campaignState) {
	if err := d.store.SaveCampaign(ctx, st.doc); err != nil {
		slog.Warn("campaign save failed", "campaign", st.doc.ID, "err", err)
	}
}
