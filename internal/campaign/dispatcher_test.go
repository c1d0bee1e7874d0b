package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxline/voxline/internal/ratelimit"
	"github.com/voxline/voxline/internal/store"
	"github.com/voxline/voxline/internal/store/memstore"
)

// fakeDialer records dials and can fail scripted leads.
type fakeDialer struct {
	mu    sync.Mutex
	dials []string
	// failures maps leadID to a queue of errors returned before success.
	failures map[string][]error
}

func (f *fakeDialer) Dial(_ context.Context, _, _, leadID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, leadID)
	if queue := f.failures[leadID]; len(queue) > 0 {
		err := queue[0]
		f.failures[leadID] = queue[1:]
		return "", err
	}
	return "call-" + leadID, nil
}

func (f *fakeDialer) dialed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dials...)
}

func (f *fakeDialer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dials)
}

// callID reproduces the fake dialer's call ID for a lead.
func callID(leadID string) string {
	return "call-" + leadID
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

func leads(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("l%02d", i+1)
	}
	return out
}

func newTestDispatcher(t *testing.T, dialer Dialer, opts ...Option) (*Dispatcher, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	limiter := ratelimit.New(1000, time.Minute)
	opts = append(opts, WithRetryBackoff(10*time.Millisecond))
	d := New(st, limiter, dialer, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d, st
}

// ─── TestConcurrencyWindow ───

// A 12-lead campaign never exceeds 5 in-flight calls; each completion
// releases exactly one new dial.
func TestConcurrencyWindow(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	d, _ := newTestDispatcher(t, dialer)
	ctx := context.Background()

	c := &store.Campaign{ID: "camp", UserID: "u1", AgentID: "a1", LeadIDs: leads(12)}
	if err := d.Start(ctx, c); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool { return dialer.count() == 5 })
	time.Sleep(50 * time.Millisecond)
	if n := dialer.count(); n != 5 {
		t.Fatalf("window exceeded: %d dials before any completion", n)
	}

	// Complete the 12 calls one by one; each frees exactly one slot.
	for i := 1; i <= 12; i++ {
		lead := fmt.Sprintf("l%02d", i)
		if err := d.OnCallStatus(ctx, callID(lead), store.CallCompleted); err != nil {
			t.Fatalf("status %d: %v", i, err)
		}
		want := i + 5
		if want > 12 {
			want = 12
		}
		waitFor(t, func() bool { return dialer.count() == want })
	}

	waitFor(t, func() bool {
		snap := d.Snapshot(ctx, "camp")
		return snap != nil && snap.Status == store.CampaignCompleted
	})

	snap := d.Snapshot(ctx, "camp")
	if len(snap.Attempted) != 12 {
		t.Fatalf("attempted: %d leads", len(snap.Attempted))
	}
	seen := map[string]bool{}
	for _, lead := range snap.Attempted {
		if seen[lead] {
			t.Fatalf("lead %s attempted twice", lead)
		}
		seen[lead] = true
	}
	if snap.Counters.Completed != 12 {
		t.Errorf("completed counter: %d", snap.Counters.Completed)
	}
}

// ─── TestLeadsDialedInOrder ───

func TestLeadsDialedInOrder(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	d, _ := newTestDispatcher(t, dialer, WithMaxInFlight(1))
	ctx := context.Background()

	c := &store.Campaign{ID: "camp", UserID: "u1", AgentID: "a1", LeadIDs: leads(3)}
	if err := d.Start(ctx, c); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool { return dialer.count() == 1 })
	d.OnCallStatus(ctx, callID("l01"), store.CallCompleted)
	waitFor(t, func() bool { return dialer.count() == 2 })
	d.OnCallStatus(ctx, callID("l02"), store.CallNoAnswer)
	waitFor(t, func() bool { return dialer.count() == 3 })

	got := dialer.dialed()
	want := []string{"l01", "l02", "l03"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dial order: got %v, want %v", got, want)
		}
	}
}

// ─── TestTransientFailureRetries ───

func TestTransientFailureRetries(t *testing.T) {
	t.Parallel()

	transient := &RetryableError{Err: errors.New("carrier 503")}
	dialer := &fakeDialer{failures: map[string][]error{
		"l01": {transient, transient},
	}}
	d, _ := newTestDispatcher(t, dialer, WithMaxInFlight(1))
	ctx := context.Background()

	c := &store.Campaign{ID: "camp", UserID: "u1", AgentID: "a1", LeadIDs: leads(1)}
	if err := d.Start(ctx, c); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Two retries, then success on the third dial.
	waitFor(t, func() bool { return dialer.count() == 3 })

	snap := d.Snapshot(ctx, "camp")
	if snap.Counters.Retried != 2 {
		t.Errorf("retried counter: %d", snap.Counters.Retried)
	}
	if len(snap.Attempted) != 1 {
		t.Errorf("retries must not duplicate the attempted entry: %v", snap.Attempted)
	}

	d.OnCallStatus(ctx, callID("l01"), store.CallCompleted)
	waitFor(t, func() bool {
		s := d.Snapshot(ctx, "camp")
		return s.Status == store.CampaignCompleted
	})
}

// ─── TestNonRetryableAdvances ───

func TestNonRetryableAdvances(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{failures: map[string][]error{
		"l01": {errors.New("invalid number")},
	}}
	d, _ := newTestDispatcher(t, dialer, WithMaxInFlight(1))
	ctx := context.Background()

	c := &store.Campaign{ID: "camp", UserID: "u1", AgentID: "a1", LeadIDs: leads(2)}
	if err := d.Start(ctx, c); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// l01 fails hard; l02 is dialed without a retry of l01.
	waitFor(t, func() bool { return dialer.count() == 2 })
	got := dialer.dialed()
	if got[0] != "l01" || got[1] != "l02" {
		t.Fatalf("dial order: %v", got)
	}

	d.OnCallStatus(ctx, callID("l02"), store.CallCompleted)
	waitFor(t, func() bool {
		s := d.Snapshot(ctx, "camp")
		return s.Status == store.CampaignCompleted
	})
	snap := d.Snapshot(ctx, "camp")
	if snap.Counters.Failed != 1 || snap.Counters.Completed != 1 {
		t.Errorf("counters: %+v", snap.Counters)
	}
}

// ─── TestPauseResume ───

func TestPauseResume(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	d, _ := newTestDispatcher(t, dialer, WithMaxInFlight(1))
	ctx := context.Background()

	c := &store.Campaign{ID: "camp", UserID: "u1", AgentID: "a1", LeadIDs: leads(2)}
	if err := d.Start(ctx, c); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return dialer.count() == 1 })

	if err := d.Pause(ctx, "camp"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	// Pausing twice is a no-op.
	if err := d.Pause(ctx, "camp"); err != nil {
		t.Fatalf("second Pause: %v", err)
	}

	// The in-flight call completing must not trigger a new dial while paused.
	d.OnCallStatus(ctx, callID("l01"), store.CallCompleted)
	time.Sleep(50 * time.Millisecond)
	if n := dialer.count(); n != 1 {
		t.Fatalf("paused campaign dialed: %d", n)
	}

	if err := d.Resume(ctx, "camp"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, func() bool { return dialer.count() == 2 })
}

// ─── TestUnknownCampaignControl ───

func TestUnknownCampaignControl(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, &fakeDialer{})
	if err := d.Pause(context.Background(), "ghost"); !errors.Is(err, ErrUnknownCampaign) {
		t.Errorf("Pause unknown: %v", err)
	}
}

// ─── TestStartRateLimited ───

func TestStartRateLimited(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	limiter := ratelimit.New(1, time.Minute)
	limiter.Record("u1")

	d := New(st, limiter, &fakeDialer{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	c := &store.Campaign{ID: "camp", UserID: "u1", AgentID: "a1", LeadIDs: leads(1)}
	if err := d.Start(ctx, c); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Start over limit: %v", err)
	}
}

// ─── TestRateBucketThrottlesDials ───

func TestRateBucketThrottlesDials(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	st := memstore.New()
	limiter := ratelimit.New(2, 200*time.Millisecond)
	d := New(st, limiter, dialer, WithRetryBackoff(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	c := &store.Campaign{ID: "camp", UserID: "u1", AgentID: "a1", LeadIDs: leads(4)}
	if err := d.Start(ctx, c); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Only two dials fit the bucket window.
	waitFor(t, func() bool { return dialer.count() == 2 })
	if n := dialer.count(); n != 2 {
		t.Fatalf("bucket overrun: %d", n)
	}

	// After the window slides, the remaining leads go out.
	waitFor(t, func() bool { return dialer.count() == 4 })
}
