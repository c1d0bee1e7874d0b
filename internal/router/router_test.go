package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxline/voxline/pkg/carrier"
)

// echoAdapter frames each chunk as its raw PCM, one wire message per chunk.
type echoAdapter struct {
	sendErr error
}

func (echoAdapter) Name() string     { return "echo" }
func (echoAdapter) StreamID() string { return "st" }
func (echoAdapter) CallID() string   { return "call" }

func (a echoAdapter) Parse([]byte) (carrier.Event, error) {
	return nil, carrier.ErrUnknownEvent
}

func (a echoAdapter) Send(out carrier.Outbound) ([][]byte, error) {
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	return [][]byte{out.PCM}, nil
}

// sink collects written frames.
type sink struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *sink) write(_ context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *sink) all() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
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

// ─── TestDeliversInOrder ───

func TestDeliversInOrder(t *testing.T) {
	t.Parallel()

	var out sink
	r := New(echoAdapter{}, out.write)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	for i := byte(1); i <= 5; i++ {
		r.Enqueue(carrier.Outbound{PCM: []byte{i}})
	}

	waitFor(t, func() bool { return len(out.all()) == 5 })
	for i, frame := range out.all() {
		if frame[0] != byte(i+1) {
			t.Fatalf("frame %d: got %d", i, frame[0])
		}
	}

	c := r.Summary()
	if c.ChunksSent != 5 || c.Bytes != 5 || c.Dropped != 0 {
		t.Errorf("counters: %+v", c)
	}
}

// ─── TestOverflowDropsOldest ───

// With no consumer running, overflowing the ring discards the oldest chunks;
// the survivors drain in order once the consumer starts.
func TestOverflowDropsOldest(t *testing.T) {
	t.Parallel()

	var out sink
	r := New(echoAdapter{}, out.write, WithCapacity(3))

	for i := byte(1); i <= 5; i++ {
		r.Enqueue(carrier.Outbound{PCM: []byte{i}})
	}
	if d := r.Summary().Dropped; d != 2 {
		t.Fatalf("dropped: got %d, want 2", d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, func() bool { return len(out.all()) == 3 })
	want := []byte{3, 4, 5}
	for i, frame := range out.all() {
		if frame[0] != want[i] {
			t.Fatalf("survivor %d: got %d, want %d", i, frame[0], want[i])
		}
	}
}

// ─── TestEnqueueNeverBlocks ───

func TestEnqueueNeverBlocks(t *testing.T) {
	t.Parallel()

	r := New(echoAdapter{}, (&sink{}).write, WithCapacity(2))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			r.Enqueue(carrier.Outbound{PCM: []byte{byte(i)}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a full ring")
	}
	if d := r.Summary().Dropped; d != 998 {
		t.Errorf("dropped: got %d, want 998", d)
	}
}

// ─── TestFramingFailureCounted ───

func TestFramingFailureCounted(t *testing.T) {
	t.Parallel()

	var out sink
	r := New(echoAdapter{sendErr: errors.New("bad chunk")}, out.write)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Enqueue(carrier.Outbound{PCM: []byte{1}})
	waitFor(t, func() bool { return r.Summary().ChunksFailed == 1 })
	if len(out.all()) != 0 {
		t.Errorf("failed chunk reached the wire")
	}
}
