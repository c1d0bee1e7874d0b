// Package router drives a session's outbound audio path: a bounded ring of
// egress chunks, the adapter framing step, and the per-chunk counters.
//
// The ring is single-producer (session loop) single-consumer (writer
// goroutine). Enqueue never blocks; when the ring is full the oldest chunk is
// discarded, because on a live call fresh audio always beats complete audio.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxline/voxline/pkg/carrier"
)

// DefaultCapacity is the ring size in chunks; at 20 ms per chunk this holds
// just over a second of audio.
const DefaultCapacity = 64

// WriteFunc delivers one framed wire message to the carrier socket.
type WriteFunc func(ctx context.Context, frame []byte) error

// Counters is the routing summary, logged once at session end.
type Counters struct {
	ChunksSent   uint64
	ChunksFailed uint64
	Dropped      uint64
	Bytes        uint64
	ElapsedMs    int64
}

// Router owns one session's egress path.
type Router struct {
	adapter  carrier.Adapter
	write    WriteFunc
	capacity int

	mu   sync.Mutex
	ring []carrier.Outbound
	wake chan struct{}

	counters Counters
	started  time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithCapacity overrides the ring size.
func WithCapacity(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// New creates a router for one session.
func New(adapter carrier.Adapter, write WriteFunc, opts ...Option) *Router {
	r := &Router{
		adapter:  adapter,
		write:    write,
		capacity: DefaultCapacity,
		wake:     make(chan struct{}, 1),
		started:  time.Now(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Enqueue queues one outbound chunk. Never blocks: a full ring drops its
// oldest entry first.
func (r *Router) Enqueue(out carrier.Outbound) {
	r.mu.Lock()
	if len(r.ring) >= r.capacity {
		r.ring = r.ring[1:]
		r.counters.Dropped++
	}
	r.ring = append(r.ring, out)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// dequeue pops the oldest chunk, if any.
func (r *Router) dequeue() (carrier.Outbound, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ring) == 0 {
		return carrier.Outbound{}, false
	}
	out := r.ring[0]
	r.ring = r.ring[1:]
	return out, true
}

// Run is the consumer loop. It frames each chunk through the adapter, writes
// the wire messages, and returns when ctx ends, logging the routing summary.
func (r *Router) Run(ctx context.Context) {
	defer r.logSummary()

	for {
		out, ok := r.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				continue
			}
		}

		start := time.Now()
		frames, err := r.adapter.Send(out)
		if err != nil {
			r.fail(1)
			slog.Debug("egress framing failed", "err", err)
			continue
		}
		failed := false
		for _, frame := range frames {
			if err := r.write(ctx, frame); err != nil {
				if ctx.Err() != nil {
					return
				}
				failed = true
				slog.Debug("egress write failed", "err", err)
				break
			}
			r.sent(uint64(len(frame)))
		}
		if failed {
			r.fail(1)
		}
		r.addElapsed(time.Since(start))
	}
}

func (r *Router) sent(bytes uint64) {
	r.mu.Lock()
	r.counters.ChunksSent++
	r.counters.Bytes += bytes
	r.mu.Unlock()
}

func (r *Router) fail(n uint64) {
	r.mu.Lock()
	r.counters.ChunksFailed += n
	r.mu.Unlock()
}

func (r *Router) addElapsed(d time.Duration) {
	r.mu.Lock()
	r.counters.ElapsedMs += d.Milliseconds()
	r.mu.Unlock()
}

// Summary returns a snapshot of the counters.
func (r *Router) Summary() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

func (r *Router) logSummary() {
	c := r.Summary()
	slog.Info("audio routing summary",
		"carrier", r.adapter.Name(),
		"call_id", r.adapter.CallID(),
		"chunks_sent", c.ChunksSent,
		"chunks_failed", c.ChunksFailed,
		"chunks_dropped", c.Dropped,
		"bytes", c.Bytes,
		"write_ms", c.ElapsedMs,
		"session_s", time.Since(r.started).Seconds(),
	)
}
