package reactor

import (
	"context"
	"sync"
	"time"

	"gatetun/internal/flog"
)

// Flow is the bookkeeping surface the reactor needs from a registered
// connection: a way to evaluate the idle timeout and a way to tear it
// down. TCP and UDP drivers both implement it.
type Flow interface {
	// Timeout reports whether this flow has been idle past its configured
	// duration as of now, per spec.md §4.4/§5.
	Timeout(now time.Time) bool
	// Destroy shuts down both halves; idempotent.
	Destroy()
	// Reaped reports whether both halves have reached Deregistered and the
	// flow can be dropped from the live table.
	Reaped() bool
}

// Reactor owns the live-connection table keyed by index and the periodic
// timeout tick described in spec.md §4.1. The reactor never owns a socket
// or tunnel session — only the registration keyed by token, per §3's
// ownership rule.
type Reactor struct {
	log   flog.Logger
	alloc *IndexAllocator

	mu   sync.Mutex
	live map[Index]Flow

	tickEvery time.Duration
}

func New(tickEvery time.Duration) *Reactor {
	return &Reactor{
		log:       flog.For("reactor"),
		alloc:     NewIndexAllocator(),
		live:      make(map[Index]Flow),
		tickEvery: tickEvery,
	}
}

// NextIndex allocates a fresh connection index for a new flow.
func (r *Reactor) NextIndex() Index {
	return r.alloc.Allocate()
}

// Register adds a flow to the live table under its index. Both of its
// channel tokens (client, backend) share this same index.
func (r *Reactor) Register(idx Index, f Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[idx] = f
}

// Deregister removes a flow from the live table and releases its index
// for reuse. Idempotent.
func (r *Reactor) Deregister(idx Index) {
	r.mu.Lock()
	delete(r.live, idx)
	r.mu.Unlock()
	r.alloc.Release(idx)
}

// Lookup resolves a token's owning flow, or (nil, false) if the token's
// index is no longer live (e.g. the flow already reaped).
func (r *Reactor) Lookup(t Token) (Flow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.live[t.Index()]
	return f, ok
}

// Count returns the number of live flows, for metrics/tests.
func (r *Reactor) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Run drives the periodic tick until ctx is cancelled: every tickEvery it
// walks all live flows, destroys any that have gone idle, and reaps any
// that have fully deregistered.
func (r *Reactor) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.tick(now)
		}
	}
}

func (r *Reactor) tick(now time.Time) {
	r.mu.Lock()
	snapshot := make([]struct {
		idx  Index
		flow Flow
	}, 0, len(r.live))
	for idx, f := range r.live {
		snapshot = append(snapshot, struct {
			idx  Index
			flow Flow
		}{idx, f})
	}
	r.mu.Unlock()

	for _, entry := range snapshot {
		if entry.flow.Timeout(now) {
			r.log.Debugf("connection:%d idle timeout, destroying", entry.idx)
			entry.flow.Destroy()
		}
		if entry.flow.Reaped() {
			r.log.Debugf("connection:%d removed from live table", entry.idx)
			r.Deregister(entry.idx)
		}
	}
}
