package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeFlow struct {
	timedOut  atomic.Bool
	reaped    atomic.Bool
	destroyed atomic.Int32
}

func (f *fakeFlow) Timeout(now time.Time) bool { return f.timedOut.Load() }
func (f *fakeFlow) Destroy()                   { f.destroyed.Add(1) }
func (f *fakeFlow) Reaped() bool               { return f.reaped.Load() }

func TestReactorRegisterLookupDeregister(t *testing.T) {
	r := New(time.Hour)
	idx := r.NextIndex()
	f := &fakeFlow{}
	r.Register(idx, f)

	if got, ok := r.Lookup(MakeToken(idx, ChannelClient)); !ok || got != f {
		t.Fatal("Lookup should find the registered flow by either channel's token")
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}

	r.Deregister(idx)
	if _, ok := r.Lookup(MakeToken(idx, ChannelClient)); ok {
		t.Fatal("flow should be gone after Deregister")
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after deregister", r.Count())
	}
}

func TestReactorTickDestroysTimedOutFlows(t *testing.T) {
	r := New(time.Hour)
	idx := r.NextIndex()
	f := &fakeFlow{}
	f.timedOut.Store(true)
	r.Register(idx, f)

	r.tick(time.Now())

	if f.destroyed.Load() != 1 {
		t.Fatalf("Destroy called %d times, want 1", f.destroyed.Load())
	}
}

func TestReactorTickReapsFlowsAndReleasesIndex(t *testing.T) {
	r := New(time.Hour)
	idx := r.NextIndex()
	f := &fakeFlow{}
	f.reaped.Store(true)
	r.Register(idx, f)

	r.tick(time.Now())

	if r.Count() != 0 {
		t.Fatal("reaped flow should be removed from the live table")
	}
	if r.alloc.InUse(idx) {
		t.Fatal("reaped flow's index should be released for reuse")
	}
}

func TestReactorRunStopsOnContextCancel(t *testing.T) {
	r := New(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
