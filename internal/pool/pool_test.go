package pool

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"gatetun/internal/reactor"
	"gatetun/internal/resolver"
	"gatetun/internal/status"
	"gatetun/internal/tunnel"
)

type fakeSession struct {
	status.Mu
	idx    reactor.Index
	broken bool
}

func (f *fakeSession) WriteSession(data []byte) bool { return true }
func (f *fakeSession) DoRead() ([]byte, bool)        { return nil, false }
func (f *fakeSession) DoSend()                       {}
func (f *fakeSession) IsShutdown() bool              { return false }
func (f *fakeSession) PeerClosed()                   {}
func (f *fakeSession) Deregistered() bool            { return false }
func (f *fakeSession) Shutdown()                     {}
func (f *fakeSession) CloseConn()                    {}
func (f *fakeSession) Deregister()                   {}
func (f *fakeSession) FinishSend() bool              { return true }
func (f *fakeSession) Index() reactor.Index          { return f.idx }
func (f *fakeSession) ResetIndex(idx reactor.Index) bool {
	if f.broken {
		return false
	}
	f.idx = idx
	return true
}

var _ tunnel.Session = (*fakeSession)(nil)

type fakeDialer struct {
	calls int
	fail  bool
}

func (d *fakeDialer) Dial(ctx context.Context, relayAddr string) (tunnel.Session, error) {
	d.calls++
	return &fakeSession{}, nil
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestIdlePoolRefillsToTargetSize(t *testing.T) {
	res := resolver.New(time.Minute)
	d := &fakeDialer{}
	p := New(3, "127.0.0.1:9999", res, d, rate.Inf)

	p.Get() // empty pool: triggers refill, returns (nil, false)

	waitUntil(t, time.Second, func() bool { return p.Len() == 3 })
}

func TestIdlePoolGetReturnsHeadAndReIndexes(t *testing.T) {
	res := resolver.New(time.Minute)
	d := &fakeDialer{}
	p := New(1, "127.0.0.1:9999", res, d, rate.Inf)

	p.kick()
	waitUntil(t, time.Second, func() bool { return p.Len() > 0 })

	session, ok := p.Get()
	if !ok {
		t.Fatal("expected a session once refill completed")
	}
	if !session.ResetIndex(reactor.MinIndex + 5) {
		t.Fatal("expected ResetIndex to succeed on a freshly issued session")
	}
	if session.Index() != reactor.MinIndex+5 {
		t.Fatalf("Index() = %d, want %d", session.Index(), reactor.MinIndex+5)
	}
}
