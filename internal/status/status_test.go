package status

import "testing"

type fakeProvider struct {
	Mu
	closed     bool
	deregd     bool
	pending    int
	closeCalls int
}

func (f *fakeProvider) CloseConn()        { f.closed = true; f.closeCalls++ }
func (f *fakeProvider) Deregister()       { f.deregd = true }
func (f *fakeProvider) FinishSend() bool  { return f.pending == 0 }

func TestCheckEstablishedNoop(t *testing.T) {
	p := &fakeProvider{}
	Check(p)
	if p.closed || p.deregd {
		t.Fatal("Established should not close or deregister")
	}
}

func TestCheckShutdownWaitsForDrain(t *testing.T) {
	p := &fakeProvider{pending: 5}
	p.SetStatus(Shutdown)
	Check(p)
	if p.closed {
		t.Fatal("should not close while send queue nonempty")
	}
	p.pending = 0
	Check(p)
	if !p.closed || !p.deregd {
		t.Fatal("expected close+deregister once drained")
	}
	if p.GetStatus() != Deregistered {
		t.Fatalf("status = %v, want Deregistered", p.GetStatus())
	}
}

func TestCheckPeerClosedShortCircuits(t *testing.T) {
	p := &fakeProvider{}
	p.SetStatus(PeerClosed)
	Check(p)
	if !p.closed || !p.deregd || p.GetStatus() != Deregistered {
		t.Fatal("PeerClosed with empty queue should close immediately")
	}
}

func TestCheckIdempotent(t *testing.T) {
	p := &fakeProvider{}
	p.SetStatus(Shutdown)
	Check(p)
	Check(p)
	Check(p)
	if p.closeCalls != 1 {
		t.Fatalf("CloseConn called %d times, want 1 (Deregistered is terminal)", p.closeCalls)
	}
}

func TestStatusMonotone(t *testing.T) {
	var m Mu
	m.SetStatus(Shutdown)
	m.SetStatus(Established) // must not move backwards
	if m.GetStatus() != Shutdown {
		t.Fatalf("status regressed to %v", m.GetStatus())
	}
	m.SetStatus(Deregistered)
	m.SetStatus(PeerClosed)
	if m.GetStatus() != Deregistered {
		t.Fatalf("status regressed from terminal to %v", m.GetStatus())
	}
}
