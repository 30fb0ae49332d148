package tunnel

import (
	"net"
	"testing"
	"time"

	"gatetun/internal/reactor"
	"gatetun/internal/status"
)

func pipePair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestStreamSessionWriteAndRead(t *testing.T) {
	client, peer := pipePair()
	defer peer.Close()
	defer client.Close()

	s := newStreamSession(client, 10, 4096)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := peer.Read(buf)
		done <- buf[:n]
	}()

	if !s.WriteSession([]byte("hello")) {
		t.Fatal("WriteSession returned false")
	}

	select {
	case got := <-done:
		if string(got) != "hello" {
			t.Fatalf("peer read %q, want %q", got, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer to read")
	}
}

func TestStreamSessionDoReadDrainsBackgroundLoop(t *testing.T) {
	client, peer := pipePair()
	defer peer.Close()
	defer client.Close()

	s := newStreamSession(client, 11, 4096)

	go peer.Write([]byte("world"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if chunk, ok := s.DoRead(); ok {
			if string(chunk) != "world" {
				t.Fatalf("got %q, want %q", chunk, "world")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("DoRead never produced the written chunk")
}

func TestStreamSessionPeerClosedThenDrainCloses(t *testing.T) {
	client, peer := pipePair()
	defer peer.Close()

	s := newStreamSession(client, 12, 4096)
	s.PeerClosed()

	if s.GetStatus() != status.PeerClosed {
		t.Fatalf("status = %v, want PeerClosed", s.GetStatus())
	}
	if !s.FinishSend() {
		t.Fatal("FinishSend should be true with nothing queued")
	}

	status.Check(s)
	if s.GetStatus() != status.Deregistered {
		t.Fatalf("status = %v, want Deregistered", s.GetStatus())
	}
	if !s.Deregistered() {
		t.Fatal("expected Deregistered() true")
	}
}

func TestStreamSessionResetIndexRejectsAfterShutdown(t *testing.T) {
	client, peer := pipePair()
	defer peer.Close()
	defer client.Close()

	s := newStreamSession(client, 13, 4096)
	if s.Index() != 13 {
		t.Fatalf("Index() = %d, want 13", s.Index())
	}
	if !s.ResetIndex(reactor.MinIndex + 1) {
		t.Fatal("ResetIndex should succeed while Established")
	}
	if s.Index() != reactor.MinIndex+1 {
		t.Fatalf("Index() = %d, want %d", s.Index(), reactor.MinIndex+1)
	}

	s.Shutdown()
	if s.ResetIndex(99) {
		t.Fatal("ResetIndex should fail once the session is shutting down")
	}
}

func TestStreamSessionCarryOverCeilingShutsDown(t *testing.T) {
	client, peer := pipePair()
	defer peer.Close()
	defer client.Close()

	s := newStreamSession(client, 14, 4096)
	s.sendMu.Lock()
	s.sendBuf = make([]byte, s.carryCeiling+1)
	s.sendMu.Unlock()

	if s.WriteSession([]byte{1}) {
		t.Fatal("WriteSession should fail once the carry-over ceiling is exceeded")
	}
	if s.GetStatus() != status.Shutdown {
		t.Fatalf("status = %v, want Shutdown", s.GetStatus())
	}
}
