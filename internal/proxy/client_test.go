package proxy

import (
	"net"
	"sync"
	"testing"
	"time"

	"gatetun/internal/conf"
	"gatetun/internal/envelope"
	"gatetun/internal/status"
)

func testAssociator(t *testing.T) *udpAssociator {
	t.Helper()
	cfg := &conf.Conf{Pool: conf.Pool{UDPIdleDuration: 50 * time.Millisecond}}
	return newUDPAssociator(nil, nil, cfg)
}

func TestUDPAssociatorReusesEstablishedSession(t *testing.T) {
	u := testAssociator(t)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000}
	s := &fakeSession{}
	u.active[addr.String()] = s

	got, err := u.sessionFor(addr, func([]byte) error { return nil })
	if err != nil {
		t.Fatalf("sessionFor: %v", err)
	}
	if got != s {
		t.Fatal("sessionFor returned a different session than the cached one")
	}
}

func TestUDPAssociatorForgetRemovesEntry(t *testing.T) {
	u := testAssociator(t)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40001}
	u.active[addr.String()] = &fakeSession{}

	u.forget(addr)

	u.mu.Lock()
	_, ok := u.active[addr.String()]
	u.mu.Unlock()
	if ok {
		t.Fatal("forget should remove the cached session")
	}
}

func TestUDPAssociatorDrainDeliversReplies(t *testing.T) {
	u := testAssociator(t)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40002}

	frame, err := envelope.AppendUDPHeader(nil, envelope.Addr{Host: "1.2.3.4", Port: 53}, []byte("hello"))
	if err != nil {
		t.Fatalf("AppendUDPHeader: %v", err)
	}
	s := &fakeSession{chunks: [][]byte{frame}}
	u.active[addr.String()] = s

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	reply := func(payload []byte) error {
		mu.Lock()
		got = append([]byte(nil), payload...)
		mu.Unlock()
		close(done)
		return nil
	}

	go u.drain(addr, s, reply)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(got) != "hello" {
		t.Fatalf("reply payload = %q, want %q", got, "hello")
	}

	s.SetStatus(status.Deregistered)
}

func TestUDPAssociatorDrainExitsOnInvalidFrame(t *testing.T) {
	u := testAssociator(t)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40003}
	s := &fakeSession{chunks: [][]byte{{0xff, 0xff, 0xff, 0xff}}}
	u.active[addr.String()] = s

	done := make(chan struct{})
	go func() {
		u.drain(addr, s, func([]byte) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain should return once it observes an invalid frame")
	}

	u.mu.Lock()
	_, stillActive := u.active[addr.String()]
	u.mu.Unlock()
	if stillActive {
		t.Fatal("drain exit should forget the session")
	}
}
