package proxy

import (
	"net"
	"testing"
	"time"

	"gatetun/internal/envelope"
	"gatetun/internal/status"
)

func TestUdpDispatchSendsToDestination(t *testing.T) {
	dest, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen dest: %v", err)
	}
	defer dest.Close()

	local, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen local: %v", err)
	}
	defer local.Close()

	b := &UdpBackend{local: &udpHalf{conn: local}, idleDuration: time.Minute}

	destAddr := dest.LocalAddr().(*net.UDPAddr)
	frame, err := envelope.AppendUDPHeader(nil, envelope.Addr{Host: destAddr.IP.String(), Port: uint16(destAddr.Port)}, []byte("ping"))
	if err != nil {
		t.Fatalf("AppendUDPHeader: %v", err)
	}

	if !b.dispatch(frame) {
		t.Fatal("dispatch returned false")
	}

	dest.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, _, err := dest.ReadFrom(buf)
	if err != nil {
		t.Fatalf("dest.ReadFrom: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want %q", buf[:n], "ping")
	}
}

func TestUdpDispatchStashesPartialFrame(t *testing.T) {
	local, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen local: %v", err)
	}
	defer local.Close()

	b := &UdpBackend{local: &udpHalf{conn: local}, idleDuration: time.Minute}

	frame, err := envelope.AppendUDPHeader(nil, envelope.Addr{Host: "127.0.0.1", Port: 9}, []byte("hello"))
	if err != nil {
		t.Fatalf("AppendUDPHeader: %v", err)
	}

	if !b.dispatch(frame[:3]) {
		t.Fatal("dispatch on a partial frame should not fail")
	}
	if len(b.local.carryOver) != 3 {
		t.Fatalf("carryOver len = %d, want 3", len(b.local.carryOver))
	}

	if !b.dispatch(frame[3:]) {
		t.Fatal("dispatch of the remainder should succeed")
	}
	if len(b.local.carryOver) != 0 {
		t.Fatalf("carryOver should be drained, got %d bytes", len(b.local.carryOver))
	}
}

func TestUdpDispatchInvalidAddrTypeShutsDown(t *testing.T) {
	local, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen local: %v", err)
	}
	defer local.Close()

	b := &UdpBackend{local: &udpHalf{conn: local}, idleDuration: time.Minute}

	if b.dispatch([]byte{0x7f, 0, 0, 0, 0}) {
		t.Fatal("expected dispatch to fail on an invalid address type")
	}
	if b.local.GetStatus() != status.Shutdown {
		t.Fatalf("status = %v, want Shutdown", b.local.GetStatus())
	}
}
