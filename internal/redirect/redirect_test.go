package redirect

import (
	"net"
	"testing"
)

func TestSetMarkZeroIsNoop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := SetMark(client.(*net.TCPConn), 0); err != nil {
		t.Fatalf("SetMark(0) should be a no-op, got: %v", err)
	}
}
