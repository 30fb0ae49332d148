package proxy

import (
	"sync"
	"testing"
	"time"

	"gatetun/internal/envelope"
	"gatetun/internal/reactor"
	"gatetun/internal/status"
)

// fakeSession is a minimal tunnel.Session double that replays a
// pre-scripted sequence of DoRead chunks, for exercising the
// connect-request parsing loop without a real transport.
type fakeSession struct {
	status.Mu

	mu     sync.Mutex
	chunks [][]byte
	idx    reactor.Index
}

func (f *fakeSession) WriteSession(data []byte) bool { return true }

func (f *fakeSession) DoRead() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.chunks) == 0 {
		return nil, false
	}
	c := f.chunks[0]
	f.chunks = f.chunks[1:]
	return c, true
}

func (f *fakeSession) DoSend()                           {}
func (f *fakeSession) IsShutdown() bool                  { return f.GetStatus() != status.Established }
func (f *fakeSession) PeerClosed()                       { f.SetStatus(status.PeerClosed) }
func (f *fakeSession) Deregistered() bool                { return f.GetStatus() == status.Deregistered }
func (f *fakeSession) CloseConn()                        {}
func (f *fakeSession) Deregister()                       {}
func (f *fakeSession) FinishSend() bool                  { return true }
func (f *fakeSession) Shutdown()                         { f.SetStatus(status.Shutdown) }
func (f *fakeSession) ResetIndex(idx reactor.Index) bool { f.idx = idx; return true }
func (f *fakeSession) Index() reactor.Index              { return f.idx }

func chunksOf(buf []byte, size int) [][]byte {
	var out [][]byte
	for len(buf) > 0 {
		n := size
		if n > len(buf) {
			n = len(buf)
		}
		out = append(out, append([]byte(nil), buf[:n]...))
		buf = buf[n:]
	}
	return out
}

func TestReadConnectRequestWholePacketInOneRead(t *testing.T) {
	buf, err := envelope.AppendConnectRequest(nil, envelope.Connect, envelope.Addr{Host: "10.0.0.1", Port: 80})
	if err != nil {
		t.Fatalf("AppendConnectRequest: %v", err)
	}
	s := &fakeSession{chunks: [][]byte{buf}}

	cmd, dst, err := readConnectRequest(s)
	if err != nil {
		t.Fatalf("readConnectRequest: %v", err)
	}
	if cmd != envelope.Connect || dst.Host != "10.0.0.1" || dst.Port != 80 {
		t.Fatalf("cmd=%v dst=%+v", cmd, dst)
	}
}

func TestReadConnectRequestSplitAcrossReads(t *testing.T) {
	buf, err := envelope.AppendConnectRequest(nil, envelope.UDPAssociate, envelope.Addr{Host: "www.example.com", Port: 53})
	if err != nil {
		t.Fatalf("AppendConnectRequest: %v", err)
	}
	s := &fakeSession{chunks: chunksOf(buf, 3)}

	cmd, dst, err := readConnectRequest(s)
	if err != nil {
		t.Fatalf("readConnectRequest: %v", err)
	}
	if cmd != envelope.UDPAssociate || dst.Host != "www.example.com" || dst.Port != 53 {
		t.Fatalf("cmd=%v dst=%+v", cmd, dst)
	}
}

func TestReadConnectRequestInvalidHeader(t *testing.T) {
	s := &fakeSession{chunks: [][]byte{{byte(envelope.Connect), 0x7f, 0, 0, 0, 0}}}

	if _, _, err := readConnectRequest(s); err != errInvalidConnectRequest {
		t.Fatalf("err = %v, want errInvalidConnectRequest", err)
	}
}

func TestReadConnectRequestTimesOutWhenSessionDies(t *testing.T) {
	s := &fakeSession{}
	s.SetStatus(status.Deregistered)

	start := time.Now()
	if _, _, err := readConnectRequest(s); err != errConnectRequestTimeout {
		t.Fatalf("err = %v, want errConnectRequestTimeout", err)
	}
	if time.Since(start) > connectHeaderTimeout {
		t.Fatal("readConnectRequest should return promptly once the session is no longer Established")
	}
}
