// Package tunnel implements the TunnelSession contract spec.md §6 treats
// as an opaque external collaborator ("TlsConn"): write_session, do_read,
// do_send, is_shutdown, peer_closed, deregistered, shutdown, reset_index,
// check_status. The cryptographic/transport policy underneath is not our
// concern (§1 non-goal) — what this package owns is the bridge between a
// blocking Go stream (a QUIC stream, or a smux stream over KCP) and the
// TCP/UDP drivers' expectations of a non-blocking-shaped API.
package tunnel

import (
	"sync"
	"time"

	"gatetun/internal/reactor"
	"gatetun/internal/status"
)

// rawStream is the minimum a concrete transport (QUIC stream, smux
// stream) must offer to be wrapped as a Session.
type rawStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Session is the tunnel-session capability set the TCP and UDP drivers
// depend on.
type Session interface {
	status.Provider
	// WriteSession forwards data into the tunnel. Returns false on a hard
	// write failure, fatal to the owning flow.
	WriteSession(data []byte) bool
	// DoRead returns the next chunk read from the tunnel without
	// blocking, or (nil, false) if none is buffered right now.
	DoRead() ([]byte, bool)
	// DoSend flushes any buffered outbound bytes.
	DoSend()
	IsShutdown() bool
	// PeerClosed notifies this session that the paired client socket
	// closed, so its own drain-then-close sequencing can proceed.
	PeerClosed()
	Deregistered() bool
	Shutdown()
	// ResetIndex re-registers a pool-reserved session under a freshly
	// allocated flow index. Returns false if the session should be
	// discarded rather than reused (e.g. it already failed).
	ResetIndex(idx reactor.Index) bool
	// Index returns the connection index this session is currently
	// registered under.
	Index() reactor.Index
}

// streamSession adapts a blocking rawStream into a Session. A background
// goroutine drains Read() into a buffered channel so DoRead can be
// non-blocking, the same bridging idiom used to hand a blocking socket to
// an event-driven caller.
type streamSession struct {
	status.Mu

	// maxPacketSize bounds the read scratch buffer, per spec.md §3/§6's
	// configurable max_packet_size. carryCeiling bounds the outbound
	// carry-over buffer at 4x that, per spec.md §9: an unbounded
	// carry-over is a DoS vector, so flows whose peer cannot keep up past
	// this many queued bytes are dropped rather than buffered forever.
	maxPacketSize int
	carryCeiling  int

	stream rawStream
	idx    reactor.Index
	idxMu  sync.Mutex

	readCh   chan []byte
	readDone chan struct{}

	sendMu  sync.Mutex
	sendBuf []byte

	closeOnce  sync.Once
	deregOnce  sync.Once
	deregFlag  bool
	peerClosed bool
}

func newStreamSession(s rawStream, idx reactor.Index, maxPacketSize int) *streamSession {
	ss := &streamSession{
		stream:        s,
		idx:           idx,
		maxPacketSize: maxPacketSize,
		carryCeiling:  4 * maxPacketSize,
		readCh:        make(chan []byte, 64),
		readDone:      make(chan struct{}),
	}
	go ss.readLoop()
	return ss
}

func (s *streamSession) readLoop() {
	defer close(s.readDone)
	buf := make([]byte, s.maxPacketSize)
	for {
		s.stream.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, err := s.stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.readCh <- chunk:
			default:
				// Reader is behind; drop rather than block the stream's
				// own goroutine forever. The flow's idle timeout will
				// eventually reclaim a truly stuck peer.
			}
		}
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				continue
			}
			s.SetStatus(status.Shutdown)
			return
		}
	}
}

func (s *streamSession) WriteSession(data []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if len(s.sendBuf) > 0 {
		s.sendBuf = append(s.sendBuf, data...)
		if len(s.sendBuf) > s.carryCeiling {
			s.SetStatus(status.Shutdown)
			return false
		}
		return s.flushLocked()
	}
	s.stream.SetWriteDeadline(time.Now().Add(10 * time.Second))
	n, err := s.stream.Write(data)
	if err != nil {
		if n < len(data) {
			s.sendBuf = append(s.sendBuf, data[n:]...)
		}
		if !isTimeout(err) {
			s.SetStatus(status.Shutdown)
			return false
		}
		return true
	}
	return true
}

func (s *streamSession) flushLocked() bool {
	if len(s.sendBuf) == 0 {
		return true
	}
	s.stream.SetWriteDeadline(time.Now().Add(10 * time.Second))
	n, err := s.stream.Write(s.sendBuf)
	s.sendBuf = s.sendBuf[n:]
	if err != nil && !isTimeout(err) {
		s.SetStatus(status.Shutdown)
		return false
	}
	return true
}

func isTimeout(err error) bool {
	ne, ok := err.(interface{ Timeout() bool })
	return ok && ne.Timeout()
}

func (s *streamSession) DoSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.flushLocked()
}

func (s *streamSession) DoRead() ([]byte, bool) {
	select {
	case chunk := <-s.readCh:
		return chunk, true
	default:
		return nil, false
	}
}

func (s *streamSession) IsShutdown() bool {
	return s.GetStatus() == status.Shutdown
}

func (s *streamSession) PeerClosed() {
	s.sendMu.Lock()
	s.peerClosed = true
	s.sendMu.Unlock()
	s.SetStatus(status.PeerClosed)
}

func (s *streamSession) FinishSend() bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return len(s.sendBuf) == 0
}

func (s *streamSession) CloseConn() {
	s.closeOnce.Do(func() {
		s.stream.Close()
	})
}

func (s *streamSession) Deregister() {
	s.deregOnce.Do(func() {
		s.sendMu.Lock()
		s.deregFlag = true
		s.sendMu.Unlock()
	})
}

func (s *streamSession) Deregistered() bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.deregFlag
}

func (s *streamSession) Shutdown() {
	s.SetStatus(status.Shutdown)
}

func (s *streamSession) Index() reactor.Index {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	return s.idx
}

// ResetIndex re-registers this session under idx. It fails only if the
// session has already torn down — the idle pool must not hand out a dead
// session.
func (s *streamSession) ResetIndex(idx reactor.Index) bool {
	if s.GetStatus() != status.Established {
		return false
	}
	s.idxMu.Lock()
	s.idx = idx
	s.idxMu.Unlock()
	return true
}
