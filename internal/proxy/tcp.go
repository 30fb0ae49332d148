// Package proxy implements the TCP driver (spec.md §4.3) and the UDP
// backend driver (spec.md §4.4): the two per-flow state machines that
// shuttle bytes between an intercepted client socket and a tunnel
// session, sharing the status-provider lifecycle from package status.
//
// The reference design drives both halves of a flow from one
// single-threaded reactor loop. This implementation instead runs each
// half on its own goroutine (see internal/reactor's package doc for why),
// coordinated through the same status automaton so the externally
// observable lifecycle — Setup, Active, drain-on-shutdown, Reaped — is
// identical.
package proxy

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gatetun/internal/envelope"
	"gatetun/internal/flog"
	"gatetun/internal/pool"
	"gatetun/internal/reactor"
	"gatetun/internal/status"
	"gatetun/internal/tunnel"
)

// defaultMaxPacketSize is the recv scratch buffer size used when a
// Connection or UdpBackend is built without an explicit max_packet_size
// (cfg.Pool.MaxPacketSize defaults to this same value — see
// internal/conf's Pool.setDefaults), matching spec.md §6's
// max_packet_size configuration option.
const defaultMaxPacketSize = 16 * 1024

// packetSizeOr returns n if it's positive, else defaultMaxPacketSize. The
// production paths (SetupTCP, AcceptTCP, NewUDPBackend) always pass a
// validated cfg.Pool.MaxPacketSize; this only guards direct struct
// construction in tests.
func packetSizeOr(n int) int {
	if n <= 0 {
		return defaultMaxPacketSize
	}
	return n
}

// ceilingOr mirrors packetSizeOr for a carry-over ceiling already computed
// as 4x a max packet size.
func ceilingOr(n int) int {
	if n <= 0 {
		return 4 * defaultMaxPacketSize
	}
	return n
}

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

var (
	// ErrPoolExhausted is returned by SetupTCP when the idle pool has no
	// ready session and a flow must be dropped, per spec.md §4.5/§8
	// scenario 6.
	ErrPoolExhausted = errors.New("proxy: idle pool exhausted")
	// ErrSessionRejected means a session popped from the idle pool refused
	// ResetIndex; the session has already run its own lifecycle check and
	// must not be reused.
	ErrSessionRejected = errors.New("proxy: idle session rejected reset_index")
	// ErrEnvelopeWriteFailed means a fresh session rejected the connect
	// envelope, a setup failure per spec.md §7.
	ErrEnvelopeWriteFailed = errors.New("proxy: session rejected connect envelope")
)

// tcpHalf is the client-socket side status.Provider for one TCP flow.
type tcpHalf struct {
	status.Mu

	conn net.Conn

	// carryCeiling bounds sendBuf, per spec.md §9; zero falls back to
	// 4*defaultMaxPacketSize via tcpSend's ceilingOr helper.
	carryCeiling int

	// written counts bytes actually handed to conn.Write, as opposed to
	// bytes merely queued into sendBuf by a short write — see BytesSent.
	written atomic.Uint64

	sendMu  sync.Mutex
	sendBuf []byte

	closeOnce sync.Once
	deregOnce sync.Once
	deregFlag bool
}

func (h *tcpHalf) CloseConn() {
	h.closeOnce.Do(func() { h.conn.Close() })
}

func (h *tcpHalf) Deregister() {
	h.deregOnce.Do(func() {
		h.sendMu.Lock()
		h.deregFlag = true
		h.sendMu.Unlock()
	})
}

func (h *tcpHalf) Deregistered() bool {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return h.deregFlag
}

func (h *tcpHalf) FinishSend() bool {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return len(h.sendBuf) == 0
}

func (h *tcpHalf) flushLocked() bool {
	if len(h.sendBuf) == 0 {
		return true
	}
	h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := h.conn.Write(h.sendBuf)
	h.written.Add(uint64(n))
	h.sendBuf = h.sendBuf[n:]
	if err != nil && !isTimeoutErr(err) {
		h.SetStatus(status.Shutdown)
		return false
	}
	return true
}

func isTimeoutErr(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// tcpSend is the send discipline from spec.md §4.3: queued bytes are
// always flushed ahead of new ones, and a short write's tail is queued
// rather than dropped. Returns false on a hard error.
func tcpSend(h *tcpHalf, data []byte) bool {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	if len(h.sendBuf) > 0 {
		h.sendBuf = append(h.sendBuf, data...)
		if len(h.sendBuf) > ceilingOr(h.carryCeiling) {
			h.SetStatus(status.Shutdown)
			return false
		}
		return h.flushLocked()
	}

	h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := h.conn.Write(data)
	h.written.Add(uint64(n))
	if err != nil {
		if n < len(data) {
			h.sendBuf = append(h.sendBuf, data[n:]...)
		}
		if !isTimeoutErr(err) {
			h.SetStatus(status.Shutdown)
			return false
		}
	}
	return true
}

// tcpRead is the read discipline from spec.md §4.3: one blocking read
// into scratch, handed whole to session.WriteSession. Returns false on
// EOF or hard error; a read timeout is not an error, just "nothing this
// round", matching the reactor design's WouldBlock.
func tcpRead(conn net.Conn, scratch []byte, session tunnel.Session) bool {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	n, err := conn.Read(scratch)
	if n > 0 {
		if !session.WriteSession(scratch[:n]) {
			return false
		}
	}
	if err != nil {
		if isTimeoutErr(err) {
			return true
		}
		return false
	}
	return true
}

// Connection is one TCP flow: an intercepted client socket paired with
// a tunnel session, per spec.md §3's TcpConnection.
type Connection struct {
	idx reactor.Index
	dst envelope.Addr

	client  *tcpHalf
	session tunnel.Session

	clientTime    time.Time
	lastActive    atomic.Int64
	bytesRead     atomic.Uint64
	idleDuration  time.Duration
	maxPacketSize int

	log flog.Logger
}

// SetupTCP implements spec.md §4.3's Setup state: it claims a session
// from the idle pool, re-registers it under a freshly allocated flow
// index, enqueues the connect envelope, and starts both pump goroutines.
// On any failure it returns an error and leaves no registration behind.
// maxPacketSize is cfg.Pool.MaxPacketSize, sizing the recv scratch buffer
// and the outbound carry-over ceiling per spec.md §6/§9.
func SetupTCP(clientConn net.Conn, dst envelope.Addr, idlePool *pool.IdlePool, rx *reactor.Reactor, idleDuration time.Duration, maxPacketSize int) (*Connection, error) {
	if tc, ok := clientConn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	session, ok := idlePool.Get()
	if !ok {
		return nil, ErrPoolExhausted
	}

	idx := rx.NextIndex()
	if !session.ResetIndex(idx) {
		rx.Deregister(idx)
		status.Check(session)
		return nil, ErrSessionRejected
	}

	envBuf, err := envelope.AppendConnectRequest(nil, envelope.Connect, dst)
	if err != nil {
		rx.Deregister(idx)
		session.Shutdown()
		status.Check(session)
		return nil, err
	}
	if !session.WriteSession(envBuf) {
		rx.Deregister(idx)
		status.Check(session)
		return nil, ErrEnvelopeWriteFailed
	}

	c := &Connection{
		idx:           idx,
		dst:           dst,
		client:        &tcpHalf{conn: clientConn, carryCeiling: 4 * packetSizeOr(maxPacketSize)},
		session:       session,
		clientTime:    time.Now(),
		idleDuration:  idleDuration,
		maxPacketSize: packetSizeOr(maxPacketSize),
		log:           flog.For("tcp"),
	}
	c.touch()

	rx.Register(idx, c)
	go c.pumpClientToSession()
	go c.pumpSessionToClient()
	return c, nil
}

// AcceptTCP is the relay side of spec.md §4.3's Setup state: the tunnel
// session already exists (handed off by the transport listener after the
// connect-request header was parsed), so there is no idle pool to draw
// from and no envelope left to write — only the freshly dialed real
// destination needs pairing with the session and both pumps started.
// maxPacketSize is cfg.Pool.MaxPacketSize, same role as in SetupTCP.
func AcceptTCP(session tunnel.Session, dstConn net.Conn, rx *reactor.Reactor, idleDuration time.Duration, maxPacketSize int) (*Connection, error) {
	idx := rx.NextIndex()
	if !session.ResetIndex(idx) {
		rx.Deregister(idx)
		status.Check(session)
		return nil, ErrSessionRejected
	}

	c := &Connection{
		idx:           idx,
		client:        &tcpHalf{conn: dstConn, carryCeiling: 4 * packetSizeOr(maxPacketSize)},
		session:       session,
		clientTime:    time.Now(),
		idleDuration:  idleDuration,
		maxPacketSize: packetSizeOr(maxPacketSize),
		log:           flog.For("tcp"),
	}
	c.touch()

	rx.Register(idx, c)
	go c.pumpClientToSession()
	go c.pumpSessionToClient()
	return c, nil
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Connection) pumpClientToSession() {
	scratch := make([]byte, packetSizeOr(c.maxPacketSize))
	for {
		ok := tcpRead(c.client.conn, scratch, c.session)
		c.touch()
		if !ok {
			break
		}
	}
	c.client.SetStatus(status.Shutdown)
	c.session.PeerClosed()
	status.Check(c.client)
	status.Check(c.session)
}

func (c *Connection) pumpSessionToClient() {
	for {
		chunk, ok := c.session.DoRead()
		if !ok {
			if c.session.GetStatus() != status.Established {
				break
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		c.touch()
		c.bytesRead.Add(uint64(len(chunk)))
		if !tcpSend(c.client, chunk) {
			break
		}
	}
	c.session.SetStatus(status.Shutdown)
	c.client.SetStatus(status.PeerClosed)
	status.Check(c.session)
	status.Check(c.client)
}

// Timeout implements reactor.Flow.
func (c *Connection) Timeout(now time.Time) bool {
	idle := now.Sub(time.Unix(0, c.lastActive.Load()))
	return idle > c.idleDuration
}

// Destroy implements reactor.Flow: shuts both halves, idempotently.
func (c *Connection) Destroy() {
	c.client.SetStatus(status.Shutdown)
	c.session.SetStatus(status.Shutdown)
	status.Check(c.client)
	status.Check(c.session)
}

// Reaped implements reactor.Flow.
func (c *Connection) Reaped() bool {
	return c.client.GetStatus() == status.Deregistered && c.session.GetStatus() == status.Deregistered
}

// BytesRead reports bytes pulled from the tunnel session toward the
// client, for accounting/metrics.
func (c *Connection) BytesRead() uint64 { return c.bytesRead.Load() }

// BytesSent reports bytes actually written to the client socket, as
// opposed to bytes merely queued in the carry-over buffer awaiting a
// future write.
func (c *Connection) BytesSent() uint64 { return c.client.written.Load() }

var _ reactor.Flow = (*Connection)(nil)
