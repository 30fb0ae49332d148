package proxy

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"gatetun/internal/envelope"
	"gatetun/internal/flog"
	"gatetun/internal/reactor"
	"gatetun/internal/status"
	"gatetun/internal/tunnel"
)

// udpHalf is the bound-UDP-socket side status.Provider for one
// UDP-associate flow, per spec.md §3's UdpBackend.
type udpHalf struct {
	status.Mu

	conn net.PacketConn

	sendMu    sync.Mutex
	carryOver []byte

	closeOnce sync.Once
	deregOnce sync.Once
	deregFlag bool
}

func (h *udpHalf) CloseConn() {
	h.closeOnce.Do(func() { h.conn.Close() })
}

func (h *udpHalf) Deregister() {
	h.deregOnce.Do(func() {
		h.sendMu.Lock()
		h.deregFlag = true
		h.sendMu.Unlock()
	})
}

func (h *udpHalf) Deregistered() bool {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return h.deregFlag
}

func (h *udpHalf) FinishSend() bool {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return len(h.carryOver) == 0
}

// UdpBackend owns one ephemeral UDP socket dispatching envelope-framed
// datagrams to their real destinations on behalf of one UDP-associate
// tunnel session, and wraps replies back into the envelope's datagram
// framing toward that session.
type UdpBackend struct {
	idx     reactor.Index
	local   *udpHalf
	session tunnel.Session

	lastActive    atomic.Int64
	idleDuration  time.Duration
	maxPacketSize int

	bytesRead  atomic.Uint64
	bytesSent  atomic.Uint64
	remoteAddr atomic.Value // net.Addr, last observed peer

	log flog.Logger
}

// NewUDPBackend binds a fresh ephemeral UDP socket and starts the
// dispatch (tunnel -> destination) and read (destination -> tunnel)
// loops for the given session. maxPacketSize is cfg.Pool.MaxPacketSize,
// sizing the recv scratch buffer per spec.md §6.
func NewUDPBackend(idx reactor.Index, session tunnel.Session, idleDuration time.Duration, maxPacketSize int) (*UdpBackend, error) {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, errors.Wrap(err, "bind ephemeral udp socket")
	}
	b := &UdpBackend{
		idx:           idx,
		local:         &udpHalf{conn: conn},
		session:       session,
		idleDuration:  idleDuration,
		maxPacketSize: packetSizeOr(maxPacketSize),
		log:           flog.For("udp"),
	}
	b.touch()
	go b.readLoop()
	go b.dispatchLoop()
	return b, nil
}

func (b *UdpBackend) touch() {
	b.lastActive.Store(time.Now().UnixNano())
}

// dispatchLoop drains datagrams the tunnel session delivers toward the
// real destination, per spec.md §4.4's send path.
func (b *UdpBackend) dispatchLoop() {
	for {
		chunk, ok := b.session.DoRead()
		if !ok {
			if b.session.GetStatus() != status.Established {
				break
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		b.touch()
		if !b.dispatch(chunk) {
			break
		}
	}
	b.local.SetStatus(status.Shutdown)
	status.Check(b.local)
	status.Check(b.session)
}

// dispatch implements spec.md §4.4's send path: frames are parsed out of
// the (possibly carried-over) buffer one at a time; a short send or an
// invalid frame is fatal to the flow; a Continued result stashes the
// remainder and waits for more bytes.
func (b *UdpBackend) dispatch(data []byte) bool {
	b.local.sendMu.Lock()
	defer b.local.sendMu.Unlock()

	buf := data
	if len(b.local.carryOver) > 0 {
		buf = append(b.local.carryOver, data...)
		b.local.carryOver = nil
	}

	for len(buf) > 0 {
		pkt, result, consumed := envelope.ParseUDP(buf)
		switch result {
		case envelope.ResultPacket:
			udpAddr, err := net.ResolveUDPAddr("udp", pkt.Addr.String())
			if err != nil {
				b.local.SetStatus(status.Shutdown)
				return false
			}
			n, err := b.local.conn.WriteTo(pkt.Payload, udpAddr)
			if err != nil || n < len(pkt.Payload) {
				b.log.Warnf("udp send_to %s truncated or failed: %v", udpAddr, err)
				b.local.SetStatus(status.Shutdown)
				return false
			}
			b.bytesSent.Add(uint64(n))
			buf = buf[consumed:]
		case envelope.ResultContinued:
			b.local.carryOver = append([]byte(nil), buf...)
			return true
		case envelope.ResultInvalid:
			b.local.SetStatus(status.Shutdown)
			return false
		}
	}
	return true
}

// readLoop implements spec.md §4.4's read path: datagrams arriving from
// the real destination are wrapped in the UDP frame header and written
// to the session.
func (b *UdpBackend) readLoop() {
	body := make([]byte, b.maxPacketSize)
	for {
		b.local.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := b.local.conn.ReadFrom(body)
		if err != nil {
			if isTimeoutErr(err) {
				continue
			}
			b.local.SetStatus(status.Shutdown)
			break
		}
		b.touch()
		b.bytesRead.Add(uint64(n))
		b.remoteAddr.Store(addr)

		srcAddr, ok := toEnvelopeAddr(addr)
		if !ok {
			continue
		}
		frame, err := envelope.AppendUDPHeader(nil, srcAddr, body[:n])
		if err != nil {
			b.local.SetStatus(status.Shutdown)
			break
		}
		if !b.session.WriteSession(frame) {
			break
		}
	}
	b.session.DoSend()
	b.session.PeerClosed()
	status.Check(b.local)
	status.Check(b.session)
}

// AcceptUDP is the relay side of spec.md §4.4's Setup: the tunnel session
// already exists and carried a UDPAssociate command, so the only
// remaining work is binding a fresh ephemeral UDP socket, re-registering
// the session under a live flow index, and registering the pair with the
// reactor. maxPacketSize is cfg.Pool.MaxPacketSize, same role as in
// NewUDPBackend.
func AcceptUDP(session tunnel.Session, rx *reactor.Reactor, idleDuration time.Duration, maxPacketSize int) (*UdpBackend, error) {
	idx := rx.NextIndex()
	if !session.ResetIndex(idx) {
		rx.Deregister(idx)
		status.Check(session)
		return nil, ErrSessionRejected
	}
	b, err := NewUDPBackend(idx, session, idleDuration, maxPacketSize)
	if err != nil {
		rx.Deregister(idx)
		session.Shutdown()
		status.Check(session)
		return nil, err
	}
	rx.Register(idx, b)
	return b, nil
}

// Index reports the connection index this backend is registered under.
func (b *UdpBackend) Index() reactor.Index { return b.idx }

// RemoteAddr reports the last observed source address of a datagram
// received on the bound socket, or nil if none has arrived yet.
func (b *UdpBackend) RemoteAddr() net.Addr {
	addr, _ := b.remoteAddr.Load().(net.Addr)
	return addr
}

// BytesRead reports bytes received from the real destination.
func (b *UdpBackend) BytesRead() uint64 { return b.bytesRead.Load() }

// BytesSent reports bytes sent to the real destination.
func (b *UdpBackend) BytesSent() uint64 { return b.bytesSent.Load() }

func toEnvelopeAddr(addr net.Addr) (envelope.Addr, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return envelope.Addr{}, false
	}
	return envelope.Addr{Host: udpAddr.IP.String(), Port: uint16(udpAddr.Port)}, true
}

// Timeout implements reactor.Flow, per spec.md §4.4's get_timeout.
func (b *UdpBackend) Timeout(now time.Time) bool {
	idle := now.Sub(time.Unix(0, b.lastActive.Load()))
	return idle > b.idleDuration
}

// Destroy implements reactor.Flow.
func (b *UdpBackend) Destroy() {
	b.local.SetStatus(status.Shutdown)
	b.session.SetStatus(status.Shutdown)
	status.Check(b.local)
	status.Check(b.session)
}

// Reaped implements reactor.Flow.
func (b *UdpBackend) Reaped() bool {
	return b.local.GetStatus() == status.Deregistered && b.session.GetStatus() == status.Deregistered
}

var _ reactor.Flow = (*UdpBackend)(nil)
