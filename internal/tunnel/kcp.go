package tunnel

import (
	"github.com/pkg/errors"
	"github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"

	"gatetun/internal/reactor"
)

// KCPProfile tunes the UDPSession knobs the same way every production KCP
// deployment does: nodelay mode trades bandwidth for latency, FEC shards
// trade bandwidth for loss resilience.
type KCPProfile struct {
	DataShards   int
	ParityShards int
	Nodelay      int
	Interval     int
	Resend       int
	NoCongestion int
	SndWindow    int
	RcvWindow    int
}

// DefaultKCPProfile matches the "fast2" preset widely used by KCP-based
// tunnels: low-latency nodelay mode with small FEC shards.
var DefaultKCPProfile = KCPProfile{
	DataShards:   10,
	ParityShards: 3,
	Nodelay:      1,
	Interval:     20,
	Resend:       2,
	NoCongestion: 1,
	SndWindow:    1024,
	RcvWindow:    1024,
}

func (p KCPProfile) apply(sess *kcp.UDPSession) {
	sess.SetNoDelay(p.Nodelay, p.Interval, p.Resend, p.NoCongestion)
	sess.SetWindowSize(p.SndWindow, p.RcvWindow)
	sess.SetStreamMode(true)
	sess.SetACKNoDelay(true)
}

func smuxConfig() *smux.Config {
	c := smux.DefaultConfig()
	c.Version = 2
	c.MaxFrameSize = 65535
	return c
}

// kcpMux is the smux session multiplexing many tunnel sessions over one
// KCP connection to the relay. Streams opened or accepted on it take the
// index their caller passes in.
type kcpMux struct {
	kcpConn       *kcp.UDPSession
	mux           *smux.Session
	maxPacketSize int
}

// DialKCPMux opens a KCP connection to addr and negotiates an smux session
// over it as the client side of the relay link.
func DialKCPMux(addr string, block kcp.BlockCrypt, profile KCPProfile, maxPacketSize int) (*kcpMux, error) {
	kcpConn, err := kcp.DialWithOptions(addr, block, profile.DataShards, profile.ParityShards)
	if err != nil {
		return nil, errors.Wrapf(err, "dial kcp %s", addr)
	}
	profile.apply(kcpConn)

	mux, err := smux.Client(kcpConn, smuxConfig())
	if err != nil {
		kcpConn.Close()
		return nil, errors.Wrap(err, "smux client over kcp")
	}
	return &kcpMux{kcpConn: kcpConn, mux: mux, maxPacketSize: maxPacketSize}, nil
}

// AcceptKCPMux accepts one KCP connection from ln and negotiates the
// relay side of the smux session over it.
func AcceptKCPMux(ln *kcp.Listener, profile KCPProfile, maxPacketSize int) (*kcpMux, error) {
	kcpConn, err := ln.AcceptKCP()
	if err != nil {
		return nil, err
	}
	profile.apply(kcpConn)

	mux, err := smux.Server(kcpConn, smuxConfig())
	if err != nil {
		kcpConn.Close()
		return nil, errors.Wrap(err, "smux server over kcp")
	}
	return &kcpMux{kcpConn: kcpConn, mux: mux, maxPacketSize: maxPacketSize}, nil
}

// OpenSession opens a new smux stream on the mux and wraps it as a
// pool-reserved tunnel Session.
func (m *kcpMux) OpenSession(idx reactor.Index) (Session, error) {
	stream, err := m.mux.OpenStream()
	if err != nil {
		return nil, err
	}
	return &smuxSession{streamSession: newStreamSession(stream, idx, m.maxPacketSize), mux: m}, nil
}

// AcceptSession blocks until the peer opens a stream on this mux.
func (m *kcpMux) AcceptSession(idx reactor.Index) (Session, error) {
	stream, err := m.mux.AcceptStream()
	if err != nil {
		return nil, err
	}
	return &smuxSession{streamSession: newStreamSession(stream, idx, m.maxPacketSize), mux: m}, nil
}

func (m *kcpMux) Close() error {
	m.mux.Close()
	return m.kcpConn.Close()
}

// IsClosed reports whether the underlying smux session has shut down, so
// the idle pool can tell a dead mux apart from one that is merely out of
// spare capacity.
func (m *kcpMux) IsClosed() bool {
	return m.mux.IsClosed()
}

// smuxSession is a tunnel Session backed by one smux stream multiplexed
// over a single KCP connection to the relay.
type smuxSession struct {
	*streamSession
	mux *kcpMux
}
