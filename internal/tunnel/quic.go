package tunnel

import (
	"context"
	"crypto/tls"

	"github.com/quic-go/quic-go"

	"gatetun/internal/reactor"
)

// quicMux is the QUIC connection multiplexing many tunnel sessions as
// bidirectional streams to one relay, mirroring kcpMux's role for the
// KCP+smux transport.
type quicMux struct {
	conn          *quic.Conn
	maxPacketSize int
}

// DialQUICMux opens a QUIC connection to addr as the client side of the
// relay link.
func DialQUICMux(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config, maxPacketSize int) (*quicMux, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	return &quicMux{conn: conn, maxPacketSize: maxPacketSize}, nil
}

// AcceptQUICMux accepts one QUIC connection from ln as the relay side.
func AcceptQUICMux(ctx context.Context, ln *quic.Listener, maxPacketSize int) (*quicMux, error) {
	conn, err := ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &quicMux{conn: conn, maxPacketSize: maxPacketSize}, nil
}

// WrapQUICMux adapts an already-accepted QUIC connection into a quicMux,
// for callers (such as a relay listener) that accept the raw connection
// themselves before handing streams off to per-connection drain loops.
func WrapQUICMux(conn *quic.Conn, maxPacketSize int) *quicMux {
	return &quicMux{conn: conn, maxPacketSize: maxPacketSize}
}

// RemoteAddr reports the address of the peer on the other end of the
// underlying QUIC connection, for logging.
func (m *quicMux) RemoteAddr() string {
	return m.conn.RemoteAddr().String()
}

// OpenSession opens a new QUIC stream and wraps it as a pool-reserved
// tunnel Session. The index is a placeholder until the caller assigns a
// real one via Session.ResetIndex.
func (m *quicMux) OpenSession(ctx context.Context, idx reactor.Index) (Session, error) {
	stream, err := m.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicSession{streamSession: newStreamSession(stream, idx, m.maxPacketSize), mux: m}, nil
}

// AcceptSession blocks until the peer opens a stream on this connection.
func (m *quicMux) AcceptSession(ctx context.Context, idx reactor.Index) (Session, error) {
	stream, err := m.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicSession{streamSession: newStreamSession(stream, idx, m.maxPacketSize), mux: m}, nil
}

func (m *quicMux) Close() error {
	return m.conn.CloseWithError(0, "closed")
}

// IsClosed reports whether the underlying QUIC connection has its close
// handshake already in flight.
func (m *quicMux) IsClosed() bool {
	select {
	case <-m.conn.Context().Done():
		return true
	default:
		return false
	}
}

// quicSession is a tunnel Session backed by one bidirectional QUIC
// stream opened against the upstream relay's connection.
type quicSession struct {
	*streamSession
	mux *quicMux
}
