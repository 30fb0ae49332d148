package transport

import (
	"context"

	"github.com/quic-go/quic-go"
	"github.com/xtaci/kcp-go/v5"

	"gatetun/internal/flog"
	"gatetun/internal/reactor"
	"gatetun/internal/tunnel"
)

type acceptedSession struct {
	session tunnel.Session
	err     error
}

// quicListener is the relay side of the QUIC transport: one listening
// UDP socket accepting many client connections, each multiplexing many
// tunnel sessions as streams. Every accepted connection gets its own
// drain goroutine feeding the shared sessions channel, so Accept sees
// streams from all clients as one flat sequence.
type quicListener struct {
	log           flog.Logger
	ln            *quic.Listener
	sessions      chan acceptedSession
	maxPacketSize int
}

func newQUICListener(addr string, maxPacketSize int) (Listener, error) {
	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{})
	if err != nil {
		return nil, err
	}
	l := &quicListener{log: flog.For("transport"), ln: ln, sessions: make(chan acceptedSession, 64), maxPacketSize: maxPacketSize}
	go l.acceptConns()
	return l, nil
}

func (l *quicListener) acceptConns() {
	for {
		conn, err := l.ln.Accept(context.Background())
		if err != nil {
			l.sessions <- acceptedSession{err: err}
			return
		}
		go l.drainStreams(conn)
	}
}

func (l *quicListener) drainStreams(conn *quic.Conn) {
	mux := tunnel.WrapQUICMux(conn, l.maxPacketSize)
	for {
		session, err := mux.AcceptSession(context.Background(), 0)
		if err != nil {
			l.log.Debugf("quic connection from %s ended: %v", mux.RemoteAddr(), err)
			return
		}
		l.sessions <- acceptedSession{session: session}
	}
}

func (l *quicListener) Accept(ctx context.Context) (tunnel.Session, error) {
	select {
	case a := <-l.sessions:
		return a.session, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicListener) Close() error {
	return l.ln.Close()
}

// kcpListener is the relay side of the KCP+smux transport, following the
// same fan-in shape as quicListener: one KCP connection per client, each
// multiplexing many smux streams.
type kcpListener struct {
	log           flog.Logger
	ln            *kcp.Listener
	profile       tunnel.KCPProfile
	sessions      chan acceptedSession
	maxPacketSize int
}

func newKCPListener(addr string, block kcp.BlockCrypt, profile tunnel.KCPProfile, maxPacketSize int) (Listener, error) {
	ln, err := kcp.ListenWithOptions(addr, block, profile.DataShards, profile.ParityShards)
	if err != nil {
		return nil, err
	}
	l := &kcpListener{log: flog.For("transport"), ln: ln, profile: profile, sessions: make(chan acceptedSession, 64), maxPacketSize: maxPacketSize}
	go l.acceptConns()
	return l, nil
}

// kcpMuxAccepter narrows *tunnel.kcpMux to the relay's accept-side needs.
type kcpMuxAccepter interface {
	AcceptSession(idx reactor.Index) (tunnel.Session, error)
}

func (l *kcpListener) acceptConns() {
	for {
		mux, err := tunnel.AcceptKCPMux(l.ln, l.profile, l.maxPacketSize)
		if err != nil {
			l.sessions <- acceptedSession{err: err}
			return
		}
		go l.drainStreams(mux)
	}
}

func (l *kcpListener) drainStreams(mux kcpMuxAccepter) {
	for {
		session, err := mux.AcceptSession(0)
		if err != nil {
			l.log.Debugf("kcp mux ended: %v", err)
			return
		}
		l.sessions <- acceptedSession{session: session}
	}
}

func (l *kcpListener) Accept(ctx context.Context) (tunnel.Session, error) {
	select {
	case a := <-l.sessions:
		return a.session, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *kcpListener) Close() error {
	return l.ln.Close()
}
