// Package transport wires gatetun's two interchangeable wire protocols,
// QUIC and KCP+smux, behind the pool.Dialer contract the idle pool uses
// to refill, and behind a Listener contract the relay's accept loop
// uses to receive incoming tunnel sessions.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/xtaci/kcp-go/v5"

	"gatetun/internal/conf"
	"gatetun/internal/reactor"
	"gatetun/internal/tunnel"
)

// Listener accepts tunnel sessions opened by clients against the relay.
type Listener interface {
	Accept(ctx context.Context) (tunnel.Session, error)
	Close() error
}

// DialCloser is a pool.Dialer that can also be torn down, so the owning
// client can close the cached underlying connection on shutdown.
type DialCloser interface {
	Dial(ctx context.Context, relayAddr string) (tunnel.Session, error)
	Close() error
}

// NewDialer builds the client-side pool.Dialer for the configured
// protocol. maxPacketSize is cfg.Pool.MaxPacketSize, threaded down to the
// sessions this dialer opens so their read scratch buffers and carry-over
// ceilings follow the configured value instead of a hardcoded one.
func NewDialer(cfg *conf.Transport, maxPacketSize int) (DialCloser, error) {
	switch cfg.Protocol {
	case "quic":
		return &quicDialer{maxPacketSize: maxPacketSize}, nil
	case "kcp":
		block, err := conf.NewBlockCrypt(cfg.Block, cfg.BlockKey())
		if err != nil {
			return nil, err
		}
		return &kcpDialer{block: block, profile: kcpProfile(cfg), maxPacketSize: maxPacketSize}, nil
	default:
		return nil, fmt.Errorf("unsupported transport protocol: %s", cfg.Protocol)
	}
}

// NewListener builds the relay-side Listener for the configured protocol,
// threading maxPacketSize (cfg.Pool.MaxPacketSize) the same way NewDialer
// does.
func NewListener(cfg *conf.Transport, addr string, maxPacketSize int) (Listener, error) {
	switch cfg.Protocol {
	case "quic":
		return newQUICListener(addr, maxPacketSize)
	case "kcp":
		block, err := conf.NewBlockCrypt(cfg.Block, cfg.BlockKey())
		if err != nil {
			return nil, err
		}
		return newKCPListener(addr, block, kcpProfile(cfg), maxPacketSize)
	default:
		return nil, fmt.Errorf("unsupported transport protocol: %s", cfg.Protocol)
	}
}

func kcpProfile(cfg *conf.Transport) tunnel.KCPProfile {
	p := tunnel.DefaultKCPProfile
	if cfg.DataShards != 0 {
		p.DataShards = cfg.DataShards
	}
	if cfg.ParityShards != 0 {
		p.ParityShards = cfg.ParityShards
	}
	return p
}

// quicMuxSession is satisfied by the mux tunnel.DialQUICMux returns, narrowed to
// what the factory needs: open a session, tell whether it has died, and
// close it.
type quicMuxSession interface {
	OpenSession(ctx context.Context, idx reactor.Index) (tunnel.Session, error)
	IsClosed() bool
	Close() error
}

// quicDialer lazily dials one QUIC connection to the relay and opens a
// fresh stream per idle pool refill, redialing if the cached connection
// has gone away.
type quicDialer struct {
	mu            sync.Mutex
	mux           quicMuxSession
	maxPacketSize int
}

func (d *quicDialer) Dial(ctx context.Context, relayAddr string) (tunnel.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mux == nil || d.mux.IsClosed() {
		quicConf := &quic.Config{}
		newMux, err := tunnel.DialQUICMux(ctx, relayAddr, insecureClientTLSConfig(), quicConf, d.maxPacketSize)
		if err != nil {
			return nil, fmt.Errorf("dial quic %s: %w", relayAddr, err)
		}
		d.mux = newMux
	}
	return d.mux.OpenSession(ctx, 0)
}

func (d *quicDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mux != nil {
		return d.mux.Close()
	}
	return nil
}

// kcpMuxSession narrows *tunnel.kcpMux to what the factory needs.
type kcpMuxSession interface {
	OpenSession(idx reactor.Index) (tunnel.Session, error)
	IsClosed() bool
	Close() error
}

type kcpDialer struct {
	mu            sync.Mutex
	block         kcp.BlockCrypt
	profile       tunnel.KCPProfile
	mux           kcpMuxSession
	maxPacketSize int
}

func (d *kcpDialer) Dial(ctx context.Context, relayAddr string) (tunnel.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mux == nil || d.mux.IsClosed() {
		newMux, err := tunnel.DialKCPMux(relayAddr, d.block, d.profile, d.maxPacketSize)
		if err != nil {
			return nil, err
		}
		d.mux = newMux
	}
	return d.mux.OpenSession(0)
}

func (d *kcpDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mux != nil {
		return d.mux.Close()
	}
	return nil
}
