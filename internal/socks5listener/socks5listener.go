// Package socks5listener implements the second, non-transparent way to
// originate flows that spec.md §6 leaves as an external collaborator
// concern: a local SOCKS5 listener, backed by github.com/txthinking/socks5,
// for clients that cannot rely on OS-level transparent redirection.
// Handshake and protocol framing belong to the library; everything after
// a request is accepted is handed back to the caller via the Handlers
// callbacks, which the client wiring uses to feed the same idle pool and
// TCP/UDP drivers the transparent-redirect path feeds.
package socks5listener

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/txthinking/socks5"

	"gatetun/internal/conf"
	"gatetun/internal/envelope"
	"gatetun/internal/flog"
)

// TCPHandler takes ownership of conn once the SOCKS5 handshake and success
// reply have already been written; it runs for the lifetime of the flow.
type TCPHandler func(conn net.Conn, dst envelope.Addr)

// UDPHandler is invoked for each datagram arriving on the SOCKS5 UDP
// associate channel. reply sends a payload back to the originating client,
// wrapped in the SOCKS5 UDP header the library expects.
type UDPHandler func(clientAddr *net.UDPAddr, dst envelope.Addr, payload []byte, reply func([]byte) error)

// Handlers wires a Listener's accepted requests to the caller's flow
// drivers. A nil field means that request kind is rejected.
type Handlers struct {
	TCP TCPHandler
	UDP UDPHandler
}

// Listener wraps one configured SOCKS5 server.
type Listener struct {
	srv  *socks5.Server
	h    Handlers
	log  flog.Logger
	addr string
}

func New(cfg *conf.SOCKS5, h Handlers) (*Listener, error) {
	host, _, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return nil, err
	}
	srv, err := socks5.NewClassicServer(cfg.Listen, host, cfg.Username, cfg.Password, cfg.TCPTimeout, cfg.UDPTimeout)
	if err != nil {
		return nil, err
	}
	return &Listener{srv: srv, h: h, log: flog.For("socks5"), addr: cfg.Listen}, nil
}

// Addr reports the configured listen address, for logging.
func (l *Listener) Addr() string { return l.addr }

// Run serves SOCKS5 requests until the underlying listener is closed or a
// fatal accept error occurs. The library does not expose a context-based
// shutdown hook, so callers that need to stop a Listener early must do so
// by cancelling the owning process; Run simply reports what the server
// returns.
func (l *Listener) Run(ctx context.Context) error {
	return l.srv.ListenAndServe(&handler{l: l})
}

type handler struct{ l *Listener }

// parseEnvelopeAddr splits a "host:port" string, as returned by both
// socks5.Request.Address and socks5.Datagram.Address, into the envelope
// package's destination representation.
func parseEnvelopeAddr(hostport string) (envelope.Addr, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return envelope.Addr{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return envelope.Addr{}, err
	}
	return envelope.Addr{Host: host, Port: uint16(port)}, nil
}

func (h *handler) TCPHandle(s *socks5.Server, conn *net.TCPConn, r *socks5.Request) error {
	if h.l.h.TCP == nil {
		return errors.New("socks5listener: no TCP handler configured")
	}
	dst, err := parseEnvelopeAddr(r.Address())
	if err != nil {
		return err
	}

	atyp, bndAddr, bndPort, err := socks5.ParseAddress(conn.LocalAddr().String())
	if err != nil {
		return err
	}
	reply := socks5.NewReply(socks5.RepSuccess, atyp, bndAddr, bndPort)
	if _, err := reply.WriteTo(conn); err != nil {
		return err
	}

	h.l.h.TCP(conn, dst)
	return nil
}

func (h *handler) UDPHandle(s *socks5.Server, clientAddr *net.UDPAddr, d *socks5.Datagram) error {
	if h.l.h.UDP == nil {
		return nil
	}
	dst, err := parseEnvelopeAddr(d.Address())
	if err != nil {
		return err
	}

	reply := func(payload []byte) error {
		atyp, bndAddr, bndPort, err := socks5.ParseAddress(d.Address())
		if err != nil {
			return err
		}
		out := socks5.NewDatagram(atyp, bndAddr, bndPort, payload)
		_, err = s.UDPConn.WriteToUDP(out.Bytes(), clientAddr)
		return err
	}

	h.l.h.UDP(clientAddr, dst, d.Data, reply)
	return nil
}
