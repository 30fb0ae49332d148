package proxy

import (
	"context"
	"errors"
	"net"
	"time"

	"gatetun/internal/conf"
	"gatetun/internal/envelope"
	"gatetun/internal/flog"
	"gatetun/internal/reactor"
	"gatetun/internal/status"
	"gatetun/internal/transport"
	"gatetun/internal/tunnel"
)

// connectHeaderTimeout bounds how long a freshly accepted tunnel session
// may take to deliver a full connect-request header before the relay
// gives up on it, per spec.md §7's setup-failure error kind.
const connectHeaderTimeout = 10 * time.Second

var (
	errInvalidConnectRequest = errors.New("proxy: invalid connect-request header")
	errConnectRequestTimeout = errors.New("proxy: timed out waiting for connect-request header")
)

// RunServer runs the relay side of spec.md's core: it accepts tunnel
// sessions from clients over the configured transport, reads each
// session's connect-request header (§4.2), and dials the real destination
// it names, pairing the result with the session exactly as the client-side
// TCP/UDP drivers pair an intercepted socket with a tunnel session.
func RunServer(ctx context.Context, cfg *conf.Conf) error {
	log := flog.For("relay")

	ln, err := transport.NewListener(&cfg.Transport, cfg.Listen, cfg.Pool.MaxPacketSize)
	if err != nil {
		return err
	}
	defer ln.Close()

	rx := reactor.New(time.Second)
	go rx.Run(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Infof("relay listening on %s (%s)", cfg.Listen, cfg.Transport.Protocol)

	for {
		session, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warnf("accept session failed: %v", err)
			continue
		}
		go acceptSession(session, rx, cfg)
	}
}

// acceptSession implements spec.md §4.3/§4.4's relay-side Setup: it reads
// the connect-request header off the freshly accepted session, then either
// dials a TCP destination or stands up a UDP backend, depending on the
// command byte.
func acceptSession(session tunnel.Session, rx *reactor.Reactor, cfg *conf.Conf) {
	log := flog.For("relay")

	cmd, dst, err := readConnectRequest(session)
	if err != nil {
		log.Warnf("connect-request read failed: %v", err)
		session.Shutdown()
		status.Check(session)
		return
	}

	switch cmd {
	case envelope.Connect:
		dialCtx, cancel := context.WithTimeout(context.Background(), connectHeaderTimeout)
		dstConn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", dst.String())
		cancel()
		if err != nil {
			log.Warnf("dial %s failed: %v", dst, err)
			session.Shutdown()
			status.Check(session)
			return
		}
		if _, err := AcceptTCP(session, dstConn, rx, cfg.Pool.TCPIdleDuration, cfg.Pool.MaxPacketSize); err != nil {
			log.Warnf("accept tcp flow to %s failed: %v", dst, err)
			dstConn.Close()
		}
	case envelope.UDPAssociate:
		if _, err := AcceptUDP(session, rx, cfg.Pool.UDPIdleDuration, cfg.Pool.MaxPacketSize); err != nil {
			log.Warnf("accept udp flow failed: %v", err)
		}
	default:
		log.Warnf("unrecognized connect-request command %#x", byte(cmd))
		session.Shutdown()
		status.Check(session)
	}
}

// readConnectRequest accumulates chunks off session until a full
// connect-request header parses, per envelope.ParseConnectRequest's
// Continued semantics: a header split across reads is the common case
// here, since the session hands back whatever the transport stream
// happened to buffer.
func readConnectRequest(session tunnel.Session) (envelope.Command, envelope.Addr, error) {
	deadline := time.Now().Add(connectHeaderTimeout)
	var buf []byte
	for {
		cmd, dst, result, _ := envelope.ParseConnectRequest(buf)
		switch result {
		case envelope.ResultPacket:
			return cmd, dst, nil
		case envelope.ResultInvalid:
			return 0, envelope.Addr{}, errInvalidConnectRequest
		}

		if time.Now().After(deadline) {
			return 0, envelope.Addr{}, errConnectRequestTimeout
		}

		chunk, ok := session.DoRead()
		if !ok {
			if session.GetStatus() != status.Established {
				return 0, envelope.Addr{}, errConnectRequestTimeout
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		buf = append(buf, chunk...)
	}
}
