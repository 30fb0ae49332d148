package proxy

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gatetun/internal/conf"
	"gatetun/internal/envelope"
	"gatetun/internal/flog"
	"gatetun/internal/pool"
	"gatetun/internal/reactor"
	"gatetun/internal/redirect"
	"gatetun/internal/resolver"
	"gatetun/internal/socks5listener"
	"gatetun/internal/status"
	"gatetun/internal/transport"
	"gatetun/internal/tunnel"
)

// resolverTTL bounds how long a resolved relay address is cached, per
// spec.md §6's DnsResolver collaborator contract.
const resolverTTL = time.Minute

// RunClient runs the client side of spec.md's core: a transparent-redirect
// listener and any configured SOCKS5 listeners, both feeding the same
// idle pool, dialer, and reactor, per §4.3/§4.5.
func RunClient(ctx context.Context, cfg *conf.Conf) error {
	log := flog.For("client")

	dialer, err := transport.NewDialer(&cfg.Transport, cfg.Pool.MaxPacketSize)
	if err != nil {
		return err
	}
	defer dialer.Close()

	res := resolver.New(resolverTTL)
	idlePool := pool.New(cfg.Pool.Size, cfg.Server, res, dialer, rate.Limit(cfg.Pool.RefillPerSecond))

	rx := reactor.New(time.Second)
	go rx.Run(ctx)

	var redirectLn net.Listener
	if cfg.Listen != "" {
		redirectLn, err = net.Listen("tcp", cfg.Listen)
		if err != nil {
			return err
		}
		log.Infof("transparent redirect listening on %s", cfg.Listen)
		go acceptRedirected(ctx, redirectLn, idlePool, rx, cfg)
	}

	udp := newUDPAssociator(idlePool, rx, cfg)

	for i := range cfg.SOCKS5 {
		sl, err := socks5listener.New(&cfg.SOCKS5[i], socks5listener.Handlers{
			TCP: func(conn net.Conn, dst envelope.Addr) {
				c, err := SetupTCP(conn, dst, idlePool, rx, cfg.Pool.TCPIdleDuration, cfg.Pool.MaxPacketSize)
				if err != nil {
					log.Warnf("socks5 setup tcp to %s failed: %v", dst, err)
					conn.Close()
					return
				}
				// Hold conn for the flow's lifetime, as TCPHandler requires.
				for !c.Reaped() {
					time.Sleep(100 * time.Millisecond)
				}
			},
			UDP: udp.handle,
		})
		if err != nil {
			return err
		}
		go func(sl *socks5listener.Listener) {
			if err := sl.Run(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("socks5 listener %s stopped: %v", sl.Addr(), err)
			}
		}(sl)
		log.Infof("socks5 listening on %s", sl.Addr())
	}

	go func() {
		<-ctx.Done()
		if redirectLn != nil {
			redirectLn.Close()
		}
	}()

	<-ctx.Done()
	return nil
}

func acceptRedirected(ctx context.Context, ln net.Listener, idlePool *pool.IdlePool, rx *reactor.Reactor, cfg *conf.Conf) {
	log := flog.For("client")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("accept redirected connection failed: %v", err)
			continue
		}
		go handleRedirected(conn, idlePool, rx, cfg)
	}
}

// handleRedirected implements spec.md §4.3's Setup entry point for
// transparently intercepted sockets: recover the pre-redirect destination,
// apply the platform mark, then hand off to SetupTCP.
func handleRedirected(conn net.Conn, idlePool *pool.IdlePool, rx *reactor.Reactor, cfg *conf.Conf) {
	log := flog.For("client")

	tc, ok := conn.(*net.TCPConn)
	if !ok {
		log.Warnf("redirected listener accepted a non-TCP connection")
		conn.Close()
		return
	}

	origAddr, err := redirect.OriginalDst(tc)
	if err != nil {
		log.Warnf("recover original destination failed: %v", err)
		conn.Close()
		return
	}
	if err := redirect.SetMark(tc, cfg.Marker); err != nil {
		log.Warnf("set mark failed: %v", err)
		conn.Close()
		return
	}

	dst := envelope.Addr{Host: origAddr.IP.String(), Port: uint16(origAddr.Port)}
	if _, err := SetupTCP(conn, dst, idlePool, rx, cfg.Pool.TCPIdleDuration, cfg.Pool.MaxPacketSize); err != nil {
		log.Warnf("setup tcp to %s failed: %v", dst, err)
		conn.Close()
	}
}

// udpAssociator bridges SOCKS5 UDP-associate datagrams into the same
// UDPAssociate tunnel sessions the relay's UDP backend driver expects,
// keyed by originating client address so repeated datagrams from one
// SOCKS5 client share a session instead of claiming a fresh one each time.
type udpAssociator struct {
	idlePool *pool.IdlePool
	rx       *reactor.Reactor
	cfg      *conf.Conf
	log      flog.Logger

	mu     sync.Mutex
	active map[string]tunnel.Session
}

func newUDPAssociator(idlePool *pool.IdlePool, rx *reactor.Reactor, cfg *conf.Conf) *udpAssociator {
	return &udpAssociator{idlePool: idlePool, rx: rx, cfg: cfg, log: flog.For("client"), active: make(map[string]tunnel.Session)}
}

func (u *udpAssociator) handle(clientAddr *net.UDPAddr, dst envelope.Addr, payload []byte, reply func([]byte) error) {
	session, err := u.sessionFor(clientAddr, reply)
	if err != nil {
		u.log.Warnf("udp associate session unavailable: %v", err)
		return
	}

	frame, err := envelope.AppendUDPHeader(nil, dst, payload)
	if err != nil {
		u.log.Warnf("udp associate frame build failed: %v", err)
		return
	}
	if !session.WriteSession(frame) {
		u.forget(clientAddr)
	}
}

func (u *udpAssociator) sessionFor(clientAddr *net.UDPAddr, reply func([]byte) error) (tunnel.Session, error) {
	key := clientAddr.String()

	u.mu.Lock()
	if session, ok := u.active[key]; ok && session.GetStatus() == status.Established {
		u.mu.Unlock()
		return session, nil
	}
	u.mu.Unlock()

	session, ok := u.idlePool.Get()
	if !ok {
		return nil, ErrPoolExhausted
	}
	idx := u.rx.NextIndex()
	if !session.ResetIndex(idx) {
		u.rx.Deregister(idx)
		status.Check(session)
		return nil, ErrSessionRejected
	}
	envBuf, err := envelope.AppendConnectRequest(nil, envelope.UDPAssociate, envelope.Addr{})
	if err != nil {
		u.rx.Deregister(idx)
		session.Shutdown()
		status.Check(session)
		return nil, err
	}
	if !session.WriteSession(envBuf) {
		u.rx.Deregister(idx)
		status.Check(session)
		return nil, ErrEnvelopeWriteFailed
	}

	u.mu.Lock()
	u.active[key] = session
	u.mu.Unlock()

	go u.drain(clientAddr, session, reply)
	return session, nil
}

func (u *udpAssociator) drain(clientAddr *net.UDPAddr, session tunnel.Session, reply func([]byte) error) {
	defer u.forget(clientAddr)
	var carry []byte
	lastActive := time.Now()

	for {
		chunk, ok := session.DoRead()
		if !ok {
			if session.GetStatus() != status.Established {
				return
			}
			if time.Since(lastActive) > u.cfg.Pool.UDPIdleDuration {
				session.Shutdown()
				status.Check(session)
				return
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		lastActive = time.Now()

		buf := chunk
		if len(carry) > 0 {
			buf = append(carry, chunk...)
			carry = nil
		}
		for len(buf) > 0 {
			pkt, result, consumed := envelope.ParseUDP(buf)
			switch result {
			case envelope.ResultPacket:
				if err := reply(pkt.Payload); err != nil {
					u.log.Warnf("udp associate reply failed: %v", err)
				}
				buf = buf[consumed:]
			case envelope.ResultContinued:
				carry = append([]byte(nil), buf...)
				buf = nil
			case envelope.ResultInvalid:
				session.Shutdown()
				status.Check(session)
				return
			}
		}
	}
}

func (u *udpAssociator) forget(clientAddr *net.UDPAddr) {
	u.mu.Lock()
	delete(u.active, clientAddr.String())
	u.mu.Unlock()
}
