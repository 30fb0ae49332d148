// Package pool implements the IdlePool described in spec.md §4.5: a
// bounded reserve of pre-handshaken tunnel sessions so a freshly
// intercepted flow can start forwarding without paying transport
// handshake latency on its own critical path.
package pool

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"gatetun/internal/flog"
	"gatetun/internal/reactor"
	"gatetun/internal/resolver"
	"gatetun/internal/tunnel"
)

// Dialer opens one fresh tunnel session against the upstream relay,
// already handshaken and ready to carry a connect envelope. Concrete
// implementations live in internal/transport, wrapping either a QUIC
// connection or a KCP+smux mux.
type Dialer interface {
	Dial(ctx context.Context, relayAddr string) (tunnel.Session, error)
}

// poolReservedIndex is the placeholder connection index handed to a
// freshly dialed session while it sits in the pool, per spec.md §4.5:
// pooled sessions are not yet assigned a connection index. It lies below
// reactor.MinIndex, so no live flow can ever collide with it, and it
// carries no token identity of its own — it is never registered with a
// reactor, only used to confirm reset_index still succeeds (the session
// hasn't already died) before queuing it. A real index is allocated and
// assigned once the session actually leaves the pool for a flow.
const poolReservedIndex reactor.Index = 0

// IdlePool maintains up to Size pre-initialized sessions, each parked
// under poolReservedIndex until a consumer claims one and re-registers it
// under a live flow index.
type IdlePool struct {
	log      flog.Logger
	size     int
	relay    string
	resolver *resolver.Resolver
	dialer   Dialer
	limiter  *rate.Limiter

	mu      sync.Mutex
	ready   []tunnel.Session
	filling bool
}

// New builds an IdlePool targeting size spare sessions against relayAddr
// ("host:port"), refilling at most refillRate times per second.
func New(size int, relayAddr string, res *resolver.Resolver, dialer Dialer, refillRate rate.Limit) *IdlePool {
	return &IdlePool{
		log:      flog.For("pool"),
		size:     size,
		relay:    relayAddr,
		resolver: res,
		dialer:   dialer,
		limiter:  rate.NewLimiter(refillRate, 1),
	}
}

// Get returns a ready session if one is queued, else kicks off a
// background refill and returns (nil, false) immediately — the spec's
// "return the head if any; else trigger a background refill ... and
// return whatever is ready" reduces, on the calling goroutine, to a
// non-blocking pop since refill cannot complete synchronously within one
// flow's setup.
func (p *IdlePool) Get() (tunnel.Session, bool) {
	p.mu.Lock()
	if len(p.ready) > 0 {
		s := p.ready[0]
		p.ready = p.ready[1:]
		needRefill := len(p.ready) < p.size
		p.mu.Unlock()
		if needRefill {
			p.kick()
		}
		return s, true
	}
	p.mu.Unlock()
	p.kick()
	return nil, false
}

// kick starts a background refill goroutine unless one is already
// running.
func (p *IdlePool) kick() {
	p.mu.Lock()
	if p.filling {
		p.mu.Unlock()
		return
	}
	p.filling = true
	p.mu.Unlock()

	go p.refill()
}

func (p *IdlePool) refill() {
	defer func() {
		p.mu.Lock()
		p.filling = false
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		need := p.size - len(p.ready)
		p.mu.Unlock()
		if need <= 0 {
			return
		}

		if err := p.limiter.Wait(context.Background()); err != nil {
			p.log.Warnf("refill rate limiter: %v", err)
			return
		}

		resolved, err := p.resolveRelay(context.Background())
		if err != nil {
			p.log.Warnf("idle pool refill lookup failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		session, err := p.dialer.Dial(context.Background(), resolved)
		if err != nil {
			p.log.Warnf("idle pool refill dial failed: %v", err)
			// Back off briefly rather than spinning against a dead relay.
			time.Sleep(time.Second)
			continue
		}
		if !session.ResetIndex(poolReservedIndex) {
			p.log.Warnf("freshly dialed session rejected reset_index, dropping")
			continue
		}

		p.mu.Lock()
		p.ready = append(p.ready, session)
		p.mu.Unlock()
	}
}

// resolveRelay resolves the host part of p.relay through the pool's
// DnsResolver, per spec.md §4.5's "resolver-backed address lookup plus
// fresh handshake", and recombines it with the original port.
func (p *IdlePool) resolveRelay(ctx context.Context) (string, error) {
	host, port, err := net.SplitHostPort(p.relay)
	if err != nil {
		return "", errors.Wrapf(err, "split relay address %q", p.relay)
	}
	res := <-p.resolver.Resolve(ctx, host)
	if res.Err != nil {
		return "", errors.Wrapf(res.Err, "resolve relay host %q", host)
	}
	return net.JoinHostPort(res.Addr.String(), port), nil
}

// Len reports how many sessions are currently queued, for metrics and
// tests.
func (p *IdlePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}
