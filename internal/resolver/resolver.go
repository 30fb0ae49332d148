// Package resolver implements the DnsResolver contract spec.md §6 treats
// as an external collaborator: resolve(host) -> address, asynchronous and
// thread-safe with the reactor model. Resolve hands back a channel, so a
// slow or hung nameserver stalls only the caller waiting on it. Its
// caller is the idle pool, resolving the relay host before each refill
// dial; the TCP and UDP drivers do not use this package and resolve
// destinations inline through the standard library when they dial or
// send.
package resolver

import (
	"context"
	"net"
	"time"

	"github.com/patrickmn/go-cache"

	"gatetun/internal/flog"
)

// Result is delivered once resolution finishes, successfully or not.
type Result struct {
	Addr net.IP
	Err  error
}

// Resolver looks up hostnames in the background and caches positive
// results for a short TTL, the same pattern txthinking/socks5 uses its
// go-cache instance for.
type Resolver struct {
	log   flog.Logger
	cache *cache.Cache
	inner *net.Resolver
}

// New builds a Resolver whose cache entries live for ttl and are swept
// every 2*ttl.
func New(ttl time.Duration) *Resolver {
	return &Resolver{
		log:   flog.For("resolver"),
		cache: cache.New(ttl, 2*ttl),
		inner: net.DefaultResolver,
	}
}

// Resolve returns immediately with a channel that receives exactly one
// Result. If host is already a literal IP address, the channel is
// pre-filled with no goroutine spawned.
func (r *Resolver) Resolve(ctx context.Context, host string) <-chan Result {
	ch := make(chan Result, 1)

	if ip := net.ParseIP(host); ip != nil {
		ch <- Result{Addr: ip}
		return ch
	}

	if cached, ok := r.cache.Get(host); ok {
		ch <- Result{Addr: cached.(net.IP)}
		return ch
	}

	go func() {
		ips, err := r.inner.LookupIP(ctx, "ip", host)
		if err != nil {
			r.log.Debugf("lookup %s failed: %v", host, err)
			ch <- Result{Err: err}
			return
		}
		addr := ips[0]
		r.cache.SetDefault(host, addr)
		ch <- Result{Addr: addr}
	}()

	return ch
}
