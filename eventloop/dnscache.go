package eventloop

import (
	"context"
	"net"
	"sync"
	"time"
)

// dnsCache is a TTL-based resolver cache keyed by hostname. No DNS caching
// library appears anywhere in the retrieved reference pack, so this is the
// one component of the event loop built directly on the standard library
// (net.Resolver); every other transport concern below it is wired to a
// third-party dependency.
type dnsCache struct {
	resolver *net.Resolver
	ttl      time.Duration

	mu      sync.RWMutex
	entries map[string]dnsEntry
}

type dnsEntry struct {
	addrs     []string
	expiresAt time.Time
}

func newDNSCache(ttl time.Duration) *dnsCache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &dnsCache{
		resolver: net.DefaultResolver,
		ttl:      ttl,
		entries:  make(map[string]dnsEntry),
	}
}

// lookup returns cached A/AAAA records for host, refreshing on miss or
// expiry. It never caches a lookup failure.
func (c *dnsCache) lookup(ctx context.Context, host string) ([]string, error) {
	c.mu.RLock()
	e, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.addrs, nil
	}

	addrs, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[host] = dnsEntry{addrs: addrs, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return addrs, nil
}

// dialContext returns a DialContext function that resolves through the
// cache before handing the first working address to a plain net.Dialer,
// so connection pooling upstream is unaffected by cache hits or misses.
func (c *dnsCache) dialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		if net.ParseIP(host) != nil {
			return dialer.DialContext(ctx, network, addr)
		}

		addrs, err := c.lookup(ctx, host)
		if err != nil || len(addrs) == 0 {
			return dialer.DialContext(ctx, network, addr)
		}

		var lastErr error
		for _, a := range addrs {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(a, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}
