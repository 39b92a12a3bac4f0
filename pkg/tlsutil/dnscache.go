package tlsutil

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

var (
	globalResolver     *dnscache.Resolver
	globalResolverOnce sync.Once
	resolverRefreshTTL = 5 * time.Minute
)

// GetDNSResolver returns the process-wide caching resolver. The server mode
// issues many requests against the same few instance hosts.
func GetDNSResolver() *dnscache.Resolver {
	globalResolverOnce.Do(func() {
		globalResolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(resolverRefreshTTL)
			defer ticker.Stop()
			for range ticker.C {
				globalResolver.Refresh(true)
				log.Trace().Dur("ttl", resolverRefreshTTL).Msg("DNS cache refreshed")
			}
		}()
	})
	return globalResolver
}

// DialContextWithCache resolves through the DNS cache and tries each address
// in turn.
func DialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	// Literal IPs (tests, on-prem instances) skip the resolver.
	if net.ParseIP(host) != nil {
		return dialer.DialContext(ctx, network, address)
	}

	ips, err := GetDNSResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
