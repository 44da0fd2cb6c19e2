// Package resolver turns destination hostnames into the single address the
// routing tables are matched against.
package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/codefionn/zoxy/zoxy-srv/config"
	"github.com/codefionn/zoxy/zoxy-srv/logger"
)

// Resolver looks up hosts through the system resolver or a set of custom
// DNS servers (UDP, TCP or DoT, used round-robin) and caches the results.
type Resolver struct {
	dnsConfig  config.DNSConfig
	currentIdx int
	mutex      sync.Mutex
	tlsConfig  *tls.Config

	netResolver *net.Resolver
	lookupNetIP func(ctx context.Context, network, host string) ([]netip.Addr, error)
	cache       *cache.Cache
}

// New creates a Resolver for cfg. Custom servers are only used when
// cfg.Enabled is set and at least one server is configured.
func New(cfg config.DNSConfig) *Resolver {
	r := &Resolver{
		dnsConfig: cfg,
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"dot"},
		},
	}

	if cfg.Enabled && len(cfg.Servers) > 0 {
		r.netResolver = &net.Resolver{PreferGo: true, Dial: r.Dial}
		logger.Info("Custom DNS resolver initialized with %d server(s)", len(cfg.Servers))
		for i, server := range cfg.Servers {
			logger.Info("  DNS Server %d: %s (%s)", i, server.Address, server.Type)
		}
	} else {
		r.netResolver = &net.Resolver{PreferGo: true}
		logger.Debug("Using system default DNS resolver")
	}
	r.lookupNetIP = r.netResolver.LookupNetIP

	if cfg.CacheSeconds > 0 {
		ttl := time.Duration(cfg.CacheSeconds) * time.Second
		r.cache = cache.New(ttl, 2*ttl)
	}

	return r
}

// NetResolver returns the underlying resolver, e.g. for a net.Dialer.
func (r *Resolver) NetResolver() *net.Resolver {
	return r.netResolver
}

// LookupAddr returns one address for host. IP literals are returned as-is;
// for names an IPv4 address is preferred, falling back to the first IPv6 one.
func (r *Resolver) LookupAddr(ctx context.Context, host string) (netip.Addr, error) {
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}

	key := strings.ToLower(host)
	if r.cache != nil {
		if cached, found := r.cache.Get(key); found {
			return cached.(netip.Addr), nil
		}
	}

	addrs, err := r.lookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("failed to resolve %s: no addresses", host)
	}

	addr := addrs[0].Unmap()
	for _, candidate := range addrs {
		if candidate.Unmap().Is4() {
			addr = candidate.Unmap()
			break
		}
	}

	if r.cache != nil {
		r.cache.Set(key, addr, cache.DefaultExpiration)
	}
	logger.Trace("Resolved %s to %s", host, addr)
	return addr, nil
}

// Flush drops all cached lookups.
func (r *Resolver) Flush() {
	if r.cache != nil {
		r.cache.Flush()
	}
}

// CachedEntries returns the number of cached lookups.
func (r *Resolver) CachedEntries() int {
	if r.cache == nil {
		return 0
	}
	return r.cache.ItemCount()
}

// Dial is the custom dial function for DNS resolution.
func (r *Resolver) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if len(r.dnsConfig.Servers) == 0 {
		return nil, fmt.Errorf("no DNS servers configured")
	}

	r.mutex.Lock()
	serverIdx := r.currentIdx
	r.currentIdx = (r.currentIdx + 1) % len(r.dnsConfig.Servers)
	r.mutex.Unlock()

	dnsServer := r.dnsConfig.Servers[serverIdx]
	logger.Debug("Using DNS server %d: %s (%s)", serverIdx, dnsServer.Address, dnsServer.Type)

	dialer := &net.Dialer{
		Timeout: dnsServer.GetTimeoutDuration(),
	}

	switch dnsServer.Type {
	case config.DNSTypeUDP, config.DNSTypeTCP:
		return dialer.DialContext(ctx, string(dnsServer.Type), dnsServer.Address)

	case config.DNSTypeDoT:
		tcpConn, err := dialer.DialContext(ctx, "tcp", dnsServer.Address)
		if err != nil {
			logger.Error("Failed to establish TCP connection to DoT server %s: %v", dnsServer.Address, err)
			return nil, fmt.Errorf("DoT TCP connection failed: %w", err)
		}

		tlsConfig := r.tlsConfig.Clone()
		if dnsServer.TLSHost != "" {
			tlsConfig.ServerName = dnsServer.TLSHost
		} else if host, _, err := net.SplitHostPort(dnsServer.Address); err == nil {
			tlsConfig.ServerName = host
		}

		tlsConn := tls.Client(tcpConn, tlsConfig)
		handshakeCtx, cancel := context.WithTimeout(ctx, dnsServer.GetTimeoutDuration())
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			tcpConn.Close()
			logger.Error("TLS handshake failed with DoT server %s: %v", dnsServer.Address, err)
			return nil, fmt.Errorf("DoT TLS handshake failed: %w", err)
		}

		logger.Debug("Established DoT connection to %s", dnsServer.Address)
		return tlsConn, nil

	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", dnsServer.Type)
	}
}
