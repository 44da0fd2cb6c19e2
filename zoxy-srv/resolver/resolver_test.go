package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/zoxy/zoxy-srv/config"
)

func stubLookup(r *Resolver, result []netip.Addr, err error) *int {
	calls := 0
	r.lookupNetIP = func(ctx context.Context, network, host string) ([]netip.Addr, error) {
		calls++
		return result, err
	}
	return &calls
}

func TestLookupAddrLiteral(t *testing.T) {
	r := New(config.DNSConfig{})
	calls := stubLookup(r, nil, errors.New("must not be called"))

	tests := map[string]string{
		"127.0.0.1":        "127.0.0.1",
		"::1":              "::1",
		"[::1]":            "::1",
		"::ffff:127.0.0.1": "127.0.0.1",
	}
	for input, want := range tests {
		got, err := r.LookupAddr(context.Background(), input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got.String(), input)
	}
	assert.Equal(t, 0, *calls)
}

func TestLookupAddrPrefersIPv4(t *testing.T) {
	r := New(config.DNSConfig{})
	stubLookup(r, []netip.Addr{
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("192.0.2.10"),
	}, nil)

	got, err := r.LookupAddr(context.Background(), "test.org")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", got.String())
}

func TestLookupAddrIPv6Only(t *testing.T) {
	r := New(config.DNSConfig{})
	stubLookup(r, []netip.Addr{netip.MustParseAddr("2001:db8::1")}, nil)

	got, err := r.LookupAddr(context.Background(), "v6.test.org")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", got.String())
}

func TestLookupAddrCaches(t *testing.T) {
	r := New(config.DNSConfig{CacheSeconds: 60})
	calls := stubLookup(r, []netip.Addr{netip.MustParseAddr("192.0.2.10")}, nil)

	for i := 0; i < 3; i++ {
		_, err := r.LookupAddr(context.Background(), "Test.org.")
		require.NoError(t, err)
	}
	_, err := r.LookupAddr(context.Background(), "test.org")
	require.NoError(t, err)

	assert.Equal(t, 1, *calls)
	assert.Equal(t, 1, r.CachedEntries())

	r.Flush()
	assert.Equal(t, 0, r.CachedEntries())
	_, err = r.LookupAddr(context.Background(), "test.org")
	require.NoError(t, err)
	assert.Equal(t, 2, *calls)
}

func TestLookupAddrWithoutCache(t *testing.T) {
	r := New(config.DNSConfig{CacheSeconds: 0})
	calls := stubLookup(r, []netip.Addr{netip.MustParseAddr("192.0.2.10")}, nil)

	_, _ = r.LookupAddr(context.Background(), "test.org")
	_, _ = r.LookupAddr(context.Background(), "test.org")
	assert.Equal(t, 2, *calls)
	assert.Equal(t, 0, r.CachedEntries())
}

func TestLookupAddrErrors(t *testing.T) {
	r := New(config.DNSConfig{CacheSeconds: 60})
	stubLookup(r, nil, errors.New("no such host"))

	_, err := r.LookupAddr(context.Background(), "missing.invalid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to resolve missing.invalid")
	assert.Equal(t, 0, r.CachedEntries(), "failures are not cached")

	stubLookup(r, nil, nil)
	_, err = r.LookupAddr(context.Background(), "empty.invalid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no addresses")
}

func TestDialRoundRobin(t *testing.T) {
	accepted := make(chan string, 4)
	var servers []config.DNSServerConfig
	for i := 0; i < 2; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { ln.Close() })

		addr := ln.Addr().String()
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				accepted <- addr
				conn.Close()
			}
		}()
		servers = append(servers, config.DNSServerConfig{Address: addr, Type: config.DNSTypeTCP, TimeoutSeconds: 2})
	}

	r := New(config.DNSConfig{Enabled: true, Servers: servers})
	for i := 0; i < 2; i++ {
		conn, err := r.Dial(context.Background(), "udp", "ignored:53")
		require.NoError(t, err)
		conn.Close()
	}

	got := map[string]bool{<-accepted: true, <-accepted: true}
	assert.True(t, got[servers[0].Address])
	assert.True(t, got[servers[1].Address])
}

func TestDialUnsupportedType(t *testing.T) {
	r := New(config.DNSConfig{Enabled: true, Servers: []config.DNSServerConfig{{Address: "127.0.0.1:53", Type: "doh"}}})
	_, err := r.Dial(context.Background(), "udp", "ignored:53")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported DNS server type")
}

func TestDialWithoutServers(t *testing.T) {
	r := New(config.DNSConfig{})
	_, err := r.Dial(context.Background(), "udp", "ignored:53")
	assert.Error(t, err)
}
