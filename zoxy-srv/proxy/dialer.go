package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/codefionn/zoxy/zoxy-srv/config"
	"github.com/codefionn/zoxy/zoxy-srv/logger"
	"github.com/codefionn/zoxy/zoxy-srv/resolver"
)

// Dialer opens destination connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewDialer builds the destination dialer for an upstream configuration.
// Direct dials use res for name lookups when it is not nil.
func NewDialer(upstream config.UpstreamConfig, timeout time.Duration, res *resolver.Resolver) (Dialer, error) {
	direct := &net.Dialer{Timeout: timeout}
	if res != nil {
		direct.Resolver = res.NetResolver()
	}

	switch upstream.Type {
	case config.UpstreamDirect, "":
		return direct, nil
	case config.UpstreamSocks5:
		return newSocks5Dialer(upstream, direct)
	default:
		return nil, NewProxyError(ErrCodeInvalidServerConfig, fmt.Errorf("unknown upstream type %q", upstream.Type))
	}
}

// socks5Dialer dials every destination through a SOCKS5 proxy. Host names
// are passed to the proxy unresolved.
type socks5Dialer struct {
	address string
	dialer  proxy.Dialer
}

func newSocks5Dialer(upstream config.UpstreamConfig, forward *net.Dialer) (*socks5Dialer, error) {
	var auth *proxy.Auth
	if upstream.Username != nil {
		auth = &proxy.Auth{User: *upstream.Username}
		if upstream.Password != nil {
			auth.Password = *upstream.Password
		}
	}

	d, err := proxy.SOCKS5("tcp", upstream.Address, auth, forward)
	if err != nil {
		return nil, NewProxyError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", upstream.Address, err))
	}

	logger.Info("Dialing destinations through SOCKS5 proxy %s", upstream.Address)
	return &socks5Dialer{address: upstream.Address, dialer: d}, nil
}

func (s *socks5Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	if cd, ok := s.dialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, network, address)
	} else {
		conn, err = s.dialer.Dial(network, address)
	}
	if err != nil {
		return nil, NewProxyError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", address, s.address, err))
	}
	return conn, nil
}
