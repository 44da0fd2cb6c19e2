package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// WildcardPort matches any port, or keeps the original port on rewrites.
const WildcardPort = "*"

// ParseNetwork parses "a.b.c.d/n" or a bare address (a single-address
// network). Host bits set below the prefix are rejected.
func ParseNetwork(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid network %q: %w", s, err)
		}
		addr = addr.Unmap()
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}

	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid network %q: %w", s, err)
	}
	if prefix.Masked() != prefix {
		return netip.Prefix{}, fmt.Errorf("invalid network %q: host bits set", s)
	}
	return prefix, nil
}

// ValidatePort accepts "*" or a decimal port in 0..65535.
func ValidatePort(port string) error {
	if port == WildcardPort {
		return nil
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", port, err)
	}
	if n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q: out of range", port)
	}
	return nil
}

// Validate checks every rule of the configuration and returns all problems joined.
func (c *Config) Validate() error {
	var errs []error

	if c.ListenPort < 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen-port out of range: %d", c.ListenPort))
	}
	if c.MaxRecvBytes <= 0 {
		errs = append(errs, fmt.Errorf("max-recv-bytes must be positive: %d", c.MaxRecvBytes))
	}
	if c.SocketTimeout <= 0 {
		errs = append(errs, fmt.Errorf("socket-timeout-seconds must be positive"))
	}
	if c.DestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dest-timeout-seconds must be positive"))
	}
	if c.IdleThreshold < 0 {
		errs = append(errs, fmt.Errorf("idle-threshold must not be negative: %d", c.IdleThreshold))
	}

	for i, entry := range c.AllowedAccesses {
		if err := entry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("allowed access %d: %w", i, err))
		}
	}
	for i, entry := range c.BlockedAccesses {
		if err := entry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("blocked access %d: %w", i, err))
		}
	}
	for i, entry := range c.Forwarding {
		if err := entry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("forwarding %d: %w", i, err))
		}
	}
	if err := c.LoadBalancing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("load balancing: %w", err))
	}

	switch c.Upstream.Type {
	case "", UpstreamDirect:
	case UpstreamSocks5:
		if c.Upstream.Address == "" {
			errs = append(errs, fmt.Errorf("upstream: address is required for socks5"))
		}
	default:
		errs = append(errs, fmt.Errorf("upstream: unsupported type %q", c.Upstream.Type))
	}

	for i, server := range c.DNS.Servers {
		switch server.Type {
		case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
		default:
			errs = append(errs, fmt.Errorf("dns server %d: unsupported type %q", i, server.Type))
		}
	}

	if c.Admin.Enabled && (c.Admin.Username == "" || c.Admin.Password == "") {
		errs = append(errs, fmt.Errorf("admin: username and password are required"))
	}

	return errors.Join(errs...)
}

// Validate checks the network and port pattern.
func (e AccessEntry) Validate() error {
	if _, err := ParseNetwork(e.Network); err != nil {
		return err
	}
	return ValidatePort(e.Port)
}

// Validate checks source network, both port patterns and the destination host.
func (e ForwardEntry) Validate() error {
	if _, err := ParseNetwork(e.SourceNetwork); err != nil {
		return err
	}
	if err := ValidatePort(e.SourcePort); err != nil {
		return err
	}
	if strings.TrimSpace(e.DestHost) == "" {
		return fmt.Errorf("dest-host is required")
	}
	return ValidatePort(e.DestPort)
}

// Validate checks the frontend and that every backend has a weight in 1..100.
func (lb LoadBalancing) Validate() error {
	if lb.Frontend != nil {
		if _, err := ParseNetwork(lb.Frontend.Network); err != nil {
			return fmt.Errorf("frontend: %w", err)
		}
		if err := ValidatePort(lb.Frontend.Port); err != nil {
			return fmt.Errorf("frontend: %w", err)
		}
	}
	for i, backend := range lb.Backends {
		if strings.TrimSpace(backend.Host) == "" {
			return fmt.Errorf("backend %d: host is required", i)
		}
		if err := ValidatePort(backend.Port); err != nil {
			return fmt.Errorf("backend %d: %w", i, err)
		}
		if backend.Weight < 1 || backend.Weight > 100 {
			return fmt.Errorf("backend %d: weight must be within 1..100, got %d", i, backend.Weight)
		}
	}
	return nil
}
