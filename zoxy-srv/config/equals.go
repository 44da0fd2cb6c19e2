package config

import "slices"

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenHost != b.ListenHost || a.ListenPort != b.ListenPort {
		return true
	}
	if a.SocketTimeout != b.SocketTimeout || a.DestTimeout != b.DestTimeout {
		return true
	}
	if a.MaxRecvBytes != b.MaxRecvBytes || a.IdleThreshold != b.IdleThreshold {
		return true
	}
	if !slices.Equal(a.AllowedAccesses, b.AllowedAccesses) {
		return true
	}
	if !slices.Equal(a.BlockedAccesses, b.BlockedAccesses) {
		return true
	}
	if !slices.Equal(a.Forwarding, b.Forwarding) {
		return true
	}
	if RoutingChanged(&a.LoadBalancing, &b.LoadBalancing) {
		return true
	}
	if !slices.Equal(a.BlockedDomains, b.BlockedDomains) {
		return true
	}
	if !domainsFileEqual(a.BlockedDomainsFile, b.BlockedDomainsFile) {
		return true
	}
	if !upstreamEqual(a.Upstream, b.Upstream) {
		return true
	}
	if a.DNS.Enabled != b.DNS.Enabled || a.DNS.CacheSeconds != b.DNS.CacheSeconds ||
		!slices.Equal(a.DNS.Servers, b.DNS.Servers) {
		return true
	}
	if a.Statistics != b.Statistics {
		return true
	}
	return a.Admin != b.Admin
}

// RoutingChanged reports whether two load balancing configurations differ.
// Access counters live outside the configuration and are not compared.
func RoutingChanged(a, b *LoadBalancing) bool {
	if (a.Frontend == nil) != (b.Frontend == nil) {
		return true
	}
	if a.Frontend != nil && *a.Frontend != *b.Frontend {
		return true
	}
	return !slices.Equal(a.Backends, b.Backends)
}

// ListenerChanged reports whether a reload needs a new listening socket.
func ListenerChanged(a, b *Config) bool {
	return a.ListenHost != b.ListenHost || a.ListenPort != b.ListenPort
}

func upstreamEqual(a, b UpstreamConfig) bool {
	return a.Type == b.Type &&
		a.Address == b.Address &&
		stringPtrEqual(a.Username, b.Username) &&
		stringPtrEqual(a.Password, b.Password)
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// domainsFileEqual treats a configured file as always changed, so editing the
// file and sending SIGHUP rebuilds the blocklist even if the path stays the same.
func domainsFileEqual(a, b string) bool {
	return a == b && a == ""
}

// RestartRequired reports whether moving from a to b needs a new server
// instance. Changes limited to the routing tables are applied in place.
func RestartRequired(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	x, y := *a, *b
	for _, c := range []*Config{&x, &y} {
		c.AllowedAccesses = nil
		c.BlockedAccesses = nil
		c.Forwarding = nil
		c.LoadBalancing = LoadBalancing{}
		c.BlockedDomains = nil
		c.BlockedDomainsFile = ""
	}
	return HasChanged(&x, &y)
}
