package config

import (
	"testing"
	"time"
)

func TestHasChanged(t *testing.T) {
	user := "user"
	otherUser := "other"

	base := func() *Config {
		cfg := Default()
		cfg.AllowedAccesses = []AccessEntry{{Network: "127.0.0.0/24", Port: "*"}}
		cfg.Forwarding = []ForwardEntry{{SourceNetwork: "0.0.0.0/0", SourcePort: "*", DestHost: "h", DestPort: "*"}}
		cfg.LoadBalancing = LoadBalancing{
			Frontend: &Frontend{Network: "10.0.0.0/8", Port: "80"},
			Backends: []Backend{{Host: "a", Port: "80", Weight: 50}},
		}
		cfg.Upstream = UpstreamConfig{Type: UpstreamSocks5, Address: "127.0.0.1:1080", Username: &user}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		changed bool
	}{
		{"identical", func(c *Config) {}, false},
		{"listen port", func(c *Config) { c.ListenPort = 1 }, true},
		{"dest timeout", func(c *Config) { c.DestTimeout = 3 * time.Second }, true},
		{"allowed access port", func(c *Config) { c.AllowedAccesses[0].Port = "80" }, true},
		{"blocked access added", func(c *Config) {
			c.BlockedAccesses = append(c.BlockedAccesses, AccessEntry{Network: "10.0.0.1", Port: "*"})
		}, true},
		{"forwarding destination", func(c *Config) { c.Forwarding[0].DestHost = "x" }, true},
		{"frontend removed", func(c *Config) { c.LoadBalancing.Frontend = nil }, true},
		{"frontend port", func(c *Config) { c.LoadBalancing.Frontend = &Frontend{Network: "10.0.0.0/8", Port: "81"} }, true},
		{"same frontend other pointer", func(c *Config) {
			c.LoadBalancing.Frontend = &Frontend{Network: "10.0.0.0/8", Port: "80"}
		}, false},
		{"backend weight", func(c *Config) { c.LoadBalancing.Backends[0].Weight = 51 }, true},
		{"upstream username", func(c *Config) { c.Upstream.Username = &otherUser }, true},
		{"upstream same username other pointer", func(c *Config) {
			same := "user"
			c.Upstream.Username = &same
		}, false},
		{"domains file", func(c *Config) { c.BlockedDomainsFile = "/tmp/domains.txt" }, true},
		{"statistics", func(c *Config) { c.Statistics.Enabled = true }, true},
		{"admin", func(c *Config) { c.Admin.Password = "changed" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := base()
			b := base()
			tt.mutate(b)
			if got := HasChanged(a, b); got != tt.changed {
				t.Errorf("HasChanged() = %v, want %v", got, tt.changed)
			}
		})
	}
}

func TestHasChangedNil(t *testing.T) {
	if HasChanged(nil, nil) {
		t.Error("nil configs should be equal")
	}
	if !HasChanged(Default(), nil) {
		t.Error("nil and non-nil configs should differ")
	}
}

func TestListenerChanged(t *testing.T) {
	a := Default()
	b := Default()
	b.Forwarding = []ForwardEntry{{SourceNetwork: "0.0.0.0/0", SourcePort: "*", DestHost: "h", DestPort: "*"}}
	if ListenerChanged(a, b) {
		t.Error("routing changes should not require a new listener")
	}
	b.ListenHost = "0.0.0.0"
	if !ListenerChanged(a, b) {
		t.Error("listen host change should require a new listener")
	}
}

func TestRestartRequired(t *testing.T) {
	a := Default()
	a.BlockedDomainsFile = "/etc/zoxy/domains.txt"

	b := Default()
	b.BlockedDomainsFile = "/etc/zoxy/domains.txt"
	b.AllowedAccesses = []AccessEntry{{Network: "10.0.0.0/8", Port: "*"}}
	b.LoadBalancing = LoadBalancing{
		Frontend: &Frontend{Network: "10.0.0.0/8", Port: "80"},
		Backends: []Backend{{Host: "a", Port: "80", Weight: 100}},
	}
	if RestartRequired(a, b) {
		t.Error("routing changes should be applied in place")
	}
	if !HasChanged(a, b) {
		t.Error("routing changes should still count as a change")
	}

	b.DestTimeout = 5 * time.Second
	if !RestartRequired(a, b) {
		t.Error("timeout change should require a restart")
	}

	c := Default()
	c.Upstream = UpstreamConfig{Type: UpstreamSocks5, Address: "127.0.0.1:1080"}
	if !RestartRequired(Default(), c) {
		t.Error("upstream change should require a restart")
	}
	if !RestartRequired(Default(), nil) {
		t.Error("nil and non-nil configs should differ")
	}
}
