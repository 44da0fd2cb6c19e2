package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/zoxy/zoxy-srv/config"
)

func TestCLIOptionsApply(t *testing.T) {
	opts := &cliOptions{
		host:            "0.0.0.0",
		port:            3128,
		allowedAccesses: repeatedFlag{"127.0.0.0/24 *", "127.0.1.1/32 8080"},
		blockedAccesses: repeatedFlag{"127.0.0.99/32 *"},
		forwarding:      repeatedFlag{"0.0.0.0/0 * 127.0.0.2 *"},
		lbFrontend:      "192.0.0.0/24 *",
		lbBackends:      repeatedFlag{"127.0.0.1 9090 80", "127.0.0.2 * 20"},
		set:             map[string]bool{"p": true, "url": true},
	}

	cfg := config.Default()
	cfg.Forwarding = []config.ForwardEntry{{SourceNetwork: "10.0.0.0/8", SourcePort: "*", DestHost: "x", DestPort: "*"}}
	require.NoError(t, opts.apply(cfg))

	assert.Equal(t, "0.0.0.0:3128", cfg.ListenAddress())
	assert.Equal(t, []config.AccessEntry{
		{Network: "127.0.0.0/24", Port: "*"},
		{Network: "127.0.1.1/32", Port: "8080"},
	}, cfg.AllowedAccesses)
	assert.Equal(t, []config.AccessEntry{{Network: "127.0.0.99/32", Port: "*"}}, cfg.BlockedAccesses)
	assert.Equal(t, []config.ForwardEntry{
		{SourceNetwork: "0.0.0.0/0", SourcePort: "*", DestHost: "127.0.0.2", DestPort: "*"},
	}, cfg.Forwarding, "flags replace the configured list")
	require.NotNil(t, cfg.LoadBalancing.Frontend)
	assert.Equal(t, config.Frontend{Network: "192.0.0.0/24", Port: "*"}, *cfg.LoadBalancing.Frontend)
	assert.Equal(t, []config.Backend{
		{Host: "127.0.0.1", Port: "9090", Weight: 80},
		{Host: "127.0.0.2", Port: "*", Weight: 20},
	}, cfg.LoadBalancing.Backends)
	assert.NoError(t, cfg.Validate())
}

func TestCLIOptionsKeepConfigWhenUnset(t *testing.T) {
	cfg := config.Default()
	cfg.ListenPort = 9999
	cfg.AllowedAccesses = []config.AccessEntry{{Network: "10.0.0.0/8", Port: "*"}}

	opts := &cliOptions{host: config.DefaultListenHost, port: config.DefaultListenPort, set: map[string]bool{}}
	require.NoError(t, opts.apply(cfg))

	assert.Equal(t, 9999, cfg.ListenPort)
	assert.Equal(t, []config.AccessEntry{{Network: "10.0.0.0/8", Port: "*"}}, cfg.AllowedAccesses)
}

func TestCLIOptionsInvalid(t *testing.T) {
	tests := []struct {
		name string
		opts cliOptions
	}{
		{"access missing port", cliOptions{allowedAccesses: repeatedFlag{"127.0.0.0/24"}}},
		{"blocked bad network", cliOptions{blockedAccesses: repeatedFlag{"127.0.0.0/33 *"}}},
		{"forwarding too short", cliOptions{forwarding: repeatedFlag{"0.0.0.0/0 * 127.0.0.2"}}},
		{"frontend bad port", cliOptions{lbFrontend: "192.0.0.0/24 http"}},
		{"backend weight", cliOptions{lbBackends: repeatedFlag{"127.0.0.1 80 0"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.opts.apply(config.Default()))
		})
	}
}

func TestRepeatedFlag(t *testing.T) {
	var r repeatedFlag
	require.NoError(t, r.Set("a b"))
	require.NoError(t, r.Set("c d"))
	assert.Equal(t, repeatedFlag{"a b", "c d"}, r)
	assert.Equal(t, "a b, c d", r.String())
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\n\nZOXY_TEST_PLAIN=value\nZOXY_TEST_QUOTED=\"quoted value\"\nZOXY_TEST_EQ=a=b\nnot a pair\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("ZOXY_TEST_PLAIN", "")
	t.Setenv("ZOXY_TEST_QUOTED", "")
	t.Setenv("ZOXY_TEST_EQ", "")

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "value", os.Getenv("ZOXY_TEST_PLAIN"))
	assert.Equal(t, "quoted value", os.Getenv("ZOXY_TEST_QUOTED"))
	assert.Equal(t, "a=b", os.Getenv("ZOXY_TEST_EQ"))

	assert.Error(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}
