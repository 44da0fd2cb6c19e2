package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper function to create a temporary config file
func createTempConfigFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	tempFilePath := filepath.Join(dir, filename)
	err := os.WriteFile(tempFilePath, []byte(content), 0644)
	if err != nil {
		t.Fatalf("Failed to create temp config file %s: %v", tempFilePath, err)
	}
	return tempFilePath
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddress())
	assert.Equal(t, time.Second, cfg.SocketTimeout)
	assert.Equal(t, time.Second, cfg.DestTimeout)
	assert.Equal(t, 1<<20, cfg.MaxRecvBytes)
	assert.Equal(t, 2, cfg.RelayIdleThreshold())
	assert.Empty(t, cfg.AllowedAccesses)
	assert.Empty(t, cfg.BlockedAccesses)
	assert.Empty(t, cfg.Forwarding)
	assert.Nil(t, cfg.LoadBalancing.Frontend)
	assert.Equal(t, UpstreamDirect, cfg.Upstream.Type)
	assert.False(t, cfg.Statistics.Enabled)
	assert.False(t, cfg.Admin.Enabled)
}

func TestLoadConfigJSON(t *testing.T) {
	content := `{
		"listen-host": "0.0.0.0",
		"listen-port": 3128,
		"socket-timeout-seconds": 0.5,
		"dest-timeout-seconds": 2,
		"max-recv-bytes": 65536,
		"allowed-accesses": [
			{"network": "127.0.1.1", "port": 8080},
			{"network": "127.0.2.0/24", "port": "1234"},
			{"network": "127.0.0.0/24", "port": "*"}
		],
		"blocked-accesses": [
			{"network": "192.0.0.0/24", "port": "*"}
		],
		"forwarding": [
			{"source-network": "196.168.1.0/24", "source-port": 1234, "dest-host": "127.0.0.1", "dest-port": 8000},
			{"source-network": "0.0.0.0/0", "source-port": "*", "dest-host": "127.0.0.2", "dest-port": "*"}
		],
		"load-balancing": {
			"frontend": {"network": "192.0.0.1/32", "port": 8080},
			"backends": [
				{"host": "127.0.0.1", "port": 9091, "weight": 20},
				{"host": "127.0.0.1", "port": "*", "weight": 80}
			]
		},
		"blocked-domains": ["example.com", "*.ads.example.org"],
		"upstream": {"type": "socks5", "address": "127.0.0.1:1080", "username": "user"},
		"dns": {"enabled": true, "cache-seconds": 5, "servers": [{"address": "9.9.9.9:853", "type": "dot", "tls-host": "dns.quad9.net"}]},
		"statistics": {"enabled": true, "backend": "sqlite", "sqlite-path": "/tmp/zoxy.db", "flush-interval": 2},
		"admin": {"enabled": true, "listen-address": "127.0.0.1:9000", "username": "admin", "password": "secret"}
	}`
	path := createTempConfigFile(t, t.TempDir(), "config.json", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:3128", cfg.ListenAddress())
	assert.Equal(t, 500*time.Millisecond, cfg.SocketTimeout)
	assert.Equal(t, 2*time.Second, cfg.DestTimeout)
	assert.Equal(t, 65536, cfg.MaxRecvBytes)
	assert.Equal(t, 1, cfg.RelayIdleThreshold())

	assert.Equal(t, []AccessEntry{
		{Network: "127.0.1.1", Port: "8080"},
		{Network: "127.0.2.0/24", Port: "1234"},
		{Network: "127.0.0.0/24", Port: "*"},
	}, cfg.AllowedAccesses)
	assert.Equal(t, []AccessEntry{{Network: "192.0.0.0/24", Port: "*"}}, cfg.BlockedAccesses)

	require.Len(t, cfg.Forwarding, 2)
	assert.Equal(t, ForwardEntry{
		SourceNetwork: "196.168.1.0/24",
		SourcePort:    "1234",
		DestHost:      "127.0.0.1",
		DestPort:      "8000",
	}, cfg.Forwarding[0])
	assert.Equal(t, "*", cfg.Forwarding[1].DestPort)

	require.NotNil(t, cfg.LoadBalancing.Frontend)
	assert.Equal(t, Frontend{Network: "192.0.0.1/32", Port: "8080"}, *cfg.LoadBalancing.Frontend)
	assert.Equal(t, []Backend{
		{Host: "127.0.0.1", Port: "9091", Weight: 20},
		{Host: "127.0.0.1", Port: "*", Weight: 80},
	}, cfg.LoadBalancing.Backends)

	assert.Equal(t, []string{"example.com", "*.ads.example.org"}, cfg.BlockedDomains)

	assert.Equal(t, UpstreamSocks5, cfg.Upstream.Type)
	assert.Equal(t, "127.0.0.1:1080", cfg.Upstream.Address)
	require.NotNil(t, cfg.Upstream.Username)
	assert.Equal(t, "user", *cfg.Upstream.Username)
	assert.Nil(t, cfg.Upstream.Password)

	assert.True(t, cfg.DNS.Enabled)
	assert.Equal(t, 5, cfg.DNS.CacheSeconds)
	require.Len(t, cfg.DNS.Servers, 1)
	assert.Equal(t, DNSTypeDoT, cfg.DNS.Servers[0].Type)
	assert.Equal(t, 10*time.Second, cfg.DNS.Servers[0].GetTimeoutDuration())

	assert.Equal(t, StatisticsConfig{
		Enabled:       true,
		Backend:       "sqlite",
		SQLitePath:    "/tmp/zoxy.db",
		FlushInterval: 2,
	}, cfg.Statistics)

	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, "127.0.0.1:9000", cfg.Admin.ListenAddress)
	assert.Equal(t, 3600, cfg.Admin.TokenTTLSeconds)
}

func TestLoadConfigSecret(t *testing.T) {
	t.Setenv("ZOXY_TEST_ADMIN_PASSWORD", "from-env")
	content := `{
		"admin": {"enabled": true, "username": "admin", "password": {"_secret": "ZOXY_TEST_ADMIN_PASSWORD"}}
	}`
	path := createTempConfigFile(t, t.TempDir(), "secret.json", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Admin.Password)

	missing := `{"admin": {"password": {"_secret": "ZOXY_TEST_UNSET_SECRET"}}}`
	path = createTempConfigFile(t, t.TempDir(), "missing.json", missing)
	_, err = LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret ZOXY_TEST_UNSET_SECRET not set")
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("ZOXY_LISTENHOST", "0.0.0.0")
	t.Setenv("ZOXY_LISTENPORT", "9999")
	t.Setenv("ZOXY_DESTTIMEOUTSECONDS", "0.25")
	t.Setenv("ZOXY_IDLETHRESHOLD", "3")
	t.Setenv("ZOXY_SOCKS5", "127.0.0.1:1080")
	t.Setenv("ZOXY_STATISTICS_ENABLED", "1")
	t.Setenv("ZOXY_STATISTICS_BACKEND", "dummy")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9999", cfg.ListenAddress())
	assert.Equal(t, 250*time.Millisecond, cfg.DestTimeout)
	assert.Equal(t, 3, cfg.RelayIdleThreshold())
	assert.Equal(t, UpstreamSocks5, cfg.Upstream.Type)
	assert.True(t, cfg.Statistics.Enabled)
	assert.Equal(t, "dummy", cfg.Statistics.Backend)
}

func TestLoadConfigFileOverridesEnv(t *testing.T) {
	t.Setenv("ZOXY_LISTENPORT", "9999")
	path := createTempConfigFile(t, t.TempDir(), "port.json", `{"listen-port": 7000}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.ListenPort)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{
			name:    "invalid json",
			content: `{"listen-port": }`,
			errPart: "failed to decode JSON config",
		},
		{
			name:    "listen port wrong type",
			content: `{"listen-port": true}`,
			errPart: "listen-port must be an integer",
		},
		{
			name:    "network host bits set",
			content: `{"allowed-accesses": [{"network": "127.0.0.1/24", "port": "*"}]}`,
			errPart: "host bits set",
		},
		{
			name:    "port out of range",
			content: `{"blocked-accesses": [{"network": "10.0.0.0/8", "port": 70000}]}`,
			errPart: "out of range",
		},
		{
			name:    "missing port",
			content: `{"blocked-accesses": [{"network": "10.0.0.0/8"}]}`,
			errPart: "port is required",
		},
		{
			name:    "forwarding missing destination",
			content: `{"forwarding": [{"source-network": "10.0.0.0/8", "source-port": "*", "dest-port": "*"}]}`,
			errPart: "dest-host is required",
		},
		{
			name:    "weight out of range",
			content: `{"load-balancing": {"backends": [{"host": "a", "port": 1, "weight": 150}]}}`,
			errPart: "weight must be within 1..100",
		},
		{
			name:    "socks5 without address",
			content: `{"upstream": {"type": "socks5"}}`,
			errPart: "address is required for socks5",
		},
		{
			name:    "admin without credentials",
			content: `{"admin": {"enabled": true}}`,
			errPart: "username and password are required",
		},
		{
			name:    "negative timeout",
			content: `{"dest-timeout-seconds": -1}`,
			errPart: "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := createTempConfigFile(t, t.TempDir(), "bad.json", tt.content)
			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestLoadConfigUnsupportedFormat(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "config.yaml", "listen-port: 1")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file format")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open config file")
}

func TestRelayIdleThreshold(t *testing.T) {
	cfg := Default()

	cfg.DestTimeout = time.Second
	assert.Equal(t, 2, cfg.RelayIdleThreshold())

	cfg.DestTimeout = 100 * time.Millisecond
	assert.Equal(t, 20, cfg.RelayIdleThreshold())

	cfg.DestTimeout = 10 * time.Second
	assert.Equal(t, 1, cfg.RelayIdleThreshold())

	cfg.IdleThreshold = 7
	assert.Equal(t, 7, cfg.RelayIdleThreshold())
}

func TestParseNetwork(t *testing.T) {
	prefix, err := ParseNetwork("127.0.1.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.1.1/32", prefix.String())

	prefix, err = ParseNetwork("2001:db8::/32")
	require.NoError(t, err)
	assert.Equal(t, 32, prefix.Bits())

	prefix, err = ParseNetwork("::1")
	require.NoError(t, err)
	assert.Equal(t, 128, prefix.Bits())

	_, err = ParseNetwork("example.com")
	assert.Error(t, err)

	_, err = ParseNetwork("10.0.0.1/8")
	assert.Error(t, err)
}

func TestValidatePort(t *testing.T) {
	assert.NoError(t, ValidatePort("*"))
	assert.NoError(t, ValidatePort("0"))
	assert.NoError(t, ValidatePort("65535"))
	assert.Error(t, ValidatePort("65536"))
	assert.Error(t, ValidatePort("-1"))
	assert.Error(t, ValidatePort("http"))
	assert.Error(t, ValidatePort(""))
}
