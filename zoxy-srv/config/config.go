package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/zoxy/zoxy-srv/logger"
)

// Defaults carried over from the original command line proxy.
const (
	DefaultListenHost    = "127.0.0.1"
	DefaultListenPort    = 8080
	DefaultSocketTimeout = time.Second
	DefaultDestTimeout   = time.Second
	DefaultMaxRecvBytes  = 1 << 20
)

// AccessEntry is a single allow or block rule: a network and a port pattern.
// Port is a decimal port or "*".
type AccessEntry struct {
	Network string `json:"network"`
	Port    string `json:"port"`
}

// ForwardEntry rewrites matching destinations to DestHost:DestPort.
// A DestPort of "*" keeps the original port.
type ForwardEntry struct {
	SourceNetwork string `json:"source-network"`
	SourcePort    string `json:"source-port"`
	DestHost      string `json:"dest-host"`
	DestPort      string `json:"dest-port"`
}

// Frontend gates load balancing to destinations inside Network on Port.
type Frontend struct {
	Network string `json:"network"`
	Port    string `json:"port"`
}

// Backend is a load balancing target. Weight is a percentage in 1..100.
type Backend struct {
	Host   string `json:"host"`
	Port   string `json:"port"`
	Weight int    `json:"weight"`
}

// LoadBalancing holds the frontend gate and the ordered backend list.
// A nil Frontend disables load balancing.
type LoadBalancing struct {
	Frontend *Frontend `json:"frontend,omitempty"`
	Backends []Backend `json:"backends"`
}

// UpstreamType selects how destination connections are dialed.
type UpstreamType string

const (
	UpstreamDirect UpstreamType = "direct"
	UpstreamSocks5 UpstreamType = "socks5"
)

// UpstreamConfig routes all destination dials through a proxy.
type UpstreamConfig struct {
	Type     UpstreamType
	Address  string
	Username *string
	Password *string
}

// StatisticsConfig controls connection recording.
type StatisticsConfig struct {
	Enabled       bool
	Backend       string // sqlite, postgres or dummy
	SQLitePath    string
	PostgresDSN   string
	FlushInterval int // seconds
}

// AdminConfig controls the runtime administration API.
type AdminConfig struct {
	Enabled         bool
	ListenAddress   string
	Username        string
	Password        string
	TokenTTLSeconds int
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	ListenHost    string
	ListenPort    int
	SocketTimeout time.Duration // accept poll and client read timeout
	DestTimeout   time.Duration // destination dial and relay read timeout
	MaxRecvBytes  int
	// IdleThreshold is the number of consecutive idle relay iterations
	// before a connection is closed. Zero derives it from DestTimeout.
	IdleThreshold int

	AllowedAccesses []AccessEntry
	BlockedAccesses []AccessEntry
	Forwarding      []ForwardEntry
	LoadBalancing   LoadBalancing

	BlockedDomains     []string
	BlockedDomainsFile string

	Upstream   UpstreamConfig
	DNS        DNSConfig
	Statistics StatisticsConfig
	Admin      AdminConfig
}

// Default returns the configuration used when neither file nor environment
// override anything.
func Default() *Config {
	return &Config{
		ListenHost:    DefaultListenHost,
		ListenPort:    DefaultListenPort,
		SocketTimeout: DefaultSocketTimeout,
		DestTimeout:   DefaultDestTimeout,
		MaxRecvBytes:  DefaultMaxRecvBytes,
		Upstream:      UpstreamConfig{Type: UpstreamDirect},
		DNS:           DefaultDNSConfig(),
		Statistics: StatisticsConfig{
			Backend:       "sqlite",
			SQLitePath:    "zoxy_stats.db",
			FlushInterval: 5,
		},
		Admin: AdminConfig{
			ListenAddress:   "127.0.0.1:8081",
			TokenTTLSeconds: 3600,
		},
	}
}

// ListenAddress returns the bind address as host:port.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// RelayIdleThreshold returns the configured idle threshold or derives one so
// that a relay gives up after roughly four seconds without traffic.
func (c *Config) RelayIdleThreshold() int {
	if c.IdleThreshold > 0 {
		return c.IdleThreshold
	}
	secs := c.DestTimeout.Seconds()
	if secs <= 0 {
		return 1
	}
	threshold := int(4/secs) / 2
	if threshold < 1 {
		return 1
	}
	return threshold
}

// LoadConfig loads configuration from the specified file path.
// An empty path yields the defaults with environment overrides applied.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var data map[string]any
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			data, err = readJSONFile(configPath)
		case ".hcl":
			data, err = readHCLFile(configPath)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}
		if err != nil {
			return nil, err
		}

		if err := applyConfigMap(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func openConfigFile(configPath string) (*os.File, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	return file, nil
}

func readJSONFile(configPath string) (map[string]any, error) {
	file, err := openConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first to handle the hyphenated keys
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

// applyConfigMap maps a decoded JSON or HCL document onto cfg.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if val, exists := data["listen-host"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("listen-host must be a string: %w", err)
		}
		cfg.ListenHost = *ptr
	}

	if val, exists := data["listen-port"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("listen-port must be an integer: %w", err)
		}
		cfg.ListenPort = *ptr
	}

	if val, exists := data["socket-timeout-seconds"]; exists {
		d, err := parseSeconds(val)
		if err != nil {
			return fmt.Errorf("socket-timeout-seconds: %w", err)
		}
		cfg.SocketTimeout = d
	}

	if val, exists := data["dest-timeout-seconds"]; exists {
		d, err := parseSeconds(val)
		if err != nil {
			return fmt.Errorf("dest-timeout-seconds: %w", err)
		}
		cfg.DestTimeout = d
	}

	if val, exists := data["max-recv-bytes"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("max-recv-bytes must be an integer: %w", err)
		}
		cfg.MaxRecvBytes = *ptr
	}

	if val, exists := data["idle-threshold"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("idle-threshold must be an integer: %w", err)
		}
		cfg.IdleThreshold = *ptr
	}

	if val, exists := data["allowed-accesses"]; exists {
		entries, err := parseAccessList(val)
		if err != nil {
			return fmt.Errorf("allowed-accesses: %w", err)
		}
		cfg.AllowedAccesses = entries
	}

	if val, exists := data["blocked-accesses"]; exists {
		entries, err := parseAccessList(val)
		if err != nil {
			return fmt.Errorf("blocked-accesses: %w", err)
		}
		cfg.BlockedAccesses = entries
	}

	if val, exists := data["forwarding"]; exists {
		entries, err := parseForwardList(val)
		if err != nil {
			return fmt.Errorf("forwarding: %w", err)
		}
		cfg.Forwarding = entries
	}

	if val, exists := data["load-balancing"]; exists {
		lb, err := parseLoadBalancing(val)
		if err != nil {
			return fmt.Errorf("load-balancing: %w", err)
		}
		cfg.LoadBalancing = lb
	}

	if val, exists := data["blocked-domains"]; exists {
		domains, err := parseStringList(val)
		if err != nil {
			return fmt.Errorf("blocked-domains: %w", err)
		}
		cfg.BlockedDomains = domains
	}

	if val, exists := data["blocked-domains-file"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("blocked-domains-file must be a string: %w", err)
		}
		cfg.BlockedDomainsFile = *ptr
	}

	if val, exists := data["upstream"]; exists {
		upstream, err := parseUpstream(val)
		if err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
		cfg.Upstream = upstream
	}

	if val, exists := data["dns"]; exists {
		dns, err := parseDNS(val)
		if err != nil {
			return fmt.Errorf("dns: %w", err)
		}
		cfg.DNS = dns
	}

	if val, exists := data["statistics"]; exists {
		if err := parseStatistics(val, &cfg.Statistics); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
	}

	if val, exists := data["admin"]; exists {
		if err := parseAdmin(val, &cfg.Admin); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
	}

	return nil
}

func parseUpstream(val any) (UpstreamConfig, error) {
	m, ok := val.(map[string]any)
	if !ok {
		return UpstreamConfig{}, fmt.Errorf("must be an object")
	}

	upstream := UpstreamConfig{Type: UpstreamDirect}
	if typeVal, exists := m["type"]; exists {
		ptr, err := parseValue[string](typeVal)
		if err != nil {
			return upstream, fmt.Errorf("type must be a string: %w", err)
		}
		upstream.Type = UpstreamType(strings.ToLower(*ptr))
	}
	if addrVal, exists := m["address"]; exists {
		ptr, err := parseValue[string](addrVal)
		if err != nil {
			return upstream, fmt.Errorf("address must be a string: %w", err)
		}
		upstream.Address = *ptr
	}
	if userVal, exists := m["username"]; exists {
		ptr, err := parseValue[string](userVal)
		if err != nil {
			return upstream, fmt.Errorf("username must be a string: %w", err)
		}
		upstream.Username = ptr
	}
	if passVal, exists := m["password"]; exists {
		ptr, err := parseValue[string](passVal)
		if err != nil {
			return upstream, fmt.Errorf("password must be a string: %w", err)
		}
		upstream.Password = ptr
	}
	return upstream, nil
}

func parseStatistics(val any, stats *StatisticsConfig) error {
	m, ok := val.(map[string]any)
	if !ok {
		return fmt.Errorf("must be an object")
	}

	if v, exists := m["enabled"]; exists {
		ptr, err := parseValue[bool](v)
		if err != nil {
			return fmt.Errorf("enabled must be a boolean: %w", err)
		}
		stats.Enabled = *ptr
	}
	if v, exists := m["backend"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return fmt.Errorf("backend must be a string: %w", err)
		}
		stats.Backend = *ptr
	}
	if v, exists := m["sqlite-path"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return fmt.Errorf("sqlite-path must be a string: %w", err)
		}
		stats.SQLitePath = *ptr
	}
	if v, exists := m["postgres-dsn"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return fmt.Errorf("postgres-dsn must be a string: %w", err)
		}
		stats.PostgresDSN = *ptr
	}
	if v, exists := m["flush-interval"]; exists {
		ptr, err := parseValue[int](v)
		if err != nil {
			return fmt.Errorf("flush-interval must be an integer: %w", err)
		}
		stats.FlushInterval = *ptr
	}
	return nil
}

func parseAdmin(val any, admin *AdminConfig) error {
	m, ok := val.(map[string]any)
	if !ok {
		return fmt.Errorf("must be an object")
	}

	if v, exists := m["enabled"]; exists {
		ptr, err := parseValue[bool](v)
		if err != nil {
			return fmt.Errorf("enabled must be a boolean: %w", err)
		}
		admin.Enabled = *ptr
	}
	if v, exists := m["listen-address"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return fmt.Errorf("listen-address must be a string: %w", err)
		}
		admin.ListenAddress = *ptr
	}
	if v, exists := m["username"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return fmt.Errorf("username must be a string: %w", err)
		}
		admin.Username = *ptr
	}
	if v, exists := m["password"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return fmt.Errorf("password must be a string: %w", err)
		}
		admin.Password = *ptr
	}
	if v, exists := m["token-ttl-seconds"]; exists {
		ptr, err := parseValue[int](v)
		if err != nil {
			return fmt.Errorf("token-ttl-seconds must be an integer: %w", err)
		}
		admin.TokenTTLSeconds = *ptr
	}
	return nil
}

func loadConfigFromEnv(cfg *Config) {
	if host := os.Getenv("ZOXY_LISTENHOST"); host != "" {
		cfg.ListenHost = host
	}

	if portStr := os.Getenv("ZOXY_LISTENPORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.ListenPort = port
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for ZOXY_LISTENPORT: %s\n", portStr)
		}
	}

	if timeoutStr := os.Getenv("ZOXY_SOCKETTIMEOUTSECONDS"); timeoutStr != "" {
		if d, err := parseSeconds(timeoutStr); err == nil {
			cfg.SocketTimeout = d
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for ZOXY_SOCKETTIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	if timeoutStr := os.Getenv("ZOXY_DESTTIMEOUTSECONDS"); timeoutStr != "" {
		if d, err := parseSeconds(timeoutStr); err == nil {
			cfg.DestTimeout = d
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for ZOXY_DESTTIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	if maxStr := os.Getenv("ZOXY_MAXRECVBYTES"); maxStr != "" {
		if n, err := strconv.Atoi(maxStr); err == nil {
			cfg.MaxRecvBytes = n
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for ZOXY_MAXRECVBYTES: %s\n", maxStr)
		}
	}

	if idleStr := os.Getenv("ZOXY_IDLETHRESHOLD"); idleStr != "" {
		if n, err := strconv.Atoi(idleStr); err == nil {
			cfg.IdleThreshold = n
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for ZOXY_IDLETHRESHOLD: %s\n", idleStr)
		}
	}

	// ZOXY_SOCKS5 is a shorthand for a SOCKS5 upstream without credentials
	if addr := os.Getenv("ZOXY_SOCKS5"); addr != "" {
		cfg.Upstream = UpstreamConfig{Type: UpstreamSocks5, Address: addr}
	}

	if enabled := os.Getenv("ZOXY_STATISTICS_ENABLED"); enabled != "" {
		cfg.Statistics.Enabled = strings.EqualFold(enabled, "true") || enabled == "1"
	}
	if backend := os.Getenv("ZOXY_STATISTICS_BACKEND"); backend != "" {
		cfg.Statistics.Backend = backend
	}
	if path := os.Getenv("ZOXY_STATISTICS_SQLITEPATH"); path != "" {
		cfg.Statistics.SQLitePath = path
	}
	if dsn := os.Getenv("ZOXY_STATISTICS_POSTGRESDSN"); dsn != "" {
		cfg.Statistics.PostgresDSN = dsn
	}

	if enabled := os.Getenv("ZOXY_ADMIN_ENABLED"); enabled != "" {
		cfg.Admin.Enabled = strings.EqualFold(enabled, "true") || enabled == "1"
	}
	if addr := os.Getenv("ZOXY_ADMIN_LISTENADDRESS"); addr != "" {
		cfg.Admin.ListenAddress = addr
	}
	if user := os.Getenv("ZOXY_ADMIN_USERNAME"); user != "" {
		cfg.Admin.Username = user
	}
	if pass := os.Getenv("ZOXY_ADMIN_PASSWORD"); pass != "" {
		cfg.Admin.Password = pass
	}
}
