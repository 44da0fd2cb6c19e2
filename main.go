package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/zoxy/zoxy-srv/admin"
	"github.com/codefionn/zoxy/zoxy-srv/config"
	"github.com/codefionn/zoxy/zoxy-srv/logger"
	"github.com/codefionn/zoxy/zoxy-srv/proxy"
	"github.com/codefionn/zoxy/zoxy-srv/stats"
)

var version string

const shutdownTimeout = 10 * time.Second

// repeatedFlag collects every occurrence of a flag.
type repeatedFlag []string

func (r *repeatedFlag) String() string {
	return strings.Join(*r, ", ")
}

func (r *repeatedFlag) Set(value string) error {
	*r = append(*r, value)
	return nil
}

// cliOptions holds the command line flags that override the configuration.
type cliOptions struct {
	host            string
	port            int
	allowedAccesses repeatedFlag
	blockedAccesses repeatedFlag
	forwarding      repeatedFlag
	lbFrontend      string
	lbBackends      repeatedFlag

	set map[string]bool
}

func main() {
	cfg, configPath, opts := parseFlagsAndConfig()
	runProxy(cfg, configPath, opts)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string, opts *cliOptions) {
	opts = &cliOptions{}
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")

	flag.StringVar(&opts.host, "url", config.DefaultListenHost, "Bind host")
	flag.StringVar(&opts.host, "u", config.DefaultListenHost, "Bind host (shorthand)")
	flag.IntVar(&opts.port, "port", config.DefaultListenPort, "Bind port")
	flag.IntVar(&opts.port, "p", config.DefaultListenPort, "Bind port (shorthand)")
	flag.Var(&opts.allowedAccesses, "allowed-access", `Allow clients in "ip/mask port", port may be "*" (repeatable)`)
	flag.Var(&opts.blockedAccesses, "blocked-access", `Block clients in "ip/mask port", checked before allowed-access (repeatable)`)
	flag.Var(&opts.forwarding, "forwarding", `Forward "ip/mask port desthost destport" (repeatable)`)
	flag.StringVar(&opts.lbFrontend, "lb-frontend", "", `Load balancing frontend "ip/mask port"`)
	flag.Var(&opts.lbBackends, "lb-backend", `Load balancing backend "host port percent" (repeatable)`)
	flag.Parse()

	opts.set = make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		opts.set[f.Name] = true
	})

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("zoxy version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if level := os.Getenv("ZOXY_LOG_LEVEL"); level != "" {
		logger.SetLevel(logger.GetLevelFromString(level))
	}
	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting zoxy proxy server")

	cfg, err := loadConfig(*configPathPtr, opts)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	logger.Debug("Proxy setting: listen=%s allowed=%v blocked=%v forwarding=%v load-balancing=%+v",
		cfg.ListenAddress(), cfg.AllowedAccesses, cfg.BlockedAccesses, cfg.Forwarding, cfg.LoadBalancing)

	return cfg, *configPathPtr, opts
}

// loadConfig loads the configuration file (if any) and applies the command
// line flags on top of it.
func loadConfig(configPath string, opts *cliOptions) (*config.Config, error) {
	if configPath != "" {
		logger.Debug("Using configuration file: %s", configPath)
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := opts.apply(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply overrides cfg with the flags given on the command line.
func (o *cliOptions) apply(cfg *config.Config) error {
	if o.set["url"] || o.set["u"] {
		cfg.ListenHost = o.host
	}
	if o.set["port"] || o.set["p"] {
		cfg.ListenPort = o.port
	}

	if len(o.allowedAccesses) > 0 {
		cfg.AllowedAccesses = nil
		for _, arg := range o.allowedAccesses {
			entry, err := config.ParseAccessArg(arg)
			if err != nil {
				return fmt.Errorf("-allowed-access: %w", err)
			}
			cfg.AllowedAccesses = append(cfg.AllowedAccesses, entry)
		}
	}
	if len(o.blockedAccesses) > 0 {
		cfg.BlockedAccesses = nil
		for _, arg := range o.blockedAccesses {
			entry, err := config.ParseAccessArg(arg)
			if err != nil {
				return fmt.Errorf("-blocked-access: %w", err)
			}
			cfg.BlockedAccesses = append(cfg.BlockedAccesses, entry)
		}
	}
	if len(o.forwarding) > 0 {
		cfg.Forwarding = nil
		for _, arg := range o.forwarding {
			entry, err := config.ParseForwardArg(arg)
			if err != nil {
				return fmt.Errorf("-forwarding: %w", err)
			}
			cfg.Forwarding = append(cfg.Forwarding, entry)
		}
	}

	if o.lbFrontend != "" || len(o.lbBackends) > 0 {
		lb := config.LoadBalancing{}
		if o.lbFrontend != "" {
			frontend, err := config.ParseFrontendArg(o.lbFrontend)
			if err != nil {
				return fmt.Errorf("-lb-frontend: %w", err)
			}
			lb.Frontend = frontend
		}
		for _, arg := range o.lbBackends {
			backend, err := config.ParseBackendArg(arg)
			if err != nil {
				return fmt.Errorf("-lb-backend: %w", err)
			}
			lb.Backends = append(lb.Backends, backend)
		}
		cfg.LoadBalancing = lb
	}
	return nil
}

// instance is one running proxy with its collector and admin API.
type instance struct {
	cfg       *config.Config
	collector stats.Collector
	server    *proxy.Server
	admin     *admin.Server
	stopped   chan struct{}
}

func startInstance(cfg *config.Config) (*instance, error) {
	collector, err := stats.CreateCollector(&cfg.Statistics)
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}

	server, err := proxy.NewServer(cfg, proxy.WithCollector(collector))
	if err != nil {
		if closeErr := collector.Close(); closeErr != nil {
			logger.Error("Error closing statistics collector: %v", closeErr)
		}
		return nil, err
	}

	inst := &instance{
		cfg:       cfg,
		collector: collector,
		server:    server,
		stopped:   make(chan struct{}),
	}

	go func() {
		defer close(inst.stopped)
		if err := server.Listen(); err != nil {
			logger.Error("Proxy server error: %v", err)
		}
	}()

	if cfg.Admin.Enabled {
		inst.admin = admin.NewServer(cfg.Admin, server)
		go func() {
			if err := inst.admin.ListenAndServe(); err != nil {
				logger.Error("Admin API error: %v", err)
			}
		}()
	}

	return inst, nil
}

func (i *instance) stop() {
	if i.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := i.admin.Shutdown(ctx); err != nil {
			logger.Error("Error stopping admin API: %v", err)
		}
		cancel()
	}
	if err := i.server.Close(); err != nil {
		logger.Error("Error stopping proxy server: %v", err)
	}
	<-i.stopped
	if err := i.collector.Close(); err != nil {
		logger.Error("Error closing statistics collector: %v", err)
	}
}

// runProxy starts and manages the proxy server, including signal handling and reloads.
func runProxy(cfg *config.Config, configPath string, opts *cliOptions) {
	inst, err := startInstance(cfg)
	if err != nil {
		logger.Fatal("Failed to start proxy server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case <-inst.stopped:
			logger.Error("Proxy server stopped unexpectedly")
			inst.stop()
			os.Exit(1)
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				inst = reload(inst, configPath, opts)
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down proxy server...", sig)
				inst.stop()
				logger.Info("Proxy server shutdown complete")
				return
			}
		}
	}
}

// reload applies a changed configuration. Routing changes are swapped into
// the running server; anything else restarts the instance.
func reload(inst *instance, configPath string, opts *cliOptions) *instance {
	newCfg, err := loadConfig(configPath, opts)
	if err != nil {
		logger.Error("Failed to reload config: %v (keeping current config)", err)
		return inst
	}
	if !config.HasChanged(inst.cfg, newCfg) {
		logger.Info("Config unchanged after reload; not restarting proxy.")
		return inst
	}

	if !config.RestartRequired(inst.cfg, newCfg) {
		if err := inst.server.Reconfigure(newCfg); err != nil {
			logger.Error("Failed to apply routing changes: %v (keeping current config)", err)
			return inst
		}
		inst.cfg = newCfg
		logger.Info("Routing tables updated from %s", configPath)
		return inst
	}

	logger.Info("Config changed. Restarting proxy...")
	inst.stop()
	next, err := startInstance(newCfg)
	if err != nil {
		logger.Error("Failed to start proxy with new configuration: %v (restoring previous)", err)
		next, err = startInstance(inst.cfg)
		if err != nil {
			logger.Fatal("Failed to restore previous configuration: %v", err)
		}
		return next
	}
	logger.Info("Proxy restarted with new configuration.")
	return next
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
