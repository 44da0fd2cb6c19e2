// Package proxy implements the forwarding proxy: the accept loop, the
// per-connection routing pipeline and the relay between client and
// destination.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/zoxy/zoxy-srv/config"
	"github.com/codefionn/zoxy/zoxy-srv/logger"
	"github.com/codefionn/zoxy/zoxy-srv/resolver"
	"github.com/codefionn/zoxy/zoxy-srv/routing"
	"github.com/codefionn/zoxy/zoxy-srv/stats"
)

const (
	closeGracePeriod = 5 * time.Second
	acceptRetryDelay = 50 * time.Millisecond
	// routingTimeout bounds the name lookups done while routing one request.
	routingTimeout = 5 * time.Second
)

var tunnelEstablished = []byte("HTTP/1.1 200 Connection established\r\n\r\n")

// Option configures optional collaborators of a Server.
type Option func(*Server)

// WithCollector records connections to c instead of discarding them.
func WithCollector(c stats.Collector) Option {
	return func(s *Server) {
		s.collector = c
	}
}

// WithResolver sets the resolver used for rule matching and direct dials.
func WithResolver(r *resolver.Resolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

// WithDialer replaces the destination dialer.
func WithDialer(d Dialer) Option {
	return func(s *Server) {
		s.dialer = d
	}
}

// routingTables is an immutable set of rule tables. It is replaced as a
// whole, never modified in place.
type routingTables struct {
	allowed    *routing.AccessTable
	blocked    *routing.AccessTable
	forwarding *routing.ForwardingTable
	domains    *routing.DomainMatcher
}

// Server is a forward HTTP/HTTPS proxy.
type Server struct {
	listener net.Listener

	socketTimeout time.Duration
	destTimeout   time.Duration
	idleThreshold int
	heads         *sizedPool

	collector stats.Collector
	resolver  *resolver.Resolver
	dialer    Dialer

	tablesMu sync.RWMutex
	tables   routingTables
	lb       *routing.LoadBalancer

	closing    atomic.Bool
	listening  atomic.Bool
	acceptDone chan struct{}
	closeOnce  sync.Once
	conns      sync.WaitGroup
	connSeq    atomic.Uint64
}

// NewServer builds the routing tables from cfg and binds the listener.
// Connections are only accepted once Listen is called.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, NewProxyError(ErrCodeInvalidServerConfig, errors.New("config is nil"))
	}

	s := &Server{
		socketTimeout: cfg.SocketTimeout,
		destTimeout:   cfg.DestTimeout,
		idleThreshold: cfg.RelayIdleThreshold(),
		acceptDone:    make(chan struct{}),
	}
	if s.socketTimeout <= 0 {
		s.socketTimeout = config.DefaultSocketTimeout
	}
	if s.destTimeout <= 0 {
		s.destTimeout = config.DefaultDestTimeout
	}
	maxRecv := cfg.MaxRecvBytes
	if maxRecv <= 0 {
		maxRecv = config.DefaultMaxRecvBytes
	}
	s.heads = newSizedPool(maxRecv)

	for _, opt := range opts {
		opt(s)
	}
	if s.collector == nil {
		s.collector = stats.NewDummyCollector()
	}
	if s.resolver == nil {
		s.resolver = resolver.New(cfg.DNS)
	}
	if s.dialer == nil {
		d, err := NewDialer(cfg.Upstream, s.destTimeout, s.resolver)
		if err != nil {
			return nil, err
		}
		s.dialer = d
	}

	tables, err := buildTables(cfg)
	if err != nil {
		return nil, NewProxyError(ErrCodeInvalidServerConfig, err)
	}
	s.tables = tables

	lb, err := routing.NewLoadBalancer(cfg.LoadBalancing)
	if err != nil {
		return nil, NewProxyError(ErrCodeInvalidServerConfig, err)
	}
	s.lb = lb

	ln, err := net.Listen("tcp", cfg.ListenAddress())
	if err != nil {
		return nil, NewProxyError(ErrCodeListenerCreateFailed, fmt.Errorf("listen on %s: %w", cfg.ListenAddress(), err))
	}
	s.listener = ln

	logger.Debug("Initial allowed accesses: %v", tables.allowed.Entries())
	logger.Debug("Initial blocked accesses: %v", tables.blocked.Entries())
	logger.Debug("Initial forwarding list: %v", tables.forwarding.Entries())
	logger.Debug("Initial load balancing: %+v", lb.Snapshot())

	return s, nil
}

func buildTables(cfg *config.Config) (routingTables, error) {
	var t routingTables
	var err error

	if t.allowed, err = routing.NewAccessTable(cfg.AllowedAccesses); err != nil {
		return t, fmt.Errorf("allowed accesses: %w", err)
	}
	if t.blocked, err = routing.NewAccessTable(cfg.BlockedAccesses); err != nil {
		return t, fmt.Errorf("blocked accesses: %w", err)
	}
	if t.forwarding, err = routing.NewForwardingTable(cfg.Forwarding); err != nil {
		return t, fmt.Errorf("forwarding: %w", err)
	}

	domains := append([]string(nil), cfg.BlockedDomains...)
	if cfg.BlockedDomainsFile != "" {
		fromFile, err := routing.LoadDomainsFile(cfg.BlockedDomainsFile)
		if err != nil {
			return t, fmt.Errorf("blocked domains: %w", err)
		}
		domains = append(domains, fromFile...)
	}
	t.domains = routing.NewDomainMatcher(domains)

	return t, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Listen runs the accept loop until Close is called. Each accepted
// connection is handled on its own goroutine.
func (s *Server) Listen() error {
	if !s.listening.CompareAndSwap(false, true) {
		return errors.New("server is already listening")
	}
	defer close(s.acceptDone)

	logger.Info("Proxy server: %s", s.Addr())

	type deadliner interface {
		SetDeadline(t time.Time) error
	}

	for !s.closing.Load() {
		if dl, ok := s.listener.(deadliner); ok {
			if err := dl.SetDeadline(time.Now().Add(s.socketTimeout)); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Debug("Failed to set accept deadline: %v", err)
			}
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			logger.Error("Failed to accept connection: %v", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		s.conns.Add(1)
		go s.handleConn(conn)
	}

	logger.Debug("Accept loop stopped")
	return nil
}

// Close stops the accept loop and waits a grace period for in-flight
// connections. It never exits the process and is safe to call repeatedly.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Debug("Error closing listener: %v", err)
		}
		if s.listening.Load() {
			<-s.acceptDone
		}

		done := make(chan struct{})
		go func() {
			s.conns.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeGracePeriod):
			logger.Warn("Connections still active after %s, shutting down anyway", closeGracePeriod)
		}
		logger.Info("Proxy server stopped")
	})
	return nil
}

func (s *Server) snapshot() routingTables {
	s.tablesMu.RLock()
	defer s.tablesMu.RUnlock()
	return s.tables
}

// IsConnectionAllowed reports whether a client at host:port passes the
// allow list. An empty allow list permits everyone.
func (s *Server) IsConnectionAllowed(host string, port int) bool {
	table := s.snapshot().allowed
	if table.Len() == 0 {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return table.Matches(addr, port)
}

// IsConnectionBlocked reports whether a client at host:port is on the
// block list. An empty block list blocks no one.
func (s *Server) IsConnectionBlocked(host string, port int) bool {
	table := s.snapshot().blocked
	if table.Len() == 0 {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return table.Matches(addr, port)
}

// IsDomainBlocked reports whether host is on the destination blocklist.
func (s *Server) IsDomainBlocked(host string) bool {
	return s.snapshot().domains.Matches(host)
}

// ForwardingDest returns the destination after applying the forwarding
// rules. host is resolved to an address for rule matching.
func (s *Server) ForwardingDest(ctx context.Context, host string, port int) (string, int, error) {
	table := s.snapshot().forwarding
	if table.Len() == 0 {
		return host, port, nil
	}

	addr, err := s.resolver.LookupAddr(ctx, host)
	if err != nil {
		return "", 0, NewProxyError(ErrCodeResolveFailed, err)
	}

	newHost, newPort, ok := table.Resolve(addr, host, port)
	if ok {
		logger.Info("Forward %s to %s", net.JoinHostPort(host, strconv.Itoa(port)), net.JoinHostPort(newHost, strconv.Itoa(newPort)))
	}
	return newHost, newPort, nil
}

// LoadBalancingDest returns the backend selected for host:port, or host:port
// itself when the frontend does not match.
func (s *Server) LoadBalancingDest(ctx context.Context, host string, port int) (string, int, error) {
	s.tablesMu.RLock()
	lb := s.lb
	s.tablesMu.RUnlock()

	if !lb.Enabled() {
		return host, port, nil
	}

	addr, err := s.resolver.LookupAddr(ctx, host)
	if err != nil {
		return "", 0, NewProxyError(ErrCodeResolveFailed, err)
	}

	newHost, newPort, ok := lb.Select(addr, host, port)
	if ok {
		logger.Info("Load balance %s to %s", net.JoinHostPort(host, strconv.Itoa(port)), net.JoinHostPort(newHost, strconv.Itoa(newPort)))
	}
	return newHost, newPort, nil
}

// SetAllowedAccesses replaces the allow list. An empty list disables it.
func (s *Server) SetAllowedAccesses(entries []config.AccessEntry) error {
	table, err := routing.NewAccessTable(entries)
	if err != nil {
		return err
	}
	s.tablesMu.Lock()
	s.tables.allowed = table
	s.tablesMu.Unlock()
	logger.Debug("Allowed accesses: %v", table.Entries())
	return nil
}

// SetBlockedAccesses replaces the block list. An empty list disables it.
func (s *Server) SetBlockedAccesses(entries []config.AccessEntry) error {
	table, err := routing.NewAccessTable(entries)
	if err != nil {
		return err
	}
	s.tablesMu.Lock()
	s.tables.blocked = table
	s.tablesMu.Unlock()
	logger.Debug("Blocked accesses: %v", table.Entries())
	return nil
}

// SetForwarding replaces the forwarding rules.
func (s *Server) SetForwarding(entries []config.ForwardEntry) error {
	table, err := routing.NewForwardingTable(entries)
	if err != nil {
		return err
	}
	s.tablesMu.Lock()
	s.tables.forwarding = table
	s.tablesMu.Unlock()
	logger.Debug("Forwarding list: %v", table.Entries())
	return nil
}

// SetLoadBalancing reconfigures the load balancer and resets its counters.
func (s *Server) SetLoadBalancing(cfg config.LoadBalancing) error {
	s.tablesMu.RLock()
	lb := s.lb
	s.tablesMu.RUnlock()

	if err := lb.Reconfigure(cfg); err != nil {
		return err
	}
	logger.Debug("Load balancing: %+v", lb.Snapshot())
	return nil
}

// SetDomainBlocklist replaces the destination domain blocklist.
func (s *Server) SetDomainBlocklist(domains []string) {
	matcher := routing.NewDomainMatcher(domains)
	s.tablesMu.Lock()
	s.tables.domains = matcher
	s.tablesMu.Unlock()
	logger.Debug("Blocked domains: %d", matcher.Len())
}

func (s *Server) AllowedAccesses() []config.AccessEntry {
	return s.snapshot().allowed.Entries()
}

func (s *Server) BlockedAccesses() []config.AccessEntry {
	return s.snapshot().blocked.Entries()
}

func (s *Server) Forwarding() []config.ForwardEntry {
	return s.snapshot().forwarding.Entries()
}

func (s *Server) BlockedDomains() []string {
	return s.snapshot().domains.Domains()
}

func (s *Server) LoadBalancing() config.LoadBalancing {
	s.tablesMu.RLock()
	defer s.tablesMu.RUnlock()
	return s.lb.Config()
}

// LoadBalancerState returns the backends with their current access counts.
func (s *Server) LoadBalancerState() routing.LoadBalancerState {
	s.tablesMu.RLock()
	defer s.tablesMu.RUnlock()
	return s.lb.Snapshot()
}

// Collector returns the statistics collector connections are recorded to.
func (s *Server) Collector() stats.Collector {
	return s.collector
}

// Reconfigure replaces every routing table from cfg. Nothing changes if any
// table fails to build. Listener, timeouts and upstream are not affected.
func (s *Server) Reconfigure(cfg *config.Config) error {
	tables, err := buildTables(cfg)
	if err != nil {
		return err
	}
	lb, err := routing.NewLoadBalancer(cfg.LoadBalancing)
	if err != nil {
		return fmt.Errorf("load balancing: %w", err)
	}

	s.tablesMu.Lock()
	s.tables = tables
	s.lb = lb
	s.tablesMu.Unlock()

	logger.Info("Routing tables reconfigured: %d allowed, %d blocked, %d forwarding, %d blocked domains, %d backends",
		tables.allowed.Len(), tables.blocked.Len(), tables.forwarding.Len(), tables.domains.Len(), len(cfg.LoadBalancing.Backends))
	return nil
}
