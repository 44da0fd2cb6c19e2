package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/codefionn/zoxy/zoxy-srv/httpmsg"
	"github.com/codefionn/zoxy/zoxy-srv/logger"
	"github.com/codefionn/zoxy/zoxy-srv/routing"
	"github.com/codefionn/zoxy/zoxy-srv/stats"
)

// session is the state of one accepted client connection. It is owned by
// the goroutine handling the connection.
type session struct {
	tag        string
	client     *trackedConn
	dest       *trackedConn
	clientAddr netip.AddrPort
	statsID    int64
	started    time.Time

	requestedHost string
	err           error
}

func (c *session) debugf(format string, v ...any) {
	if logger.IsLevelEnabled(logger.DEBUG) {
		logger.Debug("%s", logger.WithConn(c.tag, format, v...))
	}
}

func (c *session) infof(format string, v ...any) {
	logger.Info("%s", logger.WithConn(c.tag, format, v...))
}

func (c *session) warnf(format string, v ...any) {
	logger.Warn("%s", logger.WithConn(c.tag, format, v...))
}

func (c *session) errorf(format string, v ...any) {
	logger.Error("%s", logger.WithConn(c.tag, format, v...))
}

func clientAddrPort(addr net.Addr) netip.AddrPort {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.conns.Done()

	c := &session{
		client:     newTrackedConn(conn),
		clientAddr: clientAddrPort(conn.RemoteAddr()),
		started:    time.Now(),
	}
	c.tag = "c" + strconv.FormatUint(s.connSeq.Add(1), 10) + " " + c.clientAddr.String()

	defer s.finish(c)
	defer func() {
		if r := recover(); r != nil {
			c.err = NewProxyError(ErrCodePanicRecovered, fmt.Errorf("%v", r))
		}
	}()

	c.err = s.serve(c)
}

// serve walks one connection through policy check, parsing, routing,
// connecting and relaying. Any returned error aborts the connection.
func (s *Server) serve(c *session) error {
	ctx := context.Background()
	clientIP := c.clientAddr.Addr().String()
	clientPort := int(c.clientAddr.Port())

	id, err := s.collector.StartConnection(ctx, clientIP, clientPort)
	if err != nil {
		c.debugf("Failed to record connection start: %v", err)
	}
	c.statsID = id
	c.debugf("Get new connect")

	// PolicyCheck
	if s.IsConnectionBlocked(clientIP, clientPort) {
		return NewProxyError(ErrCodePolicyRejection, errors.New("blocked client"))
	}
	if !s.IsConnectionAllowed(clientIP, clientPort) {
		return NewProxyError(ErrCodePolicyRejection, errors.New("not allowed client"))
	}

	// Parsed
	head := s.heads.get()
	defer s.heads.put(head)

	if err := c.client.SetReadDeadline(time.Now().Add(s.socketTimeout)); err != nil {
		return NewProxyError(ErrCodeClientReadFailed, err)
	}
	n, err := c.client.Read(*head)
	if n == 0 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return NewProxyError(ErrCodeClientReadFailed, err)
	}
	raw := (*head)[:n]
	c.debugf("Request: %q", raw)

	req, err := httpmsg.ParseRequest(raw)
	if err != nil {
		return NewProxyError(ErrCodeParseError, err)
	}
	host, port, err := parseDestination(req.Method, req.Target)
	if err != nil {
		return NewProxyError(ErrCodeParseError, err)
	}
	c.requestedHost = host
	c.infof("%s -> %s", c.clientAddr, req.Target)

	// Routed
	if s.IsDomainBlocked(host) {
		return NewProxyError(ErrCodeBlockedDomain, fmt.Errorf("destination %s", host))
	}

	routeCtx, cancel := context.WithTimeout(ctx, routingTimeout)
	defer cancel()

	route := stats.RouteDirect
	destHost, destPort, err := s.ForwardingDest(routeCtx, host, port)
	if err != nil {
		return NewProxyError(ErrCodeDestinationUnreachable, err)
	}
	if destHost != host || destPort != port {
		route = stats.RouteForwarded
	}

	lbHost, lbPort, err := s.LoadBalancingDest(routeCtx, destHost, destPort)
	if err != nil {
		return NewProxyError(ErrCodeDestinationUnreachable, err)
	}
	if lbHost != destHost || lbPort != destPort {
		route = stats.RouteLoadBalanced
		destHost, destPort = lbHost, lbPort
	}

	if destHost != host || destPort != port {
		raw = routing.RewriteHostPort(raw, host, port, destHost, destPort)
	}

	if err := s.collector.RecordRoute(ctx, c.statsID, stats.RouteInfo{
		Method:        req.Method,
		RequestedHost: host,
		RequestedPort: port,
		TargetHost:    destHost,
		TargetPort:    destPort,
		Route:         route,
	}); err != nil {
		c.debugf("Failed to record route: %v", err)
	}

	// Connected
	destAddr := net.JoinHostPort(destHost, strconv.Itoa(destPort))
	dialCtx, dialCancel := context.WithTimeout(ctx, s.destTimeout)
	destConn, err := s.dialer.DialContext(dialCtx, "tcp", destAddr)
	dialCancel()
	if err != nil {
		return NewProxyError(ErrCodeDestinationUnreachable, fmt.Errorf("%s: %w", destAddr, err))
	}
	c.dest = newTrackedConn(destConn)
	c.debugf("Connected to %s (%s)", destAddr, route)

	isTunnel := req.Method == "CONNECT"
	if isTunnel {
		if err := writeAll(c.client, tunnelEstablished, s.socketTimeout); err != nil {
			return NewProxyError(ErrCodeTunnelReplyFailed, err)
		}
	} else {
		if err := writeAll(c.dest, raw, s.destTimeout); err != nil {
			return NewProxyError(ErrCodeRequestForwardFailed, err)
		}
	}

	// Relaying
	capture := !isTunnel && logger.IsLevelEnabled(logger.DEBUG)
	captured, err := Relay(c.client, c.dest, RelayOptions{
		IdleThreshold: s.idleThreshold,
		ReadTimeout:   s.destTimeout,
		Capture:       capture,
		BufferSize:    s.heads.size,
		MaxCapture:    s.heads.size,
	})
	if err != nil {
		return NewProxyError(ErrCodeRelayFailed, err)
	}
	if capture && len(captured) > 0 {
		if resp, err := httpmsg.ParseResponse(captured); err == nil {
			c.debugf("Response: %s %d %s (%d bytes)", resp.Version, resp.StatusCode, resp.StatusMessage, len(captured))
		} else {
			c.debugf("Response: %d bytes, head not parsable: %v", len(captured), err)
		}
	}

	return nil
}

// finish closes both connections and reports the outcome.
func (s *Server) finish(c *session) {
	if c.dest != nil {
		c.debugf("Close dest socket")
		closeConn(c, "dest", c.dest)
	}
	c.debugf("Close src socket")
	closeConn(c, "src", c.client)

	ctx := context.Background()
	closeReason := "idle"
	if c.err != nil {
		closeReason = ErrorCode(c.err)
		if closeReason == "" {
			closeReason = "error"
		}
		s.reportError(ctx, c)
	}

	var sent, received int64
	if c.dest != nil {
		sent, received = c.dest.BytesWritten(), c.dest.BytesRead()
	}
	if err := s.collector.EndConnection(ctx, c.statsID, sent, received, time.Since(c.started), closeReason); err != nil {
		c.debugf("Failed to record connection end: %v", err)
	}
}

func (s *Server) reportError(ctx context.Context, c *session) {
	switch {
	case IsAccessControlError(c.err):
		if ErrorCode(c.err) == ErrCodeBlockedDomain {
			c.warnf("Blocked destination: %v", c.err)
		} else {
			c.warnf("Rejected client: %v", c.err)
		}
		if err := s.collector.RecordBlockedRequest(ctx, c.clientAddr.Addr().String(), c.requestedHost, c.err.Error()); err != nil {
			c.debugf("Failed to record blocked request: %v", err)
		}
	case IsInternalError(c.err):
		c.errorf("%v", c.err)
	case IsHTTPError(c.err), ErrorCode(c.err) == ErrCodeClientReadFailed:
		c.warnf("%v", c.err)
	default:
		c.errorf("%v", c.err)
	}

	if err := s.collector.RecordError(ctx, c.statsID, ErrorCode(c.err), c.err.Error()); err != nil {
		c.debugf("Failed to record error: %v", err)
	}
}

// closeConn shuts down and closes conn. Errors are expected here (the peer
// may be gone already) and only logged at debug level.
func closeConn(c *session, name string, conn net.Conn) {
	type halfCloser interface {
		CloseRead() error
		CloseWrite() error
	}
	if tc, ok := conn.(*trackedConn); ok {
		if hc, ok := tc.Conn.(halfCloser); ok {
			if err := hc.CloseWrite(); err != nil {
				c.debugf("Shutdown %s socket for writing: %v", name, err)
			}
			if err := hc.CloseRead(); err != nil {
				c.debugf("Shutdown %s socket for reading: %v", name, err)
			}
		}
	}
	if err := conn.Close(); err != nil {
		c.debugf("Close %s socket: %v", name, err)
	}
}
