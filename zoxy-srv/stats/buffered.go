package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/zoxy/zoxy-srv/logger"
)

// BufferedCollector batches writes to an underlying collector and flushes
// them periodically, so connection goroutines never wait on the database
// except for StartConnection, which needs the generated ID.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration

	buffer struct {
		routes      []routeData
		completions []completionData
		errors      []errorData
		security    []securityEventData
		mu          sync.Mutex
	}

	flushMu   sync.Mutex
	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

type routeData struct {
	connectionID int64
	route        RouteInfo
}

type completionData struct {
	connectionID  int64
	bytesSent     int64
	bytesReceived int64
	duration      time.Duration
	closeReason   string
}

type errorData struct {
	connectionID int64
	errorType    string
	errorMessage string
}

type securityEventData struct {
	clientIP   string
	targetHost string
	reason     string
}

// NewBufferedCollectorWithInterval creates a buffered collector with custom interval
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}

	go bc.flusher()

	return bc
}

func (b *BufferedCollector) flusher() {
	defer close(b.doneChan)

	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

// flush writes all buffered records. Routes are written before completions
// so an ended connection never loses its destination.
func (b *BufferedCollector) flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.buffer.mu.Lock()
	routes := b.buffer.routes
	completions := b.buffer.completions
	errs := b.buffer.errors
	security := b.buffer.security
	b.buffer.routes = nil
	b.buffer.completions = nil
	b.buffer.errors = nil
	b.buffer.security = nil
	b.buffer.mu.Unlock()

	if len(routes)+len(completions)+len(errs)+len(security) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, r := range routes {
		if err := b.underlying.RecordRoute(ctx, r.connectionID, r.route); err != nil {
			logger.Error("Failed to flush route for connection %d: %v", r.connectionID, err)
		}
	}
	for _, c := range completions {
		if err := b.underlying.EndConnection(ctx, c.connectionID, c.bytesSent, c.bytesReceived, c.duration, c.closeReason); err != nil {
			logger.Error("Failed to flush connection end %d: %v", c.connectionID, err)
		}
	}
	for _, e := range errs {
		if err := b.underlying.RecordError(ctx, e.connectionID, e.errorType, e.errorMessage); err != nil {
			logger.Error("Failed to flush error for connection %d: %v", e.connectionID, err)
		}
	}
	for _, s := range security {
		if err := b.underlying.RecordBlockedRequest(ctx, s.clientIP, s.targetHost, s.reason); err != nil {
			logger.Error("Failed to flush security event for %s: %v", s.clientIP, err)
		}
	}

	logger.Debug("Flushed stats: %d routes, %d completions, %d errors, %d security events",
		len(routes), len(completions), len(errs), len(security))
}

// ForceFlush writes all buffered records immediately.
func (b *BufferedCollector) ForceFlush() {
	b.flush()
}

// StartConnection is passed through to obtain the connection ID.
func (b *BufferedCollector) StartConnection(ctx context.Context, clientIP string, clientPort int) (int64, error) {
	return b.underlying.StartConnection(ctx, clientIP, clientPort)
}

func (b *BufferedCollector) RecordRoute(ctx context.Context, connectionID int64, route RouteInfo) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	b.buffer.routes = append(b.buffer.routes, routeData{connectionID: connectionID, route: route})
	return nil
}

func (b *BufferedCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	b.buffer.completions = append(b.buffer.completions, completionData{
		connectionID:  connectionID,
		bytesSent:     bytesSent,
		bytesReceived: bytesReceived,
		duration:      duration,
		closeReason:   closeReason,
	})
	return nil
}

func (b *BufferedCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	b.buffer.errors = append(b.buffer.errors, errorData{
		connectionID: connectionID,
		errorType:    errorType,
		errorMessage: errorMessage,
	})
	return nil
}

func (b *BufferedCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	b.buffer.security = append(b.buffer.security, securityEventData{
		clientIP:   clientIP,
		targetHost: targetHost,
		reason:     reason,
	})
	return nil
}

// GetOverviewStats flushes pending records first so the numbers are current.
func (b *BufferedCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	b.flush()
	return b.underlying.GetOverviewStats(ctx)
}

func (b *BufferedCollector) GetSecurityEvents(ctx context.Context, limit int) ([]SecurityEventInfo, error) {
	b.flush()
	return b.underlying.GetSecurityEvents(ctx, limit)
}

func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// Close stops the flusher, writes what is left and closes the underlying collector.
func (b *BufferedCollector) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopChan)
		<-b.doneChan
		err = b.underlying.Close()
	})
	return err
}
