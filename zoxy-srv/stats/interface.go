// Package stats records proxied connections, routing decisions and
// rejected clients.
package stats

import (
	"context"
	"time"
)

// Route values recorded for a connection.
const (
	RouteDirect       = "direct"
	RouteForwarded    = "forwarded"
	RouteLoadBalanced = "load-balanced"
)

// Collector defines the interface for collecting proxy statistics
type Collector interface {
	// StartConnection is called right after accept and returns the ID used
	// by all later calls for this connection.
	StartConnection(ctx context.Context, clientIP string, clientPort int) (int64, error)
	// RecordRoute stores the requested and the final destination.
	RecordRoute(ctx context.Context, connectionID int64, route RouteInfo) error
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error
	RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error

	GetOverviewStats(ctx context.Context) (*OverviewStats, error)
	GetSecurityEvents(ctx context.Context, limit int) ([]SecurityEventInfo, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// RouteInfo describes how a connection was routed.
type RouteInfo struct {
	Method        string
	RequestedHost string
	RequestedPort int
	TargetHost    string
	TargetPort    int
	Route         string // one of the Route* constants
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections        int64  `json:"total_connections"`
	ActiveConnections       int64  `json:"active_connections"`
	ForwardedConnections    int64  `json:"forwarded_connections"`
	LoadBalancedConnections int64  `json:"load_balanced_connections"`
	TotalErrors             int64  `json:"total_errors"`
	BlockedRequests         int64  `json:"blocked_requests"`
	TotalBytesIn            int64  `json:"total_bytes_in"`
	TotalBytesOut           int64  `json:"total_bytes_out"`
	Uptime                  string `json:"uptime"`
}

// SecurityEventInfo represents a rejected client or destination
type SecurityEventInfo struct {
	ID         int64     `json:"id"`
	ClientIP   string    `json:"client_ip"`
	TargetHost string    `json:"target_host"`
	EventType  string    `json:"event_type"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}
