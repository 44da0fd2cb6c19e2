package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlCollector implements Collector on top of database/sql. Queries are
// written with "?" placeholders and rebound for drivers using "$n".
type sqlCollector struct {
	db         *sql.DB
	dollarArgs bool
	startedAt  time.Time
}

func (s *sqlCollector) rebind(query string) string {
	if !s.dollarArgs {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlCollector) initSchema(statements []string) error {
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *sqlCollector) StartConnection(ctx context.Context, clientIP string, clientPort int) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`INSERT INTO connections (client_ip, client_port, started_at)
		 VALUES (?, ?, ?) RETURNING id`),
		clientIP, clientPort, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

func (s *sqlCollector) RecordRoute(ctx context.Context, connectionID int64, route RouteInfo) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE connections
		 SET method = ?, requested_host = ?, requested_port = ?, target_host = ?, target_port = ?, route = ?
		 WHERE id = ?`),
		route.Method, route.RequestedHost, route.RequestedPort, route.TargetHost, route.TargetPort, route.Route, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record route: %w", err)
	}
	return nil
}

func (s *sqlCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`),
		time.Now().UTC(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

func (s *sqlCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO errors (connection_id, error_type, error_message, timestamp)
		 VALUES (?, ?, ?, ?)`),
		connectionID, errorType, errorMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

func (s *sqlCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO security_events (client_ip, target_host, event_type, reason, timestamp)
		 VALUES (?, ?, 'blocked', ?, ?)`),
		clientIP, targetHost, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record blocked request: %w", err)
	}
	return nil
}

func (s *sqlCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{}

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN route = 'forwarded' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN route = 'load-balanced' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(bytes_sent), 0),
		COALESCE(SUM(bytes_received), 0)
		FROM connections`
	err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalConnections,
		&stats.ActiveConnections,
		&stats.ForwardedConnections,
		&stats.LoadBalancedConnections,
		&stats.TotalBytesOut,
		&stats.TotalBytesIn,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM errors").Scan(&stats.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to get total errors: %w", err)
	}

	query = "SELECT COUNT(*) FROM security_events WHERE event_type = 'blocked'"
	if err := s.db.QueryRowContext(ctx, query).Scan(&stats.BlockedRequests); err != nil {
		return nil, fmt.Errorf("failed to get security stats: %w", err)
	}

	stats.Uptime = time.Since(s.startedAt).Truncate(time.Second).String()
	return stats, nil
}

func (s *sqlCollector) GetSecurityEvents(ctx context.Context, limit int) ([]SecurityEventInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, client_ip, target_host, event_type, reason, timestamp
		 FROM security_events ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEventInfo
	for rows.Next() {
		var event SecurityEventInfo
		var targetHost, reason sql.NullString
		if err := rows.Scan(&event.ID, &event.ClientIP, &targetHost, &event.EventType, &reason, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		event.TargetHost = targetHost.String
		event.Reason = reason.String
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read security events: %w", err)
	}
	return events, nil
}

func (s *sqlCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlCollector) Close() error {
	return s.db.Close()
}
