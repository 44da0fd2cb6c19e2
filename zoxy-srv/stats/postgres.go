package stats

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/codefionn/zoxy/zoxy-srv/logger"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id BIGSERIAL PRIMARY KEY,
		client_ip TEXT NOT NULL,
		client_port INTEGER NOT NULL DEFAULT 0,
		method TEXT,
		requested_host TEXT,
		requested_port INTEGER,
		target_host TEXT,
		target_port INTEGER,
		route TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		bytes_sent BIGINT NOT NULL DEFAULT 0,
		bytes_received BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		close_reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS errors (
		id BIGSERIAL PRIMARY KEY,
		connection_id BIGINT,
		error_type TEXT NOT NULL,
		error_message TEXT,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS security_events (
		id BIGSERIAL PRIMARY KEY,
		client_ip TEXT NOT NULL,
		target_host TEXT,
		event_type TEXT NOT NULL,
		reason TEXT,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_started_at ON connections(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_timestamp ON security_events(timestamp)`,
}

// PostgreSQLCollector implements Collector using PostgreSQL
type PostgreSQLCollector struct {
	sqlCollector
}

// NewPostgreSQLCollector creates a new PostgreSQL-based stats collector
func NewPostgreSQLCollector(connectionString string) (*PostgreSQLCollector, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	collector := &PostgreSQLCollector{sqlCollector{db: db, dollarArgs: true, startedAt: time.Now()}}
	if err := collector.initSchema(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized stats collector postgresql")

	return collector, nil
}
