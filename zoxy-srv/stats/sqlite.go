package stats

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/zoxy/zoxy-srv/logger"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_ip TEXT NOT NULL,
		client_port INTEGER NOT NULL DEFAULT 0,
		method TEXT,
		requested_host TEXT,
		requested_port INTEGER,
		target_host TEXT,
		target_port INTEGER,
		route TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		bytes_sent INTEGER NOT NULL DEFAULT 0,
		bytes_received INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		close_reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER,
		error_type TEXT NOT NULL,
		error_message TEXT,
		timestamp DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS security_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_ip TEXT NOT NULL,
		target_host TEXT,
		event_type TEXT NOT NULL,
		reason TEXT,
		timestamp DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_started_at ON connections(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_timestamp ON security_events(timestamp)`,
}

// SQLiteCollector implements Collector using SQLite as the backend
type SQLiteCollector struct {
	sqlCollector
}

// NewSQLiteCollector creates a new SQLite-based statistics collector
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	collector := &SQLiteCollector{sqlCollector{db: db, startedAt: time.Now()}}
	if err := collector.initSchema(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized stats collector sqlite (%s)", dbPath)

	return collector, nil
}
