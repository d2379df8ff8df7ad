// Package database persists users, backends, rules and forward attempts in
// SQLite.
package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Open connects to the SQLite file at path and creates the schema
func Open(path string) (*sql.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// createTables creates all required tables
func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT UNIQUE,
			password_hash TEXT,
			role TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS backends (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			weight INTEGER NOT NULL DEFAULT 1,
			enabled BOOLEAN NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'active',
			timeout_seconds INTEGER NOT NULL DEFAULT 30,
			max_connections INTEGER NOT NULL DEFAULT 100,
			health_check_path TEXT NOT NULL DEFAULT '',
			last_health_check_at TEXT,
			last_health_check_ok BOOLEAN,
			avg_response_time_ms REAL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			source_path TEXT NOT NULL,
			load_balance TEXT NOT NULL DEFAULT 'round_robin',
			methods TEXT NOT NULL DEFAULT '["GET"]',
			enabled BOOLEAN NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			middlewares TEXT NOT NULL DEFAULT '[]',
			strip_prefix BOOLEAN NOT NULL DEFAULT 0,
			timeout_seconds INTEGER NOT NULL DEFAULT 30,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_interval_ms INTEGER NOT NULL DEFAULT 1000,
			fallback_kind TEXT NOT NULL DEFAULT 'none',
			fallback_config TEXT NOT NULL DEFAULT '{}',
			stream_enabled BOOLEAN NOT NULL DEFAULT 0,
			buffer_size INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rule_backends (
			rule_id INTEGER NOT NULL,
			backend_id INTEGER NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (rule_id, backend_id),
			FOREIGN KEY (rule_id) REFERENCES rules(id) ON DELETE CASCADE,
			FOREIGN KEY (backend_id) REFERENCES backends(id) ON DELETE CASCADE
		)`,
		// rule and backend ids are plain references: attempts keep their
		// snapshot columns after either side is deleted
		`CREATE TABLE IF NOT EXISTS forward_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id INTEGER,
			rule_name TEXT NOT NULL DEFAULT '',
			rule_source_path TEXT NOT NULL DEFAULT '',
			middlewares_used TEXT NOT NULL DEFAULT '[]',
			load_balance_strategy TEXT NOT NULL DEFAULT '',
			request_time TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			target_url TEXT NOT NULL DEFAULT '',
			original_headers TEXT NOT NULL DEFAULT '{}',
			processed_headers TEXT NOT NULL DEFAULT '{}',
			request_body TEXT NOT NULL DEFAULT '',
			request_size INTEGER NOT NULL DEFAULT 0,
			response_status INTEGER NOT NULL DEFAULT 0,
			response_headers TEXT NOT NULL DEFAULT '{}',
			response_body TEXT NOT NULL DEFAULT '',
			response_size INTEGER NOT NULL DEFAULT 0,
			retry_count_used INTEGER NOT NULL DEFAULT 0,
			fallback_used BOOLEAN NOT NULL DEFAULT 0,
			fallback_details TEXT NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL DEFAULT '',
			client_ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			auth_subject TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			send_time TEXT,
			first_byte_time TEXT,
			complete_time TEXT,
			latency_ms INTEGER,
			download_ms INTEGER,
			duration_ms INTEGER,
			backend_response_time_ms INTEGER,
			backend_id INTEGER,
			backend_name TEXT NOT NULL DEFAULT '',
			backend_url TEXT NOT NULL DEFAULT '',
			available_backends TEXT NOT NULL DEFAULT '[]',
			upstream_timing TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_forward_attempts_request_time ON forward_attempts(request_time)`,
		`CREATE INDEX IF NOT EXISTS idx_forward_attempts_rule_id ON forward_attempts(rule_id)`,
		`CREATE INDEX IF NOT EXISTS idx_forward_attempts_status ON forward_attempts(status)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_priority ON rules(enabled, priority DESC)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return addColumnsIfNotExist(db)
}

// addColumnsIfNotExist upgrades databases created by older releases
func addColumnsIfNotExist(db *sql.DB) error {
	columnsToAdd := []struct {
		table, column, definition string
	}{
		{"backends", "health_check_path", "TEXT NOT NULL DEFAULT ''"},
		{"backends", "avg_response_time_ms", "REAL"},
		{"rules", "buffer_size", "INTEGER NOT NULL DEFAULT 0"},
		{"forward_attempts", "upstream_timing", "TEXT"},
		{"forward_attempts", "auth_subject", "TEXT NOT NULL DEFAULT ''"},
	}

	for _, col := range columnsToAdd {
		var exists int
		query := `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`
		if err := db.QueryRow(query, col.table, col.column).Scan(&exists); err != nil {
			log.Warnf("Error checking if column exists: %v", err)
			continue
		}

		if exists == 0 {
			alterQuery := `ALTER TABLE ` + col.table + ` ADD COLUMN ` + col.column + ` ` + col.definition
			if _, err := db.Exec(alterQuery); err != nil {
				return fmt.Errorf("add column %s to %s: %w", col.column, col.table, err)
			}
			log.Infof("Added column %s to %s", col.column, col.table)
		}
	}
	return nil
}

// timeLayout is fixed width so stored times sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
