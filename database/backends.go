package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arifur/strong-forward-gateway/models"
)

var backendFields = []string{
	"id", "name", "url", "weight", "enabled", "status", "timeout_seconds", "max_connections",
	"health_check_path", "last_health_check_at", "last_health_check_ok", "avg_response_time_ms",
	"created_at", "updated_at",
}

var backendColumns = columns("", backendFields)

// columns joins field names, qualifying each with alias when set
func columns(alias string, fields []string) string {
	if alias == "" {
		return strings.Join(fields, ", ")
	}
	qualified := make([]string, len(fields))
	for i, f := range fields {
		qualified[i] = alias + "." + f
	}
	return strings.Join(qualified, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

// BackendRepository stores forwarding targets
type BackendRepository struct {
	db  *sql.DB
	buf *WriteBuffer
	now func() time.Time
}

func NewBackendRepository(db *sql.DB, buf *WriteBuffer) *BackendRepository {
	return &BackendRepository{db: db, buf: buf, now: time.Now}
}

func backendKey(id int64) string {
	return "backend:" + strconv.FormatInt(id, 10)
}

// Save inserts b and sets its id. Inserts are never deferred.
func (r *BackendRepository) Save(ctx context.Context, b *models.Backend, flushNow bool) error {
	now := r.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	if err := r.buf.Flush(ctx); err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO backends (name, url, weight, enabled, status, timeout_seconds, max_connections,
			health_check_path, last_health_check_at, last_health_check_ok, avg_response_time_ms,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Name, b.URL, b.Weight, b.Enabled, string(b.Status), b.TimeoutSeconds, b.MaxConnections,
		b.HealthCheckPath, formatTimePtr(b.LastHealthCheckAt), nullBool(b.LastHealthCheckOK), nullFloat(b.AvgResponseTimeMs),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert backend: %w", err)
	}
	b.ID, _ = result.LastInsertId()
	return nil
}

// Update writes every column of b
func (r *BackendRepository) Update(ctx context.Context, b *models.Backend, flushNow bool) error {
	b.UpdatedAt = r.now()
	// snapshot the row so a deferred write is not affected by later mutation
	row := *b
	return r.buf.Write(ctx, backendKey(b.ID), flushNow, func(ctx context.Context, ex execer) error {
		_, err := ex.ExecContext(ctx, `
			UPDATE backends SET name = ?, url = ?, weight = ?, enabled = ?, status = ?,
				timeout_seconds = ?, max_connections = ?, health_check_path = ?,
				last_health_check_at = ?, last_health_check_ok = ?, avg_response_time_ms = ?,
				updated_at = ?
			WHERE id = ?`,
			row.Name, row.URL, row.Weight, row.Enabled, string(row.Status),
			row.TimeoutSeconds, row.MaxConnections, row.HealthCheckPath,
			formatTimePtr(row.LastHealthCheckAt), nullBool(row.LastHealthCheckOK), nullFloat(row.AvgResponseTimeMs),
			formatTime(row.UpdatedAt), row.ID,
		)
		if err != nil {
			return fmt.Errorf("update backend %d: %w", row.ID, err)
		}
		return nil
	})
}

// Remove deletes b; rule links go with it
func (r *BackendRepository) Remove(ctx context.Context, b *models.Backend, flushNow bool) error {
	id := b.ID
	return r.buf.Write(ctx, backendKey(id), flushNow, func(ctx context.Context, ex execer) error {
		if _, err := ex.ExecContext(ctx, "DELETE FROM backends WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete backend %d: %w", id, err)
		}
		return nil
	})
}

// Find returns the backend with the given id or ErrNotFound
func (r *BackendRepository) Find(ctx context.Context, id int64) (*models.Backend, error) {
	b, err := scanBackend(r.db.QueryRowContext(ctx, "SELECT "+backendColumns+" FROM backends WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// FindAll returns every backend ordered by id
func (r *BackendRepository) FindAll(ctx context.Context) ([]*models.Backend, error) {
	return r.query(ctx, "SELECT "+backendColumns+" FROM backends ORDER BY id")
}

// FindHealthyBackends returns enabled backends whose status is active
func (r *BackendRepository) FindHealthyBackends(ctx context.Context) ([]*models.Backend, error) {
	return r.query(ctx, "SELECT "+backendColumns+" FROM backends WHERE enabled = 1 AND status = ? ORDER BY id", string(models.BackendActive))
}

// FindBackendsForHealthCheck returns every enabled backend regardless of status
func (r *BackendRepository) FindBackendsForHealthCheck(ctx context.Context) ([]*models.Backend, error) {
	return r.query(ctx, "SELECT "+backendColumns+" FROM backends WHERE enabled = 1 ORDER BY id")
}

// FindByIDs returns the backends with the given ids, skipping missing ones
func (r *BackendRepository) FindByIDs(ctx context.Context, ids []int64) ([]*models.Backend, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	return r.query(ctx, "SELECT "+backendColumns+" FROM backends WHERE id IN ("+placeholders+") ORDER BY id", args...)
}

func (r *BackendRepository) query(ctx context.Context, query string, args ...any) ([]*models.Backend, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query backends: %w", err)
	}
	defer rows.Close()

	var backends []*models.Backend
	for rows.Next() {
		b, err := scanBackend(rows)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, rows.Err()
}

// scanBackend reads one backend row; lead receives any columns selected before it
func scanBackend(s scanner, lead ...any) (*models.Backend, error) {
	var (
		b                models.Backend
		status           string
		lastAt           sql.NullString
		lastOK           sql.NullBool
		avg              sql.NullFloat64
		created, updated string
	)
	dest := append(lead, &b.ID, &b.Name, &b.URL, &b.Weight, &b.Enabled, &status, &b.TimeoutSeconds, &b.MaxConnections,
		&b.HealthCheckPath, &lastAt, &lastOK, &avg, &created, &updated)
	err := s.Scan(dest...)
	if err != nil {
		return nil, err
	}
	b.Status = models.BackendStatus(status)
	b.LastHealthCheckAt = parseTimePtr(lastAt)
	if lastOK.Valid {
		ok := lastOK.Bool
		b.LastHealthCheckOK = &ok
	}
	if avg.Valid {
		v := avg.Float64
		b.AvgResponseTimeMs = &v
	}
	b.CreatedAt = parseTime(created)
	b.UpdatedAt = parseTime(updated)
	return &b, nil
}

func nullBool(p *bool) sql.NullBool {
	if p == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *p, Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}
