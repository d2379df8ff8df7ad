package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arifur/strong-forward-gateway/models"
)

var attemptFields = []string{
	"rule_id", "rule_name", "rule_source_path", "middlewares_used", "load_balance_strategy",
	"request_time", "method", "path", "target_url", "original_headers", "processed_headers",
	"request_body", "request_size", "response_status", "response_headers", "response_body",
	"response_size", "retry_count_used", "fallback_used", "fallback_details", "error_message",
	"client_ip", "user_agent", "auth_subject", "status", "send_time", "first_byte_time",
	"complete_time", "latency_ms", "download_ms", "duration_ms", "backend_response_time_ms",
	"backend_id", "backend_name", "backend_url", "available_backends", "upstream_timing",
}

var (
	attemptInsert = "INSERT INTO forward_attempts (" + columns("", attemptFields) + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(attemptFields)), ", ") + ")"
	attemptUpdate = "UPDATE forward_attempts SET " + strings.Join(attemptFields, " = ?, ") + " = ? WHERE id = ?"
	attemptSelect = "SELECT id, " + columns("", attemptFields) + " FROM forward_attempts"
)

// AttemptFilter narrows attempt listings and statistics
type AttemptFilter struct {
	RuleID *int64
	Status models.AttemptStatus
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

func (f AttemptFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.RuleID != nil {
		clauses = append(clauses, "rule_id = ?")
		args = append(args, *f.RuleID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Since != nil {
		clauses = append(clauses, "request_time >= ?")
		args = append(args, formatTime(*f.Since))
	}
	if f.Until != nil {
		clauses = append(clauses, "request_time < ?")
		args = append(args, formatTime(*f.Until))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// AttemptStats summarizes forward attempts
type AttemptStats struct {
	Total         int64                          `json:"total"`
	ByStatus      map[models.AttemptStatus]int64 `json:"by_status"`
	FallbackCount int64                          `json:"fallback_count"`
	RetriedCount  int64                          `json:"retried_count"`
	AvgDurationMs float64                        `json:"avg_duration_ms"`
	AvgLatencyMs  float64                        `json:"avg_latency_ms"`
	ByRule        []RuleStats                    `json:"by_rule"`
}

// RuleStats is the per-rule slice of AttemptStats
type RuleStats struct {
	RuleName      string  `json:"rule_name"`
	Total         int64   `json:"total"`
	Failed        int64   `json:"failed"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// AttemptRepository stores the forward attempt audit log. It satisfies the
// forwarder's attempt store.
type AttemptRepository struct {
	db  *sql.DB
	buf *WriteBuffer
}

func NewAttemptRepository(db *sql.DB, buf *WriteBuffer) *AttemptRepository {
	return &AttemptRepository{db: db, buf: buf}
}

func attemptKey(id int64) string {
	return "attempt:" + strconv.FormatInt(id, 10)
}

// Save inserts a and sets its id
func (r *AttemptRepository) Save(ctx context.Context, a *models.ForwardAttempt, flushNow bool) error {
	args, err := attemptArgs(a)
	if err != nil {
		return err
	}
	if err := r.buf.Flush(ctx); err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, attemptInsert, args...)
	if err != nil {
		return fmt.Errorf("insert forward attempt: %w", err)
	}
	a.ID, _ = result.LastInsertId()
	return nil
}

// Update writes the current state of a. An attempt that was never saved is
// inserted instead.
func (r *AttemptRepository) Update(ctx context.Context, a *models.ForwardAttempt, flushNow bool) error {
	if a.ID == 0 {
		return r.Save(ctx, a, flushNow)
	}
	args, err := attemptArgs(a)
	if err != nil {
		return err
	}
	id := a.ID
	args = append(args, id)
	return r.buf.Write(ctx, attemptKey(id), flushNow, func(ctx context.Context, ex execer) error {
		if _, err := ex.ExecContext(ctx, attemptUpdate, args...); err != nil {
			return fmt.Errorf("update forward attempt %d: %w", id, err)
		}
		return nil
	})
}

// Find returns the attempt with the given id or ErrNotFound
func (r *AttemptRepository) Find(ctx context.Context, id int64) (*models.ForwardAttempt, error) {
	a, err := scanAttempt(r.db.QueryRowContext(ctx, attemptSelect+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// FindRecent lists attempts newest first
func (r *AttemptRepository) FindRecent(ctx context.Context, f AttemptFilter) ([]*models.ForwardAttempt, error) {
	where, args := f.where()
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit, max(f.Offset, 0))

	rows, err := r.db.QueryContext(ctx, attemptSelect+where+" ORDER BY request_time DESC, id DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, fmt.Errorf("query forward attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*models.ForwardAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Count returns the number of attempts matching f, ignoring paging
func (r *AttemptRepository) Count(ctx context.Context, f AttemptFilter) (int64, error) {
	where, args := f.where()
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM forward_attempts"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count forward attempts: %w", err)
	}
	return n, nil
}

// Stats aggregates attempts matching f
func (r *AttemptRepository) Stats(ctx context.Context, f AttemptFilter) (*AttemptStats, error) {
	where, args := f.where()
	stats := &AttemptStats{ByStatus: make(map[models.AttemptStatus]int64)}

	var avgDuration, avgLatency sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN fallback_used THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN retry_count_used > 0 THEN 1 ELSE 0 END), 0),
			AVG(duration_ms), AVG(latency_ms)
		FROM forward_attempts`+where, args...,
	).Scan(&stats.Total, &stats.FallbackCount, &stats.RetriedCount, &avgDuration, &avgLatency)
	if err != nil {
		return nil, fmt.Errorf("aggregate forward attempts: %w", err)
	}
	stats.AvgDurationMs = avgDuration.Float64
	stats.AvgLatencyMs = avgLatency.Float64

	statusRows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM forward_attempts"+where+" GROUP BY status", args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate attempt statuses: %w", err)
	}
	for statusRows.Next() {
		var (
			status string
			n      int64
		)
		if err := statusRows.Scan(&status, &n); err != nil {
			statusRows.Close()
			return nil, err
		}
		stats.ByStatus[models.AttemptStatus(status)] = n
	}
	statusRows.Close()

	ruleRows, err := r.db.QueryContext(ctx, `
		SELECT rule_name, COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			AVG(duration_ms)
		FROM forward_attempts`+where+`
		GROUP BY rule_name ORDER BY COUNT(*) DESC, rule_name`, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate attempts by rule: %w", err)
	}
	defer ruleRows.Close()
	stats.ByRule = []RuleStats{}
	for ruleRows.Next() {
		var (
			rs  RuleStats
			avg sql.NullFloat64
		)
		if err := ruleRows.Scan(&rs.RuleName, &rs.Total, &rs.Failed, &avg); err != nil {
			return nil, err
		}
		rs.AvgDurationMs = avg.Float64
		stats.ByRule = append(stats.ByRule, rs)
	}
	return stats, ruleRows.Err()
}

// PruneBefore deletes attempts requested before cutoff and returns how many
func (r *AttemptRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := r.buf.Flush(ctx); err != nil {
		return 0, err
	}
	result, err := r.db.ExecContext(ctx, "DELETE FROM forward_attempts WHERE request_time < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune forward attempts: %w", err)
	}
	return result.RowsAffected()
}

func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

// attemptArgs encodes a in attemptFields order
func attemptArgs(a *models.ForwardAttempt) ([]any, error) {
	var (
		encoded [6]string
		err     error
	)
	values := []struct {
		v     any
		empty string
	}{
		{a.MiddlewaresUsed, "[]"},
		{a.OriginalHeaders, "{}"},
		{a.ProcessedHeaders, "{}"},
		{a.ResponseHeaders, "{}"},
		{a.FallbackDetails, "{}"},
		{a.AvailableBackends, "[]"},
	}
	for i, v := range values {
		if encoded[i], err = marshalJSON(v.v, v.empty); err != nil {
			return nil, fmt.Errorf("encode forward attempt: %w", err)
		}
	}
	var timing sql.NullString
	if a.UpstreamTiming != nil {
		b, err := json.Marshal(a.UpstreamTiming)
		if err != nil {
			return nil, fmt.Errorf("encode upstream timing: %w", err)
		}
		timing = sql.NullString{String: string(b), Valid: true}
	}

	return []any{
		nullInt64(a.RuleID), a.RuleName, a.RuleSourcePath, encoded[0], a.LoadBalanceStrategy,
		formatTime(a.RequestTime), a.Method, a.Path, a.TargetURL, encoded[1], encoded[2],
		a.RequestBody, a.RequestSize, a.ResponseStatus, encoded[3], a.ResponseBody,
		a.ResponseSize, a.RetryCountUsed, a.FallbackUsed, encoded[4], a.ErrorMessage,
		a.ClientIP, a.UserAgent, a.AuthSubject, string(a.Status), formatTimePtr(a.SendTime), formatTimePtr(a.FirstByteTime),
		formatTimePtr(a.CompleteTime), nullInt64(a.LatencyMs), nullInt64(a.DownloadMs), nullInt64(a.DurationMs), nullInt64(a.BackendResponseTimeMs),
		nullInt64(a.BackendID), a.BackendName, a.BackendURL, encoded[5], timing,
	}, nil
}

func scanAttempt(s scanner) (*models.ForwardAttempt, error) {
	var (
		a                                             models.ForwardAttempt
		ruleID, backendID                             sql.NullInt64
		latency, download, duration, backendTime      sql.NullInt64
		requestTime, status                           string
		sendTime, firstByte, completeTime, timing     sql.NullString
		middlewares, original, processed, respHeaders string
		details, available                            string
	)
	err := s.Scan(&a.ID,
		&ruleID, &a.RuleName, &a.RuleSourcePath, &middlewares, &a.LoadBalanceStrategy,
		&requestTime, &a.Method, &a.Path, &a.TargetURL, &original, &processed,
		&a.RequestBody, &a.RequestSize, &a.ResponseStatus, &respHeaders, &a.ResponseBody,
		&a.ResponseSize, &a.RetryCountUsed, &a.FallbackUsed, &details, &a.ErrorMessage,
		&a.ClientIP, &a.UserAgent, &a.AuthSubject, &status, &sendTime, &firstByte,
		&completeTime, &latency, &download, &duration, &backendTime,
		&backendID, &a.BackendName, &a.BackendURL, &available, &timing,
	)
	if err != nil {
		return nil, err
	}

	a.RuleID = int64Ptr(ruleID)
	a.BackendID = int64Ptr(backendID)
	a.LatencyMs = int64Ptr(latency)
	a.DownloadMs = int64Ptr(download)
	a.DurationMs = int64Ptr(duration)
	a.BackendResponseTimeMs = int64Ptr(backendTime)
	a.RequestTime = parseTime(requestTime)
	a.Status = models.AttemptStatus(status)
	a.SendTime = parseTimePtr(sendTime)
	a.FirstByteTime = parseTimePtr(firstByte)
	a.CompleteTime = parseTimePtr(completeTime)

	decode := []struct {
		raw string
		dst any
	}{
		{middlewares, &a.MiddlewaresUsed},
		{original, &a.OriginalHeaders},
		{processed, &a.ProcessedHeaders},
		{respHeaders, &a.ResponseHeaders},
		{details, &a.FallbackDetails},
		{available, &a.AvailableBackends},
	}
	for _, d := range decode {
		if d.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(d.raw), d.dst); err != nil {
			return nil, fmt.Errorf("decode forward attempt %d: %w", a.ID, err)
		}
	}
	if timing.Valid && timing.String != "" {
		a.UpstreamTiming = &models.UpstreamTiming{}
		if err := json.Unmarshal([]byte(timing.String), a.UpstreamTiming); err != nil {
			return nil, fmt.Errorf("decode upstream timing of attempt %d: %w", a.ID, err)
		}
	}
	return &a, nil
}
