package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/arifur/strong-forward-gateway/models"
)

const ruleColumns = `id, name, source_path, load_balance, methods, enabled, priority, middlewares,
	strip_prefix, timeout_seconds, retry_count, retry_interval_ms, fallback_kind, fallback_config,
	stream_enabled, buffer_size, created_at, updated_at`

// RuleRepository stores routing rules and their ordered backend links
type RuleRepository struct {
	db  *sql.DB
	buf *WriteBuffer
	now func() time.Time
}

func NewRuleRepository(db *sql.DB, buf *WriteBuffer) *RuleRepository {
	return &RuleRepository{db: db, buf: buf, now: time.Now}
}

func ruleKey(id int64) string {
	return "rule:" + strconv.FormatInt(id, 10)
}

// ruleRow is the column encoding of a rule
type ruleRow struct {
	methods, middlewares, fallback string
	backendIDs                     []int64
}

func encodeRule(rule *models.Rule) (ruleRow, error) {
	var row ruleRow
	methods, err := json.Marshal(rule.Methods)
	if err != nil {
		return row, fmt.Errorf("encode methods: %w", err)
	}
	middlewares := rule.Middlewares
	if middlewares == nil {
		middlewares = []models.MiddlewareBinding{}
	}
	mw, err := json.Marshal(middlewares)
	if err != nil {
		return row, fmt.Errorf("encode middlewares: %w", err)
	}
	fallback := rule.FallbackConfig
	if fallback == nil {
		fallback = map[string]any{}
	}
	fb, err := json.Marshal(fallback)
	if err != nil {
		return row, fmt.Errorf("encode fallback config: %w", err)
	}
	row.methods, row.middlewares, row.fallback = string(methods), string(mw), string(fb)
	row.backendIDs = ruleBackendIDs(rule)
	return row, nil
}

// ruleBackendIDs prefers the loaded backends, falling back to bare ids
func ruleBackendIDs(rule *models.Rule) []int64 {
	if len(rule.Backends) > 0 {
		ids := make([]int64, 0, len(rule.Backends))
		for _, b := range rule.Backends {
			ids = append(ids, b.ID)
		}
		return ids
	}
	return rule.BackendIDs
}

func linkBackends(ctx context.Context, ex execer, ruleID int64, ids []int64) error {
	if _, err := ex.ExecContext(ctx, "DELETE FROM rule_backends WHERE rule_id = ?", ruleID); err != nil {
		return fmt.Errorf("clear rule backends: %w", err)
	}
	for i, id := range ids {
		if _, err := ex.ExecContext(ctx,
			"INSERT OR IGNORE INTO rule_backends (rule_id, backend_id, position) VALUES (?, ?, ?)",
			ruleID, id, i,
		); err != nil {
			return fmt.Errorf("link backend %d: %w", id, err)
		}
	}
	return nil
}

// Save inserts rule with its backend links and sets its id
func (r *RuleRepository) Save(ctx context.Context, rule *models.Rule, flushNow bool) error {
	row, err := encodeRule(rule)
	if err != nil {
		return err
	}
	now := r.now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	if err := r.buf.Flush(ctx); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO rules (name, source_path, load_balance, methods, enabled, priority, middlewares,
			strip_prefix, timeout_seconds, retry_count, retry_interval_ms, fallback_kind, fallback_config,
			stream_enabled, buffer_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.Name, rule.SourcePath, string(rule.LoadBalance), row.methods, rule.Enabled, rule.Priority, row.middlewares,
		rule.StripPrefix, rule.TimeoutSeconds, rule.RetryCount, rule.RetryIntervalMs, string(rule.FallbackKind), row.fallback,
		rule.StreamEnabled, rule.BufferSize, formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	id, _ := result.LastInsertId()
	if err := linkBackends(ctx, tx, id, row.backendIDs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	rule.ID = id
	return nil
}

// Update writes every column of rule and replaces its backend links
func (r *RuleRepository) Update(ctx context.Context, rule *models.Rule, flushNow bool) error {
	row, err := encodeRule(rule)
	if err != nil {
		return err
	}
	rule.UpdatedAt = r.now()
	snap := *rule
	return r.buf.Write(ctx, ruleKey(rule.ID), flushNow, func(ctx context.Context, ex execer) error {
		_, err := ex.ExecContext(ctx, `
			UPDATE rules SET name = ?, source_path = ?, load_balance = ?, methods = ?, enabled = ?,
				priority = ?, middlewares = ?, strip_prefix = ?, timeout_seconds = ?, retry_count = ?,
				retry_interval_ms = ?, fallback_kind = ?, fallback_config = ?, stream_enabled = ?,
				buffer_size = ?, updated_at = ?
			WHERE id = ?`,
			snap.Name, snap.SourcePath, string(snap.LoadBalance), row.methods, snap.Enabled,
			snap.Priority, row.middlewares, snap.StripPrefix, snap.TimeoutSeconds, snap.RetryCount,
			snap.RetryIntervalMs, string(snap.FallbackKind), row.fallback, snap.StreamEnabled,
			snap.BufferSize, formatTime(snap.UpdatedAt), snap.ID,
		)
		if err != nil {
			return fmt.Errorf("update rule %d: %w", snap.ID, err)
		}
		return linkBackends(ctx, ex, snap.ID, row.backendIDs)
	})
}

// Remove deletes rule. Attempts keep their snapshot and lose the reference.
func (r *RuleRepository) Remove(ctx context.Context, rule *models.Rule, flushNow bool) error {
	id := rule.ID
	return r.buf.Write(ctx, ruleKey(id), flushNow, func(ctx context.Context, ex execer) error {
		if _, err := ex.ExecContext(ctx, "UPDATE forward_attempts SET rule_id = NULL WHERE rule_id = ?", id); err != nil {
			return fmt.Errorf("detach attempts from rule %d: %w", id, err)
		}
		if _, err := ex.ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete rule %d: %w", id, err)
		}
		return nil
	})
}

// Find returns the rule with its backends or ErrNotFound
func (r *RuleRepository) Find(ctx context.Context, id int64) (*models.Rule, error) {
	rules, err := r.query(ctx, "SELECT "+ruleColumns+" FROM rules WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, ErrNotFound
	}
	return rules[0], nil
}

// FindAll returns every rule ordered by id
func (r *RuleRepository) FindAll(ctx context.Context) ([]*models.Rule, error) {
	return r.query(ctx, "SELECT "+ruleColumns+" FROM rules ORDER BY id")
}

// FindEnabledRulesOrderedByPriority returns enabled rules, highest priority
// first; equal priorities keep creation order.
func (r *RuleRepository) FindEnabledRulesOrderedByPriority(ctx context.Context) ([]*models.Rule, error) {
	return r.query(ctx, "SELECT "+ruleColumns+" FROM rules WHERE enabled = 1 ORDER BY priority DESC, id ASC")
}

func (r *RuleRepository) query(ctx context.Context, query string, args ...any) ([]*models.Rule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}

	var rules []*models.Rule
	byID := make(map[int64]*models.Rule)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		rules = append(rules, rule)
		byID[rule.ID] = rule
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(rules) == 0 {
		return rules, nil
	}
	if err := r.loadBackends(ctx, byID); err != nil {
		return nil, err
	}
	return rules, nil
}

// loadBackends attaches linked backends to each rule in weight desc, id asc order
func (r *RuleRepository) loadBackends(ctx context.Context, byID map[int64]*models.Rule) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT rb.rule_id, `+columns("b", backendFields)+`
		FROM rule_backends rb JOIN backends b ON b.id = rb.backend_id
		ORDER BY rb.rule_id, b.weight DESC, b.id ASC`)
	if err != nil {
		return fmt.Errorf("query rule backends: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ruleID int64
		b, err := scanBackend(rows, &ruleID)
		if err != nil {
			return err
		}
		rule, ok := byID[ruleID]
		if !ok {
			continue
		}
		rule.Backends = append(rule.Backends, b)
		rule.BackendIDs = append(rule.BackendIDs, b.ID)
	}
	return rows.Err()
}

func scanRule(s scanner) (*models.Rule, error) {
	var (
		rule                           models.Rule
		lb, fallbackKind               string
		methods, middlewares, fallback string
		created, updated               string
	)
	err := s.Scan(&rule.ID, &rule.Name, &rule.SourcePath, &lb, &methods, &rule.Enabled, &rule.Priority, &middlewares,
		&rule.StripPrefix, &rule.TimeoutSeconds, &rule.RetryCount, &rule.RetryIntervalMs, &fallbackKind, &fallback,
		&rule.StreamEnabled, &rule.BufferSize, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	rule.LoadBalance = models.LoadBalanceStrategy(lb)
	rule.FallbackKind = models.FallbackKind(fallbackKind)
	if err := json.Unmarshal([]byte(methods), &rule.Methods); err != nil {
		return nil, fmt.Errorf("decode methods of rule %d: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(middlewares), &rule.Middlewares); err != nil {
		return nil, fmt.Errorf("decode middlewares of rule %d: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(fallback), &rule.FallbackConfig); err != nil {
		return nil, fmt.Errorf("decode fallback config of rule %d: %w", rule.ID, err)
	}
	rule.CreatedAt = parseTime(created)
	rule.UpdatedAt = parseTime(updated)
	rule.Backends = []*models.Backend{}
	return &rule, nil
}
