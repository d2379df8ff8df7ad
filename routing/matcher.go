package routing

import (
	"context"
	"sync"
	"time"

	"github.com/arifur/strong-forward-gateway/models"
	log "github.com/sirupsen/logrus"
)

// RuleSource supplies the enabled rules, highest priority first
type RuleSource interface {
	FindEnabledRulesOrderedByPriority(ctx context.Context) ([]*models.Rule, error)
}

// Matcher selects the rule for an inbound request from a cached rule list
type Matcher struct {
	source RuleSource
	ttl    time.Duration

	mu          sync.RWMutex
	rules       []*models.Rule
	lastUpdated time.Time
}

// NewMatcher creates a matcher that reloads rules from source at most once per ttl
func NewMatcher(source RuleSource, ttl time.Duration) *Matcher {
	return &Matcher{source: source, ttl: ttl}
}

// Refresh reloads the rule cache
func (m *Matcher) Refresh(ctx context.Context) error {
	rules, err := m.source.FindEnabledRulesOrderedByPriority(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.rules = rules
	m.lastUpdated = time.Now()
	m.mu.Unlock()

	log.Debugf("Rule cache refreshed with %d enabled rules", len(rules))
	return nil
}

// Invalidate forces a reload on the next lookup
func (m *Matcher) Invalidate() {
	m.mu.Lock()
	m.lastUpdated = time.Time{}
	m.mu.Unlock()
}

func (m *Matcher) snapshot(ctx context.Context) []*models.Rule {
	m.mu.RLock()
	stale := m.lastUpdated.IsZero() || time.Since(m.lastUpdated) > m.ttl
	rules := m.rules
	m.mu.RUnlock()

	if stale {
		if err := m.Refresh(ctx); err != nil {
			log.Errorf("Error refreshing rule cache: %v", err)
			return rules
		}
		m.mu.RLock()
		rules = m.rules
		m.mu.RUnlock()
	}
	return rules
}

// Match returns the first enabled rule, in priority order, that allows the
// request method and whose source path matches.
func (m *Matcher) Match(ctx context.Context, method, path string) (*models.Rule, bool) {
	return FirstMatch(m.snapshot(ctx), method, path)
}

// FirstMatch applies the selection invariant to an already ordered rule list
func FirstMatch(rules []*models.Rule, method, path string) (*models.Rule, bool) {
	for _, rule := range rules {
		if !rule.Enabled || !rule.AllowsMethod(method) {
			continue
		}
		if Matches(rule.SourcePath, path) {
			return rule, true
		}
	}
	return nil, false
}
