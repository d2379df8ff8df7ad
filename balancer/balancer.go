// Package balancer chooses one healthy backend per forward using the rule's
// load-balancing strategy.
package balancer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/arifur/strong-forward-gateway/models"
	log "github.com/sirupsen/logrus"
)

// ErrNoHealthyBackend is matched by every NoHealthyBackendError
var ErrNoHealthyBackend = errors.New("no healthy backend")

// NoHealthyBackendError reports a rule whose backends are all disabled or
// unhealthy.
type NoHealthyBackendError struct {
	Rule    string
	Total   int
	Healthy int
}

func (e *NoHealthyBackendError) Error() string {
	return fmt.Sprintf("no healthy backends for rule %s", e.Rule)
}

func (e *NoHealthyBackendError) Is(target error) bool { return target == ErrNoHealthyBackend }

// Strategy picks one backend from a non-empty healthy set
type Strategy interface {
	Pick(backends []*models.Backend, req *models.ProxyRequest) *models.Backend
}

// Selector keeps per-rule strategy state so round robin cursors and smooth
// weights survive across requests.
type Selector struct {
	tracker *ConnectionTracker

	mu         sync.Mutex
	strategies map[string]Strategy
}

func NewSelector(tracker *ConnectionTracker) *Selector {
	if tracker == nil {
		tracker = NewConnectionTracker()
	}
	return &Selector{tracker: tracker, strategies: make(map[string]Strategy)}
}

// Tracker returns the in-flight counter used by least_connections
func (s *Selector) Tracker() *ConnectionTracker { return s.tracker }

// Select returns a healthy backend of rule for req
func (s *Selector) Select(rule *models.Rule, req *models.ProxyRequest) (*models.Backend, error) {
	healthy := rule.HealthyBackends()
	switch len(healthy) {
	case 0:
		return nil, &NoHealthyBackendError{Rule: rule.Name, Total: len(rule.Backends), Healthy: 0}
	case 1:
		return healthy[0], nil
	}

	b := s.strategyFor(rule).Pick(healthy, req)
	if b == nil {
		return nil, &NoHealthyBackendError{Rule: rule.Name, Total: len(rule.Backends), Healthy: len(healthy)}
	}
	return b, nil
}

// Forget drops the state kept for a rule, e.g. after it is deleted
func (s *Selector) Forget(rule *models.Rule) {
	prefix := ruleKey(rule) + "|"
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.strategies {
		if strings.HasPrefix(k, prefix) {
			delete(s.strategies, k)
		}
	}
}

func (s *Selector) strategyFor(rule *models.Rule) Strategy {
	name := rule.LoadBalance
	if !name.Valid() {
		if name != "" {
			log.Warnf("Unknown load balance strategy %q on rule %s, using round_robin", name, rule.Name)
		}
		name = models.StrategyRoundRobin
	}

	key := ruleKey(rule) + "|" + string(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.strategies[key]; ok {
		return st
	}
	st := s.newStrategy(name)
	s.strategies[key] = st
	return st
}

func (s *Selector) newStrategy(name models.LoadBalanceStrategy) Strategy {
	switch name {
	case models.StrategyRandom:
		return randomStrategy{}
	case models.StrategyWeightedRoundRobin:
		return &smoothWeighted{current: make(map[int64]int)}
	case models.StrategyLeastConnections:
		return &leastConnections{tracker: s.tracker}
	case models.StrategyIPHash:
		return ipHash{}
	default:
		return &roundRobin{}
	}
}

func ruleKey(rule *models.Rule) string {
	if rule.ID != 0 {
		return strconv.FormatInt(rule.ID, 10)
	}
	return "name:" + rule.Name
}
