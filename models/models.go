package models

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// User represents an administrator of the gateway
type User struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Role         string `json:"role"`
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse represents the login response payload
type LoginResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// LoadBalanceStrategy names a backend selection algorithm
type LoadBalanceStrategy string

const (
	StrategyRoundRobin         LoadBalanceStrategy = "round_robin"
	StrategyRandom             LoadBalanceStrategy = "random"
	StrategyWeightedRoundRobin LoadBalanceStrategy = "weighted_round_robin"
	StrategyLeastConnections   LoadBalanceStrategy = "least_connections"
	StrategyIPHash             LoadBalanceStrategy = "ip_hash"
)

// Valid reports whether s is one of the known strategies. The empty
// strategy is valid and resolves to round robin at selection time.
func (s LoadBalanceStrategy) Valid() bool {
	switch s {
	case "", StrategyRoundRobin, StrategyRandom, StrategyWeightedRoundRobin, StrategyLeastConnections, StrategyIPHash:
		return true
	}
	return false
}

// BackendStatus is the health state of a backend
type BackendStatus string

const (
	BackendActive    BackendStatus = "active"
	BackendInactive  BackendStatus = "inactive"
	BackendUnhealthy BackendStatus = "unhealthy"
)

// FallbackKind selects what is returned when forwarding fails
type FallbackKind string

const (
	FallbackNone   FallbackKind = "none"
	FallbackStatic FallbackKind = "static"
	FallbackBackup FallbackKind = "backup"
)

// Backend represents a forwarding target
type Backend struct {
	ID              int64         `json:"id"`
	Name            string        `json:"name"`
	URL             string        `json:"url"`
	Weight          int           `json:"weight"`
	Enabled         bool          `json:"enabled"`
	Status          BackendStatus `json:"status"`
	TimeoutSeconds  int           `json:"timeout_seconds"`
	MaxConnections  int           `json:"max_connections"`
	HealthCheckPath string        `json:"health_check_path,omitempty"`
	// Health fields are written by the health checker only
	LastHealthCheckAt *time.Time `json:"last_health_check_at,omitempty"`
	LastHealthCheckOK *bool      `json:"last_health_check_ok,omitempty"`
	AvgResponseTimeMs *float64   `json:"avg_response_time_ms,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// IsHealthy reports whether the backend may receive traffic
func (b *Backend) IsHealthy() bool {
	return b.Enabled && b.Status == BackendActive
}

// Timeout returns the backend timeout as a duration
func (b *Backend) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// ApplyDefaults fills zero values with the documented defaults
func (b *Backend) ApplyDefaults() {
	if b.Weight == 0 {
		b.Weight = 1
	}
	if b.Status == "" {
		b.Status = BackendActive
	}
	if b.TimeoutSeconds == 0 {
		b.TimeoutSeconds = 30
	}
	if b.MaxConnections == 0 {
		b.MaxConnections = 100
	}
	if b.Name == "" {
		b.Name = b.URL
	}
}

// Validate returns every problem found with the backend definition
func (b *Backend) Validate() []string {
	var errs []string
	u, err := url.Parse(b.URL)
	if b.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "url must be an absolute http(s) URL")
	}
	if b.Weight < 1 || b.Weight > 100 {
		errs = append(errs, "weight must be between 1 and 100")
	}
	if b.TimeoutSeconds < 1 || b.TimeoutSeconds > 300 {
		errs = append(errs, "timeout_seconds must be between 1 and 300")
	}
	if b.MaxConnections < 1 || b.MaxConnections > 1000 {
		errs = append(errs, "max_connections must be between 1 and 1000")
	}
	switch b.Status {
	case BackendActive, BackendInactive, BackendUnhealthy:
	default:
		errs = append(errs, fmt.Sprintf("unknown status %q", b.Status))
	}
	return errs
}

// MiddlewareBinding attaches a registered middleware to a rule
type MiddlewareBinding struct {
	Name   string         `json:"name" yaml:"name"`
	Config map[string]any `json:"config,omitempty" yaml:"config"`
}

// Rule represents a routing and forwarding policy
type Rule struct {
	ID              int64               `json:"id"`
	Name            string              `json:"name"`
	SourcePath      string              `json:"source_path"`
	Backends        []*Backend          `json:"backends"`
	BackendIDs      []int64             `json:"backend_ids,omitempty"`
	LoadBalance     LoadBalanceStrategy `json:"load_balance"`
	Methods         []string            `json:"methods"`
	Enabled         bool                `json:"enabled"`
	Priority        int                 `json:"priority"`
	Middlewares     []MiddlewareBinding `json:"middlewares"`
	StripPrefix     bool                `json:"strip_prefix"`
	TimeoutSeconds  int                 `json:"timeout_seconds"`
	RetryCount      int                 `json:"retry_count"`
	RetryIntervalMs int                 `json:"retry_interval_ms"`
	FallbackKind    FallbackKind        `json:"fallback_kind"`
	FallbackConfig  map[string]any      `json:"fallback_config,omitempty"`
	StreamEnabled   bool                `json:"stream_enabled"`
	BufferSize      int                 `json:"buffer_size"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
	"HEAD": true, "OPTIONS": true, "TRACE": true, "CONNECT": true,
}

// ApplyDefaults fills zero values with the documented defaults
func (r *Rule) ApplyDefaults() {
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = 30
	}
	if r.RetryIntervalMs == 0 {
		r.RetryIntervalMs = 1000
	}
	if r.FallbackKind == "" {
		r.FallbackKind = FallbackNone
	}
	if r.LoadBalance == "" {
		r.LoadBalance = StrategyRoundRobin
	}
}

// Normalize canonicalises methods and the backend order. Unknown verbs are
// dropped and an empty method set becomes {GET}.
func (r *Rule) Normalize() {
	seen := make(map[string]bool, len(r.Methods))
	methods := make([]string, 0, len(r.Methods))
	for _, m := range r.Methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if !knownMethods[m] || seen[m] {
			continue
		}
		seen[m] = true
		methods = append(methods, m)
	}
	if len(methods) == 0 {
		methods = []string{"GET"}
	}
	r.Methods = methods
	SortBackends(r.Backends)
}

// SortBackends orders backends by weight descending, then id ascending
func SortBackends(backends []*Backend) {
	sort.SliceStable(backends, func(i, j int) bool {
		if backends[i].Weight != backends[j].Weight {
			return backends[i].Weight > backends[j].Weight
		}
		return backends[i].ID < backends[j].ID
	})
}

// Validate returns every range or consistency problem found with the rule
func (r *Rule) Validate() []string {
	var errs []string
	if strings.TrimSpace(r.Name) == "" {
		errs = append(errs, "name is required")
	}
	if strings.TrimSpace(r.SourcePath) == "" {
		errs = append(errs, "source_path is required")
	}
	if !r.LoadBalance.Valid() {
		errs = append(errs, fmt.Sprintf("unknown load_balance strategy %q", r.LoadBalance))
	}
	if r.Priority < 0 || r.Priority > 9999 {
		errs = append(errs, "priority must be between 0 and 9999")
	}
	if r.TimeoutSeconds < 1 || r.TimeoutSeconds > 300 {
		errs = append(errs, "timeout_seconds must be between 1 and 300")
	}
	if r.RetryCount < 0 || r.RetryCount > 10 {
		errs = append(errs, "retry_count must be between 0 and 10")
	}
	if r.RetryIntervalMs < 100 || r.RetryIntervalMs > 60000 {
		errs = append(errs, "retry_interval_ms must be between 100 and 60000")
	}
	if r.BufferSize < 0 || r.BufferSize > 65536 {
		errs = append(errs, "buffer_size must be between 0 and 65536")
	}
	switch r.FallbackKind {
	case FallbackNone, FallbackStatic:
	case FallbackBackup:
		if s, _ := r.FallbackConfig["url"].(string); s == "" {
			errs = append(errs, "backup fallback requires fallback_config.url")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown fallback_kind %q", r.FallbackKind))
	}
	return errs
}

// AllowsMethod reports whether the rule accepts the HTTP method
func (r *Rule) AllowsMethod(method string) bool {
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// HealthyBackends returns the enabled and active backends in rule order
func (r *Rule) HealthyBackends() []*Backend {
	healthy := make([]*Backend, 0, len(r.Backends))
	for _, b := range r.Backends {
		if b.IsHealthy() {
			healthy = append(healthy, b)
		}
	}
	return healthy
}

// Timeout returns the rule timeout as a duration
func (r *Rule) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// RetryInterval returns the pause between retries
func (r *Rule) RetryInterval() time.Duration {
	return time.Duration(r.RetryIntervalMs) * time.Millisecond
}

// MiddlewareNames lists the bound middleware names in binding order
func (r *Rule) MiddlewareNames() []string {
	names := make([]string, 0, len(r.Middlewares))
	for _, m := range r.Middlewares {
		names = append(names, m.Name)
	}
	return names
}

// MiddlewareConfigs indexes binding configuration by middleware name
func (r *Rule) MiddlewareConfigs() map[string]map[string]any {
	configs := make(map[string]map[string]any, len(r.Middlewares))
	for _, m := range r.Middlewares {
		cfg := m.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		configs[m.Name] = cfg
	}
	return configs
}

// FallbackString reads a string entry from the fallback configuration
func (r *Rule) FallbackString(key, def string) string {
	if v, ok := r.FallbackConfig[key].(string); ok && v != "" {
		return v
	}
	return def
}

// FallbackInt reads a numeric entry from the fallback configuration.
// JSON decoding yields float64, YAML yields int; both are accepted.
func (r *Rule) FallbackInt(key string, def int) int {
	switch v := r.FallbackConfig[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
