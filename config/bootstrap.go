package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/arifur/strong-forward-gateway/models"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Bootstrap is the YAML seed of backends and rules
type Bootstrap struct {
	Backends []BackendSeed `yaml:"backends"`
	Rules    []RuleSeed    `yaml:"rules"`
}

type BackendSeed struct {
	Name            string `yaml:"name"`
	URL             string `yaml:"url"`
	Weight          int    `yaml:"weight"`
	Enabled         *bool  `yaml:"enabled"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	MaxConnections  int    `yaml:"max_connections"`
	HealthCheckPath string `yaml:"health_check_path"`
}

type FallbackSeed struct {
	Kind   string         `yaml:"kind"`
	Config map[string]any `yaml:"config"`
}

type RuleSeed struct {
	Name            string                     `yaml:"name"`
	SourcePath      string                     `yaml:"source_path"`
	Methods         []string                   `yaml:"methods"`
	Backends        []string                   `yaml:"backends"`
	LoadBalance     string                     `yaml:"load_balance"`
	Enabled         *bool                      `yaml:"enabled"`
	Priority        int                        `yaml:"priority"`
	Middlewares     []models.MiddlewareBinding `yaml:"middlewares"`
	StripPrefix     bool                       `yaml:"strip_prefix"`
	TimeoutSeconds  int                        `yaml:"timeout_seconds"`
	RetryCount      int                        `yaml:"retry_count"`
	RetryIntervalMs int                        `yaml:"retry_interval_ms"`
	Fallback        *FallbackSeed              `yaml:"fallback"`
	StreamEnabled   bool                       `yaml:"stream_enabled"`
	BufferSize      int                        `yaml:"buffer_size"`
}

// BackendWriter is the backend persistence the bootstrap needs
type BackendWriter interface {
	FindAll(ctx context.Context) ([]*models.Backend, error)
	Save(ctx context.Context, b *models.Backend, flushNow bool) error
	Update(ctx context.Context, b *models.Backend, flushNow bool) error
}

// RuleWriter is the rule persistence the bootstrap needs
type RuleWriter interface {
	FindAll(ctx context.Context) ([]*models.Rule, error)
	Save(ctx context.Context, r *models.Rule, flushNow bool) error
	Update(ctx context.Context, r *models.Rule, flushNow bool) error
}

// BindingValidator checks middleware bindings against the registry
type BindingValidator interface {
	ValidateBindings(bindings []models.MiddlewareBinding) []string
}

// LoadBootstrap parses a bootstrap file
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap file: %w", err)
	}
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse bootstrap file: %w", err)
	}
	return &b, nil
}

// Apply upserts the seeded backends and rules by name. Invalid entries are
// collected and reported together; valid ones are still written.
func (b *Bootstrap) Apply(ctx context.Context, backends BackendWriter, rules RuleWriter, validator BindingValidator) error {
	existingBackends, err := backends.FindAll(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]*models.Backend, len(existingBackends))
	for _, be := range existingBackends {
		byName[be.Name] = be
	}

	var problems []error
	for _, seed := range b.Backends {
		backend := seed.backend()
		if errs := backend.Validate(); len(errs) > 0 {
			problems = append(problems, fmt.Errorf("backend %s: %s", seed.Name, strings.Join(errs, "; ")))
			continue
		}
		if current, ok := byName[backend.Name]; ok {
			backend.ID = current.ID
			backend.Status = current.Status
			backend.CreatedAt = current.CreatedAt
			backend.LastHealthCheckAt = current.LastHealthCheckAt
			backend.LastHealthCheckOK = current.LastHealthCheckOK
			backend.AvgResponseTimeMs = current.AvgResponseTimeMs
			err = backends.Update(ctx, backend, true)
		} else {
			err = backends.Save(ctx, backend, true)
		}
		if err != nil {
			return fmt.Errorf("seed backend %s: %w", backend.Name, err)
		}
		byName[backend.Name] = backend
	}

	existingRules, err := rules.FindAll(ctx)
	if err != nil {
		return err
	}
	rulesByName := make(map[string]*models.Rule, len(existingRules))
	for _, r := range existingRules {
		rulesByName[r.Name] = r
	}

	for _, seed := range b.Rules {
		rule := seed.rule()
		var errs []string
		for _, name := range seed.Backends {
			be, ok := byName[name]
			if !ok {
				errs = append(errs, fmt.Sprintf("unknown backend %q", name))
				continue
			}
			rule.Backends = append(rule.Backends, be)
		}
		rule.Normalize()
		errs = append(errs, rule.Validate()...)
		if validator != nil {
			errs = append(errs, validator.ValidateBindings(rule.Middlewares)...)
		}
		if len(errs) > 0 {
			problems = append(problems, fmt.Errorf("rule %s: %s", seed.Name, strings.Join(errs, "; ")))
			continue
		}

		if current, ok := rulesByName[rule.Name]; ok {
			rule.ID = current.ID
			rule.CreatedAt = current.CreatedAt
			err = rules.Update(ctx, rule, true)
		} else {
			err = rules.Save(ctx, rule, true)
		}
		if err != nil {
			return fmt.Errorf("seed rule %s: %w", rule.Name, err)
		}
	}

	log.Infof("Bootstrap applied: %d backends, %d rules, %d rejected", len(b.Backends), len(b.Rules), len(problems))
	return errors.Join(problems...)
}

func (s BackendSeed) backend() *models.Backend {
	b := &models.Backend{
		Name:            s.Name,
		URL:             s.URL,
		Weight:          s.Weight,
		Enabled:         s.Enabled == nil || *s.Enabled,
		TimeoutSeconds:  s.TimeoutSeconds,
		MaxConnections:  s.MaxConnections,
		HealthCheckPath: s.HealthCheckPath,
	}
	b.ApplyDefaults()
	return b
}

func (s RuleSeed) rule() *models.Rule {
	r := &models.Rule{
		Name:            s.Name,
		SourcePath:      s.SourcePath,
		Methods:         s.Methods,
		LoadBalance:     models.LoadBalanceStrategy(s.LoadBalance),
		Enabled:         s.Enabled == nil || *s.Enabled,
		Priority:        s.Priority,
		Middlewares:     s.Middlewares,
		StripPrefix:     s.StripPrefix,
		TimeoutSeconds:  s.TimeoutSeconds,
		RetryCount:      s.RetryCount,
		RetryIntervalMs: s.RetryIntervalMs,
		StreamEnabled:   s.StreamEnabled,
		BufferSize:      s.BufferSize,
	}
	if s.Fallback != nil {
		r.FallbackKind = models.FallbackKind(s.Fallback.Kind)
		r.FallbackConfig = s.Fallback.Config
	}
	r.ApplyDefaults()
	return r
}
