package middleware

import (
	"fmt"
	"sort"
	"sync"

	"github.com/arifur/strong-forward-gateway/models"
	log "github.com/sirupsen/logrus"
)

// Descriptor is the public view of a registered middleware
type Descriptor struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
	Schema   Schema `json:"schema,omitempty"`
}

// Registry holds the middlewares rules may bind to, by name
type Registry struct {
	mu    sync.RWMutex
	items map[string]Middleware
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Middleware)}
}

// NewDefaultRegistry returns a registry with the built-in middlewares
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Add(NewRequestIDMiddleware())
	r.Add(NewIPFilterMiddleware())
	r.Add(NewJWTAuthMiddleware())
	r.Add(NewHeaderRewriteMiddleware())
	return r
}

// Register stores m under name, replacing any previous entry
func (r *Registry) Register(name string, m Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[name]; exists {
		log.Warnf("Middleware %q re-registered", name)
	}
	r.items[name] = m
}

// Add registers m under its alias
func (r *Registry) Add(m Middleware) {
	r.Register(Alias(m), m)
}

func (r *Registry) Get(name string) (Middleware, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.items[name]
	return m, ok
}

// Named pairs a middleware with the name it was resolved by
type Named struct {
	Name       string
	Middleware Middleware
}

// ByNames resolves names in order, skipping unknown ones
func (r *Registry) ByNames(names []string) []Named {
	out := make([]Named, 0, len(names))
	for _, name := range names {
		m, ok := r.Get(name)
		if !ok {
			log.Warnf("Middleware %q is not registered, skipping", name)
			continue
		}
		out = append(out, Named{Name: name, Middleware: m})
	}
	return out
}

// SortByPriority orders middlewares by descending priority. Equal priorities
// keep their input order.
func SortByPriority(ms []Named) []Named {
	out := append([]Named(nil), ms...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Middleware.Priority() > out[j].Middleware.Priority()
	})
	return out
}

// EnabledOnly drops disabled middlewares
func EnabledOnly(ms []Named) []Named {
	out := make([]Named, 0, len(ms))
	for _, m := range ms {
		if m.Middleware.Enabled() {
			out = append(out, m)
		}
	}
	return out
}

// Descriptors lists every registered middleware ordered by name
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.items))
	for name, m := range r.items {
		d := Descriptor{Name: name, Priority: m.Priority(), Enabled: m.Enabled()}
		if c, ok := m.(Configurable); ok {
			d.Schema = c.Schema()
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateBindings checks rule bindings against the registry: every name
// must be registered and every configurable middleware's config must satisfy
// its schema.
func (r *Registry) ValidateBindings(bindings []models.MiddlewareBinding) []string {
	var errs []string
	seen := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		if b.Name == "" {
			errs = append(errs, "middleware name is required")
			continue
		}
		if seen[b.Name] {
			errs = append(errs, fmt.Sprintf("middleware %s is bound more than once", b.Name))
			continue
		}
		seen[b.Name] = true

		m, ok := r.Get(b.Name)
		if !ok {
			errs = append(errs, fmt.Sprintf("unknown middleware %q", b.Name))
			continue
		}
		if c, ok := m.(Configurable); ok {
			errs = append(errs, c.Schema().Check(b.Name, b.Config)...)
		}
	}
	return errs
}

// ChainFor builds the chain for a rule's bindings
func (r *Registry) ChainFor(rule *models.Rule) *Chain {
	return NewChain(SortByPriority(EnabledOnly(r.ByNames(rule.MiddlewareNames()))))
}
