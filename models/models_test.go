package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuleNormalize(t *testing.T) {
	r := &Rule{
		Methods: []string{"get", " post ", "BOGUS", "GET"},
		Backends: []*Backend{
			{ID: 3, Weight: 1},
			{ID: 2, Weight: 5},
			{ID: 1, Weight: 1},
		},
	}
	r.Normalize()
	assert.Equal(t, []string{"GET", "POST"}, r.Methods)
	assert.Equal(t, int64(2), r.Backends[0].ID)
	assert.Equal(t, int64(1), r.Backends[1].ID)
	assert.Equal(t, int64(3), r.Backends[2].ID)

	empty := &Rule{Methods: []string{"nope"}}
	empty.Normalize()
	assert.Equal(t, []string{"GET"}, empty.Methods)
}

func TestRuleValidate(t *testing.T) {
	r := &Rule{Name: "api", SourcePath: "/api"}
	r.ApplyDefaults()
	assert.Empty(t, r.Validate())

	r.Priority = 10000
	r.RetryCount = 11
	r.RetryIntervalMs = 50
	r.BufferSize = 70000
	r.FallbackKind = FallbackBackup
	errs := r.Validate()
	assert.Len(t, errs, 5)
	assert.Contains(t, errs, "backup fallback requires fallback_config.url")
}

func TestRuleHealthyBackends(t *testing.T) {
	r := &Rule{Backends: []*Backend{
		{ID: 1, Enabled: true, Status: BackendActive},
		{ID: 2, Enabled: false, Status: BackendActive},
		{ID: 3, Enabled: true, Status: BackendUnhealthy},
		{ID: 4, Enabled: true, Status: BackendInactive},
	}}
	healthy := r.HealthyBackends()
	assert.Len(t, healthy, 1)
	assert.Equal(t, int64(1), healthy[0].ID)
}

func TestRuleFallbackConfig(t *testing.T) {
	r := &Rule{FallbackConfig: map[string]any{"content": "X", "status": float64(418)}}
	assert.Equal(t, "X", r.FallbackString("content", "default"))
	assert.Equal(t, 418, r.FallbackInt("status", 503))
	assert.Equal(t, "d", r.FallbackString("missing", "d"))
	assert.Equal(t, 503, r.FallbackInt("missing", 503))
}

func TestBackendValidate(t *testing.T) {
	b := &Backend{URL: "http://localhost:8080", Enabled: true}
	b.ApplyDefaults()
	assert.Empty(t, b.Validate())
	assert.True(t, b.IsHealthy())

	bad := &Backend{URL: "ftp://x", Weight: 101, TimeoutSeconds: 0, MaxConnections: 2000, Status: "weird"}
	assert.Len(t, bad.Validate(), 5)
}
