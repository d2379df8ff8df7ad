package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arifur/strong-forward-gateway/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/api/users/{id}", "/api/users/42", true},
		{"/api/users/{id}", "/api/other", false},
		{"/api/users/{id}", "/api/users/42/posts", false},
		{"/api/{group}/{id}", "/api/admins/7", true},
		{"/static/*", "/static/css/site.css", true},
		{"/static/*", "/assets/site.css", false},
		{"^/v[0-9]+/", "/v2/items", true},
		{"^/v[0-9]+/", "/x/v2/items", false},
		{"^/v[", "/v1", false},
		// literal patterns: exact and leading prefix
		{"/api", "/api", true},
		{"/api", "/api/users/123", true},
		{"/api", "/other/api", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.pattern, tt.path))
		})
	}
}

func TestExtractParameters(t *testing.T) {
	assert.Equal(t, map[string]string{"id": "42"}, ExtractParameters("/api/users/{id}", "/api/users/42"))
	assert.Equal(t,
		map[string]string{"group": "admins", "id": "7"},
		ExtractParameters("/api/{group}/{id}", "/api/admins/7"))
	assert.Empty(t, ExtractParameters("/api/users/{id}", "/api/other"))
	assert.Empty(t, ExtractParameters("/static/*", "/static/a"))
	assert.Empty(t, ExtractParameters("^/v(?P<id>[0-9]+)", "/v1"))
}

func TestStripPrefix(t *testing.T) {
	assert.Equal(t, "/users/123", StripPrefix("/api", "/api/users/123"))
	assert.Equal(t, "/css/a.css", StripPrefix("/static*", "/static/css/a.css"))
	assert.Equal(t, "/items", StripPrefix("^/v[0-9]+", "/v2/items"))
	assert.Equal(t, "/x", StripPrefix("^/nomatch", "/x"))
}

func TestBuildTargetURL(t *testing.T) {
	backend := &models.Backend{URL: "http://backend:8080/"}

	t.Run("strip prefix", func(t *testing.T) {
		rule := &models.Rule{SourcePath: "/api", StripPrefix: true}
		u, err := BuildTargetURL(&models.ProxyRequest{Path: "/api/users/123"}, rule, backend)
		require.NoError(t, err)
		assert.Equal(t, "http://backend:8080/users/123", u)
	})

	t.Run("keep prefix", func(t *testing.T) {
		rule := &models.Rule{SourcePath: "/api", StripPrefix: false}
		u, err := BuildTargetURL(&models.ProxyRequest{Path: "/api/users/123"}, rule, backend)
		require.NoError(t, err)
		assert.Equal(t, "http://backend:8080/api/users/123", u)
	})

	t.Run("query string is carried", func(t *testing.T) {
		rule := &models.Rule{SourcePath: "/api/*", StripPrefix: true}
		u, err := BuildTargetURL(&models.ProxyRequest{Path: "/api/search", RawQuery: "q=go&page=2"}, rule, backend)
		require.NoError(t, err)
		assert.Equal(t, "http://backend:8080/search?q=go&page=2", u)
	})

	t.Run("template substitution ignores strip prefix", func(t *testing.T) {
		rule := &models.Rule{SourcePath: "/api/users/{id}", StripPrefix: true}
		b := &models.Backend{URL: "http://users:9000/v1/user/{id}/profile"}
		u, err := BuildTargetURL(&models.ProxyRequest{Path: "/api/users/42", RawQuery: "full=1"}, rule, b)
		require.NoError(t, err)
		assert.Equal(t, "http://users:9000/v1/user/42/profile?full=1", u)
	})

	t.Run("regex strip", func(t *testing.T) {
		rule := &models.Rule{SourcePath: "^/v[0-9]+", StripPrefix: true}
		u, err := BuildTargetURL(&models.ProxyRequest{Path: "/v3/orders"}, rule, backend)
		require.NoError(t, err)
		assert.Equal(t, "http://backend:8080/orders", u)
	})
}

type staticRules struct {
	rules []*models.Rule
	err   error
	calls int
}

func (s *staticRules) FindEnabledRulesOrderedByPriority(context.Context) ([]*models.Rule, error) {
	s.calls++
	return s.rules, s.err
}

func TestMatcher(t *testing.T) {
	src := &staticRules{rules: []*models.Rule{
		{ID: 1, Name: "high", SourcePath: "/api/admin", Methods: []string{"POST"}, Enabled: true, Priority: 100},
		{ID: 2, Name: "mid", SourcePath: "/api/users/{id}", Methods: []string{"GET"}, Enabled: true, Priority: 50},
		{ID: 3, Name: "low", SourcePath: "/api*", Methods: []string{"GET", "POST"}, Enabled: true, Priority: 1},
	}}
	m := NewMatcher(src, time.Minute)
	ctx := context.Background()

	rule, ok := m.Match(ctx, "GET", "/api/users/42")
	require.True(t, ok)
	assert.Equal(t, "mid", rule.Name)

	rule, ok = m.Match(ctx, "GET", "/api/admin")
	require.True(t, ok)
	assert.Equal(t, "low", rule.Name, "method filter skips the higher priority rule")

	rule, ok = m.Match(ctx, "POST", "/api/admin")
	require.True(t, ok)
	assert.Equal(t, "high", rule.Name)

	_, ok = m.Match(ctx, "GET", "/health")
	assert.False(t, ok)
	assert.Equal(t, 1, src.calls, "rules are cached within the ttl")

	m.Invalidate()
	m.Match(ctx, "GET", "/api")
	assert.Equal(t, 2, src.calls)
}

func TestMatcherKeepsStaleRulesOnError(t *testing.T) {
	src := &staticRules{rules: []*models.Rule{
		{ID: 1, Name: "api", SourcePath: "/api", Methods: []string{"GET"}, Enabled: true},
	}}
	m := NewMatcher(src, time.Minute)
	require.NoError(t, m.Refresh(context.Background()))

	src.err = errors.New("database is locked")
	m.Invalidate()
	rule, ok := m.Match(context.Background(), "GET", "/api/x")
	require.True(t, ok)
	assert.Equal(t, "api", rule.Name)
}
