package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arifur/strong-forward-gateway/models"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	alias    string
	priority int
	disabled bool
	calls    *[]string
	fail     error
}

func (r *recorder) Alias() string { return r.alias }
func (r *recorder) Priority() int { return r.priority }
func (r *recorder) Enabled() bool { return !r.disabled }

func (r *recorder) ProcessRequest(context.Context, *models.ProxyRequest, *models.ForwardAttempt, map[string]any) error {
	*r.calls = append(*r.calls, "req:"+r.alias)
	return r.fail
}

func (r *recorder) ProcessResponse(context.Context, *models.ProxyResponse, map[string]any) error {
	*r.calls = append(*r.calls, "resp:"+r.alias)
	return nil
}

func newRequest() *models.ProxyRequest {
	return &models.ProxyRequest{Method: "GET", Path: "/api", Header: http.Header{}, ClientIP: "10.0.0.7"}
}

func TestAlias(t *testing.T) {
	assert.Equal(t, "request_id", Alias(NewRequestIDMiddleware()))
	assert.Equal(t, "ip_filter", Alias(NewIPFilterMiddleware()))
	assert.Equal(t, "jwt_auth", Alias(NewJWTAuthMiddleware()))
	assert.Equal(t, "header_rewrite", Alias(NewHeaderRewriteMiddleware()))
	assert.Equal(t, "custom", Alias(&recorder{alias: "custom"}))
}

func TestChainOrdering(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	reg.Add(&recorder{alias: "low", priority: 10, calls: &calls})
	reg.Add(&recorder{alias: "high", priority: 90, calls: &calls})
	reg.Add(&recorder{alias: "off", priority: 50, disabled: true, calls: &calls})

	rule := &models.Rule{Middlewares: []models.MiddlewareBinding{{Name: "low"}, {Name: "off"}, {Name: "high"}, {Name: "missing"}}}
	chain := reg.ChainFor(rule)
	assert.Equal(t, []string{"high", "low"}, chain.Names())

	ctx := context.Background()
	require.NoError(t, chain.ProcessRequest(ctx, newRequest(), nil, rule.MiddlewareConfigs()))
	require.NoError(t, chain.ProcessResponse(ctx, models.NewProxyResponse(200, nil, nil), rule.MiddlewareConfigs()))
	assert.Equal(t, []string{"req:high", "req:low", "resp:low", "resp:high"}, calls)
}

func TestSortByPriorityIsStable(t *testing.T) {
	var calls []string
	in := []Named{
		{Name: "a", Middleware: &recorder{alias: "a", priority: 5, calls: &calls}},
		{Name: "b", Middleware: &recorder{alias: "b", priority: 5, calls: &calls}},
		{Name: "c", Middleware: &recorder{alias: "c", priority: 7, calls: &calls}},
	}
	out := SortByPriority(in)
	assert.Equal(t, []string{"c", "a", "b"}, NewChain(out).Names())
}

func TestChainStopsOnError(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	reg.Add(&recorder{alias: "first", priority: 90, calls: &calls, fail: errors.New("boom")})
	reg.Add(&recorder{alias: "second", priority: 10, calls: &calls})

	chain := reg.ChainFor(&models.Rule{Middlewares: []models.MiddlewareBinding{{Name: "first"}, {Name: "second"}}})
	err := chain.ProcessRequest(context.Background(), newRequest(), nil, nil)

	var abort *MiddlewareAbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, "first", abort.Middleware)
	assert.Equal(t, []string{"req:first"}, calls)
}

func TestValidateBindings(t *testing.T) {
	reg := NewDefaultRegistry()

	assert.Empty(t, reg.ValidateBindings([]models.MiddlewareBinding{
		{Name: "request_id"},
		{Name: "jwt_auth", Config: map[string]any{"secret": "s", "mode": "permissive"}},
		{Name: "ip_filter", Config: map[string]any{"patterns": []any{"10.0.0.0/8"}}},
	}))

	errs := reg.ValidateBindings([]models.MiddlewareBinding{
		{Name: "nope"},
		{Name: "jwt_auth", Config: map[string]any{"mode": "lenient"}},
		{Name: "request_id", Config: map[string]any{"override": "yes"}},
		{Name: "header_rewrite", Config: map[string]any{"request_set": "X-A"}},
	})
	assert.Len(t, errs, 5)
	assert.Contains(t, errs, `unknown middleware "nope"`)
	assert.Contains(t, errs, `middleware jwt_auth: field "secret" is required`)
}

func TestRequestID(t *testing.T) {
	reg := NewDefaultRegistry()
	rule := &models.Rule{Middlewares: []models.MiddlewareBinding{{Name: "request_id"}}}
	chain := reg.ChainFor(rule)

	req := newRequest()
	require.NoError(t, chain.ProcessRequest(context.Background(), req, nil, rule.MiddlewareConfigs()))
	id := req.Header.Get("X-Request-Id")
	require.NotEmpty(t, id)

	resp := models.NewProxyResponse(200, nil, nil)
	require.NoError(t, chain.ProcessResponse(context.Background(), resp, rule.MiddlewareConfigs()))
	assert.Equal(t, id, resp.Header.Get("X-Request-Id"))

	req = newRequest()
	req.Header.Set("X-Request-Id", "client-id")
	chain = reg.ChainFor(rule)
	require.NoError(t, chain.ProcessRequest(context.Background(), req, nil, rule.MiddlewareConfigs()))
	assert.Equal(t, "client-id", req.Header.Get("X-Request-Id"))
}

func TestIPFilter(t *testing.T) {
	m := NewIPFilterMiddleware()
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     map[string]any
		ip      string
		blocked bool
	}{
		{"deny cidr", map[string]any{"mode": "deny", "patterns": []any{"10.0.0.0/8"}}, "10.1.2.3", true},
		{"deny miss", map[string]any{"mode": "deny", "patterns": []any{"10.0.0.0/8"}}, "192.168.1.1", false},
		{"deny glob", map[string]any{"patterns": []any{"192.168.*.*"}}, "192.168.4.9", true},
		{"glob stays in octet", map[string]any{"patterns": []any{"192.*.1"}}, "192.168.4.1", false},
		{"allow exact", map[string]any{"mode": "allow", "patterns": []any{"127.0.0.1"}}, "127.0.0.1", false},
		{"allow miss", map[string]any{"mode": "allow", "patterns": []any{"127.0.0.1"}}, "127.0.0.2", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest()
			req.ClientIP = tt.ip
			err := m.ProcessRequest(ctx, req, nil, tt.cfg)
			if !tt.blocked {
				assert.NoError(t, err)
				return
			}
			var abort *MiddlewareAbortError
			require.ErrorAs(t, err, &abort)
			assert.Equal(t, http.StatusForbidden, abort.StatusCode)
			assert.ErrorIs(t, err, ErrRequestRejected)
		})
	}
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTAuth(t *testing.T) {
	m := NewJWTAuthMiddleware()
	ctx := context.Background()
	token := signToken(t, "s3cret", jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()})

	t.Run("valid token sets subject", func(t *testing.T) {
		req := newRequest()
		req.Header.Set("Authorization", "Bearer "+token)
		attempt := models.NewForwardAttempt(req, time.Now())
		cfg := map[string]any{"secret": "s3cret", "subject_header": "X-User"}

		require.NoError(t, m.ProcessRequest(ctx, req, attempt, cfg))
		assert.Equal(t, "alice", attempt.AuthSubject)
		assert.Equal(t, "alice", req.Header.Get("X-User"))
	})

	t.Run("schema fields", func(t *testing.T) {
		schema := m.Schema()
		assert.Equal(t, FieldText, schema["subject_header"].Type)
		assert.Equal(t, FieldChoice, schema["mode"].Type)
		assert.True(t, schema["secret"].Required)
		assert.Len(t, schema, 4)
	})

	t.Run("strict rejects bad signature", func(t *testing.T) {
		req := newRequest()
		req.Header.Set("Authorization", "Bearer "+token)
		err := m.ProcessRequest(ctx, req, nil, map[string]any{"secret": "other"})
		var abort *MiddlewareAbortError
		require.ErrorAs(t, err, &abort)
		assert.Equal(t, http.StatusUnauthorized, abort.StatusCode)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("permissive continues", func(t *testing.T) {
		req := newRequest()
		attempt := models.NewForwardAttempt(req, time.Now())
		require.NoError(t, m.ProcessRequest(ctx, req, attempt, map[string]any{"secret": "s3cret", "mode": "permissive"}))
		assert.Empty(t, attempt.AuthSubject)
	})

	t.Run("numeric id claim", func(t *testing.T) {
		assert.Equal(t, "7", Subject(jwt.MapClaims{"id": float64(7)}))
	})
}

func TestHeaderRewrite(t *testing.T) {
	m := NewHeaderRewriteMiddleware()
	cfg := map[string]any{
		"request_set":     map[string]any{"X-Forwarded-By": "gateway"},
		"request_remove":  []any{"Cookie"},
		"response_set":    map[string]any{"X-Served-By": "gateway"},
		"response_remove": []any{"Server"},
	}

	req := newRequest()
	req.Header.Set("Cookie", "a=b")
	require.NoError(t, m.ProcessRequest(context.Background(), req, nil, cfg))
	assert.Equal(t, "gateway", req.Header.Get("X-Forwarded-By"))
	assert.Empty(t, req.Header.Get("Cookie"))

	resp := models.NewProxyResponse(200, http.Header{"Server": {"nginx"}}, nil)
	require.NoError(t, m.ProcessResponse(context.Background(), resp, cfg))
	assert.Equal(t, "gateway", resp.Header.Get("X-Served-By"))
	assert.Empty(t, resp.Header.Get("Server"))
}

func TestAdminJWT(t *testing.T) {
	app := fiber.New()
	app.Get("/secure", AdminJWT("admin-secret"), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("userEmail").(string))
	})

	req := httptest.NewRequest("GET", "/secure", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	token := signToken(t, "admin-secret", jwt.MapClaims{"id": 1, "email": "admin@example.com", "role": "admin"})
	req = httptest.NewRequest("GET", "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
