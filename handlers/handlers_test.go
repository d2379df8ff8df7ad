package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/arifur/strong-forward-gateway/balancer"
	"github.com/arifur/strong-forward-gateway/database"
	"github.com/arifur/strong-forward-gateway/middleware"
	"github.com/arifur/strong-forward-gateway/models"
	"github.com/arifur/strong-forward-gateway/routing"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type testAPI struct {
	app   *fiber.App
	store *database.Store
	token string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store, err := database.NewStore(filepath.Join(t.TempDir(), "admin.db"), 100, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	app := fiber.New()
	New(Deps{
		Store:     store,
		Registry:  middleware.NewDefaultRegistry(),
		Matcher:   routing.NewMatcher(store.Rules, time.Minute),
		Selector:  balancer.NewSelector(balancer.NewConnectionTracker()),
		JWTSecret: testSecret,
	}).Routes(app)

	return &testAPI{app: app, store: store}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

// login creates the first administrator and keeps its token
func (a *testAPI) login(t *testing.T) {
	t.Helper()
	creds := models.LoginRequest{Email: "admin@example.com", Password: "secret"}
	status, _ := a.do(t, http.MethodPost, "/admin/api/signup", creds)
	require.Equal(t, http.StatusCreated, status)

	status, body := a.do(t, http.MethodPost, "/admin/api/login", creds)
	require.Equal(t, http.StatusOK, status)
	var resp models.LoginResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotEmpty(t, resp.Token)
	a.token = resp.Token
}

func (a *testAPI) createBackend(t *testing.T, name string) int64 {
	t.Helper()
	status, body := a.do(t, http.MethodPost, "/admin/api/backends/", fiber.Map{
		"name": name,
		"url":  "http://" + name + ".internal:8080",
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	var b models.Backend
	require.NoError(t, json.Unmarshal(body, &b))
	return b.ID
}

func TestAuthFlow(t *testing.T) {
	api := newTestAPI(t)

	status, _ := api.do(t, http.MethodGet, "/admin/api/rules/", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	api.login(t)

	// a second signup is refused once a user exists
	status, _ = api.do(t, http.MethodPost, "/admin/api/signup", models.LoginRequest{Email: "x@example.com", Password: "y"})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = api.do(t, http.MethodPost, "/admin/api/login", models.LoginRequest{Email: "admin@example.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = api.do(t, http.MethodGet, "/admin/api/rules/", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestBackendCRUD(t *testing.T) {
	api := newTestAPI(t)
	api.login(t)

	status, body := api.do(t, http.MethodPost, "/admin/api/backends/", fiber.Map{"url": "ftp://nope", "weight": 500})
	require.Equal(t, http.StatusBadRequest, status)
	var invalid struct{ Errors []string }
	require.NoError(t, json.Unmarshal(body, &invalid))
	assert.Len(t, invalid.Errors, 2)

	id := api.createBackend(t, "orders")
	path := fmt.Sprintf("/admin/api/backends/%d", id)

	status, body = api.do(t, http.MethodPut, path, fiber.Map{"name": "orders", "url": "http://orders.internal:9090", "weight": 5})
	require.Equal(t, http.StatusOK, status, string(body))

	b, err := api.store.Backends.Find(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "http://orders.internal:9090", b.URL)
	assert.Equal(t, 5, b.Weight)
	assert.Equal(t, models.BackendActive, b.Status)

	status, body = api.do(t, http.MethodGet, "/admin/api/backends/", nil)
	require.Equal(t, http.StatusOK, status)
	var listed []struct {
		Backend           models.Backend `json:"backend"`
		ActiveConnections int64          `json:"active_connections"`
	}
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0].Backend.ID)

	status, _ = api.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = api.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRuleCRUD(t *testing.T) {
	api := newTestAPI(t)
	api.login(t)
	first := api.createBackend(t, "a")
	second := api.createBackend(t, "b")

	status, body := api.do(t, http.MethodPost, "/admin/api/rules/", fiber.Map{
		"name":        "api",
		"source_path": "/api/*",
		"backend_ids": []int64{first, second},
		"methods":     []string{"get", "post", "bogus"},
		"priority":    10,
		"middlewares": []fiber.Map{{"name": "request_id"}},
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	var rule models.Rule
	require.NoError(t, json.Unmarshal(body, &rule))
	assert.Equal(t, []string{"GET", "POST"}, rule.Methods)
	assert.Len(t, rule.Backends, 2)
	assert.Equal(t, models.StrategyRoundRobin, rule.LoadBalance)

	path := fmt.Sprintf("/admin/api/rules/%d", rule.ID)
	status, body = api.do(t, http.MethodPut, path, fiber.Map{
		"name":        "api",
		"source_path": "/api/*",
		"backend_ids": []int64{second},
		"priority":    20,
	})
	require.Equal(t, http.StatusOK, status, string(body))

	stored, err := api.store.Rules.Find(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, stored.Priority)
	require.Len(t, stored.Backends, 1)
	assert.Equal(t, second, stored.Backends[0].ID)

	status, _ = api.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = api.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRuleRejectsInvalidInput(t *testing.T) {
	api := newTestAPI(t)
	api.login(t)

	status, body := api.do(t, http.MethodPost, "/admin/api/rules/", fiber.Map{
		"name":        "bad",
		"source_path": "/bad",
		"backend_ids": []int64{42},
		"priority":    10000,
		"middlewares": []fiber.Map{{"name": "does_not_exist"}},
	})
	require.Equal(t, http.StatusBadRequest, status)

	var resp struct{ Errors []string }
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Contains(t, resp.Errors, "unknown backend id 42")
	assert.Contains(t, resp.Errors, "priority must be between 0 and 9999")
	assert.Contains(t, resp.Errors, `unknown middleware "does_not_exist"`)

	rules, err := api.store.Rules.FindAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestAttemptsListing(t *testing.T) {
	api := newTestAPI(t)
	api.login(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		a := &models.ForwardAttempt{
			RuleName:    "api",
			RequestTime: at,
			Method:      http.MethodGet,
			Path:        fmt.Sprintf("/api/%d", i),
			Status:      models.AttemptPending,
		}
		a.MarkSending(at)
		a.Complete(at.Add(10 * time.Millisecond))
		require.NoError(t, api.store.Attempts.Save(ctx, a, true))
	}

	status, body := api.do(t, http.MethodGet, "/admin/api/attempts?limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	var page struct {
		Data       []models.ForwardAttempt `json:"data"`
		Pagination struct {
			TotalItems int64 `json:"total_items"`
			TotalPages int64 `json:"total_pages"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, int64(3), page.Pagination.TotalItems)
	assert.Equal(t, int64(2), page.Pagination.TotalPages)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "/api/2", page.Data[0].Path)

	status, _ = api.do(t, http.MethodGet, "/admin/api/attempts?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = api.do(t, http.MethodGet, fmt.Sprintf("/admin/api/attempts/%d", page.Data[0].ID), nil)
	require.Equal(t, http.StatusOK, status)
	var one models.ForwardAttempt
	require.NoError(t, json.Unmarshal(body, &one))
	assert.Equal(t, models.AttemptCompleted, one.Status)

	status, body = api.do(t, http.MethodGet, "/admin/api/stats", nil)
	require.Equal(t, http.StatusOK, status)
	var stats struct {
		Attempts database.AttemptStats `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, int64(3), stats.Attempts.Total)
}

func TestMiddlewaresAndHealth(t *testing.T) {
	api := newTestAPI(t)
	api.login(t)

	status, body := api.do(t, http.MethodGet, "/admin/api/middlewares", nil)
	require.Equal(t, http.StatusOK, status)
	var descriptors []middleware.Descriptor
	require.NoError(t, json.Unmarshal(body, &descriptors))
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "jwt_auth")
	assert.Contains(t, names, "ip_filter")

	status, body = api.do(t, http.MethodGet, "/admin/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"db":"connected"`)

	status, _ = api.do(t, http.MethodGet, "/admin/metrics/prometheus", nil)
	assert.Equal(t, http.StatusOK, status)
}
