// Package handlers implements the admin API
package handlers

import (
	"strconv"
	"time"

	"github.com/arifur/strong-forward-gateway/balancer"
	"github.com/arifur/strong-forward-gateway/database"
	"github.com/arifur/strong-forward-gateway/health"
	"github.com/arifur/strong-forward-gateway/middleware"
	"github.com/arifur/strong-forward-gateway/routing"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// Handler serves the admin API
type Handler struct {
	store     *database.Store
	registry  *middleware.Registry
	matcher   *routing.Matcher
	selector  *balancer.Selector
	checker   *health.Checker
	gatherer  prometheus.Gatherer
	jwtSecret string
	startTime time.Time
}

// Deps lists what the admin API works on
type Deps struct {
	Store     *database.Store
	Registry  *middleware.Registry
	Matcher   *routing.Matcher
	Selector  *balancer.Selector
	Checker   *health.Checker
	Metrics   prometheus.Gatherer
	JWTSecret string
}

func New(d Deps) *Handler {
	if d.Metrics == nil {
		d.Metrics = prometheus.NewRegistry()
	}
	return &Handler{
		store:     d.Store,
		registry:  d.Registry,
		matcher:   d.Matcher,
		selector:  d.Selector,
		checker:   d.Checker,
		gatherer:  d.Metrics,
		jwtSecret: d.JWTSecret,
		startTime: time.Now(),
	}
}

// Routes mounts the admin API under /admin
func (h *Handler) Routes(app *fiber.App) {
	admin := app.Group("/admin")

	admin.Get("/health", h.HealthCheck)
	admin.Get("/metrics/prometheus", h.prometheusHandler())

	// Authentication routes
	auth := admin.Group("/api")
	auth.Post("/signup", h.Signup)
	auth.Post("/login", h.Login)

	// Protected routes
	api := admin.Group("/api", middleware.AdminJWT(h.jwtSecret))

	users := api.Group("/users")
	users.Get("/", h.GetUsers)
	users.Post("/", h.CreateUser)
	users.Patch("/:id", h.UpdateUser)
	users.Delete("/:id", h.DeleteUser)

	rules := api.Group("/rules")
	rules.Get("/", h.GetRules)
	rules.Get("/:id", h.GetRule)
	rules.Post("/", h.CreateRule)
	rules.Put("/:id", h.UpdateRule)
	rules.Delete("/:id", h.DeleteRule)

	backends := api.Group("/backends")
	backends.Get("/", h.GetBackends)
	backends.Get("/:id", h.GetBackend)
	backends.Post("/", h.CreateBackend)
	backends.Put("/:id", h.UpdateBackend)
	backends.Delete("/:id", h.DeleteBackend)

	api.Get("/attempts", h.GetAttempts)
	api.Get("/attempts/:id", h.GetAttempt)
	api.Get("/middlewares", h.GetMiddlewares)
	api.Get("/stats", h.GetStats)
}

func (h *Handler) uptime() time.Duration {
	return time.Since(h.startTime)
}

func paramID(c *fiber.Ctx) (int64, bool) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	return id, err == nil && id > 0
}

func errorJSON(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
	})
}
