package handlers

import "github.com/gofiber/fiber/v2"

// HealthCheck reports process and database health
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	dbStatus := "connected"
	if err := h.store.Ping(c.Context()); err != nil {
		dbStatus = "disconnected"
	}

	backendsHealth := map[string]bool{}
	if h.checker != nil {
		backendsHealth = h.checker.Status()
	}

	return c.JSON(fiber.Map{
		"status":          "ok",
		"uptime":          int64(h.uptime().Seconds()),
		"db":              dbStatus,
		"backends_health": backendsHealth,
	})
}
