package handlers

import "github.com/gofiber/fiber/v2"

// GetMiddlewares lists the registered middlewares with their config schemas
func (h *Handler) GetMiddlewares(c *fiber.Ctx) error {
	return c.JSON(h.registry.Descriptors())
}
