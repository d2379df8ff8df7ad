package handlers

import (
	"errors"

	"github.com/arifur/strong-forward-gateway/database"
	"github.com/arifur/strong-forward-gateway/models"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
)

type backendRequest struct {
	Name            string               `json:"name"`
	URL             string               `json:"url"`
	Weight          int                  `json:"weight"`
	Enabled         *bool                `json:"enabled"`
	Status          models.BackendStatus `json:"status"`
	TimeoutSeconds  int                  `json:"timeout_seconds"`
	MaxConnections  int                  `json:"max_connections"`
	HealthCheckPath string               `json:"health_check_path"`
}

// apply copies the request onto b; health fields are left alone
func (r backendRequest) apply(b *models.Backend) {
	b.Name = r.Name
	b.URL = r.URL
	b.Weight = r.Weight
	b.Enabled = r.Enabled == nil || *r.Enabled
	if r.Status != "" {
		b.Status = r.Status
	}
	b.TimeoutSeconds = r.TimeoutSeconds
	b.MaxConnections = r.MaxConnections
	b.HealthCheckPath = r.HealthCheckPath
	b.ApplyDefaults()
}

// GetBackends returns all backends with their live connection counts
func (h *Handler) GetBackends(c *fiber.Ctx) error {
	backends, err := h.store.Backends.FindAll(c.Context())
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Database error")
	}

	out := make([]fiber.Map, 0, len(backends))
	for _, b := range backends {
		out = append(out, fiber.Map{
			"backend":            b,
			"healthy":            b.IsHealthy(),
			"active_connections": h.selector.Tracker().Count(b.ID),
		})
	}
	return c.JSON(out)
}

// GetBackend returns one backend
func (h *Handler) GetBackend(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid backend ID")
	}
	b, err := h.store.Backends.Find(c.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return errorJSON(c, fiber.StatusNotFound, "Backend not found")
	}
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Database error")
	}
	return c.JSON(b)
}

// CreateBackend creates a new backend
func (h *Handler) CreateBackend(c *fiber.Ctx) error {
	var req backendRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}

	b := &models.Backend{}
	req.apply(b)
	if errs := b.Validate(); len(errs) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"errors": errs})
	}

	if err := h.store.Backends.Save(c.Context(), b, true); err != nil {
		log.Errorf("Error creating backend: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to create backend")
	}
	h.matcher.Invalidate()
	return c.Status(fiber.StatusCreated).JSON(b)
}

// UpdateBackend replaces a backend's configuration
func (h *Handler) UpdateBackend(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid backend ID")
	}

	var req backendRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}

	b, err := h.store.Backends.Find(c.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return errorJSON(c, fiber.StatusNotFound, "Backend not found")
	}
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Database error")
	}

	req.apply(b)
	if errs := b.Validate(); len(errs) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"errors": errs})
	}

	if err := h.store.Backends.Update(c.Context(), b, true); err != nil {
		log.Errorf("Error updating backend %d: %v", id, err)
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to update backend")
	}
	h.matcher.Invalidate()
	return c.JSON(b)
}

// DeleteBackend deletes a backend and unlinks it from every rule
func (h *Handler) DeleteBackend(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid backend ID")
	}

	b, err := h.store.Backends.Find(c.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return errorJSON(c, fiber.StatusNotFound, "Backend not found")
	}
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Database error")
	}

	if err := h.store.Backends.Remove(c.Context(), b, true); err != nil {
		log.Errorf("Error deleting backend %d: %v", id, err)
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to delete backend")
	}
	h.matcher.Invalidate()
	return c.SendStatus(fiber.StatusNoContent)
}
